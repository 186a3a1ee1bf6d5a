package changeset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/models"
)

func testStore(t *testing.T) (*Store, database.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return NewStore(db, nil, t.TempDir(), t.TempDir(), nil), db
}

func TestJobKeyRoundTrip(t *testing.T) {
	tests := []struct {
		key  string
		want JobKey
	}{
		{
			key:  StructureKey(17),
			want: JobKey{Name: JobComputeStructure, ChangesetID: 17},
		},
		{
			key:  AnalyzeKey(17, 3),
			want: JobKey{Name: JobAnalyzeChangedLines, ChangesetID: 17, Block: 3},
		},
		{
			key: HighlightKey(17, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 5),
			want: JobKey{
				Name:        JobSyntaxHighlightFile,
				ChangesetID: 17,
				SHA1:        "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				LanguageID:  5,
			},
		},
	}
	for _, tt := range tests {
		got, err := DecodeKey(tt.key)
		if err != nil {
			t.Fatalf("DecodeKey(%q): %v", tt.key, err)
		}
		if got != tt.want {
			t.Fatalf("DecodeKey(%q) = %+v, want %+v", tt.key, got, tt.want)
		}
	}
}

func TestDecodeKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{
		"",
		"not json",
		`[]`,
		`["ComputeChangesetStructure"]`,
		`["ComputeChangesetStructure",1,2]`,
		`["AnalyzeChangedLines",1]`,
		`["NoSuchJob",1]`,
	} {
		if _, err := DecodeKey(key); err == nil {
			t.Fatalf("DecodeKey(%q) succeeded, want error", key)
		}
	}
}

func TestLanguageOf(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"src/main.c", "c"},
		{"src/util.h", "c"},
		{"cmd/critic/main.go", "go"},
		{"Makefile", "make"},
		{"docs/notes.md", "markdown"},
		{"data.bin", ""},
		{"LICENSE", ""},
	}
	for _, tt := range tests {
		if got := languageOf(tt.path); got != tt.want {
			t.Fatalf("languageOf(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRequestIsIdempotent(t *testing.T) {
	store, db := testStore(t)
	ctx := context.Background()

	repo := &models.Repository{Name: "critic", Path: "critic.git", DefaultBranch: "master"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}

	cs := &models.Changeset{
		RepoID:   repo.ID,
		FromSHA1: "1111111111111111111111111111111111111111",
		ToSHA1:   "2222222222222222222222222222222222222222",
	}
	created, err := store.Request(ctx, cs, models.LevelChangedLines)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first request to create the changeset")
	}
	job, err := db.GetJobByKey(ctx, StructureKey(cs.ID))
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobQueued {
		t.Fatalf("expected queued structure job, got %q", job.Status)
	}

	again := &models.Changeset{RepoID: repo.ID, FromSHA1: cs.FromSHA1, ToSHA1: cs.ToSHA1}
	created, err = store.Request(ctx, again, models.LevelChangedLines)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected second request to find the existing changeset")
	}
	if again.ID != cs.ID {
		t.Fatalf("expected changeset id %d, got %d", cs.ID, again.ID)
	}

	stats, err := db.JobQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 1 {
		t.Fatalf("expected a single queued job, got %d", stats.Queued)
	}
}

func TestReportCountsProgress(t *testing.T) {
	store, db := testStore(t)
	ctx := context.Background()

	repo := &models.Repository{Name: "critic", Path: "critic.git", DefaultBranch: "master"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	cs := &models.Changeset{RepoID: repo.ID, ToSHA1: "3333333333333333333333333333333333333333"}
	if _, err := store.Request(ctx, cs, models.LevelChangedLines); err != nil {
		t.Fatal(err)
	}

	examinedID, err := db.LookupOrCreateFileID(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	pendingID, err := db.LookupOrCreateFileID(ctx, "b.txt")
	if err != nil {
		t.Fatal(err)
	}
	sha := models.SHA1("4444444444444444444444444444444444444444")
	files := []models.ChangesetFile{
		{ChangesetID: cs.ID, FileID: examinedID, Path: "a.txt", NewSHA1: &sha},
		{ChangesetID: cs.ID, FileID: pendingID, Path: "b.txt", NewSHA1: &sha},
	}
	if err := db.InsertChangesetFiles(ctx, files); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChangesetCompleted(ctx, cs.ID, models.LevelStructure); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertFileDifference(ctx, &models.FileDifference{
		ChangesetID:    cs.ID,
		FileID:         examinedID,
		ComparisonDone: true,
		NewLength:      3,
		NewLinebreak:   true,
	}); err != nil {
		t.Fatal(err)
	}
	blocks := []models.ChangedLines{
		{ChangesetID: cs.ID, FileID: examinedID, Index: 0, InsertCount: 3, InsertLength: 17},
	}
	if err := db.InsertChangedLines(ctx, blocks); err != nil {
		t.Fatal(err)
	}
	// A transient error keeps the comparison pending; only fatal errors
	// settle a file.
	if err := store.RecordError(ctx, cs.ID, AnalyzeKey(cs.ID, 1), false, "blob missing"); err != nil {
		t.Fatal(err)
	}

	progress, err := store.Report(ctx, cs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !progress.StructureComplete {
		t.Fatal("expected structure complete")
	}
	if progress.Content.Examined != 1 || progress.Content.Unexamined != 1 {
		t.Fatalf("unexpected content progress %+v", progress.Content)
	}
	if progress.Content.BlocksTotal != 1 {
		t.Fatalf("expected one block, got %d", progress.Content.BlocksTotal)
	}
	if progress.Usable() {
		t.Fatal("expected changeset not usable with an unexamined file")
	}
	if len(progress.Errors) != 1 || progress.Errors[0].Message != "blob missing" {
		t.Fatalf("unexpected errors %+v", progress.Errors)
	}
}

func TestFatalErrorCompletesContent(t *testing.T) {
	store, db := testStore(t)
	ctx := context.Background()

	repo := &models.Repository{Name: "critic", Path: "critic.git", DefaultBranch: "master"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	cs := &models.Changeset{RepoID: repo.ID, ToSHA1: "5555555555555555555555555555555555555555"}
	if _, err := store.Request(ctx, cs, models.LevelChangedLines); err != nil {
		t.Fatal(err)
	}

	comparedID, err := db.LookupOrCreateFileID(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	brokenID, err := db.LookupOrCreateFileID(ctx, "b.txt")
	if err != nil {
		t.Fatal(err)
	}
	sha := models.SHA1("6666666666666666666666666666666666666666")
	files := []models.ChangesetFile{
		{ChangesetID: cs.ID, FileID: comparedID, Path: "a.txt", NewSHA1: &sha},
		{ChangesetID: cs.ID, FileID: brokenID, Path: "b.txt", NewSHA1: &sha},
	}
	if err := db.InsertChangesetFiles(ctx, files); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChangesetCompleted(ctx, cs.ID, models.LevelStructure); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertFileDifference(ctx, &models.FileDifference{
		ChangesetID:    cs.ID,
		FileID:         comparedID,
		ComparisonDone: true,
	}); err != nil {
		t.Fatal(err)
	}

	// b.txt's analyze job fails for good. The file counts as examined with
	// an error and the content stage completes instead of hanging.
	if err := store.RecordError(ctx, cs.ID, AnalyzeKey(cs.ID, 1), true, "blob corrupt"); err != nil {
		t.Fatal(err)
	}

	progress, err := store.Report(ctx, cs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.Content.Examined != 1 || progress.Content.Errored != 1 {
		t.Fatalf("unexpected content progress %+v", progress.Content)
	}
	if progress.Content.Unexamined != 0 || progress.Content.Uncompared != 0 {
		t.Fatalf("errored file still counted pending: %+v", progress.Content)
	}
	if !progress.Usable() {
		t.Fatal("expected changeset usable once every file is compared or errored")
	}
	if !progress.Content.Complete {
		t.Fatal("expected content stage marked complete after the fatal error")
	}

	stored, err := db.GetChangesetByID(ctx, cs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Completed[models.LevelChangedLines] {
		t.Fatal("changedlines completion flag not set")
	}
}
