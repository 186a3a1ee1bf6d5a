package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/models"
)

func openTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func testRepository(t *testing.T, db *SQLiteDB) *models.Repository {
	t.Helper()
	repo := &models.Repository{Name: "critic", Path: "critic.git", DefaultBranch: "master"}
	if err := db.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestSQLiteRecordBranchUpdateMovesHead(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := testRepository(t, db)

	const oldHead = models.SHA1("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	const newHead = models.SHA1("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	branch := &models.Branch{RepoID: repo.ID, Name: "r/feature", Head: oldHead, Type: "review"}
	if err := db.CreateBranch(ctx, branch); err != nil {
		t.Fatal(err)
	}

	update := &models.BranchUpdate{
		BranchID:   branch.ID,
		FromHead:   oldHead,
		ToHead:     newHead,
		Associated: []models.SHA1{newHead},
	}
	if err := db.RecordBranchUpdate(ctx, update); err != nil {
		t.Fatal(err)
	}
	if update.ID == 0 {
		t.Fatal("expected branch update id to be assigned")
	}

	got, err := db.GetBranchByID(ctx, branch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Head != newHead {
		t.Fatalf("expected head %s, got %s", newHead, got.Head)
	}

	commits, err := db.AssociatedCommits(ctx, branch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 1 || commits[0] != newHead {
		t.Fatalf("expected associated commits [%s], got %v", newHead, commits)
	}
}

func TestSQLiteRecordBranchUpdateDetectsMovedHead(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := testRepository(t, db)

	branch := &models.Branch{
		RepoID: repo.ID,
		Name:   "master",
		Head:   "cccccccccccccccccccccccccccccccccccccccc",
		Type:   "normal",
	}
	if err := db.CreateBranch(ctx, branch); err != nil {
		t.Fatal(err)
	}

	update := &models.BranchUpdate{
		BranchID: branch.ID,
		FromHead: "dddddddddddddddddddddddddddddddddddddddd", // not the current head
		ToHead:   "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
	}
	err := db.RecordBranchUpdate(ctx, update)
	if !criterrors.IsKind(err, criterrors.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestSQLiteRequestChangesetIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := testRepository(t, db)

	cs := &models.Changeset{
		RepoID:   repo.ID,
		FromSHA1: "1111111111111111111111111111111111111111",
		ToSHA1:   "2222222222222222222222222222222222222222",
	}
	created, err := db.RequestChangeset(ctx, cs)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first request to create the changeset")
	}

	// The row exists but no completion level is reached yet; repeating the
	// request must still report it as found, not created.
	again := &models.Changeset{
		RepoID:   repo.ID,
		FromSHA1: cs.FromSHA1,
		ToSHA1:   cs.ToSHA1,
	}
	created, err = db.RequestChangeset(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected second request to find the existing changeset")
	}
	if again.ID != cs.ID {
		t.Fatalf("expected same changeset id %d, got %d", cs.ID, again.ID)
	}

	// Distinct for_merge keys yield distinct changesets.
	merge := models.SHA1("3333333333333333333333333333333333333333")
	forMerge := &models.Changeset{
		RepoID:   repo.ID,
		FromSHA1: cs.FromSHA1,
		ToSHA1:   cs.ToSHA1,
		ForMerge: &merge,
	}
	if _, err := db.RequestChangeset(ctx, forMerge); err != nil {
		t.Fatal(err)
	}
	if forMerge.ID == cs.ID {
		t.Fatal("expected a separate changeset for the merge variant")
	}
}

func TestSQLiteChangesetCompletionLevels(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := testRepository(t, db)

	cs := &models.Changeset{RepoID: repo.ID, ToSHA1: "4444444444444444444444444444444444444444"}
	if _, err := db.RequestChangeset(ctx, cs); err != nil {
		t.Fatal(err)
	}
	if cs.Completed[models.LevelStructure] {
		t.Fatal("expected fresh changeset to be incomplete")
	}
	if err := db.MarkChangesetCompleted(ctx, cs.ID, models.LevelStructure); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChangesetCompleted(ctx, cs.ID, models.LevelChangedLines); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetChangesetByID(ctx, cs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed[models.LevelStructure] || !got.Completed[models.LevelChangedLines] {
		t.Fatalf("expected structure and changedlines completed, got %v", got.Completed)
	}
	if got.Completed[models.LevelSyntaxHighlight] {
		t.Fatal("expected syntaxhighlight to remain incomplete")
	}
}

func TestSQLiteJobClaimAndRequeue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	job := &models.Job{Key: `["AnalyzeChangedLines",1,0]`, MaxAttempts: 3}
	if err := db.EnqueueJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Enqueueing the same key again keeps the original job.
	dup := &models.Job{Key: job.Key, MaxAttempts: 3}
	if err := db.EnqueueJob(ctx, dup); err != nil {
		t.Fatal(err)
	}
	if dup.ID != job.ID {
		t.Fatalf("expected duplicate enqueue to return job %d, got %d", job.ID, dup.ID)
	}

	claimed, err := db.ClaimJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim job %d, got %+v", job.ID, claimed)
	}
	if claimed.Status != models.JobRunning || claimed.AttemptCount != 1 {
		t.Fatalf("expected running job with one attempt, got %+v", claimed)
	}

	// Nothing else is runnable.
	if next, err := db.ClaimJob(ctx); err != nil || next != nil {
		t.Fatalf("expected empty claim, got %+v, %v", next, err)
	}

	// Requeue in the past makes it claimable again.
	if err := db.RequeueJob(ctx, claimed.ID, "transient failure", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	again, err := db.ClaimJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.AttemptCount != 2 {
		t.Fatalf("expected second attempt, got %+v", again)
	}
	if again.LastError != "transient failure" {
		t.Fatalf("expected last error to be recorded, got %q", again.LastError)
	}

	if err := db.CompleteJob(ctx, again.ID, models.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}
	stats, err := db.JobQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 0 || stats.Running != 0 || stats.Failed != 0 {
		t.Fatalf("expected empty queue stats, got %+v", stats)
	}
}

func TestSQLiteReviewFileReviewedRecordsChange(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := testRepository(t, db)

	alice := &models.User{Name: "alice"}
	if err := db.CreateUser(ctx, alice); err != nil {
		t.Fatal(err)
	}
	review := &models.Review{RepoID: repo.ID, OwnerID: alice.ID, State: models.ReviewOpen}
	if err := db.CreateReview(ctx, review); err != nil {
		t.Fatal(err)
	}
	cs := &models.Changeset{RepoID: repo.ID, ToSHA1: "5555555555555555555555555555555555555555"}
	if _, err := db.RequestChangeset(ctx, cs); err != nil {
		t.Fatal(err)
	}
	fileID, err := db.LookupOrCreateFileID(ctx, "src/main.c")
	if err != nil {
		t.Fatal(err)
	}
	files := []models.ReviewFile{{ReviewID: review.ID, ChangesetID: cs.ID, FileID: fileID, Inserted: 10, Deleted: 2}}
	if err := db.CreateReviewFiles(ctx, files); err != nil {
		t.Fatal(err)
	}
	if files[0].ID == 0 {
		t.Fatal("expected review file id to be assigned")
	}

	if err := db.SetReviewFileReviewed(ctx, files[0].ID, alice.ID, true); err != nil {
		t.Fatal(err)
	}
	// Marking again is a no-op and records no extra change.
	if err := db.SetReviewFileReviewed(ctx, files[0].ID, alice.ID, true); err != nil {
		t.Fatal(err)
	}

	changes, err := db.ListReviewFileChanges(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one recorded change, got %d", len(changes))
	}
	if !changes[0].ToReviewed || changes[0].FromReviewed {
		t.Fatalf("unexpected change %+v", changes[0])
	}
}

func TestSQLiteLookupOrCreateFileIDInternsPaths(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.LookupOrCreateFileID(ctx, "docs/README.md")
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.LookupOrCreateFileID(ctx, "docs/README.md")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected interned id %d, got %d", first, second)
	}
	path, err := db.GetFilePath(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if path != "docs/README.md" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestSQLiteCommentLocations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := testRepository(t, db)

	alice := &models.User{Name: "alice"}
	if err := db.CreateUser(ctx, alice); err != nil {
		t.Fatal(err)
	}
	review := &models.Review{RepoID: repo.ID, OwnerID: alice.ID, State: models.ReviewOpen}
	if err := db.CreateReview(ctx, review); err != nil {
		t.Fatal(err)
	}
	fileID, err := db.LookupOrCreateFileID(ctx, "src/util.c")
	if err != nil {
		t.Fatal(err)
	}

	comment := &models.Comment{
		ReviewID: review.ID,
		AuthorID: alice.ID,
		Kind:     models.CommentIssue,
		State:    models.IssueOpen,
		Text:     "off-by-one here",
		Draft:    true,
		Location: &models.Location{
			Kind:      models.LocationCommit,
			FileID:    fileID,
			CommitSHA: "6666666666666666666666666666666666666666",
			Side:      models.SideNew,
			FirstLine: 10,
			LastLine:  12,
		},
	}
	if err := db.CreateComment(ctx, comment); err != nil {
		t.Fatal(err)
	}

	locations := []models.CommentLocationVersion{
		{CommentID: comment.ID, SHA1: "6666666666666666666666666666666666666666", FirstLine: 10, LastLine: 12},
		{CommentID: comment.ID, SHA1: "7777777777777777777777777777777777777777", FirstLine: 14, LastLine: 16},
	}
	if err := db.InsertCommentLocations(ctx, locations); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetCommentLocation(ctx, comment.ID, "7777777777777777777777777777777777777777")
	if err != nil {
		t.Fatal(err)
	}
	if got.FirstLine != 14 || got.LastLine != 16 {
		t.Fatalf("unexpected location %+v", got)
	}

	loaded, err := db.GetComment(ctx, comment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Location == nil || loaded.Location.Kind != models.LocationCommit {
		t.Fatalf("expected commit location, got %+v", loaded.Location)
	}
	if loaded.Location.Side != models.SideNew {
		t.Fatalf("expected new side, got %q", loaded.Location.Side)
	}
}
