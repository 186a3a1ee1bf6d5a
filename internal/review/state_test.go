package review

import (
	"context"
	"testing"

	"github.com/critic-scm/critic/internal/models"
)

// openReview builds a published review with one commit touching two files,
// assigned to bob.
func openReview(t *testing.T, env *assemblerEnv) *models.Review {
	t.Helper()
	ctx := context.Background()

	env.filter(t, env.bob, "src/", models.FilterReviewer)
	env.seedCommit(t, commitTwo, commitOne, []string{"src/main.c", "src/lib/util.c"})
	update := env.branchUpdate(t, commitOne, commitTwo, []models.SHA1{commitTwo})

	review, _, err := env.assembler.EnsureReview(ctx, env.branch, env.alice)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.UpdateReviewSummary(ctx, review.ID, "Add things", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.assembler.ExtendFromUpdate(ctx, review, update); err != nil {
		t.Fatal(err)
	}
	if err := env.assembler.Publish(ctx, review.ID); err != nil {
		t.Fatal(err)
	}
	review, err = env.db.GetReview(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	return review
}

func TestStateProgressAndAcceptance(t *testing.T) {
	env := setupAssembler(t)
	ctx := context.Background()
	review := openReview(t, env)
	reader := NewStateReader(env.db)

	state, err := reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Two files, each +3/-1.
	if state.Progress.TotalLines != 8 || state.Progress.ReviewedLines != 0 {
		t.Errorf("progress = %d/%d, want 0/8", state.Progress.ReviewedLines, state.Progress.TotalLines)
	}
	if state.Accepted {
		t.Error("unreviewed review reported accepted")
	}
	if len(state.Commits) != 1 || state.Commits[0].SHA1 != commitTwo {
		t.Errorf("commit progress = %+v, want one entry for %s", state.Commits, commitTwo)
	}
	if state.LastChanged.IsZero() {
		t.Error("last changed not derived")
	}

	files, err := env.db.ListReviewFiles(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rf := range files {
		if err := env.db.SetReviewFileReviewed(ctx, rf.ID, env.bob, true); err != nil {
			t.Fatal(err)
		}
	}

	state, err = reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Progress.ReviewedLines != state.Progress.TotalLines {
		t.Errorf("progress = %d/%d, want fully reviewed", state.Progress.ReviewedLines, state.Progress.TotalLines)
	}
	if !state.Accepted {
		t.Error("fully reviewed review without issues not accepted")
	}
}

func TestStatePendingCommitBlocksAcceptance(t *testing.T) {
	env := setupAssembler(t)
	ctx := context.Background()
	review := openReview(t, env)
	reader := NewStateReader(env.db)

	files, err := env.db.ListReviewFiles(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rf := range files {
		if err := env.db.SetReviewFileReviewed(ctx, rf.ID, env.bob, true); err != nil {
			t.Fatal(err)
		}
	}
	state, err := reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Accepted || state.PendingCommits != 0 {
		t.Fatalf("accepted=%v pending=%d, want accepted with no pending commits", state.Accepted, state.PendingCommits)
	}

	// A second push lands while its changeset is still being computed.
	commit := &models.Commit{
		RepoID:  env.repo.ID,
		SHA1:    commitThree,
		Tree:    treeOne,
		Parents: []models.SHA1{commitTwo},
		Author:  models.Signature{Name: "alice", Email: "alice@example.com"},
		Message: "more things",
	}
	if err := env.db.StoreCommit(ctx, commit); err != nil {
		t.Fatal(err)
	}
	cs := &models.Changeset{RepoID: env.repo.ID, FromSHA1: commitTwo, ToSHA1: commitThree}
	if _, err := env.db.RequestChangeset(ctx, cs); err != nil {
		t.Fatal(err)
	}
	update := env.branchUpdate(t, commitTwo, commitThree, []models.SHA1{commitThree})
	if err := env.assembler.ExtendFromUpdate(ctx, review, update); err != nil {
		t.Fatal(err)
	}

	state, err = reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.PendingCommits != 1 {
		t.Errorf("pending commits = %d, want 1", state.PendingCommits)
	}
	if state.Accepted {
		t.Error("review with a pending commit reported accepted")
	}

	// The changeset finishes and its files reach the review.
	fileID, err := env.db.LookupOrCreateFileID(ctx, "src/extra.c")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.InsertChangesetFiles(ctx, []models.ChangesetFile{{ChangesetID: cs.ID, FileID: fileID, Path: "src/extra.c"}}); err != nil {
		t.Fatal(err)
	}
	if err := env.db.InsertChangedLines(ctx, []models.ChangedLines{{ChangesetID: cs.ID, FileID: fileID, InsertCount: 2, InsertLength: 2}}); err != nil {
		t.Fatal(err)
	}
	if err := env.db.MarkChangesetCompleted(ctx, cs.ID, models.LevelStructure); err != nil {
		t.Fatal(err)
	}
	if err := env.db.MarkChangesetCompleted(ctx, cs.ID, models.LevelChangedLines); err != nil {
		t.Fatal(err)
	}
	if err := env.assembler.PopulateFromChangeset(ctx, review.ID, cs.ID); err != nil {
		t.Fatal(err)
	}

	state, err = reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.PendingCommits != 0 {
		t.Errorf("pending commits = %d, want 0 after completion", state.PendingCommits)
	}
	if state.Accepted {
		t.Error("new unreviewed file must keep the review unaccepted")
	}

	files, err = env.db.ListReviewFiles(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rf := range files {
		if rf.Reviewed {
			continue
		}
		if err := env.db.SetReviewFileReviewed(ctx, rf.ID, env.bob, true); err != nil {
			t.Fatal(err)
		}
	}
	state, err = reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Accepted {
		t.Error("fully reviewed review with all changesets complete not accepted")
	}
}

func TestStateOpenIssueBlocksAcceptance(t *testing.T) {
	env := setupAssembler(t)
	ctx := context.Background()
	review := openReview(t, env)
	reader := NewStateReader(env.db)

	files, err := env.db.ListReviewFiles(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rf := range files {
		if err := env.db.SetReviewFileReviewed(ctx, rf.ID, env.bob, true); err != nil {
			t.Fatal(err)
		}
	}

	issue := &models.Comment{
		ReviewID: review.ID,
		AuthorID: env.bob,
		Kind:     models.CommentIssue,
		State:    models.IssueOpen,
		Text:     "off-by-one in the loop bound",
		Draft:    true,
	}
	if err := env.db.CreateComment(ctx, issue); err != nil {
		t.Fatal(err)
	}

	state, err := reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Accepted {
		t.Error("draft issue must not block acceptance")
	}

	if err := env.db.PublishComment(ctx, issue.ID); err != nil {
		t.Fatal(err)
	}
	state, err = reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Progress.OpenIssues != 1 {
		t.Errorf("open issues = %d, want 1", state.Progress.OpenIssues)
	}
	if state.Accepted {
		t.Error("open published issue must block acceptance")
	}

	if err := env.db.UpdateCommentState(ctx, issue.ID, models.IssueResolved, nil); err != nil {
		t.Fatal(err)
	}
	state, err = reader.Read(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Accepted {
		t.Error("resolved issue must not block acceptance")
	}
}

func TestRefreshUserTags(t *testing.T) {
	env := setupAssembler(t)
	ctx := context.Background()
	review := openReview(t, env)
	reader := NewStateReader(env.db)

	tags, err := reader.RefreshUserTags(ctx, review.ID, env.bob)
	if err != nil {
		t.Fatal(err)
	}
	if !hasTag(tags, TagAssigned) || !hasTag(tags, TagPending) {
		t.Errorf("bob tags = %v, want assigned and pending", tags)
	}

	files, err := env.db.ListReviewFiles(ctx, review.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rf := range files {
		if err := env.db.SetReviewFileReviewed(ctx, rf.ID, env.bob, true); err != nil {
			t.Fatal(err)
		}
	}
	draft := &models.Comment{ReviewID: review.ID, AuthorID: env.bob, Kind: models.CommentNote, Text: "wip", Draft: true}
	if err := env.db.CreateComment(ctx, draft); err != nil {
		t.Fatal(err)
	}

	tags, err = reader.RefreshUserTags(ctx, review.ID, env.bob)
	if err != nil {
		t.Fatal(err)
	}
	if hasTag(tags, TagPending) {
		t.Errorf("bob tags = %v, pending should clear after reviewing", tags)
	}
	if !hasTag(tags, TagUnpublished) {
		t.Errorf("bob tags = %v, want unpublished for draft comment", tags)
	}

	stored, err := env.db.ListReviewUserTags(ctx, review.ID, env.bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(tags) {
		t.Errorf("stored tags %v differ from returned %v", stored, tags)
	}

	// Uninvolved users end up with no tags.
	tags, err = reader.RefreshUserTags(ctx, review.ID, env.carol)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Errorf("carol tags = %v, want none", tags)
	}
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
