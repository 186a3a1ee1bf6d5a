package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/critic-scm/critic/internal/branch"
	"github.com/critic-scm/critic/internal/changeset"
	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/review"
)

const emptyTree = models.SHA1("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

var commitIdentity = []string{
	"GIT_AUTHOR_NAME=test",
	"GIT_AUTHOR_EMAIL=test@example.org",
	"GIT_AUTHOR_DATE=2026-01-01T12:00:00",
	"GIT_COMMITTER_NAME=test",
	"GIT_COMMITTER_EMAIL=test@example.org",
	"GIT_COMMITTER_DATE=2026-01-01T12:00:00",
}

type engineEnv struct {
	db     database.DB
	engine *Engine
	git    *gitaccess.Repository
	repo   *models.Repository
	review *models.Review

	base, head models.SHA1
}

// setupEngine builds a repository with master at a base commit and a review
// branch two commits ahead.
func setupEngine(t *testing.T) *engineEnv {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	reposDir := t.TempDir()
	git, err := gitaccess.Init(ctx, filepath.Join(reposDir, "test.git"), "test", "", "")
	if err != nil {
		t.Fatal(err)
	}
	repo := &models.Repository{Name: "test", Path: "test.git", DefaultBranch: "master"}
	if err := db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}

	commit := func(message string, parents ...models.SHA1) models.SHA1 {
		sha, err := git.CommitTree(ctx, emptyTree, parents, message, commitIdentity)
		if err != nil {
			t.Fatal(err)
		}
		return sha
	}
	base := commit("base")
	c1 := commit("first", base)
	c2 := commit("second", c1)

	store := changeset.NewStore(db, nil, reposDir, t.TempDir(), nil)
	updater := branch.NewUpdater(db, store, nil, reposDir, nil)
	if _, err := updater.ProcessUpdate(ctx, branch.UpdateInput{
		RepoID: repo.ID, BranchName: "master", NewHead: base,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := updater.ProcessUpdate(ctx, branch.UpdateInput{
		RepoID: repo.ID, BranchName: "r/feature", BranchType: "review", NewHead: c2,
	}); err != nil {
		t.Fatal(err)
	}
	if err := git.UpdateRef(ctx, gitaccess.RefUpdate{Name: "refs/heads/master", New: base}); err != nil {
		t.Fatal(err)
	}
	if err := git.UpdateRef(ctx, gitaccess.RefUpdate{Name: "refs/heads/r/feature", New: c2}); err != nil {
		t.Fatal(err)
	}

	owner := &models.User{Name: "alice", Email: "alice@example.com"}
	if err := db.CreateUser(ctx, owner); err != nil {
		t.Fatal(err)
	}
	reviewBranch, err := db.GetBranch(ctx, repo.ID, "r/feature")
	if err != nil {
		t.Fatal(err)
	}
	rev := &models.Review{
		RepoID:   repo.ID,
		BranchID: &reviewBranch.ID,
		OwnerID:  owner.ID,
		State:    models.ReviewOpen,
		Summary:  "Add things",
	}
	if err := db.CreateReview(ctx, rev); err != nil {
		t.Fatal(err)
	}

	states := review.NewStateReader(db)
	engine := NewEngine(db, updater, states, reposDir, t.TempDir(), nil)
	return &engineEnv{db: db, engine: engine, git: git, repo: repo, review: rev, base: base, head: c2}
}

func (e *engineEnv) targetBranchID(t *testing.T) int64 {
	t.Helper()
	master, err := e.db.GetBranch(context.Background(), e.repo.ID, "master")
	if err != nil {
		t.Fatal(err)
	}
	return master.ID
}

func TestPerformFastForward(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	req := &models.IntegrationRequest{
		ReviewID:       env.review.ID,
		TargetBranchID: env.targetBranchID(t),
		DoIntegrate:    true,
		Strategy:       []models.IntegrationStrategy{models.StrategyFastForward},
		State:          models.IntegrationPlanned,
	}
	if err := env.db.CreateIntegrationRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Perform(ctx, req); err != nil {
		t.Fatal(err)
	}

	stored, err := env.db.GetIntegrationRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.IntegrationPerformed {
		t.Fatalf("state = %q (%s), want performed", stored.State, stored.ErrorMessage)
	}
	if stored.Successful == nil || !*stored.Successful {
		t.Error("successful flag not set")
	}
	if stored.StrategyUsed != models.StrategyFastForward {
		t.Errorf("strategy used = %q, want fast-forward", stored.StrategyUsed)
	}

	master, err := env.db.GetBranch(ctx, env.repo.ID, "master")
	if err != nil {
		t.Fatal(err)
	}
	if master.Head != env.head {
		t.Errorf("master head = %s, want %s", master.Head, env.head)
	}
	refHead, err := env.git.RevParse(ctx, "refs/heads/master", gitaccess.TypeCommit, false)
	if err != nil {
		t.Fatal(err)
	}
	if refHead != env.head {
		t.Errorf("master ref = %s, want %s", refHead, env.head)
	}

	closed, err := env.db.GetReview(ctx, env.review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.State != models.ReviewClosed {
		t.Errorf("review state = %q, want closed", closed.State)
	}
}

func TestPerformSquashesFirst(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	req := &models.IntegrationRequest{
		ReviewID:       env.review.ID,
		TargetBranchID: env.targetBranchID(t),
		DoSquash:       true,
		DoIntegrate:    true,
		Strategy:       []models.IntegrationStrategy{models.StrategyFastForward},
		State:          models.IntegrationPlanned,
	}
	if err := env.db.CreateIntegrationRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Perform(ctx, req); err != nil {
		t.Fatal(err)
	}

	stored, err := env.db.GetIntegrationRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.IntegrationPerformed {
		t.Fatalf("state = %q (%s), want performed", stored.State, stored.ErrorMessage)
	}
	if stored.SquashedAt == nil {
		t.Error("squash stage not recorded")
	}

	master, err := env.db.GetBranch(ctx, env.repo.ID, "master")
	if err != nil {
		t.Fatal(err)
	}
	if master.Head == env.head {
		t.Fatal("master head is the unsquashed review head")
	}
	squashed, err := env.git.FetchCommit(ctx, master.Head)
	if err != nil {
		t.Fatal(err)
	}
	if len(squashed.Parents) != 1 || squashed.Parents[0] != env.base {
		t.Errorf("squashed commit parents = %v, want [%s]", squashed.Parents, env.base)
	}
	if !strings.Contains(squashed.Message, "Add things") {
		t.Errorf("squashed message %q missing review summary", squashed.Message)
	}
}

func TestPerformFailsWithoutFeasibleStrategy(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	// Diverge master so a fast-forward is impossible.
	diverged, err := env.git.CommitTree(ctx, emptyTree, []models.SHA1{env.base}, "diverged", commitIdentity)
	if err != nil {
		t.Fatal(err)
	}
	master, err := env.db.GetBranch(ctx, env.repo.ID, "master")
	if err != nil {
		t.Fatal(err)
	}
	update := &models.BranchUpdate{BranchID: master.ID, FromHead: master.Head, ToHead: diverged}
	if err := env.db.RecordBranchUpdate(ctx, update); err != nil {
		t.Fatal(err)
	}

	req := &models.IntegrationRequest{
		ReviewID:       env.review.ID,
		TargetBranchID: master.ID,
		DoIntegrate:    true,
		Strategy:       []models.IntegrationStrategy{models.StrategyFastForward},
		State:          models.IntegrationPlanned,
	}
	if err := env.db.CreateIntegrationRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Perform(ctx, req); err != nil {
		t.Fatal(err)
	}

	stored, err := env.db.GetIntegrationRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.IntegrationFailed {
		t.Fatalf("state = %q, want failed", stored.State)
	}
	if stored.Successful == nil || *stored.Successful {
		t.Error("successful flag should be false")
	}
	if !strings.Contains(stored.ErrorMessage, "no feasible") {
		t.Errorf("error message = %q, want a no-feasible-strategy report", stored.ErrorMessage)
	}

	stillOpen, err := env.db.GetReview(ctx, env.review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stillOpen.State != models.ReviewOpen {
		t.Errorf("review state = %q, failure must leave the review open", stillOpen.State)
	}
}

// commitFile creates a commit on top of parent that writes content to path.
func (e *engineEnv) commitFile(t *testing.T, parent models.SHA1, path, content, message string) models.SHA1 {
	t.Helper()
	ctx := context.Background()
	wt, err := e.git.WithEnv(commitIdentity).NewWorktree(ctx, t.TempDir(), parent)
	if err != nil {
		t.Fatal(err)
	}
	defer wt.Release(ctx)
	if err := os.WriteFile(filepath.Join(wt.Path, path), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Run(ctx, "add", path); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Run(ctx, "commit", "-m", message); err != nil {
		t.Fatal(err)
	}
	head, err := wt.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return head
}

func TestPerformRecordsConflicts(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	// Both branches add notes.txt with different content.
	masterHead := env.commitFile(t, env.base, "notes.txt", "master line\n", "master edit")
	reviewHead := env.commitFile(t, env.head, "notes.txt", "review line\n", "review edit")

	master, err := env.db.GetBranch(ctx, env.repo.ID, "master")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.RecordBranchUpdate(ctx, &models.BranchUpdate{BranchID: master.ID, FromHead: master.Head, ToHead: masterHead}); err != nil {
		t.Fatal(err)
	}
	feature, err := env.db.GetBranch(ctx, env.repo.ID, "r/feature")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.RecordBranchUpdate(ctx, &models.BranchUpdate{BranchID: feature.ID, FromHead: feature.Head, ToHead: reviewHead}); err != nil {
		t.Fatal(err)
	}

	req := &models.IntegrationRequest{
		ReviewID:       env.review.ID,
		TargetBranchID: master.ID,
		DoIntegrate:    true,
		Strategy:       []models.IntegrationStrategy{models.StrategyCherryPick},
		State:          models.IntegrationPlanned,
	}
	if err := env.db.CreateIntegrationRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Perform(ctx, req); err != nil {
		t.Fatal(err)
	}

	stored, err := env.db.GetIntegrationRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != models.IntegrationFailed {
		t.Fatalf("state = %q (%s), want failed", stored.State, stored.ErrorMessage)
	}
	if stored.Successful == nil || *stored.Successful {
		t.Error("successful flag should be false")
	}
	if stored.StrategyUsed != models.StrategyCherryPick {
		t.Errorf("strategy used = %q, want cherry-pick", stored.StrategyUsed)
	}
	if len(stored.Conflicts) != 1 || stored.Conflicts[0] != "notes.txt" {
		t.Errorf("conflicts = %v, want [notes.txt]", stored.Conflicts)
	}
	if !strings.Contains(stored.ErrorMessage, "cherry-pick failed with conflicts in notes.txt") {
		t.Errorf("error message = %q, want a conflict report naming notes.txt", stored.ErrorMessage)
	}
	// The message carries status and diff excerpts from the failed worktree.
	if !strings.Contains(stored.ErrorMessage, "<<<<<<<") {
		t.Errorf("error message = %q, want conflict markers from the diff excerpt", stored.ErrorMessage)
	}

	// The target branch must be untouched.
	refHead, err := env.git.RevParse(ctx, "refs/heads/master", gitaccess.TypeCommit, false)
	if err != nil {
		t.Fatal(err)
	}
	if refHead != env.base {
		t.Errorf("master ref = %s, want %s", refHead, env.base)
	}
	stillOpen, err := env.db.GetReview(ctx, env.review.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stillOpen.State != models.ReviewOpen {
		t.Errorf("review state = %q, failure must leave the review open", stillOpen.State)
	}
}

func TestRequestRejectsUnacceptedReview(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	err := env.engine.Request(ctx, &models.IntegrationRequest{
		ReviewID:       env.review.ID,
		TargetBranchID: env.targetBranchID(t),
		DoIntegrate:    true,
	})
	if !criterrors.IsKind(err, criterrors.KindInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}
