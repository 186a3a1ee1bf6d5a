// Package integration lands accepted reviews on their target branch. An
// integration request runs through up to three stages, squash, autosquash,
// and the integration proper, each recorded on the request row so a retried
// request resumes where it left off.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/critic-scm/critic/internal/branch"
	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/review"
)

const (
	defaultDeadline = 5 * time.Minute
	excerptBytes    = 4096
)

var integrationIdentity = []string{
	"GIT_AUTHOR_NAME=Critic System",
	"GIT_AUTHOR_EMAIL=system@critic",
	"GIT_COMMITTER_NAME=Critic System",
	"GIT_COMMITTER_EMAIL=system@critic",
	"GIT_SEQUENCE_EDITOR=true",
}

// Engine performs integration requests.
type Engine struct {
	db         database.DB
	updater    *branch.Updater
	states     *review.StateReader
	reposDir   string
	scratchDir string
	deadline   time.Duration
	logger     *slog.Logger
}

func NewEngine(db database.DB, updater *branch.Updater, states *review.StateReader, reposDir, scratchDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:         db,
		updater:    updater,
		states:     states,
		reposDir:   reposDir,
		scratchDir: scratchDir,
		deadline:   defaultDeadline,
		logger:     logger,
	}
}

// SetDeadline bounds the wall-clock time of one integration attempt.
func (e *Engine) SetDeadline(d time.Duration) { e.deadline = d }

// Request plans a new integration of an accepted review.
func (e *Engine) Request(ctx context.Context, req *models.IntegrationRequest) error {
	state, err := e.states.Read(ctx, req.ReviewID)
	if err != nil {
		return err
	}
	if !state.Accepted {
		return criterrors.New(criterrors.KindInvalidInput, "review is not accepted")
	}
	req.State = models.IntegrationPlanned
	return e.db.CreateIntegrationRequest(ctx, req)
}

// ProcessNext claims one planned request and performs it. Returns false when
// no request was pending.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	req, err := e.db.ClaimPlannedIntegration(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	return true, e.Perform(ctx, req)
}

// Perform runs the request's remaining stages. A request already performed
// successfully is left alone.
func (e *Engine) Perform(ctx context.Context, req *models.IntegrationRequest) error {
	if req.Successful != nil && *req.Successful {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	rev, err := e.db.GetReview(ctx, req.ReviewID)
	if err != nil {
		return e.fail(ctx, req, "", err.Error())
	}
	if rev.BranchID == nil {
		return e.fail(ctx, req, "", "review has no branch")
	}
	reviewBranch, err := e.db.GetBranchByID(ctx, *rev.BranchID)
	if err != nil {
		return e.fail(ctx, req, "", err.Error())
	}
	targetBranch, err := e.db.GetBranchByID(ctx, req.TargetBranchID)
	if err != nil {
		return e.fail(ctx, req, "", err.Error())
	}
	repo, err := e.db.GetRepositoryByID(ctx, rev.RepoID)
	if err != nil {
		return e.fail(ctx, req, "", err.Error())
	}
	git := gitaccess.Open(filepath.Join(e.reposDir, repo.Path)).WithEnv(integrationIdentity)

	if req.DoSquash && req.SquashedAt == nil {
		if err := e.squash(ctx, req, rev, reviewBranch, targetBranch, git); err != nil {
			return e.fail(ctx, req, "", fmt.Sprintf("squash failed: %v", err))
		}
		reviewBranch, err = e.db.GetBranchByID(ctx, *rev.BranchID)
		if err != nil {
			return e.fail(ctx, req, "", err.Error())
		}
	}
	if req.DoAutosquash && req.AutosquashedAt == nil {
		if err := e.autosquash(ctx, req, reviewBranch, targetBranch, git); err != nil {
			return e.fail(ctx, req, "", fmt.Sprintf("autosquash failed: %v", err))
		}
		reviewBranch, err = e.db.GetBranchByID(ctx, *rev.BranchID)
		if err != nil {
			return e.fail(ctx, req, "", err.Error())
		}
	}
	if !req.DoIntegrate {
		return e.succeed(ctx, req, rev, "")
	}
	return e.integrate(ctx, req, rev, reviewBranch, targetBranch, git)
}

// squash rewrites the review branch to a single commit on the current
// upstream whose tree equals the head's tree.
func (e *Engine) squash(ctx context.Context, req *models.IntegrationRequest, rev *models.Review, reviewBranch, targetBranch *models.Branch, git *gitaccess.Repository) error {
	upstream, err := git.MergeBase(ctx, reviewBranch.Head, targetBranch.Head)
	if err != nil {
		return err
	}
	head, err := git.FetchCommit(ctx, reviewBranch.Head)
	if err != nil {
		return err
	}
	message := req.SquashMessage
	if message == "" {
		message = rev.Summary
		if rev.Description != "" {
			message += "\n\n" + rev.Description
		}
	}
	squashed, err := git.CommitTree(ctx, head.Tree, []models.SHA1{upstream}, message, nil)
	if err != nil {
		return err
	}
	if _, err := e.updater.ProcessUpdate(ctx, branch.UpdateInput{
		RepoID:     rev.RepoID,
		BranchName: reviewBranch.Name,
		OldHead:    reviewBranch.Head,
		NewHead:    squashed,
	}); err != nil {
		return err
	}
	now := time.Now().UTC()
	req.SquashedAt = &now
	return e.db.UpdateIntegrationRequest(ctx, req)
}

// autosquash folds fixup!/squash! commits into their targets against the
// current upstream.
func (e *Engine) autosquash(ctx context.Context, req *models.IntegrationRequest, reviewBranch, targetBranch *models.Branch, git *gitaccess.Repository) error {
	upstream, err := git.MergeBase(ctx, reviewBranch.Head, targetBranch.Head)
	if err != nil {
		return err
	}
	wt, err := git.NewWorktree(ctx, e.scratchDir, reviewBranch.Head)
	if err != nil {
		return err
	}
	defer wt.Release(context.WithoutCancel(ctx))

	if _, err := wt.Run(ctx, "rebase", "--interactive", "--autosquash", string(upstream)); err != nil {
		_, _ = wt.Run(ctx, "rebase", "--abort")
		return err
	}
	newHead, err := wt.Head(ctx)
	if err != nil {
		return err
	}
	if newHead != reviewBranch.Head {
		if _, err := e.updater.ProcessUpdate(ctx, branch.UpdateInput{
			RepoID:     reviewBranch.RepoID,
			BranchName: reviewBranch.Name,
			OldHead:    reviewBranch.Head,
			NewHead:    newHead,
		}); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	req.AutosquashedAt = &now
	return e.db.UpdateIntegrationRequest(ctx, req)
}

var defaultStrategyOrder = []models.IntegrationStrategy{
	models.StrategyFastForward,
	models.StrategyCherryPick,
	models.StrategyRebase,
	models.StrategyMerge,
}

type conflictError struct {
	files  []string
	status string
	diff   string
}

func (c *conflictError) Error() string {
	return fmt.Sprintf("conflicts in %d files", len(c.files))
}

func (e *Engine) integrate(ctx context.Context, req *models.IntegrationRequest, rev *models.Review, reviewBranch, targetBranch *models.Branch, git *gitaccess.Repository) error {
	strategies := req.Strategy
	if len(strategies) == 0 {
		strategies = defaultStrategyOrder
	}

	// One retry on ref contention, with a re-read target head.
	for attempt := 0; attempt < 2; attempt++ {
		newTarget, strategy, err := e.attempt(ctx, strategies, reviewBranch.Head, targetBranch.Head, rev, git)
		if err != nil {
			var conflict *conflictError
			if errors.As(err, &conflict) {
				message := fmt.Sprintf("%s failed with conflicts in %s\n\n%s\n%s",
					strategy, strings.Join(conflict.files, ", "), conflict.status, conflict.diff)
				req.Conflicts = conflict.files
				return e.fail(ctx, req, strategy, message)
			}
			return e.fail(ctx, req, strategy, err.Error())
		}

		old := targetBranch.Head
		refErr := git.UpdateRef(ctx, gitaccess.RefUpdate{
			Name: "refs/heads/" + targetBranch.Name,
			Old:  &old,
			New:  newTarget,
		})
		if refErr == nil {
			req.StrategyUsed = strategy
			if _, err := e.updater.ProcessUpdate(ctx, branch.UpdateInput{
				RepoID:     rev.RepoID,
				BranchName: targetBranch.Name,
				OldHead:    old,
				NewHead:    newTarget,
			}); err != nil {
				return e.fail(ctx, req, strategy, fmt.Sprintf("record target update: %v", err))
			}
			return e.succeed(ctx, req, rev, strategy)
		}
		var contention *gitaccess.RefContentionError
		if !errors.As(refErr, &contention) || attempt == 1 {
			return e.fail(ctx, req, strategy, refErr.Error())
		}
		e.logger.Info("target ref moved during integration, retrying",
			"review_id", rev.ID, "target", targetBranch.Name)
		targetBranch, err = e.db.GetBranchByID(ctx, req.TargetBranchID)
		if err != nil {
			return e.fail(ctx, req, strategy, err.Error())
		}
	}
	return nil
}

// attempt runs the first feasible strategy and returns the resulting target
// head.
func (e *Engine) attempt(ctx context.Context, strategies []models.IntegrationStrategy, reviewHead, targetHead models.SHA1, rev *models.Review, git *gitaccess.Repository) (models.SHA1, models.IntegrationStrategy, error) {
	for _, strategy := range strategies {
		switch strategy {
		case models.StrategyFastForward:
			ok, err := git.IsAncestor(ctx, targetHead, reviewHead)
			if err != nil {
				return "", strategy, err
			}
			if !ok {
				continue
			}
			return reviewHead, strategy, nil

		case models.StrategyCherryPick:
			head, err := e.cherryPick(ctx, reviewHead, targetHead, git)
			return head, strategy, err

		case models.StrategyRebase:
			head, err := e.rebaseOnto(ctx, reviewHead, targetHead, git)
			return head, strategy, err

		case models.StrategyMerge:
			head, err := e.merge(ctx, reviewHead, targetHead, rev, git)
			return head, strategy, err
		}
	}
	return "", "", fmt.Errorf("no feasible integration strategy among %v", strategies)
}

func (e *Engine) cherryPick(ctx context.Context, reviewHead, targetHead models.SHA1, git *gitaccess.Repository) (models.SHA1, error) {
	commits, err := git.RevList(ctx, []models.SHA1{reviewHead}, []models.SHA1{targetHead}, gitaccess.RevListOptions{})
	if err != nil {
		return "", err
	}
	wt, err := git.NewWorktree(ctx, e.scratchDir, targetHead)
	if err != nil {
		return "", err
	}
	defer wt.Release(context.WithoutCancel(ctx))

	// rev-list emits newest first; replay oldest first.
	for i := len(commits) - 1; i >= 0; i-- {
		if _, err := wt.Run(ctx, "cherry-pick", "--allow-empty", string(commits[i])); err != nil {
			conflict := e.captureConflict(ctx, wt)
			_, _ = wt.Run(ctx, "cherry-pick", "--abort")
			return "", conflict
		}
	}
	return wt.Head(ctx)
}

func (e *Engine) rebaseOnto(ctx context.Context, reviewHead, targetHead models.SHA1, git *gitaccess.Repository) (models.SHA1, error) {
	wt, err := git.NewWorktree(ctx, e.scratchDir, reviewHead)
	if err != nil {
		return "", err
	}
	defer wt.Release(context.WithoutCancel(ctx))

	if _, err := wt.Run(ctx, "rebase", string(targetHead)); err != nil {
		conflict := e.captureConflict(ctx, wt)
		_, _ = wt.Run(ctx, "rebase", "--abort")
		return "", conflict
	}
	return wt.Head(ctx)
}

func (e *Engine) merge(ctx context.Context, reviewHead, targetHead models.SHA1, rev *models.Review, git *gitaccess.Repository) (models.SHA1, error) {
	wt, err := git.NewWorktree(ctx, e.scratchDir, targetHead)
	if err != nil {
		return "", err
	}
	defer wt.Release(context.WithoutCancel(ctx))

	message := fmt.Sprintf("Merge: %s", rev.Summary)
	if _, err := wt.Run(ctx, "merge", "--no-ff", "-m", message, string(reviewHead)); err != nil {
		conflict := e.captureConflict(ctx, wt)
		_, _ = wt.Run(ctx, "merge", "--abort")
		return "", conflict
	}
	return wt.Head(ctx)
}

func (e *Engine) captureConflict(ctx context.Context, wt *gitaccess.Worktree) *conflictError {
	files, err := wt.ConflictedFiles(ctx)
	if err != nil {
		e.logger.Warn("list conflicted files failed", "error", err)
	}
	return &conflictError{
		files:  files,
		status: wt.StatusExcerpt(ctx, excerptBytes),
		diff:   wt.DiffExcerpt(ctx, excerptBytes),
	}
}

func (e *Engine) succeed(ctx context.Context, req *models.IntegrationRequest, rev *models.Review, strategy models.IntegrationStrategy) error {
	ok := true
	req.State = models.IntegrationPerformed
	req.Successful = &ok
	if strategy != "" {
		req.StrategyUsed = strategy
	}
	if err := e.db.UpdateIntegrationRequest(ctx, req); err != nil {
		return err
	}
	if req.DoIntegrate {
		if err := e.db.UpdateReviewState(ctx, rev.ID, models.ReviewClosed); err != nil {
			return err
		}
		if err := e.db.AddReviewEvent(ctx, &models.ReviewEvent{ReviewID: rev.ID, Type: "closed"}); err != nil {
			return err
		}
	}
	e.logger.Info("integration performed",
		"review_id", rev.ID, "strategy", string(req.StrategyUsed))
	return nil
}

// fail records the failure and leaves the review open.
func (e *Engine) fail(ctx context.Context, req *models.IntegrationRequest, strategy models.IntegrationStrategy, message string) error {
	notOK := false
	req.State = models.IntegrationFailed
	req.Successful = &notOK
	if strategy != "" {
		req.StrategyUsed = strategy
	}
	req.ErrorMessage = message
	if err := e.db.UpdateIntegrationRequest(ctx, req); err != nil {
		return err
	}
	e.logger.Warn("integration failed",
		"review_id", req.ReviewID, "strategy", string(strategy), "error", message)
	return nil
}
