// Package review builds and maintains reviews: turning branch updates into
// reviewable commit sets, assigning files to reviewers through the filter
// engine, and deriving aggregate review state.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/filters"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/pubsub"
)

// Publisher delivers event payloads on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Assembler creates and extends reviews from branch updates.
type Assembler struct {
	db     database.DB
	bus    Publisher
	logger *slog.Logger
}

func NewAssembler(db database.DB, bus Publisher, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{db: db, bus: bus, logger: logger}
}

// EnsureReview returns the review owning the branch, creating a draft review
// when none exists yet.
func (a *Assembler) EnsureReview(ctx context.Context, branch *models.Branch, ownerID int64) (*models.Review, bool, error) {
	existing, err := a.db.GetReviewByBranch(ctx, branch.ID)
	if err == nil {
		return existing, false, nil
	}
	if !criterrors.IsKind(err, criterrors.KindNotFound) {
		return nil, false, err
	}
	review := &models.Review{
		RepoID:   branch.RepoID,
		BranchID: &branch.ID,
		OwnerID:  ownerID,
		State:    models.ReviewDraft,
	}
	if err := a.db.CreateReview(ctx, review); err != nil {
		return nil, false, err
	}
	if err := a.db.SetReviewUser(ctx, &models.ReviewUser{ReviewID: review.ID, UserID: ownerID, Role: models.RoleOwner}); err != nil {
		return nil, false, err
	}
	a.publishEvent(ctx, review.ID, "created")
	return review, true, nil
}

// ExtendFromUpdate adds a branch update's newly associated commits to the
// review's reviewable set and populates review files for their primary
// changesets. Rebases are recorded by the branch updater; prior reviewable
// commits are never removed.
func (a *Assembler) ExtendFromUpdate(ctx context.Context, review *models.Review, update *models.BranchUpdate) error {
	if len(update.Associated) == 0 {
		return nil
	}
	if err := a.db.AddReviewCommits(ctx, review.ID, update.ID, update.Associated); err != nil {
		return err
	}
	for _, sha := range update.Associated {
		commit, err := a.db.GetCommit(ctx, review.RepoID, sha)
		if err != nil {
			return err
		}
		cs, err := a.primaryChangeset(ctx, review.RepoID, commit)
		if err != nil {
			if criterrors.IsKind(err, criterrors.KindNotFound) {
				// Changeset not requested yet; files follow once it
				// completes and publishes its event.
				continue
			}
			return err
		}
		if err := a.db.AddReviewChangeset(ctx, review.ID, cs.ID, update.ID); err != nil {
			return err
		}
		if err := a.PopulateFiles(ctx, review, cs.ID, commit); err != nil {
			return err
		}
	}
	if err := a.db.AddReviewEvent(ctx, &models.ReviewEvent{ReviewID: review.ID, UserID: update.UpdaterID, Type: "branchupdate"}); err != nil {
		return err
	}
	a.publishEvent(ctx, review.ID, "extended")
	return nil
}

func (a *Assembler) primaryChangeset(ctx context.Context, repoID int64, commit *models.Commit) (*models.Changeset, error) {
	if commit.IsMerge() {
		forMerge := commit.SHA1
		return a.db.GetChangeset(ctx, repoID, commit.Parents[0], commit.SHA1, false, &forMerge)
	}
	var from models.SHA1
	if len(commit.Parents) > 0 {
		from = commit.Parents[0]
	}
	return a.db.GetChangeset(ctx, repoID, from, commit.SHA1, false, nil)
}

// PopulateFiles inserts review file rows for a changeset and assigns them to
// reviewers according to the filter engine. The commit's author is excluded
// from reviewing their own lines but can still be a watcher. Safe to call
// again: existing rows and assignments are kept.
func (a *Assembler) PopulateFiles(ctx context.Context, review *models.Review, changesetID int64, commit *models.Commit) error {
	files, err := a.db.ListChangesetFiles(ctx, changesetID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, 0, len(files))
	fileIDByPath := make(map[string]int64, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
		fileIDByPath[f.Path] = f.FileID
	}

	engine, err := a.filterEngine(ctx, review, paths)
	if err != nil {
		return err
	}
	effects := engine.Evaluate()

	authorID := a.lookupAuthor(ctx, commit)

	existing, err := a.db.ListReviewFiles(ctx, review.ID)
	if err != nil {
		return err
	}
	existingByFile := make(map[int64]models.ReviewFile)
	for _, rf := range existing {
		if rf.ChangesetID == changesetID {
			existingByFile[rf.FileID] = rf
		}
	}

	var inserts []models.ReviewFile
	for _, f := range files {
		if _, ok := existingByFile[f.FileID]; ok {
			continue
		}
		inserted, deleted := a.fileCounts(ctx, changesetID, f.FileID)
		inserts = append(inserts, models.ReviewFile{
			ReviewID:    review.ID,
			ChangesetID: changesetID,
			FileID:      f.FileID,
			Inserted:    inserted,
			Deleted:     deleted,
		})
	}
	if len(inserts) > 0 {
		if err := a.db.CreateReviewFiles(ctx, inserts); err != nil {
			return err
		}
		for _, rf := range inserts {
			existingByFile[rf.FileID] = rf
		}
	}

	var assignments []models.ReviewUserFile
	for path, users := range effects {
		fileID, ok := fileIDByPath[path]
		if !ok {
			continue
		}
		reviewFile, ok := existingByFile[fileID]
		if !ok {
			continue
		}
		for userID, effect := range users {
			switch effect.Type {
			case models.FilterReviewer:
				if authorID != nil && *authorID == userID {
					continue
				}
				assignments = append(assignments, models.ReviewUserFile{
					ReviewFileID: reviewFile.ID,
					UserID:       userID,
					Scopes:       effect.Scopes,
				})
				if err := a.db.SetReviewUser(ctx, &models.ReviewUser{ReviewID: review.ID, UserID: userID, Role: models.RoleAssigned}); err != nil {
					return err
				}
			case models.FilterWatcher:
				if err := a.setWatcher(ctx, review.ID, userID); err != nil {
					return err
				}
			}
		}
	}
	if len(assignments) > 0 {
		if err := a.db.AssignReviewUserFiles(ctx, assignments); err != nil {
			return err
		}
	}
	return nil
}

// PopulateFromChangeset populates review files for an already attached
// changeset. Called when a changeset's content computation finishes after the
// branch update that attached it: the update-time population found no files
// then, so the completion event drives a second pass.
func (a *Assembler) PopulateFromChangeset(ctx context.Context, reviewID, changesetID int64) error {
	review, err := a.db.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	commit, err := a.changesetCommit(ctx, review.RepoID, changesetID)
	if err != nil {
		return err
	}
	return a.PopulateFiles(ctx, review, changesetID, commit)
}

// setWatcher adds the user as a watcher without demoting an existing
// stronger role.
func (a *Assembler) setWatcher(ctx context.Context, reviewID, userID int64) error {
	users, err := a.db.ListReviewUsers(ctx, reviewID)
	if err != nil {
		return err
	}
	for _, ru := range users {
		if ru.UserID == userID {
			return nil
		}
	}
	return a.db.SetReviewUser(ctx, &models.ReviewUser{ReviewID: reviewID, UserID: userID, Role: models.RoleWatcher})
}

func (a *Assembler) filterEngine(ctx context.Context, review *models.Review, paths []string) (*filters.Engine, error) {
	repoFilters, err := a.db.ListRepositoryFilters(ctx, review.RepoID)
	if err != nil {
		return nil, err
	}
	reviewFilters, err := a.db.ListReviewFilters(ctx, review.ID)
	if err != nil {
		return nil, err
	}
	return filters.NewEngine(append(repoFilters, reviewFilters...), paths)
}

// lookupAuthor resolves the commit author to a user through the registered
// git emails. A nil result means no exclusion applies.
func (a *Assembler) lookupAuthor(ctx context.Context, commit *models.Commit) *int64 {
	if commit == nil || commit.Author.Email == "" {
		return nil
	}
	user, err := a.db.LookupUserByGitEmail(ctx, commit.Author.Email)
	if err != nil {
		return nil
	}
	return &user.ID
}

func (a *Assembler) fileCounts(ctx context.Context, changesetID, fileID int64) (inserted, deleted int) {
	blocks, err := a.db.ListChangedLines(ctx, changesetID, fileID)
	if err != nil {
		return 0, 0
	}
	for _, b := range blocks {
		inserted += b.InsertCount
		deleted += b.DeleteCount
	}
	// Binary modifications count as one unit.
	if inserted == 0 && deleted == 0 {
		if d, err := a.db.GetFileDifference(ctx, changesetID, fileID); err == nil && d.IsBinary {
			inserted = 1
		}
	}
	return inserted, deleted
}

// ReapplyResult describes what a filter reapplication changed for one
// review.
type ReapplyResult struct {
	ReviewID int64
	Paths    []string
}

// ReapplyFilters re-evaluates filters for one user across a repository's
// open reviews, adding assignments and watcher status. Monotone: it never
// removes an existing manual assignment, and running it twice produces no
// additional rows.
func (a *Assembler) ReapplyFilters(ctx context.Context, repoID, userID int64) ([]ReapplyResult, error) {
	reviews, err := a.db.ListReviews(ctx, repoID, models.ReviewOpen)
	if err != nil {
		return nil, err
	}
	var results []ReapplyResult
	for i := range reviews {
		review := &reviews[i]
		before, err := a.userAssignmentSet(ctx, review.ID, userID)
		if err != nil {
			return nil, err
		}
		changesets, err := a.db.ListReviewChangesets(ctx, review.ID)
		if err != nil {
			return nil, err
		}
		for _, changesetID := range changesets {
			commit, err := a.changesetCommit(ctx, review.RepoID, changesetID)
			if err != nil {
				return nil, err
			}
			if err := a.PopulateFiles(ctx, review, changesetID, commit); err != nil {
				return nil, err
			}
		}
		after, err := a.userAssignmentSet(ctx, review.ID, userID)
		if err != nil {
			return nil, err
		}
		var added []string
		for fileID := range after {
			if before[fileID] {
				continue
			}
			path, err := a.db.GetFilePath(ctx, fileID)
			if err != nil {
				return nil, err
			}
			added = append(added, path)
		}
		if len(added) > 0 {
			results = append(results, ReapplyResult{ReviewID: review.ID, Paths: added})
		}
	}
	return results, nil
}

func (a *Assembler) userAssignmentSet(ctx context.Context, reviewID, userID int64) (map[int64]bool, error) {
	assignments, err := a.db.ListReviewUserFiles(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	files, err := a.db.ListReviewFiles(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	fileByReviewFile := make(map[int64]int64, len(files))
	for _, rf := range files {
		fileByReviewFile[rf.ID] = rf.FileID
	}
	set := make(map[int64]bool)
	for _, ruf := range assignments {
		if ruf.UserID == userID {
			set[fileByReviewFile[ruf.ReviewFileID]] = true
		}
	}
	return set, nil
}

func (a *Assembler) changesetCommit(ctx context.Context, repoID, changesetID int64) (*models.Commit, error) {
	cs, err := a.db.GetChangesetByID(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	commit, err := a.db.GetCommit(ctx, repoID, cs.ToSHA1)
	if err != nil {
		if criterrors.IsKind(err, criterrors.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return commit, nil
}

func (a *Assembler) publishEvent(ctx context.Context, reviewID int64, action string) {
	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"version": 1, "review_id": reviewID, "action": action})
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, pubsub.ChannelReviewEvents, payload); err != nil {
		a.logger.Warn("publish review event failed", "review_id", reviewID, "error", err)
	}
}

// Publish transitions a draft review to open. Draft reviews that cannot be
// published report every reason at once.
func (a *Assembler) Publish(ctx context.Context, reviewID int64) error {
	review, err := a.db.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if review.State != models.ReviewDraft {
		return criterrors.New(criterrors.KindConflict, "review is not a draft")
	}
	var reasons []string
	if review.Summary == "" {
		reasons = append(reasons, "no summary")
	}
	if review.BranchID == nil {
		reasons = append(reasons, "branch not set")
	}
	commits, err := a.db.ListReviewCommits(ctx, reviewID)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		reasons = append(reasons, "initial commits pending")
	}
	if len(reasons) > 0 {
		return criterrors.InvalidInput("cannot publish review", fmt.Sprintf("%v", reasons))
	}
	if err := a.db.UpdateReviewState(ctx, reviewID, models.ReviewOpen); err != nil {
		return err
	}
	if err := a.db.AddReviewEvent(ctx, &models.ReviewEvent{ReviewID: reviewID, Type: "published"}); err != nil {
		return err
	}
	a.publishEvent(ctx, reviewID, "published")
	return nil
}
