// Package branch processes branch head moves: computing which commits a
// branch gains and loses, classifying rebases, and feeding the changeset
// store with primary changeset requests for new commits.
package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/critic-scm/critic/internal/changeset"
	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/pubsub"
)

// systemIdentity signs commits the system synthesizes (equivalent merges,
// keepalive chains).
var systemIdentity = []string{
	"GIT_AUTHOR_NAME=Critic System",
	"GIT_AUTHOR_EMAIL=system@critic",
	"GIT_COMMITTER_NAME=Critic System",
	"GIT_COMMITTER_EMAIL=system@critic",
}

// Updater turns ref moves into branch updates, rebase records, and changeset
// requests.
type Updater struct {
	db         database.DB
	changesets *changeset.Store
	bus        changeset.Publisher
	reposDir   string
	logger     *slog.Logger
}

func NewUpdater(db database.DB, changesets *changeset.Store, bus changeset.Publisher, reposDir string, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{db: db, changesets: changesets, bus: bus, reposDir: reposDir, logger: logger}
}

// UpdateInput describes one observed ref move.
type UpdateInput struct {
	RepoID     int64
	BranchName string
	BranchType string // "normal" or "review"; used when the branch is created
	OldHead    models.SHA1
	NewHead    models.SHA1
	UpdaterID  *int64
	// ForceInclude lists commits that must end up associated. When the
	// natural computation misses one, the update is rejected.
	ForceInclude []models.SHA1
}

// ProcessUpdate records a branch update: it computes the associated and
// disassociated commit sets, classifies a rebase when history was lost,
// moves the branch head (conditionally on OldHead still being current),
// writes keepalives for disassociated heads, and requests a primary
// changeset for every newly associated commit.
func (u *Updater) ProcessUpdate(ctx context.Context, input UpdateInput) (*models.BranchUpdate, error) {
	repo, err := u.db.GetRepositoryByID(ctx, input.RepoID)
	if err != nil {
		return nil, err
	}
	git := gitaccess.Open(filepath.Join(u.reposDir, repo.Path))

	branch, err := u.db.GetBranch(ctx, input.RepoID, input.BranchName)
	created := false
	if err != nil {
		if !criterrors.IsKind(err, criterrors.KindNotFound) {
			return nil, err
		}
		branchType := input.BranchType
		if branchType == "" {
			branchType = "normal"
		}
		branch = &models.Branch{RepoID: input.RepoID, Name: input.BranchName, Type: branchType}
		if err := u.db.CreateBranch(ctx, branch); err != nil {
			return nil, err
		}
		created = true
	}
	if !created && branch.Head != input.OldHead {
		return nil, criterrors.New(criterrors.KindConflict, "branch head moved").WithValue(string(branch.Head))
	}

	associated, err := u.computeAssociated(ctx, git, branch, input)
	if err != nil {
		return nil, err
	}
	if err := checkForceInclude(associated, input.ForceInclude); err != nil {
		return nil, err
	}

	previous, err := u.db.AssociatedCommits(ctx, branch.ID)
	if err != nil {
		return nil, err
	}
	prevSet := make(map[models.SHA1]bool, len(previous))
	for _, sha := range previous {
		prevSet[sha] = true
	}
	newlyAssociated := associated[:0:0]
	for _, sha := range associated {
		if !prevSet[sha] {
			newlyAssociated = append(newlyAssociated, sha)
		}
	}

	var disassociated []models.SHA1
	for _, sha := range previous {
		reachable, err := git.IsAncestor(ctx, sha, input.NewHead)
		if err != nil {
			return nil, err
		}
		if !reachable {
			disassociated = append(disassociated, sha)
		}
	}

	update := &models.BranchUpdate{
		BranchID:      branch.ID,
		UpdaterID:     input.UpdaterID,
		FromHead:      input.OldHead,
		ToHead:        input.NewHead,
		Associated:    newlyAssociated,
		Disassociated: disassociated,
	}
	if created {
		update.FromHead = ""
	}

	// Store the commit rows before the update references them.
	for _, sha := range newlyAssociated {
		commit, err := git.FetchCommit(ctx, sha)
		if err != nil {
			return nil, err
		}
		commit.RepoID = input.RepoID
		if err := u.db.StoreCommit(ctx, commit); err != nil {
			return nil, err
		}
	}

	var rebase *models.Rebase
	if len(disassociated) > 0 && branch.Type == "review" {
		rebase, err = u.classifyRebase(ctx, git, repo, branch, input)
		if err != nil {
			return nil, err
		}
	}

	if err := u.db.RecordBranchUpdate(ctx, update); err != nil {
		return nil, err
	}

	// Disassociated heads would otherwise become unreachable.
	if input.OldHead != "" && len(disassociated) > 0 {
		if err := git.Keepalive(ctx, input.OldHead); err != nil {
			u.logger.Warn("keepalive failed", "sha1", input.OldHead, "error", err)
		}
	}

	if rebase != nil {
		if rebase.ID == 0 {
			rebase.BranchUpdateID = &update.ID
			if err := u.db.CreateRebase(ctx, rebase); err != nil {
				return nil, err
			}
		} else {
			if err := u.db.AttachRebase(ctx, rebase.ID, update.ID); err != nil {
				return nil, err
			}
			if err := u.db.UpdateRebase(ctx, rebase); err != nil {
				return nil, err
			}
		}
	}

	if err := u.requestPrimaryChangesets(ctx, input.RepoID, newlyAssociated); err != nil {
		return nil, err
	}

	u.publishBranchEvent(ctx, branch, update)
	return update, nil
}

func (u *Updater) computeAssociated(ctx context.Context, git *gitaccess.Repository, branch *models.Branch, input UpdateInput) ([]models.SHA1, error) {
	others, err := u.db.ListBranches(ctx, input.RepoID)
	if err != nil {
		return nil, err
	}
	var exclude []models.SHA1
	for _, other := range others {
		if other.ID == branch.ID || other.Head == "" || other.Archived {
			continue
		}
		exclude = append(exclude, other.Head)
	}
	opts := gitaccess.RevListOptions{}
	if branch.BaseBranchID != nil && input.OldHead == "" {
		// Newly created branch with a known upstream: follow the single
		// preferred first-parent path from the upstream.
		base, err := u.db.GetBranchByID(ctx, *branch.BaseBranchID)
		if err != nil {
			return nil, err
		}
		exclude = []models.SHA1{base.Head}
		opts.FirstParent = true
	}
	shas, err := git.RevList(ctx, []models.SHA1{input.NewHead}, exclude, opts)
	if err != nil {
		return nil, err
	}
	seen := make(map[models.SHA1]bool, len(shas))
	for _, sha := range shas {
		seen[sha] = true
	}
	// Force-included commits join the set only when actually reachable from
	// the new head; the caller's superset check rejects the rest.
	for _, sha := range input.ForceInclude {
		if seen[sha] {
			continue
		}
		reachable, err := git.IsAncestor(ctx, sha, input.NewHead)
		if err != nil {
			return nil, err
		}
		if reachable {
			shas = append(shas, sha)
			seen[sha] = true
		}
	}
	return shas, nil
}

func checkForceInclude(associated, forceInclude []models.SHA1) error {
	set := make(map[models.SHA1]bool, len(associated))
	for _, sha := range associated {
		set[sha] = true
	}
	for _, sha := range forceInclude {
		if !set[sha] {
			return criterrors.InvalidInput("force-included commit not associated", string(sha))
		}
	}
	return nil
}

// classifyRebase decides between a move rebase (upstream changed) and a
// history rewrite (same upstream, same resulting tree). A pending rebase
// prepared before the push wins over fresh classification.
func (u *Updater) classifyRebase(ctx context.Context, git *gitaccess.Repository, repo *models.Repository, branch *models.Branch, input UpdateInput) (*models.Rebase, error) {
	review, err := u.db.GetReviewByBranch(ctx, branch.ID)
	if err != nil {
		if criterrors.IsKind(err, criterrors.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	pending, err := u.db.GetPendingRebase(ctx, review.ID)
	if err != nil && !criterrors.IsKind(err, criterrors.KindNotFound) {
		return nil, err
	}
	if pending != nil && pending.OldHead == input.OldHead {
		pending.NewHead = input.NewHead
		if err := u.fillRebase(ctx, git, repo, review, pending, input); err != nil {
			return nil, err
		}
		return pending, nil
	}

	rebase := &models.Rebase{ReviewID: review.ID, OldHead: input.OldHead, NewHead: input.NewHead, CreatorID: input.UpdaterID}
	if err := u.fillRebase(ctx, git, repo, review, rebase, input); err != nil {
		return nil, err
	}
	return rebase, nil
}

func (u *Updater) fillRebase(ctx context.Context, git *gitaccess.Repository, repo *models.Repository, review *models.Review, rebase *models.Rebase, input UpdateInput) error {
	target, err := u.targetHead(ctx, repo, review)
	if err != nil {
		return err
	}
	oldUpstream, err := git.MergeBase(ctx, input.OldHead, target)
	if err != nil {
		return err
	}
	newUpstream, err := git.MergeBase(ctx, input.NewHead, target)
	if err != nil {
		return err
	}

	if newUpstream == oldUpstream {
		rebase.Kind = models.RebaseHistoryRewrite
		rebase.OldUpstream = oldUpstream
		rebase.NewUpstream = newUpstream
		return nil
	}

	rebase.Kind = models.RebaseMove
	rebase.OldUpstream = oldUpstream
	rebase.NewUpstream = newUpstream

	// The equivalent merge joins the old history with the new upstream while
	// keeping the new head's tree, giving comment propagation a commit to
	// translate across.
	newHeadCommit, err := git.FetchCommit(ctx, input.NewHead)
	if err != nil {
		return err
	}
	merge, err := git.CommitTree(ctx, newHeadCommit.Tree,
		[]models.SHA1{input.OldHead, newUpstream},
		fmt.Sprintf("Equivalent merge of %s into %s", newUpstream, input.OldHead), systemIdentity)
	if err != nil {
		u.logger.Warn("equivalent merge creation failed", "review_id", review.ID, "error", err)
		return nil
	}
	if err := git.Keepalive(ctx, merge); err != nil {
		return err
	}
	rebase.EquivalentMerge = &merge

	// Request the changeset used to translate locations across the rebase.
	cs := &models.Changeset{RepoID: repo.ID, FromSHA1: input.OldHead, ToSHA1: merge, IsReplay: true}
	if _, err := u.changesets.Request(ctx, cs, models.LevelChangedLines); err != nil {
		return err
	}
	return nil
}

func (u *Updater) targetHead(ctx context.Context, repo *models.Repository, review *models.Review) (models.SHA1, error) {
	if review.TargetBranchID != nil {
		target, err := u.db.GetBranchByID(ctx, *review.TargetBranchID)
		if err != nil {
			return "", err
		}
		return target.Head, nil
	}
	target, err := u.db.GetBranch(ctx, repo.ID, repo.DefaultBranch)
	if err != nil {
		return "", err
	}
	return target.Head, nil
}

func (u *Updater) requestPrimaryChangesets(ctx context.Context, repoID int64, commits []models.SHA1) error {
	for _, sha := range commits {
		commit, err := u.db.GetCommit(ctx, repoID, sha)
		if err != nil {
			return err
		}
		if commit.IsMerge() {
			if _, err := u.changesets.RequestForMerge(ctx, repoID, commit, commit.Parents[0], models.LevelChangedLines); err != nil {
				return err
			}
			continue
		}
		cs := &models.Changeset{RepoID: repoID, ToSHA1: sha}
		if len(commit.Parents) > 0 {
			cs.FromSHA1 = commit.Parents[0]
		}
		if _, err := u.changesets.Request(ctx, cs, models.LevelChangedLines); err != nil {
			return err
		}
	}
	return nil
}

func (u *Updater) publishBranchEvent(ctx context.Context, branch *models.Branch, update *models.BranchUpdate) {
	if u.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"version":         1,
		"action":          "updated",
		"repo_id":         branch.RepoID,
		"branch_id":       branch.ID,
		"branchupdate_id": update.ID,
		"to_head":         update.ToHead,
	})
	if err != nil {
		return
	}
	if err := u.bus.Publish(ctx, pubsub.ChannelBranches, payload); err != nil {
		u.logger.Warn("publish branch event failed", "branch_id", branch.ID, "error", err)
	}
}

// PrepareRebase records a pending rebase announced before the push that
// performs it. The next branch update whose old head matches consumes it.
func (u *Updater) PrepareRebase(ctx context.Context, reviewID int64, oldHead models.SHA1, creatorID *int64) (*models.Rebase, error) {
	if pending, err := u.db.GetPendingRebase(ctx, reviewID); err == nil && pending != nil {
		return nil, criterrors.New(criterrors.KindConflict, "a pending rebase already exists")
	} else if err != nil && !criterrors.IsKind(err, criterrors.KindNotFound) {
		return nil, err
	}
	rebase := &models.Rebase{ReviewID: reviewID, OldHead: oldHead, CreatorID: creatorID}
	if err := u.db.CreateRebase(ctx, rebase); err != nil {
		return nil, err
	}
	return rebase, nil
}
