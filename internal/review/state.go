package review

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/models"
)

// Progress summarizes how far a review has come.
type Progress struct {
	ReviewedLines int     `json:"reviewed_lines"`
	TotalLines    int     `json:"total_lines"`
	Fraction      float64 `json:"fraction"`
	OpenIssues    int     `json:"open_issues"`
}

// CommitProgress is the per-commit breakdown of review progress.
type CommitProgress struct {
	SHA1          models.SHA1 `json:"sha1"`
	ReviewedLines int         `json:"reviewed_lines"`
	TotalLines    int         `json:"total_lines"`
}

// State is the derived, non-stored state of a review.
type State struct {
	ReviewID       int64            `json:"review_id"`
	Accepted       bool             `json:"accepted"`
	PendingCommits int              `json:"pending_commits"`
	Progress       Progress         `json:"progress"`
	Commits        []CommitProgress `json:"commits"`
	LastChanged    time.Time        `json:"last_changed"`
}

// StateReader derives review state on demand, coalescing concurrent requests
// for the same review.
type StateReader struct {
	db    database.DB
	group singleflight.Group
}

func NewStateReader(db database.DB) *StateReader {
	return &StateReader{db: db}
}

// Read derives the state of a review. Concurrent callers for the same review
// share one computation.
func (r *StateReader) Read(ctx context.Context, reviewID int64) (*State, error) {
	v, err, _ := r.group.Do(fmt.Sprintf("review/%d", reviewID), func() (any, error) {
		return r.derive(ctx, reviewID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

func (r *StateReader) derive(ctx context.Context, reviewID int64) (*State, error) {
	review, err := r.db.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	state := &State{ReviewID: reviewID}

	files, err := r.db.ListReviewFiles(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	allReviewed := true
	perChangeset := make(map[int64]*CommitProgress)
	for _, rf := range files {
		units := rf.Inserted + rf.Deleted
		if units == 0 {
			// Pure mode changes and unanalyzed files still count as one unit
			// so they block acceptance until marked reviewed.
			units = 1
		}
		state.Progress.TotalLines += units
		cp := perChangeset[rf.ChangesetID]
		if cp == nil {
			cp = &CommitProgress{}
			perChangeset[rf.ChangesetID] = cp
		}
		cp.TotalLines += units
		if rf.Reviewed {
			state.Progress.ReviewedLines += units
			cp.ReviewedLines += units
		} else {
			allReviewed = false
		}
	}
	if state.Progress.TotalLines > 0 {
		state.Progress.Fraction = float64(state.Progress.ReviewedLines) / float64(state.Progress.TotalLines)
	}
	for changesetID, cp := range perChangeset {
		cs, err := r.db.GetChangesetByID(ctx, changesetID)
		if err != nil {
			return nil, err
		}
		cp.SHA1 = cs.ToSHA1
		state.Commits = append(state.Commits, *cp)
	}

	comments, err := r.db.ListComments(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		if c.Kind == models.CommentIssue && !c.Draft && c.State == models.IssueOpen {
			state.Progress.OpenIssues++
		}
	}

	commits, err := r.db.ListReviewCommits(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	// A reviewable commit is pending until a content-complete changeset for it
	// is attached. Pending commits have review files nobody has seen yet, so
	// they block acceptance.
	changesets, err := r.db.ListReviewChangesets(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	settled := make(map[models.SHA1]bool, len(changesets))
	for _, changesetID := range changesets {
		cs, err := r.db.GetChangesetByID(ctx, changesetID)
		if err != nil {
			return nil, err
		}
		if cs.Completed[models.LevelChangedLines] {
			settled[cs.ToSHA1] = true
		}
	}
	for _, sha := range commits {
		if !settled[sha] {
			state.PendingCommits++
		}
	}

	// A review is accepted once it has content, no commit is still pending,
	// everything assigned has been reviewed, and no published issue remains
	// open. Only open reviews can be accepted.
	state.Accepted = review.State == models.ReviewOpen &&
		len(commits) > 0 &&
		len(files) > 0 &&
		state.PendingCommits == 0 &&
		allReviewed &&
		state.Progress.OpenIssues == 0

	events, err := r.db.ListReviewEvents(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.CreatedAt.After(state.LastChanged) {
			state.LastChanged = ev.CreatedAt
		}
	}
	if state.LastChanged.IsZero() {
		state.LastChanged = review.CreatedAt
	}
	return state, nil
}

// Tag names shown per (review, user) in dashboards.
const (
	TagAssigned    = "assigned"
	TagWatching    = "watching"
	TagActive      = "active"
	TagUnpublished = "unpublished"
	TagPending     = "pending"
)

// RefreshUserTags recomputes and stores a user's tags for a review.
func (r *StateReader) RefreshUserTags(ctx context.Context, reviewID, userID int64) ([]string, error) {
	var tags []string

	users, err := r.db.ListReviewUsers(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	var role models.ReviewUserRole
	for _, ru := range users {
		if ru.UserID == userID {
			role = ru.Role
			break
		}
	}
	switch role {
	case models.RoleWatcher:
		tags = append(tags, TagWatching)
	case models.RoleAssigned, models.RoleOwner, models.RoleActive:
	default:
		// Not involved; clear any stale tags.
		return nil, r.db.SetReviewUserTags(ctx, reviewID, userID, nil)
	}

	assignments, err := r.db.ListReviewUserFiles(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	files, err := r.db.ListReviewFiles(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	fileByID := make(map[int64]models.ReviewFile, len(files))
	for _, rf := range files {
		fileByID[rf.ID] = rf
	}
	var assigned, pending bool
	for _, ruf := range assignments {
		if ruf.UserID != userID {
			continue
		}
		assigned = true
		if rf, ok := fileByID[ruf.ReviewFileID]; ok && !rf.Reviewed {
			pending = true
		}
	}
	if assigned {
		tags = append(tags, TagAssigned)
	}
	if pending {
		tags = append(tags, TagPending)
	}

	comments, err := r.db.ListComments(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	var unpublished, active bool
	for _, c := range comments {
		if c.AuthorID == userID {
			if c.Draft {
				unpublished = true
			} else {
				active = true
			}
		}
	}
	if unpublished {
		tags = append(tags, TagUnpublished)
	}
	if active {
		tags = append(tags, TagActive)
	}

	if err := r.db.SetReviewUserTags(ctx, reviewID, userID, tags); err != nil {
		return nil, err
	}
	return tags, nil
}
