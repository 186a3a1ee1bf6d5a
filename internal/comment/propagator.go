// Package comment translates comment anchors across the commits of a review.
// A comment written against lines of one commit stays attached to the
// logically same lines in every other commit the review considers, including
// across rebases, and an issue whose lines a later commit changed becomes
// addressed by that commit.
package comment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/models"
)

// Propagator recomputes comment locations whenever a review's commit set
// changes.
type Propagator struct {
	db     database.DB
	logger *slog.Logger
}

func NewPropagator(db database.DB, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{db: db, logger: logger}
}

// Result is the outcome of propagating one comment.
type Result struct {
	Locations   []models.CommentLocationVersion
	Addressed   bool
	AddressedBy *models.SHA1
}

type lineRange struct {
	first, last int
}

// translateForwards maps a line range on the old side of a changeset to the
// new side. Blocks strictly before the range shift it; a block overlapping
// the range means the lines no longer exist on the new side.
func translateForwards(blocks []models.ChangedLines, loc lineRange) *lineRange {
	delta := 0
	oldLine, newLine := 1, 1
	for _, b := range blocks {
		oldStart := oldLine + b.Offset
		newStart := newLine + b.Offset
		oldEnd := oldStart + b.DeleteCount - 1
		oldLine = oldStart + b.DeleteCount
		newLine = newStart + b.InsertCount
		if b.DeleteCount == 0 {
			// Pure insertion between old lines oldStart-1 and oldStart.
			if oldStart > loc.first && oldStart <= loc.last {
				return nil
			}
			if oldStart <= loc.first {
				delta += b.InsertCount
			}
			continue
		}
		if oldEnd < loc.first {
			delta += b.InsertCount - b.DeleteCount
			continue
		}
		if oldStart > loc.last {
			break
		}
		return nil
	}
	return &lineRange{first: loc.first + delta, last: loc.last + delta}
}

// translateBackwards is the inverse mapping, from the new side to the old.
func translateBackwards(blocks []models.ChangedLines, loc lineRange) *lineRange {
	delta := 0
	oldLine, newLine := 1, 1
	for _, b := range blocks {
		oldStart := oldLine + b.Offset
		newStart := newLine + b.Offset
		newEnd := newStart + b.InsertCount - 1
		oldLine = oldStart + b.DeleteCount
		newLine = newStart + b.InsertCount
		if b.InsertCount == 0 {
			if newStart > loc.first && newStart <= loc.last {
				return nil
			}
			if newStart <= loc.first {
				delta += b.DeleteCount
			}
			continue
		}
		if newEnd < loc.first {
			delta += b.DeleteCount - b.InsertCount
			continue
		}
		if newStart > loc.last {
			break
		}
		return nil
	}
	return &lineRange{first: loc.first + delta, last: loc.last + delta}
}

// partition is a maximal run of reviewable commits between two rebases. The
// rebase field is the rebase that ended the partition, nil for the current
// one.
type partition struct {
	head    models.SHA1
	commits map[models.SHA1]*models.Commit
	rebase  *models.Rebase
}

// partitions splits the review's reviewable commits at its rebases, oldest
// partition first.
func (p *Propagator) partitions(ctx context.Context, review *models.Review) ([]partition, error) {
	reviewable, err := p.db.ListReviewCommits(ctx, review.ID)
	if err != nil {
		return nil, err
	}
	inReview := make(map[models.SHA1]bool, len(reviewable))
	for _, sha := range reviewable {
		inReview[sha] = true
	}
	rebases, err := p.db.ListRebases(ctx, review.ID)
	if err != nil {
		return nil, err
	}

	var heads []models.SHA1
	var enders []*models.Rebase
	for i := range rebases {
		if rebases[i].BranchUpdateID == nil {
			continue // pending, not performed yet
		}
		heads = append(heads, rebases[i].OldHead)
		enders = append(enders, &rebases[i])
	}
	if review.BranchID == nil {
		return nil, criterrors.New(criterrors.KindInvalidInput, "review has no branch")
	}
	branch, err := p.db.GetBranchByID(ctx, *review.BranchID)
	if err != nil {
		return nil, err
	}
	heads = append(heads, branch.Head)
	enders = append(enders, nil)

	assigned := make(map[models.SHA1]bool)
	result := make([]partition, len(heads))
	// Newest partition first while walking so earlier partitions never claim
	// a rewritten commit, then reverse.
	for i := len(heads) - 1; i >= 0; i-- {
		part := partition{head: heads[i], commits: make(map[models.SHA1]*models.Commit), rebase: enders[i]}
		queue := []models.SHA1{heads[i]}
		for len(queue) > 0 {
			sha := queue[0]
			queue = queue[1:]
			if assigned[sha] || !inReview[sha] {
				continue
			}
			commit, err := p.db.GetCommit(ctx, review.RepoID, sha)
			if err != nil {
				if criterrors.IsKind(err, criterrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			assigned[sha] = true
			part.commits[sha] = commit
			queue = append(queue, commit.Parents...)
		}
		result[i] = part
	}
	return result, nil
}

// blocksBetween loads the changed-lines blocks of the parent→child changeset
// for one file. A missing changeset, or a changeset not touching the file,
// means the file is unchanged between the two commits.
func (p *Propagator) blocksBetween(ctx context.Context, repoID int64, from, to models.SHA1, isReplay bool, fileID int64) ([]models.ChangedLines, bool, error) {
	cs, err := p.db.GetChangeset(ctx, repoID, from, to, isReplay, nil)
	if err != nil {
		if !criterrors.IsKind(err, criterrors.KindNotFound) {
			return nil, false, err
		}
		// Merge commits store their primary changeset with a for_merge key.
		forMerge := to
		cs, err = p.db.GetChangeset(ctx, repoID, from, to, isReplay, &forMerge)
		if err != nil {
			if criterrors.IsKind(err, criterrors.KindNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
	}
	blocks, err := p.db.ListChangedLines(ctx, cs.ID, fileID)
	if err != nil {
		return nil, false, err
	}
	return blocks, true, nil
}

type walkState struct {
	locations map[models.SHA1]lineRange
	// Commits whose incoming translation lost the lines, in discovery order.
	lost []models.SHA1
}

// walkForward pushes a location from its commit out to every descendant in
// the partition, then fills merge diamonds by walking backward along
// unvisited merge parents.
func (p *Propagator) walkForward(ctx context.Context, repoID, fileID int64, part partition, start models.SHA1, loc lineRange) (*walkState, error) {
	children := make(map[models.SHA1][]models.SHA1)
	for sha, commit := range part.commits {
		for _, parent := range commit.Parents {
			if _, ok := part.commits[parent]; ok {
				children[parent] = append(children[parent], sha)
			}
		}
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool { return siblings[i] < siblings[j] })
	}

	state := &walkState{locations: map[models.SHA1]lineRange{start: loc}}
	queue := []models.SHA1{start}
	for len(queue) > 0 {
		sha := queue[0]
		queue = queue[1:]
		current := state.locations[sha]
		for _, child := range children[sha] {
			if _, seen := state.locations[child]; seen {
				continue
			}
			blocks, _, err := p.blocksBetween(ctx, repoID, sha, child, false, fileID)
			if err != nil {
				return nil, err
			}
			translated := translateForwards(blocks, current)
			if translated == nil {
				state.lost = append(state.lost, child)
				continue
			}
			state.locations[child] = *translated
			queue = append(queue, child)
		}
	}

	// Populate the other sides of merge diamonds.
	for {
		added := false
		for sha := range state.locations {
			commit := part.commits[sha]
			if commit == nil || !commit.IsMerge() {
				continue
			}
			current := state.locations[sha]
			for _, parent := range commit.Parents {
				if _, ok := part.commits[parent]; !ok {
					continue
				}
				if _, seen := state.locations[parent]; seen {
					continue
				}
				blocks, _, err := p.blocksBetween(ctx, repoID, parent, sha, false, fileID)
				if err != nil {
					return nil, err
				}
				if back := translateBackwards(blocks, current); back != nil {
					state.locations[parent] = *back
					added = true
				}
			}
			if added {
				break
			}
		}
		if !added {
			break
		}
	}
	return state, nil
}

// walkBackward pushes a location from its commit to every ancestor in the
// partition.
func (p *Propagator) walkBackward(ctx context.Context, repoID, fileID int64, part partition, start models.SHA1, loc lineRange) (map[models.SHA1]lineRange, error) {
	locations := map[models.SHA1]lineRange{start: loc}
	queue := []models.SHA1{start}
	for len(queue) > 0 {
		sha := queue[0]
		queue = queue[1:]
		commit := part.commits[sha]
		if commit == nil {
			continue
		}
		current := locations[sha]
		for _, parent := range commit.Parents {
			if _, ok := part.commits[parent]; !ok {
				continue
			}
			if _, seen := locations[parent]; seen {
				continue
			}
			// Stored changesets run parent→child; translate against that.
			forward, _, err := p.blocksBetween(ctx, repoID, parent, sha, false, fileID)
			if err != nil {
				return nil, err
			}
			if back := translateBackwards(forward, current); back != nil {
				locations[parent] = *back
				queue = append(queue, parent)
			}
		}
	}
	return locations, nil
}

// crossRebase translates a location at the old head of a rebase to the new
// head. History rewrites keep content identical; move rebases translate
// through the comparison changeset when one exists.
func (p *Propagator) crossRebase(ctx context.Context, repoID, fileID int64, rebase *models.Rebase, loc lineRange) (*lineRange, error) {
	if rebase.Kind == models.RebaseHistoryRewrite {
		result := loc
		return &result, nil
	}
	comparison, ok := rebase.ComparisonCommit()
	if !ok {
		// No comparison commit was created; assume the lines survived.
		result := loc
		return &result, nil
	}
	blocks, found, err := p.blocksBetween(ctx, repoID, rebase.OldHead, comparison, true, fileID)
	if err != nil {
		return nil, err
	}
	if !found {
		result := loc
		return &result, nil
	}
	return translateForwards(blocks, loc), nil
}

// Propagate computes every location the comment's lines exist at across the
// review's partitions, and whether a later change addressed them.
func (p *Propagator) Propagate(ctx context.Context, comment *models.Comment) (*Result, error) {
	if comment.Location == nil {
		return &Result{}, nil
	}
	if comment.Location.Kind == models.LocationFileVersion {
		// File-version anchors are content-addressed already.
		return &Result{Locations: []models.CommentLocationVersion{{
			CommentID: comment.ID,
			SHA1:      comment.Location.BlobSHA,
			FirstLine: comment.Location.FirstLine,
			LastLine:  comment.Location.LastLine,
		}}}, nil
	}

	review, err := p.db.GetReview(ctx, comment.ReviewID)
	if err != nil {
		return nil, err
	}
	parts, err := p.partitions(ctx, review)
	if err != nil {
		return nil, err
	}
	primary := comment.Location.CommitSHA
	primaryIndex := -1
	for i, part := range parts {
		if _, ok := part.commits[primary]; ok {
			primaryIndex = i
			break
		}
	}
	if primaryIndex == -1 {
		return nil, criterrors.New(criterrors.KindInvalidInput,
			fmt.Sprintf("commented commit %s is not reviewable", primary.Short()))
	}

	fileID := comment.Location.FileID
	loc := lineRange{first: comment.Location.FirstLine, last: comment.Location.LastLine}
	result := &Result{}
	all := make(map[models.SHA1]lineRange)

	record := func(m map[models.SHA1]lineRange) {
		for sha, r := range m {
			all[sha] = r
		}
	}

	// Forward from the primary commit through this and later partitions.
	start, startLoc := primary, loc
	for i := primaryIndex; i < len(parts); i++ {
		part := parts[i]
		state, err := p.walkForward(ctx, review.RepoID, fileID, part, start, startLoc)
		if err != nil {
			return nil, err
		}
		record(state.locations)
		headLoc, atHead := state.locations[part.head]
		if !atHead {
			result.Addressed = true
			if len(state.lost) > 0 {
				addressedBy := state.lost[0]
				result.AddressedBy = &addressedBy
			}
			break
		}
		if part.rebase == nil {
			break
		}
		crossed, err := p.crossRebase(ctx, review.RepoID, fileID, part.rebase, headLoc)
		if err != nil {
			return nil, err
		}
		if crossed == nil {
			result.Addressed = true
			if comparison, ok := part.rebase.ComparisonCommit(); ok {
				result.AddressedBy = &comparison
			}
			break
		}
		start, startLoc = part.rebase.NewHead, *crossed
	}

	// Backward within the primary partition and into earlier ones, for
	// historical visibility.
	back, err := p.walkBackward(ctx, review.RepoID, fileID, parts[primaryIndex], primary, loc)
	if err != nil {
		return nil, err
	}
	record(back)
	for i := primaryIndex - 1; i >= 0; i-- {
		ender := parts[i].rebase
		if ender == nil {
			break
		}
		entry, ok := all[ender.NewHead]
		if !ok {
			break
		}
		// Inverse of the cross-rebase step.
		var reached *lineRange
		if ender.Kind == models.RebaseHistoryRewrite {
			r := entry
			reached = &r
		} else if comparison, found := ender.ComparisonCommit(); found {
			blocks, haveCS, err := p.blocksBetween(ctx, review.RepoID, ender.OldHead, comparison, true, fileID)
			if err != nil {
				return nil, err
			}
			if haveCS {
				reached = translateBackwards(blocks, entry)
			} else {
				r := entry
				reached = &r
			}
		} else {
			r := entry
			reached = &r
		}
		if reached == nil {
			break
		}
		earlier, err := p.walkBackward(ctx, review.RepoID, fileID, parts[i], parts[i].head, *reached)
		if err != nil {
			return nil, err
		}
		record(earlier)
	}

	shas := make([]models.SHA1, 0, len(all))
	for sha := range all {
		shas = append(shas, sha)
	}
	sort.Slice(shas, func(i, j int) bool { return shas[i] < shas[j] })
	for _, sha := range shas {
		r := all[sha]
		result.Locations = append(result.Locations, models.CommentLocationVersion{
			CommentID: comment.ID,
			SHA1:      sha,
			FirstLine: r.first,
			LastLine:  r.last,
		})
	}
	return result, nil
}

// Refresh recomputes and stores the comment's locations, transitioning an
// open issue to addressed when its lines no longer reach the current head.
func (p *Propagator) Refresh(ctx context.Context, commentID int64) (*Result, error) {
	comment, err := p.db.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	result, err := p.Propagate(ctx, comment)
	if err != nil {
		return nil, err
	}

	existing, err := p.db.ListCommentLocations(ctx, commentID)
	if err != nil {
		return nil, err
	}
	known := make(map[models.SHA1]bool, len(existing))
	for _, lv := range existing {
		known[lv.SHA1] = true
	}
	var fresh []models.CommentLocationVersion
	for _, lv := range result.Locations {
		if !known[lv.SHA1] {
			fresh = append(fresh, lv)
		}
	}
	if len(fresh) > 0 {
		if err := p.db.InsertCommentLocations(ctx, fresh); err != nil {
			return nil, err
		}
	}

	if result.Addressed && comment.Kind == models.CommentIssue && comment.State == models.IssueOpen {
		if err := p.db.UpdateCommentState(ctx, commentID, models.IssueAddressed, result.AddressedBy); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RefreshAll refreshes every published comment of a review. Failures on
// individual comments are logged and skipped so one bad anchor cannot stall
// the review.
func (p *Propagator) RefreshAll(ctx context.Context, reviewID int64) error {
	comments, err := p.db.ListComments(ctx, reviewID)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if c.Location == nil || c.Location.Kind != models.LocationCommit {
			continue
		}
		if _, err := p.Refresh(ctx, c.ID); err != nil {
			p.logger.Warn("comment propagation failed",
				"review_id", reviewID, "comment_id", c.ID, "error", err)
		}
	}
	return nil
}
