package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/models"
)

func (s *store) CreateReview(ctx context.Context, r *models.Review) error {
	now := time.Now().UTC()
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO reviews (repo_id, branch_id, owner_id, state, summary, description, target_branch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RepoID, r.BranchID, r.OwnerID, string(r.State), r.Summary, r.Description,
		r.TargetBranchID, now)
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

func (s *store) GetReview(ctx context.Context, id int64) (*models.Review, error) {
	return s.scanReview(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, branch_id, owner_id, state, summary, description, target_branch_id, created_at
		 FROM reviews WHERE id = ?`), id),
		"review %d", id)
}

func (s *store) GetReviewByBranch(ctx context.Context, branchID int64) (*models.Review, error) {
	return s.scanReview(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, branch_id, owner_id, state, summary, description, target_branch_id, created_at
		 FROM reviews WHERE branch_id = ?`), branchID),
		"review for branch %d", branchID)
}

func (s *store) scanReview(row *sql.Row, format string, args ...any) (*models.Review, error) {
	r := &models.Review{}
	var state string
	if err := row.Scan(&r.ID, &r.RepoID, &r.BranchID, &r.OwnerID, &state, &r.Summary,
		&r.Description, &r.TargetBranchID, &r.CreatedAt); err != nil {
		return nil, notFound(err, format, args...)
	}
	r.State = models.ReviewState(state)
	return r, nil
}

func (s *store) UpdateReviewState(ctx context.Context, reviewID int64, state models.ReviewState) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reviews SET state = ? WHERE id = ?`), string(state), reviewID)
	return err
}

func (s *store) UpdateReviewSummary(ctx context.Context, reviewID int64, summary, description string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reviews SET summary = ?, description = ? WHERE id = ?`), summary, description, reviewID)
	return err
}

func (s *store) SetReviewTargetBranch(ctx context.Context, reviewID, targetBranchID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reviews SET target_branch_id = ? WHERE id = ?`), targetBranchID, reviewID)
	return err
}

func (s *store) ListReviews(ctx context.Context, repoID int64, state models.ReviewState) ([]models.Review, error) {
	query := `SELECT id, repo_id, branch_id, owner_id, state, summary, description, target_branch_id, created_at
		 FROM reviews WHERE repo_id = ?`
	args := []any{repoID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reviews []models.Review
	for rows.Next() {
		var r models.Review
		var st string
		if err := rows.Scan(&r.ID, &r.RepoID, &r.BranchID, &r.OwnerID, &st, &r.Summary,
			&r.Description, &r.TargetBranchID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.State = models.ReviewState(st)
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func (s *store) SetReviewUser(ctx context.Context, ru *models.ReviewUser) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO reviewusers (review_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (review_id, user_id) DO UPDATE SET role = excluded.role`),
		ru.ReviewID, ru.UserID, string(ru.Role))
	return err
}

func (s *store) RemoveReviewUser(ctx context.Context, reviewID, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM reviewusers WHERE review_id = ? AND user_id = ?`), reviewID, userID)
	return err
}

func (s *store) ListReviewUsers(ctx context.Context, reviewID int64) ([]models.ReviewUser, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT review_id, user_id, role FROM reviewusers WHERE review_id = ? ORDER BY user_id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []models.ReviewUser
	for rows.Next() {
		var ru models.ReviewUser
		var role string
		if err := rows.Scan(&ru.ReviewID, &ru.UserID, &role); err != nil {
			return nil, err
		}
		ru.Role = models.ReviewUserRole(role)
		users = append(users, ru)
	}
	return users, rows.Err()
}

func (s *store) AddReviewCommits(ctx context.Context, reviewID, branchupdateID int64, commits []models.SHA1) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, sha1 := range commits {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO reviewcommits (review_id, branchupdate_id, sha1) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`),
			reviewID, branchupdateID, string(sha1)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) ListReviewCommits(ctx context.Context, reviewID int64) ([]models.SHA1, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT sha1 FROM reviewcommits WHERE review_id = ? ORDER BY branchupdate_id, sha1`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var commits []models.SHA1
	for rows.Next() {
		var sha1 string
		if err := rows.Scan(&sha1); err != nil {
			return nil, err
		}
		commits = append(commits, models.SHA1(sha1))
	}
	return commits, rows.Err()
}

func (s *store) AddReviewChangeset(ctx context.Context, reviewID, changesetID, branchupdateID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO reviewchangesets (review_id, changeset_id, branchupdate_id) VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		reviewID, changesetID, branchupdateID)
	return err
}

func (s *store) ListReviewChangesets(ctx context.Context, reviewID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT changeset_id FROM reviewchangesets WHERE review_id = ? ORDER BY branchupdate_id, changeset_id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReviewsByChangeset inverts the attachment: the reviews a changeset
// belongs to. At most one in practice, but nothing enforces that.
func (s *store) ListReviewsByChangeset(ctx context.Context, changesetID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT review_id FROM reviewchangesets WHERE changeset_id = ? ORDER BY review_id`), changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Rebases ---

func (s *store) CreateRebase(ctx context.Context, r *models.Rebase) error {
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO reviewrebases
			(review_id, branchupdate_id, kind, old_head, new_head, old_upstream, new_upstream,
			 equivalent_merge, replayed_rebase, creator_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReviewID, r.BranchUpdateID, string(r.Kind), string(r.OldHead), string(r.NewHead),
		string(r.OldUpstream), string(r.NewUpstream),
		nullSHA(r.EquivalentMerge), nullSHA(r.ReplayedRebase), r.CreatorID)
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// GetPendingRebase returns the review's prepared rebase that has not yet been
// attached to a branch update, if any.
func (s *store) GetPendingRebase(ctx context.Context, reviewID int64) (*models.Rebase, error) {
	return s.scanRebase(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, review_id, branchupdate_id, kind, old_head, new_head, old_upstream, new_upstream,
			equivalent_merge, replayed_rebase, creator_id
		 FROM reviewrebases WHERE review_id = ? AND branchupdate_id IS NULL`), reviewID),
		"pending rebase for review %d", reviewID)
}

func (s *store) AttachRebase(ctx context.Context, rebaseID, branchupdateID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reviewrebases SET branchupdate_id = ? WHERE id = ? AND branchupdate_id IS NULL`),
		branchupdateID, rebaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return criterrors.New(criterrors.KindConflict, "rebase already attached")
	}
	return nil
}

func (s *store) UpdateRebase(ctx context.Context, r *models.Rebase) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reviewrebases SET
			kind = ?, old_head = ?, new_head = ?, old_upstream = ?, new_upstream = ?,
			equivalent_merge = ?, replayed_rebase = ?
		 WHERE id = ?`),
		string(r.Kind), string(r.OldHead), string(r.NewHead),
		string(r.OldUpstream), string(r.NewUpstream),
		nullSHA(r.EquivalentMerge), nullSHA(r.ReplayedRebase), r.ID)
	return err
}

func (s *store) ListRebases(ctx context.Context, reviewID int64) ([]models.Rebase, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, review_id, branchupdate_id, kind, old_head, new_head, old_upstream, new_upstream,
			equivalent_merge, replayed_rebase, creator_id
		 FROM reviewrebases WHERE review_id = ? AND branchupdate_id IS NOT NULL
		 ORDER BY branchupdate_id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rebases []models.Rebase
	for rows.Next() {
		r, err := scanRebaseRow(rows)
		if err != nil {
			return nil, err
		}
		rebases = append(rebases, *r)
	}
	return rebases, rows.Err()
}

func (s *store) scanRebase(row *sql.Row, format string, args ...any) (*models.Rebase, error) {
	r := &models.Rebase{}
	var kind, oldHead, newHead, oldUpstream, newUpstream, eqMerge, replayed string
	if err := row.Scan(&r.ID, &r.ReviewID, &r.BranchUpdateID, &kind, &oldHead, &newHead,
		&oldUpstream, &newUpstream, &eqMerge, &replayed, &r.CreatorID); err != nil {
		return nil, notFound(err, format, args...)
	}
	fillRebase(r, kind, oldHead, newHead, oldUpstream, newUpstream, eqMerge, replayed)
	return r, nil
}

func scanRebaseRow(rows *sql.Rows) (*models.Rebase, error) {
	r := &models.Rebase{}
	var kind, oldHead, newHead, oldUpstream, newUpstream, eqMerge, replayed string
	if err := rows.Scan(&r.ID, &r.ReviewID, &r.BranchUpdateID, &kind, &oldHead, &newHead,
		&oldUpstream, &newUpstream, &eqMerge, &replayed, &r.CreatorID); err != nil {
		return nil, err
	}
	fillRebase(r, kind, oldHead, newHead, oldUpstream, newUpstream, eqMerge, replayed)
	return r, nil
}

func fillRebase(r *models.Rebase, kind, oldHead, newHead, oldUpstream, newUpstream, eqMerge, replayed string) {
	r.Kind = models.RebaseKind(kind)
	r.OldHead = models.SHA1(oldHead)
	r.NewHead = models.SHA1(newHead)
	r.OldUpstream = models.SHA1(oldUpstream)
	r.NewUpstream = models.SHA1(newUpstream)
	r.EquivalentMerge = shaPtr(eqMerge)
	r.ReplayedRebase = shaPtr(replayed)
}

// --- Review files ---

func (s *store) CreateReviewFiles(ctx context.Context, files []models.ReviewFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := range files {
		f := &files[i]
		id, err := s.insertID(ctx, tx,
			`INSERT INTO reviewfiles (review_id, changeset_id, file_id, inserted, deleted, reviewed)
			 VALUES (?, ?, ?, ?, ?, FALSE)`,
			f.ReviewID, f.ChangesetID, f.FileID, f.Inserted, f.Deleted)
		if err != nil {
			return err
		}
		f.ID = id
	}
	return tx.Commit()
}

func (s *store) ListReviewFiles(ctx context.Context, reviewID int64) ([]models.ReviewFile, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, review_id, changeset_id, file_id, inserted, deleted, reviewed
		 FROM reviewfiles WHERE review_id = ? ORDER BY id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []models.ReviewFile
	for rows.Next() {
		var f models.ReviewFile
		if err := rows.Scan(&f.ID, &f.ReviewID, &f.ChangesetID, &f.FileID, &f.Inserted, &f.Deleted, &f.Reviewed); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SetReviewFileReviewed flips the reviewed flag and records the change in the
// same transaction.
func (s *store) SetReviewFileReviewed(ctx context.Context, reviewFileID, userID int64, reviewed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current bool
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT reviewed FROM reviewfiles WHERE id = ?`), reviewFileID).Scan(&current); err != nil {
		return notFound(err, "review file %d", reviewFileID)
	}
	if current == reviewed {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`UPDATE reviewfiles SET reviewed = ? WHERE id = ?`), reviewed, reviewFileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO reviewfilechanges (review_file_id, user_id, from_reviewed, to_reviewed, changed_at)
		 VALUES (?, ?, ?, ?, ?)`),
		reviewFileID, userID, current, reviewed, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *store) AssignReviewUserFiles(ctx context.Context, assignments []models.ReviewUserFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	for _, a := range assignments {
		assignedAt := a.AssignedAt
		if assignedAt.IsZero() {
			assignedAt = now
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO reviewuserfiles (review_file_id, user_id, scopes_csv, assigned_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (review_file_id, user_id) DO UPDATE SET scopes_csv = excluded.scopes_csv`),
			a.ReviewFileID, a.UserID, csvJoin(a.Scopes), assignedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) DeleteReviewUserFile(ctx context.Context, reviewFileID, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM reviewuserfiles WHERE review_file_id = ? AND user_id = ?`), reviewFileID, userID)
	return err
}

func (s *store) ListReviewUserFiles(ctx context.Context, reviewID int64) ([]models.ReviewUserFile, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT ruf.review_file_id, ruf.user_id, ruf.scopes_csv, ruf.assigned_at
		 FROM reviewuserfiles ruf
		 JOIN reviewfiles rf ON rf.id = ruf.review_file_id
		 WHERE rf.review_id = ?
		 ORDER BY ruf.review_file_id, ruf.user_id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []models.ReviewUserFile
	for rows.Next() {
		var a models.ReviewUserFile
		var scopes string
		if err := rows.Scan(&a.ReviewFileID, &a.UserID, &scopes, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.Scopes = csvSplit(scopes)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (s *store) ListReviewFileChanges(ctx context.Context, reviewID int64) ([]models.ReviewFileChange, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT rfc.review_file_id, rfc.user_id, rfc.from_reviewed, rfc.to_reviewed, rfc.changed_at
		 FROM reviewfilechanges rfc
		 JOIN reviewfiles rf ON rf.id = rfc.review_file_id
		 WHERE rf.review_id = ?
		 ORDER BY rfc.changed_at, rfc.review_file_id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var changes []models.ReviewFileChange
	for rows.Next() {
		var c models.ReviewFileChange
		if err := rows.Scan(&c.ReviewFileID, &c.UserID, &c.FromReviewed, &c.ToReviewed, &c.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// --- Review events and tags ---

func (s *store) AddReviewEvent(ctx context.Context, e *models.ReviewEvent) error {
	now := time.Now().UTC()
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO reviewevents (review_id, user_id, type, created_at) VALUES (?, ?, ?, ?)`,
		e.ReviewID, e.UserID, e.Type, now)
	if err != nil {
		return err
	}
	e.ID = id
	e.CreatedAt = now
	return nil
}

func (s *store) ListReviewEvents(ctx context.Context, reviewID int64) ([]models.ReviewEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, review_id, user_id, type, created_at
		 FROM reviewevents WHERE review_id = ? ORDER BY id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []models.ReviewEvent
	for rows.Next() {
		var e models.ReviewEvent
		if err := rows.Scan(&e.ID, &e.ReviewID, &e.UserID, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetReviewUserTags replaces the user's tag set for the review.
func (s *store) SetReviewUserTags(ctx context.Context, reviewID, userID int64, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM reviewusertags WHERE review_id = ? AND user_id = ?`), reviewID, userID); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO reviewusertags (review_id, user_id, tag) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`),
			reviewID, userID, tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) ListReviewUserTags(ctx context.Context, reviewID, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT tag FROM reviewusertags WHERE review_id = ? AND user_id = ? ORDER BY tag`),
		reviewID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// --- Integration requests ---

func (s *store) CreateIntegrationRequest(ctx context.Context, r *models.IntegrationRequest) error {
	now := time.Now().UTC()
	strategies := make([]string, len(r.Strategy))
	for i, st := range r.Strategy {
		strategies[i] = string(st)
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO reviewintegrationrequests
			(review_id, target_branch_id, do_squash, squash_message, do_autosquash, do_integrate,
			 strategy_csv, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReviewID, r.TargetBranchID, r.DoSquash, r.SquashMessage, r.DoAutosquash, r.DoIntegrate,
		csvJoin(strategies), string(r.State), now)
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = now
	return nil
}

func (s *store) GetIntegrationRequest(ctx context.Context, id int64) (*models.IntegrationRequest, error) {
	return s.scanIntegrationRequest(s.db.QueryRowContext(ctx, s.q(
		integrationRequestColumns+` WHERE id = ?`), id),
		"integration request %d", id)
}

const integrationRequestColumns = `SELECT id, review_id, target_branch_id, do_squash, squash_message,
	do_autosquash, do_integrate, strategy_csv, state, squashed_at, autosquashed_at,
	strategy_used, successful, error_message, conflicts, created_at
 FROM reviewintegrationrequests`

func (s *store) scanIntegrationRequest(row *sql.Row, format string, args ...any) (*models.IntegrationRequest, error) {
	r := &models.IntegrationRequest{}
	var strategies, state, strategyUsed, conflicts string
	var successful sql.NullBool
	if err := row.Scan(&r.ID, &r.ReviewID, &r.TargetBranchID, &r.DoSquash, &r.SquashMessage,
		&r.DoAutosquash, &r.DoIntegrate, &strategies, &state, &r.SquashedAt, &r.AutosquashedAt,
		&strategyUsed, &successful, &r.ErrorMessage, &conflicts, &r.CreatedAt); err != nil {
		return nil, notFound(err, format, args...)
	}
	for _, st := range csvSplit(strategies) {
		r.Strategy = append(r.Strategy, models.IntegrationStrategy(st))
	}
	r.State = models.IntegrationState(state)
	r.StrategyUsed = models.IntegrationStrategy(strategyUsed)
	if successful.Valid {
		r.Successful = &successful.Bool
	}
	if conflicts != "" {
		r.Conflicts = splitLines(conflicts)
	}
	return r, nil
}

func (s *store) UpdateIntegrationRequest(ctx context.Context, r *models.IntegrationRequest) error {
	var successful any
	if r.Successful != nil {
		successful = *r.Successful
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reviewintegrationrequests SET
			state = ?, squashed_at = ?, autosquashed_at = ?, strategy_used = ?,
			successful = ?, error_message = ?, conflicts = ?
		 WHERE id = ?`),
		string(r.State), r.SquashedAt, r.AutosquashedAt, string(r.StrategyUsed),
		successful, r.ErrorMessage, joinLines(r.Conflicts), r.ID)
	return err
}

// ClaimPlannedIntegration atomically moves the oldest planned request to
// in-progress and returns it. A nil request means the queue is empty.
func (s *store) ClaimPlannedIntegration(ctx context.Context) (*models.IntegrationRequest, error) {
	for {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT id FROM reviewintegrationrequests WHERE state = ? ORDER BY id LIMIT 1`),
			string(models.IntegrationPlanned)).Scan(&id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, s.q(
			`UPDATE reviewintegrationrequests SET state = ? WHERE id = ? AND state = ?`),
			string(models.IntegrationInProgress), id, string(models.IntegrationPlanned))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // lost the race, try the next one
		}
		return s.GetIntegrationRequest(ctx, id)
	}
}

func (s *store) ListIntegrationRequests(ctx context.Context, reviewID int64) ([]models.IntegrationRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		integrationRequestColumns+` WHERE review_id = ? ORDER BY id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var requests []models.IntegrationRequest
	for rows.Next() {
		r := models.IntegrationRequest{}
		var strategies, state, strategyUsed, conflicts string
		var successful sql.NullBool
		if err := rows.Scan(&r.ID, &r.ReviewID, &r.TargetBranchID, &r.DoSquash, &r.SquashMessage,
			&r.DoAutosquash, &r.DoIntegrate, &strategies, &state, &r.SquashedAt, &r.AutosquashedAt,
			&strategyUsed, &successful, &r.ErrorMessage, &conflicts, &r.CreatedAt); err != nil {
			return nil, err
		}
		for _, st := range csvSplit(strategies) {
			r.Strategy = append(r.Strategy, models.IntegrationStrategy(st))
		}
		r.State = models.IntegrationState(state)
		r.StrategyUsed = models.IntegrationStrategy(strategyUsed)
		if successful.Valid {
			r.Successful = &successful.Bool
		}
		if conflicts != "" {
			r.Conflicts = splitLines(conflicts)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}
