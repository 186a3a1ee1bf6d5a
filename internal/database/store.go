package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/models"
)

// store implements DB over database/sql. Both backends share the query text;
// the postgres backend rewrites ? placeholders to $n before execution.
type store struct {
	db     *sql.DB
	rebind func(string) string
}

func (s *store) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

func (s *store) Close() error { return s.db.Close() }

func (s *store) DBStats() sql.DBStats { return s.db.Stats() }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertID runs an INSERT and returns the generated id. The postgres driver
// does not support LastInsertId, so the rebinding backend appends RETURNING
// id instead.
func (s *store) insertID(ctx context.Context, e execer, query string, args ...any) (int64, error) {
	if s.rebind != nil {
		var id int64
		err := e.QueryRowContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return criterrors.NotFoundf(format, args...)
	}
	return err
}

func joinLines(values []string) string { return strings.Join(values, "\n") }

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func isNotFound(err error) bool {
	return criterrors.IsKind(err, criterrors.KindNotFound)
}

func csvJoin(values []string) string { return strings.Join(values, ",") }

func csvSplit(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func csvJoinInt64(values []int64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

func csvSplitInt64(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id list %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func csvJoinSHA1(values []models.SHA1) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func csvSplitSHA1(s string) []models.SHA1 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]models.SHA1, len(parts))
	for i, p := range parts {
		out[i] = models.SHA1(p)
	}
	return out
}

// nullSHA maps an optional SHA1 to its stored form; absent values are kept
// as empty strings so unique constraints behave the same on both backends.
func nullSHA(s *models.SHA1) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

func shaPtr(s string) *models.SHA1 {
	if s == "" {
		return nil
	}
	v := models.SHA1(s)
	return &v
}

// --- Users ---

func (s *store) CreateUser(ctx context.Context, u *models.User) error {
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO users (name, fullname, email, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Name, u.FullName, u.Email, u.IsAdmin, time.Now().UTC())
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (s *store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, fullname, email, is_admin, created_at FROM users WHERE id = ?`), id),
		"user %d", id)
}

func (s *store) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, fullname, email, is_admin, created_at FROM users WHERE name = ?`), name),
		"user %q", name)
}

func (s *store) scanUser(row *sql.Row, format string, args ...any) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Name, &u.FullName, &u.Email, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, notFound(err, format, args...)
	}
	return u, nil
}

func (s *store) AddGitEmail(ctx context.Context, userID int64, email string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO usergitemails (user_id, email) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		userID, email)
	return err
}

func (s *store) ListGitEmails(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT email FROM usergitemails WHERE user_id = ? ORDER BY email`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var emails []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func (s *store) LookupUserByGitEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.q(
		`SELECT u.id, u.name, u.fullname, u.email, u.is_admin, u.created_at
		 FROM usergitemails g
		 JOIN users u ON u.id = g.user_id
		 WHERE g.email = ?`), email),
		"user with git email %q", email)
}

// --- Repositories ---

func (s *store) CreateRepository(ctx context.Context, r *models.Repository) error {
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO repositories (name, path, default_branch, created_at) VALUES (?, ?, ?, ?)`,
		r.Name, r.Path, r.DefaultBranch, time.Now().UTC())
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (s *store) GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error) {
	return s.scanRepository(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, path, default_branch, created_at FROM repositories WHERE id = ?`), id),
		"repository %d", id)
}

func (s *store) GetRepositoryByName(ctx context.Context, name string) (*models.Repository, error) {
	return s.scanRepository(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, path, default_branch, created_at FROM repositories WHERE name = ?`), name),
		"repository %q", name)
}

func (s *store) scanRepository(row *sql.Row, format string, args ...any) (*models.Repository, error) {
	r := &models.Repository{}
	if err := row.Scan(&r.ID, &r.Name, &r.Path, &r.DefaultBranch, &r.CreatedAt); err != nil {
		return nil, notFound(err, format, args...)
	}
	return r, nil
}

func (s *store) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, name, path, default_branch, created_at FROM repositories ORDER BY name`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var repos []models.Repository
	for rows.Next() {
		var r models.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.DefaultBranch, &r.CreatedAt); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// --- Branches ---

func (s *store) CreateBranch(ctx context.Context, b *models.Branch) error {
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO branches (repo_id, name, head, base_branch_id, archived, type) VALUES (?, ?, ?, ?, ?, ?)`,
		b.RepoID, b.Name, string(b.Head), b.BaseBranchID, b.Archived, b.Type)
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

func (s *store) GetBranch(ctx context.Context, repoID int64, name string) (*models.Branch, error) {
	return s.scanBranch(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, name, head, base_branch_id, archived, type
		 FROM branches WHERE repo_id = ? AND name = ?`), repoID, name),
		"branch %q in repository %d", name, repoID)
}

func (s *store) GetBranchByID(ctx context.Context, id int64) (*models.Branch, error) {
	return s.scanBranch(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, name, head, base_branch_id, archived, type
		 FROM branches WHERE id = ?`), id),
		"branch %d", id)
}

func (s *store) scanBranch(row *sql.Row, format string, args ...any) (*models.Branch, error) {
	b := &models.Branch{}
	var head string
	if err := row.Scan(&b.ID, &b.RepoID, &b.Name, &head, &b.BaseBranchID, &b.Archived, &b.Type); err != nil {
		return nil, notFound(err, format, args...)
	}
	b.Head = models.SHA1(head)
	return b, nil
}

func (s *store) ListBranches(ctx context.Context, repoID int64) ([]models.Branch, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, repo_id, name, head, base_branch_id, archived, type
		 FROM branches WHERE repo_id = ? ORDER BY name`), repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var branches []models.Branch
	for rows.Next() {
		var b models.Branch
		var head string
		if err := rows.Scan(&b.ID, &b.RepoID, &b.Name, &head, &b.BaseBranchID, &b.Archived, &b.Type); err != nil {
			return nil, err
		}
		b.Head = models.SHA1(head)
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func (s *store) SetBranchArchived(ctx context.Context, branchID int64, archived bool) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE branches SET archived = ? WHERE id = ?`), archived, branchID)
	return err
}

func (s *store) RecordBranchUpdate(ctx context.Context, update *models.BranchUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if update.FromHead == "" {
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE branches SET head = ? WHERE id = ?`),
			string(update.ToHead), update.BranchID); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE branches SET head = ? WHERE id = ? AND head = ?`),
			string(update.ToHead), update.BranchID, string(update.FromHead))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return criterrors.New(criterrors.KindConflict, "branch head moved")
		}
	}

	now := time.Now().UTC()
	id, err := s.insertID(ctx, tx,
		`INSERT INTO branchupdates (branch_id, updater_id, from_head, to_head, output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		update.BranchID, update.UpdaterID, string(update.FromHead), string(update.ToHead),
		update.OutputText, now)
	if err != nil {
		return err
	}
	update.ID = id
	update.CreatedAt = now

	for _, sha1 := range update.Associated {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO branchcommits (branch_id, sha1, branchupdate_id) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`),
			update.BranchID, string(sha1), id); err != nil {
			return err
		}
	}
	for _, sha1 := range update.Disassociated {
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM branchcommits WHERE branch_id = ? AND sha1 = ?`),
			update.BranchID, string(sha1)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) GetBranchUpdate(ctx context.Context, id int64) (*models.BranchUpdate, error) {
	u := &models.BranchUpdate{}
	var fromHead, toHead string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, branch_id, updater_id, from_head, to_head, output, created_at
		 FROM branchupdates WHERE id = ?`), id).
		Scan(&u.ID, &u.BranchID, &u.UpdaterID, &fromHead, &toHead, &u.OutputText, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "branch update %d", id)
	}
	u.FromHead = models.SHA1(fromHead)
	u.ToHead = models.SHA1(toHead)
	if err := s.loadBranchUpdateCommits(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *store) ListBranchUpdates(ctx context.Context, branchID int64) ([]models.BranchUpdate, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, branch_id, updater_id, from_head, to_head, output, created_at
		 FROM branchupdates WHERE branch_id = ? ORDER BY id`), branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var updates []models.BranchUpdate
	for rows.Next() {
		var u models.BranchUpdate
		var fromHead, toHead string
		if err := rows.Scan(&u.ID, &u.BranchID, &u.UpdaterID, &fromHead, &toHead, &u.OutputText, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.FromHead = models.SHA1(fromHead)
		u.ToHead = models.SHA1(toHead)
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range updates {
		if err := s.loadBranchUpdateCommits(ctx, &updates[i]); err != nil {
			return nil, err
		}
	}
	return updates, nil
}

func (s *store) loadBranchUpdateCommits(ctx context.Context, u *models.BranchUpdate) error {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT sha1 FROM branchcommits WHERE branch_id = ? AND branchupdate_id = ? ORDER BY sha1`),
		u.BranchID, u.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	u.Associated = nil
	for rows.Next() {
		var sha1 string
		if err := rows.Scan(&sha1); err != nil {
			return err
		}
		u.Associated = append(u.Associated, models.SHA1(sha1))
	}
	return rows.Err()
}

func (s *store) AssociatedCommits(ctx context.Context, branchID int64) ([]models.SHA1, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT sha1 FROM branchcommits WHERE branch_id = ? ORDER BY sha1`), branchID)
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

// --- Commits ---

func (s *store) StoreCommit(ctx context.Context, c *models.Commit) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO commits
			(repo_id, sha1, tree, parents_csv, author_name, author_email, author_time,
			 committer_name, committer_email, committer_time, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		c.RepoID, string(c.SHA1), string(c.Tree), csvJoinSHA1(c.Parents),
		c.Author.Name, c.Author.Email, c.Author.Time.UTC(),
		c.Committer.Name, c.Committer.Email, c.Committer.Time.UTC(), c.Message)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM commits WHERE repo_id = ? AND sha1 = ?`),
		c.RepoID, string(c.SHA1)).Scan(&c.ID)
}

func (s *store) GetCommit(ctx context.Context, repoID int64, sha1 models.SHA1) (*models.Commit, error) {
	c := &models.Commit{}
	var commitSHA, tree, parents string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, sha1, tree, parents_csv, author_name, author_email, author_time,
			committer_name, committer_email, committer_time, message
		 FROM commits WHERE repo_id = ? AND sha1 = ?`), repoID, string(sha1)).
		Scan(&c.ID, &c.RepoID, &commitSHA, &tree, &parents,
			&c.Author.Name, &c.Author.Email, &c.Author.Time,
			&c.Committer.Name, &c.Committer.Email, &c.Committer.Time, &c.Message)
	if err != nil {
		return nil, notFound(err, "commit %s in repository %d", sha1, repoID)
	}
	c.SHA1 = models.SHA1(commitSHA)
	c.Tree = models.SHA1(tree)
	c.Parents = csvSplitSHA1(parents)
	return c, nil
}

// --- Files ---

func (s *store) LookupOrCreateFileID(ctx context.Context, path string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM files WHERE path = ?`), path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO files (path) VALUES (?) ON CONFLICT DO NOTHING`), path); err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM files WHERE path = ?`), path).Scan(&id)
	return id, err
}

func (s *store) GetFilePath(ctx context.Context, fileID int64) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT path FROM files WHERE id = ?`), fileID).Scan(&path)
	if err != nil {
		return "", notFound(err, "file %d", fileID)
	}
	return path, nil
}

// --- Filters ---

func (s *store) CreateFilter(ctx context.Context, f *models.Filter) error {
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO filters (uid, repo_id, review_id, path, type, delegates_csv, scopes_csv)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.RepoID, f.ReviewID, f.Path, string(f.Type),
		csvJoinInt64(f.Delegates), csvJoin(f.Scopes))
	if err != nil {
		return err
	}
	f.ID = id
	return nil
}

func (s *store) DeleteFilter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM filters WHERE id = ?`), id)
	return err
}

func (s *store) ListRepositoryFilters(ctx context.Context, repoID int64) ([]models.Filter, error) {
	return s.listFilters(ctx, s.q(
		`SELECT id, uid, repo_id, review_id, path, type, delegates_csv, scopes_csv
		 FROM filters WHERE repo_id = ? AND review_id IS NULL ORDER BY id`), repoID)
}

func (s *store) ListReviewFilters(ctx context.Context, reviewID int64) ([]models.Filter, error) {
	return s.listFilters(ctx, s.q(
		`SELECT id, uid, repo_id, review_id, path, type, delegates_csv, scopes_csv
		 FROM filters WHERE review_id = ? ORDER BY id`), reviewID)
}

func (s *store) listFilters(ctx context.Context, query string, arg any) ([]models.Filter, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var filters []models.Filter
	for rows.Next() {
		var f models.Filter
		var ftype, delegates, scopes string
		if err := rows.Scan(&f.ID, &f.UserID, &f.RepoID, &f.ReviewID, &f.Path, &ftype, &delegates, &scopes); err != nil {
			return nil, err
		}
		f.Type = models.FilterType(ftype)
		if f.Delegates, err = csvSplitInt64(delegates); err != nil {
			return nil, err
		}
		f.Scopes = csvSplit(scopes)
		filters = append(filters, f)
	}
	return filters, rows.Err()
}
