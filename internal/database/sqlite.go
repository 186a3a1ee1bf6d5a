package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	store
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{store{db: db}}, nil
}

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	fullname TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usergitemails (
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	PRIMARY KEY (user_id, email)
);

CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'master',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS branches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	head TEXT NOT NULL,
	base_branch_id INTEGER REFERENCES branches(id) ON DELETE SET NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	type TEXT NOT NULL DEFAULT 'normal',
	UNIQUE(repo_id, name)
);

CREATE TABLE IF NOT EXISTS branchupdates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	branch_id INTEGER NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	updater_id INTEGER REFERENCES users(id),
	from_head TEXT NOT NULL DEFAULT '',
	to_head TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS branchcommits (
	branch_id INTEGER NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	sha1 TEXT NOT NULL,
	branchupdate_id INTEGER REFERENCES branchupdates(id) ON DELETE SET NULL,
	PRIMARY KEY (branch_id, sha1)
);

CREATE TABLE IF NOT EXISTS commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	sha1 TEXT NOT NULL,
	tree TEXT NOT NULL,
	parents_csv TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	author_email TEXT NOT NULL DEFAULT '',
	author_time DATETIME NOT NULL,
	committer_name TEXT NOT NULL DEFAULT '',
	committer_email TEXT NOT NULL DEFAULT '',
	committer_time DATETIME NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	UNIQUE(repo_id, sha1)
);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS changesets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	from_sha1 TEXT NOT NULL DEFAULT '',
	to_sha1 TEXT NOT NULL,
	for_merge TEXT NOT NULL DEFAULT '',
	is_replay BOOLEAN NOT NULL DEFAULT FALSE,
	completed_structure BOOLEAN NOT NULL DEFAULT FALSE,
	completed_changedlines BOOLEAN NOT NULL DEFAULT FALSE,
	completed_syntaxhighlight BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE(repo_id, from_sha1, to_sha1, is_replay, for_merge)
);

CREATE TABLE IF NOT EXISTS changesetfiles (
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	file_id INTEGER NOT NULL REFERENCES files(id),
	old_mode INTEGER,
	old_sha1 TEXT,
	new_mode INTEGER,
	new_sha1 TEXT,
	PRIMARY KEY (changeset_id, file_id)
);

CREATE TABLE IF NOT EXISTS changesetfiledifferences (
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	file_id INTEGER NOT NULL REFERENCES files(id),
	comparison_done BOOLEAN NOT NULL DEFAULT FALSE,
	is_binary BOOLEAN NOT NULL DEFAULT FALSE,
	old_length INTEGER NOT NULL DEFAULT 0,
	new_length INTEGER NOT NULL DEFAULT 0,
	old_linebreak BOOLEAN NOT NULL DEFAULT FALSE,
	new_linebreak BOOLEAN NOT NULL DEFAULT FALSE,
	old_highlightfile INTEGER,
	new_highlightfile INTEGER,
	PRIMARY KEY (changeset_id, file_id)
);

CREATE TABLE IF NOT EXISTS changesetchangedlines (
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	file_id INTEGER NOT NULL REFERENCES files(id),
	idx INTEGER NOT NULL,
	line_offset INTEGER NOT NULL,
	delete_count INTEGER NOT NULL,
	delete_length INTEGER NOT NULL,
	insert_count INTEGER NOT NULL,
	insert_length INTEGER NOT NULL,
	analysis TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (changeset_id, file_id, idx)
);

CREATE TABLE IF NOT EXISTS changeseterrors (
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	job_key TEXT NOT NULL,
	fatal BOOLEAN NOT NULL DEFAULT FALSE,
	message TEXT NOT NULL DEFAULT '',
	occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (changeset_id, job_key)
);

CREATE TABLE IF NOT EXISTS highlightlanguages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS highlightfiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	sha1 TEXT NOT NULL,
	language_id INTEGER NOT NULL REFERENCES highlightlanguages(id),
	conflicts BOOLEAN NOT NULL DEFAULT FALSE,
	highlighted BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE(repo_id, sha1, language_id, conflicts)
);

CREATE TABLE IF NOT EXISTS reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	branch_id INTEGER REFERENCES branches(id) ON DELETE SET NULL,
	owner_id INTEGER NOT NULL REFERENCES users(id),
	state TEXT NOT NULL DEFAULT 'draft',
	summary TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	target_branch_id INTEGER REFERENCES branches(id) ON DELETE SET NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS filters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	review_id INTEGER REFERENCES reviews(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	type TEXT NOT NULL,
	delegates_csv TEXT NOT NULL DEFAULT '',
	scopes_csv TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS reviewusers (
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	PRIMARY KEY (review_id, user_id)
);

CREATE TABLE IF NOT EXISTS reviewcommits (
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	branchupdate_id INTEGER NOT NULL REFERENCES branchupdates(id) ON DELETE CASCADE,
	sha1 TEXT NOT NULL,
	PRIMARY KEY (review_id, sha1)
);

CREATE TABLE IF NOT EXISTS reviewchangesets (
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	branchupdate_id INTEGER NOT NULL REFERENCES branchupdates(id) ON DELETE CASCADE,
	PRIMARY KEY (review_id, changeset_id)
);

CREATE TABLE IF NOT EXISTS reviewrebases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	branchupdate_id INTEGER REFERENCES branchupdates(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	old_head TEXT NOT NULL,
	new_head TEXT NOT NULL DEFAULT '',
	old_upstream TEXT NOT NULL DEFAULT '',
	new_upstream TEXT NOT NULL DEFAULT '',
	equivalent_merge TEXT NOT NULL DEFAULT '',
	replayed_rebase TEXT NOT NULL DEFAULT '',
	creator_id INTEGER REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS reviewfiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	changeset_id INTEGER NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
	file_id INTEGER NOT NULL REFERENCES files(id),
	inserted INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	reviewed BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE(review_id, changeset_id, file_id)
);

CREATE TABLE IF NOT EXISTS reviewuserfiles (
	review_file_id INTEGER NOT NULL REFERENCES reviewfiles(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	scopes_csv TEXT NOT NULL DEFAULT '',
	assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (review_file_id, user_id)
);

CREATE TABLE IF NOT EXISTS reviewfilechanges (
	review_file_id INTEGER NOT NULL REFERENCES reviewfiles(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id),
	from_reviewed BOOLEAN NOT NULL,
	to_reviewed BOOLEAN NOT NULL,
	changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reviewevents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	user_id INTEGER REFERENCES users(id),
	type TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reviewusertags (
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (review_id, user_id, tag)
);

CREATE TABLE IF NOT EXISTS reviewintegrationrequests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	target_branch_id INTEGER NOT NULL REFERENCES branches(id),
	do_squash BOOLEAN NOT NULL DEFAULT FALSE,
	squash_message TEXT NOT NULL DEFAULT '',
	do_autosquash BOOLEAN NOT NULL DEFAULT FALSE,
	do_integrate BOOLEAN NOT NULL DEFAULT TRUE,
	strategy_csv TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'planned',
	squashed_at DATETIME,
	autosquashed_at DATETIME,
	strategy_used TEXT NOT NULL DEFAULT '',
	successful BOOLEAN,
	error_message TEXT NOT NULL DEFAULT '',
	conflicts TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	review_id INTEGER NOT NULL REFERENCES reviews(id) ON DELETE CASCADE,
	author_id INTEGER NOT NULL REFERENCES users(id),
	kind TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	draft BOOLEAN NOT NULL DEFAULT TRUE,
	location_kind TEXT NOT NULL DEFAULT '',
	file_id INTEGER REFERENCES files(id),
	commit_sha1 TEXT NOT NULL DEFAULT '',
	blob_sha1 TEXT NOT NULL DEFAULT '',
	side TEXT NOT NULL DEFAULT '',
	first_line INTEGER NOT NULL DEFAULT 0,
	last_line INTEGER NOT NULL DEFAULT 0,
	addressed_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS commentlocations (
	comment_id INTEGER NOT NULL REFERENCES comments(id) ON DELETE CASCADE,
	sha1 TEXT NOT NULL,
	first_line INTEGER NOT NULL,
	last_line INTEGER NOT NULL,
	PRIMARY KEY (comment_id, sha1)
);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	changeset_id INTEGER REFERENCES changesets(id) ON DELETE CASCADE,
	key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_branches_repo ON branches(repo_id, name);
CREATE INDEX IF NOT EXISTS idx_branchupdates_branch ON branchupdates(branch_id, id);
CREATE INDEX IF NOT EXISTS idx_commits_repo_sha1 ON commits(repo_id, sha1);
CREATE INDEX IF NOT EXISTS idx_changesets_key ON changesets(repo_id, to_sha1);
CREATE INDEX IF NOT EXISTS idx_changedlines_file ON changesetchangedlines(changeset_id, file_id, idx);
CREATE INDEX IF NOT EXISTS idx_filters_repo ON filters(repo_id, review_id);
CREATE INDEX IF NOT EXISTS idx_reviews_repo_state ON reviews(repo_id, state);
CREATE INDEX IF NOT EXISTS idx_reviews_branch ON reviews(branch_id);
CREATE INDEX IF NOT EXISTS idx_reviewfiles_review ON reviewfiles(review_id);
CREATE INDEX IF NOT EXISTS idx_reviewevents_review ON reviewevents(review_id, id);
CREATE INDEX IF NOT EXISTS idx_comments_review ON comments(review_id, id);
CREATE INDEX IF NOT EXISTS idx_integration_claim ON reviewintegrationrequests(state, id);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, next_attempt_at, id);
`

// Compile-time interface check
var _ DB = (*SQLiteDB)(nil)
