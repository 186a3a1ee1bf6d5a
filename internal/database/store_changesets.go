package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/critic-scm/critic/internal/models"
)

// RequestChangeset registers a changeset computation if one is not already
// known for the key. It reports whether a new row was created; in either case
// the changeset's ID and completion flags reflect the stored row.
func (s *store) RequestChangeset(ctx context.Context, cs *models.Changeset) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO changesets (repo_id, from_sha1, to_sha1, for_merge, is_replay)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		cs.RepoID, string(cs.FromSHA1), string(cs.ToSHA1), nullSHA(cs.ForMerge), cs.IsReplay)
	if err != nil {
		return false, err
	}
	// Created only when the insert took effect; a lost race against a
	// concurrent request finds zero affected rows.
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	existing, err := s.GetChangeset(ctx, cs.RepoID, cs.FromSHA1, cs.ToSHA1, cs.IsReplay, cs.ForMerge)
	if err != nil {
		return false, err
	}
	*cs = *existing
	return inserted > 0, nil
}

func (s *store) GetChangeset(ctx context.Context, repoID int64, from, to models.SHA1, isReplay bool, forMerge *models.SHA1) (*models.Changeset, error) {
	return s.scanChangeset(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, from_sha1, to_sha1, for_merge, is_replay,
			completed_structure, completed_changedlines, completed_syntaxhighlight
		 FROM changesets
		 WHERE repo_id = ? AND from_sha1 = ? AND to_sha1 = ? AND is_replay = ? AND for_merge = ?`),
		repoID, string(from), string(to), isReplay, nullSHA(forMerge)),
		"changeset %s..%s in repository %d", from, to, repoID)
}

func (s *store) GetChangesetByID(ctx context.Context, id int64) (*models.Changeset, error) {
	return s.scanChangeset(s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, from_sha1, to_sha1, for_merge, is_replay,
			completed_structure, completed_changedlines, completed_syntaxhighlight
		 FROM changesets WHERE id = ?`), id),
		"changeset %d", id)
}

func (s *store) scanChangeset(row *sql.Row, format string, args ...any) (*models.Changeset, error) {
	cs := &models.Changeset{}
	var from, to, forMerge string
	var structure, changedLines, highlight bool
	if err := row.Scan(&cs.ID, &cs.RepoID, &from, &to, &forMerge, &cs.IsReplay,
		&structure, &changedLines, &highlight); err != nil {
		return nil, notFound(err, format, args...)
	}
	cs.FromSHA1 = models.SHA1(from)
	cs.ToSHA1 = models.SHA1(to)
	cs.ForMerge = shaPtr(forMerge)
	cs.Completed = map[models.CompletionLevel]bool{
		models.LevelStructure:       structure,
		models.LevelChangedLines:    changedLines,
		models.LevelSyntaxHighlight: highlight,
	}
	return cs, nil
}

func (s *store) MarkChangesetCompleted(ctx context.Context, changesetID int64, level models.CompletionLevel) error {
	var column string
	switch level {
	case models.LevelStructure:
		column = "completed_structure"
	case models.LevelChangedLines:
		column = "completed_changedlines"
	case models.LevelSyntaxHighlight:
		column = "completed_syntaxhighlight"
	default:
		return errors.New("unknown completion level")
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE changesets SET `+column+` = TRUE WHERE id = ?`), changesetID)
	return err
}

func (s *store) InsertChangesetFiles(ctx context.Context, files []models.ChangesetFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, f := range files {
		var oldSHA, newSHA any
		if f.OldSHA1 != nil {
			oldSHA = string(*f.OldSHA1)
		}
		if f.NewSHA1 != nil {
			newSHA = string(*f.NewSHA1)
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO changesetfiles (changeset_id, file_id, old_mode, old_sha1, new_mode, new_sha1)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`),
			f.ChangesetID, f.FileID, f.OldMode, oldSHA, f.NewMode, newSHA); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) ListChangesetFiles(ctx context.Context, changesetID int64) ([]models.ChangesetFile, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT cf.changeset_id, cf.file_id, f.path, cf.old_mode, cf.old_sha1, cf.new_mode, cf.new_sha1
		 FROM changesetfiles cf
		 JOIN files f ON f.id = cf.file_id
		 WHERE cf.changeset_id = ?
		 ORDER BY f.path`), changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []models.ChangesetFile
	for rows.Next() {
		var f models.ChangesetFile
		var oldSHA, newSHA sql.NullString
		if err := rows.Scan(&f.ChangesetID, &f.FileID, &f.Path, &f.OldMode, &oldSHA, &f.NewMode, &newSHA); err != nil {
			return nil, err
		}
		if oldSHA.Valid {
			f.OldSHA1 = shaPtr(oldSHA.String)
		}
		if newSHA.Valid {
			f.NewSHA1 = shaPtr(newSHA.String)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *store) UpsertFileDifference(ctx context.Context, d *models.FileDifference) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO changesetfiledifferences
			(changeset_id, file_id, comparison_done, is_binary, old_length, new_length,
			 old_linebreak, new_linebreak, old_highlightfile, new_highlightfile)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (changeset_id, file_id) DO UPDATE SET
			comparison_done = excluded.comparison_done,
			is_binary = excluded.is_binary,
			old_length = excluded.old_length,
			new_length = excluded.new_length,
			old_linebreak = excluded.old_linebreak,
			new_linebreak = excluded.new_linebreak,
			old_highlightfile = excluded.old_highlightfile,
			new_highlightfile = excluded.new_highlightfile`),
		d.ChangesetID, d.FileID, d.ComparisonDone, d.IsBinary, d.OldLength, d.NewLength,
		d.OldLinebreak, d.NewLinebreak, d.OldHighlightFile, d.NewHighlightFile)
	return err
}

func (s *store) GetFileDifference(ctx context.Context, changesetID, fileID int64) (*models.FileDifference, error) {
	d := &models.FileDifference{}
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT changeset_id, file_id, comparison_done, is_binary, old_length, new_length,
			old_linebreak, new_linebreak, old_highlightfile, new_highlightfile
		 FROM changesetfiledifferences WHERE changeset_id = ? AND file_id = ?`),
		changesetID, fileID).
		Scan(&d.ChangesetID, &d.FileID, &d.ComparisonDone, &d.IsBinary, &d.OldLength, &d.NewLength,
			&d.OldLinebreak, &d.NewLinebreak, &d.OldHighlightFile, &d.NewHighlightFile)
	if err != nil {
		return nil, notFound(err, "file difference %d/%d", changesetID, fileID)
	}
	return d, nil
}

func (s *store) ListFileDifferences(ctx context.Context, changesetID int64) ([]models.FileDifference, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT changeset_id, file_id, comparison_done, is_binary, old_length, new_length,
			old_linebreak, new_linebreak, old_highlightfile, new_highlightfile
		 FROM changesetfiledifferences WHERE changeset_id = ? ORDER BY file_id`), changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var diffs []models.FileDifference
	for rows.Next() {
		var d models.FileDifference
		if err := rows.Scan(&d.ChangesetID, &d.FileID, &d.ComparisonDone, &d.IsBinary, &d.OldLength, &d.NewLength,
			&d.OldLinebreak, &d.NewLinebreak, &d.OldHighlightFile, &d.NewHighlightFile); err != nil {
			return nil, err
		}
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

func (s *store) InsertChangedLines(ctx context.Context, blocks []models.ChangedLines) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range blocks {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO changesetchangedlines
				(changeset_id, file_id, idx, line_offset, delete_count, delete_length,
				 insert_count, insert_length, analysis)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (changeset_id, file_id, idx) DO UPDATE SET
				line_offset = excluded.line_offset,
				delete_count = excluded.delete_count,
				delete_length = excluded.delete_length,
				insert_count = excluded.insert_count,
				insert_length = excluded.insert_length,
				analysis = excluded.analysis`),
			b.ChangesetID, b.FileID, b.Index, b.Offset, b.DeleteCount, b.DeleteLength,
			b.InsertCount, b.InsertLength, b.Analysis); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) ListChangedLines(ctx context.Context, changesetID, fileID int64) ([]models.ChangedLines, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT changeset_id, file_id, idx, line_offset, delete_count, delete_length,
			insert_count, insert_length, analysis
		 FROM changesetchangedlines
		 WHERE changeset_id = ? AND file_id = ?
		 ORDER BY idx`), changesetID, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blocks []models.ChangedLines
	for rows.Next() {
		var b models.ChangedLines
		if err := rows.Scan(&b.ChangesetID, &b.FileID, &b.Index, &b.Offset, &b.DeleteCount, &b.DeleteLength,
			&b.InsertCount, &b.InsertLength, &b.Analysis); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *store) RecordChangesetError(ctx context.Context, cerr *models.ChangesetError) error {
	occurred := cerr.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO changeseterrors (changeset_id, job_key, fatal, message, occurred_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (changeset_id, job_key) DO UPDATE SET
			fatal = excluded.fatal,
			message = excluded.message,
			occurred_at = excluded.occurred_at`),
		cerr.ChangesetID, cerr.JobKey, cerr.Fatal, cerr.Message, occurred)
	return err
}

func (s *store) ListChangesetErrors(ctx context.Context, changesetID int64) ([]models.ChangesetError, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT changeset_id, job_key, fatal, message, occurred_at
		 FROM changeseterrors WHERE changeset_id = ? ORDER BY occurred_at`), changesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var errs []models.ChangesetError
	for rows.Next() {
		var e models.ChangesetError
		if err := rows.Scan(&e.ChangesetID, &e.JobKey, &e.Fatal, &e.Message, &e.OccurredAt); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// --- Highlighting ---

func (s *store) LookupOrCreateLanguage(ctx context.Context, label string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM highlightlanguages WHERE label = ?`), label).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO highlightlanguages (label) VALUES (?) ON CONFLICT DO NOTHING`), label); err != nil {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM highlightlanguages WHERE label = ?`), label).Scan(&id)
	return id, err
}

func (s *store) RequestHighlightFile(ctx context.Context, hf *models.HighlightFile) (bool, error) {
	existing, err := s.GetHighlightFile(ctx, hf.RepoID, hf.SHA1, hf.LanguageID, hf.Conflicts)
	if err == nil {
		*hf = *existing
		return false, nil
	}
	if !isNotFound(err) {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO highlightfiles (repo_id, sha1, language_id, conflicts, highlighted)
		 VALUES (?, ?, ?, ?, FALSE)
		 ON CONFLICT DO NOTHING`),
		hf.RepoID, string(hf.SHA1), hf.LanguageID, hf.Conflicts); err != nil {
		return false, err
	}
	existing, err = s.GetHighlightFile(ctx, hf.RepoID, hf.SHA1, hf.LanguageID, hf.Conflicts)
	if err != nil {
		return false, err
	}
	created := !existing.Highlighted
	*hf = *existing
	return created, nil
}

func (s *store) MarkHighlightFileDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE highlightfiles SET highlighted = TRUE WHERE id = ?`), id)
	return err
}

func (s *store) GetHighlightFile(ctx context.Context, repoID int64, sha1 models.SHA1, languageID int64, conflicts bool) (*models.HighlightFile, error) {
	hf := &models.HighlightFile{}
	var sha string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, repo_id, sha1, language_id, conflicts, highlighted
		 FROM highlightfiles
		 WHERE repo_id = ? AND sha1 = ? AND language_id = ? AND conflicts = ?`),
		repoID, string(sha1), languageID, conflicts).
		Scan(&hf.ID, &hf.RepoID, &sha, &hf.LanguageID, &hf.Conflicts, &hf.Highlighted)
	if err != nil {
		return nil, notFound(err, "highlight file %s in repository %d", sha1, repoID)
	}
	hf.SHA1 = models.SHA1(sha)
	return hf, nil
}
