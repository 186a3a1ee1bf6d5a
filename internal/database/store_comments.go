package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/critic-scm/critic/internal/models"
)

func (s *store) CreateComment(ctx context.Context, c *models.Comment) error {
	now := time.Now().UTC()
	var (
		locationKind, commitSHA, blobSHA, side string
		fileID                                 any
		firstLine, lastLine                    int
	)
	if loc := c.Location; loc != nil {
		locationKind = string(loc.Kind)
		fileID = loc.FileID
		commitSHA = string(loc.CommitSHA)
		blobSHA = string(loc.BlobSHA)
		side = string(loc.Side)
		firstLine = loc.FirstLine
		lastLine = loc.LastLine
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO comments
			(review_id, author_id, kind, state, text, draft, location_kind, file_id,
			 commit_sha1, blob_sha1, side, first_line, last_line, addressed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ReviewID, c.AuthorID, string(c.Kind), string(c.State), c.Text, c.Draft,
		locationKind, fileID, commitSHA, blobSHA, side, firstLine, lastLine,
		nullSHA(c.AddressedBy), now)
	if err != nil {
		return err
	}
	c.ID = id
	c.CreatedAt = now
	return nil
}

const commentColumns = `SELECT id, review_id, author_id, kind, state, text, draft,
	location_kind, file_id, commit_sha1, blob_sha1, side, first_line, last_line,
	addressed_by, created_at
 FROM comments`

func (s *store) GetComment(ctx context.Context, id int64) (*models.Comment, error) {
	row := s.db.QueryRowContext(ctx, s.q(commentColumns+` WHERE id = ?`), id)
	c := &models.Comment{}
	var kind, state, locationKind, commitSHA, blobSHA, side, addressedBy string
	var fileID sql.NullInt64
	var firstLine, lastLine int
	if err := row.Scan(&c.ID, &c.ReviewID, &c.AuthorID, &kind, &state, &c.Text, &c.Draft,
		&locationKind, &fileID, &commitSHA, &blobSHA, &side, &firstLine, &lastLine,
		&addressedBy, &c.CreatedAt); err != nil {
		return nil, notFound(err, "comment %d", id)
	}
	fillComment(c, kind, state, locationKind, fileID, commitSHA, blobSHA, side, firstLine, lastLine, addressedBy)
	return c, nil
}

func fillComment(c *models.Comment, kind, state, locationKind string, fileID sql.NullInt64,
	commitSHA, blobSHA, side string, firstLine, lastLine int, addressedBy string) {
	c.Kind = models.CommentKind(kind)
	c.State = models.IssueState(state)
	c.AddressedBy = shaPtr(addressedBy)
	if locationKind != "" {
		c.Location = &models.Location{
			Kind:      models.LocationKind(locationKind),
			FileID:    fileID.Int64,
			CommitSHA: models.SHA1(commitSHA),
			BlobSHA:   models.SHA1(blobSHA),
			Side:      models.CommentSide(side),
			FirstLine: firstLine,
			LastLine:  lastLine,
		}
	}
}

func (s *store) UpdateCommentState(ctx context.Context, commentID int64, state models.IssueState, addressedBy *models.SHA1) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE comments SET state = ?, addressed_by = ? WHERE id = ?`),
		string(state), nullSHA(addressedBy), commentID)
	return err
}

func (s *store) PublishComment(ctx context.Context, commentID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE comments SET draft = FALSE WHERE id = ?`), commentID)
	return err
}

func (s *store) ListComments(ctx context.Context, reviewID int64) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(commentColumns+` WHERE review_id = ? ORDER BY id`), reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var comments []models.Comment
	for rows.Next() {
		c := models.Comment{}
		var kind, state, locationKind, commitSHA, blobSHA, side, addressedBy string
		var fileID sql.NullInt64
		var firstLine, lastLine int
		if err := rows.Scan(&c.ID, &c.ReviewID, &c.AuthorID, &kind, &state, &c.Text, &c.Draft,
			&locationKind, &fileID, &commitSHA, &blobSHA, &side, &firstLine, &lastLine,
			&addressedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		fillComment(&c, kind, state, locationKind, fileID, commitSHA, blobSHA, side, firstLine, lastLine, addressedBy)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *store) InsertCommentLocations(ctx context.Context, locations []models.CommentLocationVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, loc := range locations {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO commentlocations (comment_id, sha1, first_line, last_line)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (comment_id, sha1) DO UPDATE SET
				first_line = excluded.first_line,
				last_line = excluded.last_line`),
			loc.CommentID, string(loc.SHA1), loc.FirstLine, loc.LastLine); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *store) ListCommentLocations(ctx context.Context, commentID int64) ([]models.CommentLocationVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT comment_id, sha1, first_line, last_line
		 FROM commentlocations WHERE comment_id = ? ORDER BY sha1`), commentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var locations []models.CommentLocationVersion
	for rows.Next() {
		var loc models.CommentLocationVersion
		var sha1 string
		if err := rows.Scan(&loc.CommentID, &sha1, &loc.FirstLine, &loc.LastLine); err != nil {
			return nil, err
		}
		loc.SHA1 = models.SHA1(sha1)
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func (s *store) GetCommentLocation(ctx context.Context, commentID int64, sha1 models.SHA1) (*models.CommentLocationVersion, error) {
	loc := &models.CommentLocationVersion{}
	var sha string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT comment_id, sha1, first_line, last_line
		 FROM commentlocations WHERE comment_id = ? AND sha1 = ?`),
		commentID, string(sha1)).
		Scan(&loc.CommentID, &sha, &loc.FirstLine, &loc.LastLine)
	if err != nil {
		return nil, notFound(err, "location of comment %d at %s", commentID, sha1)
	}
	loc.SHA1 = models.SHA1(sha)
	return loc, nil
}
