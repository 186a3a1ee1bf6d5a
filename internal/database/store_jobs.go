package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/critic-scm/critic/internal/models"
)

func (s *store) EnqueueJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO jobs (changeset_id, key, status, attempt_count, max_attempts, last_error,
			next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, '', ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`),
		job.ChangesetID, job.Key, string(job.Status), job.MaxAttempts,
		job.NextAttemptAt, now, now)
	if err != nil {
		return err
	}
	stored, err := s.GetJobByKey(ctx, job.Key)
	if err != nil {
		return err
	}
	*job = *stored
	return nil
}

const jobColumns = `SELECT id, changeset_id, key, status, attempt_count, max_attempts, last_error,
	next_attempt_at, created_at, updated_at, started_at, completed_at
 FROM jobs`

func (s *store) GetJobByKey(ctx context.Context, key string) (*models.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, s.q(jobColumns+` WHERE key = ?`), key),
		"job %s", key)
}

func (s *store) getJobByID(ctx context.Context, id int64) (*models.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, s.q(jobColumns+` WHERE id = ?`), id),
		"job %d", id)
}

func (s *store) scanJob(row *sql.Row, format string, args ...any) (*models.Job, error) {
	j := &models.Job{}
	var status string
	if err := row.Scan(&j.ID, &j.ChangesetID, &j.Key, &status, &j.AttemptCount, &j.MaxAttempts,
		&j.LastError, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, notFound(err, format, args...)
	}
	j.Status = models.JobStatus(status)
	return j, nil
}

// ClaimJob atomically moves the oldest runnable queued job to running. A nil
// job means there is nothing to do right now.
func (s *store) ClaimJob(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()
	for {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT id FROM jobs
			 WHERE status = ? AND next_attempt_at <= ?
			 ORDER BY id LIMIT 1`),
			string(models.JobQueued), now).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, s.q(
			`UPDATE jobs SET status = ?, attempt_count = attempt_count + 1,
				started_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`),
			string(models.JobRunning), now, now, id, string(models.JobQueued))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another worker claimed it
		}
		return s.getJobByID(ctx, id)
	}
}

func (s *store) CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, lastError string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`),
		string(status), lastError, now, now, jobID)
	return err
}

func (s *store) RequeueJob(ctx context.Context, jobID int64, lastError string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`),
		string(models.JobQueued), lastError, nextAttemptAt.UTC(), now, jobID)
	return err
}

func (s *store) JobQueueStats(ctx context.Context) (JobQueueStats, error) {
	var stats JobQueueStats
	var oldestQueued sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = ? THEN next_attempt_at END) AS oldest_queued_at
		 FROM jobs`),
		string(models.JobQueued),
		string(models.JobRunning),
		string(models.JobFailed),
		string(models.JobQueued),
	).Scan(&stats.Queued, &stats.Running, &stats.Failed, &oldestQueued)
	if err != nil {
		return JobQueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}
