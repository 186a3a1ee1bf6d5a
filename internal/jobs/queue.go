// Package jobs runs the worker pipeline: a database-backed queue of
// content-addressed jobs and a worker pool executing the CPU-bound changeset
// computations.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/models"
)

const (
	defaultRetryDelay  = 5 * time.Second
	defaultMaxAttempts = 3
)

// Queue persists jobs and status transitions in the database. Jobs are
// deduplicated by their key: enqueueing a key that is already queued or
// running is a no-op.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Queue{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
	}
}

// Enqueue adds a job for the given key. changesetID binds recorded failures
// to a changeset's error table; pass nil for jobs without one.
func (q *Queue) Enqueue(ctx context.Context, key string, changesetID *int64) (*models.Job, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("job key is required")
	}
	job := &models.Job{
		ChangesetID:   changesetID,
		Key:           key,
		Status:        models.JobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.Job, error) {
	return q.db.ClaimJob(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteJob(ctx, jobID, models.JobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	return q.db.CompleteJob(ctx, jobID, models.JobFailed, failureMessage(runErr))
}

// RetryOrFail requeues the job with a delay while attempts remain, and marks
// it failed otherwise. Returns whether the failure was final.
func (q *Queue) RetryOrFail(ctx context.Context, job *models.Job, runErr error) (final bool, err error) {
	if job == nil {
		return false, fmt.Errorf("job is nil")
	}
	message := failureMessage(runErr)
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		return true, q.db.CompleteJob(ctx, job.ID, models.JobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.retryDelay)
	return false, q.db.RequeueJob(ctx, job.ID, message, nextAttempt)
}

// Status returns the job for a key, or nil when none exists.
func (q *Queue) Status(ctx context.Context, key string) (*models.Job, error) {
	job, err := q.db.GetJobByKey(ctx, key)
	if err != nil {
		if criterrors.IsKind(err, criterrors.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// Stats reports queue depth for observability and the drain check.
func (q *Queue) Stats(ctx context.Context) (database.JobQueueStats, error) {
	return q.db.JobQueueStats(ctx)
}

// Idle reports whether no job is queued or running.
func (q *Queue) Idle(ctx context.Context) (bool, error) {
	stats, err := q.db.JobQueueStats(ctx)
	if err != nil {
		return false, err
	}
	return stats.Queued == 0 && stats.Running == 0, nil
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
