package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/critic-scm/critic/internal/models"
)

func waitForJobStatus(t *testing.T, q *Queue, key string, want models.JobStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		status, err := q.Status(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if status != nil && status.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached status %q (last %+v)", key, want, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerPoolProcessesJobs(t *testing.T) {
	db := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{RetryDelay: 5 * time.Millisecond, MaxAttempts: 2})

	const key = `["ComputeChangesetStructure",7]`
	job, err := q.Enqueue(context.Background(), key, nil)
	if err != nil {
		t.Fatal(err)
	}

	var processed atomic.Int32
	pool := NewWorkerPool(q, func(ctx context.Context, claimed *models.Job) error {
		if claimed == nil {
			return errors.New("claimed job is nil")
		}
		if claimed.Key != key {
			return errors.New("unexpected job key")
		}
		processed.Add(1)
		return nil
	}, WorkerPoolOptions{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := pool.Stop(stopCtx); err != nil {
			t.Fatalf("stop worker pool: %v", err)
		}
	}()

	waitForJobStatus(t, q, key, models.JobCompleted, 2*time.Second)
	if got := processed.Load(); got != 1 {
		t.Fatalf("processed count = %d, want 1", got)
	}

	status, err := q.Status(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if status == nil || status.ID != job.ID {
		t.Fatalf("status job = %+v, want id %d", status, job.ID)
	}
}

func TestWorkerPoolRetriesAndRecordsFinalFailure(t *testing.T) {
	db := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{RetryDelay: 5 * time.Millisecond, MaxAttempts: 2})

	changesetID := int64(11)
	const key = `["AnalyzeChangedLines",11,0]`
	if _, err := q.Enqueue(context.Background(), key, &changesetID); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var recorded []string
	recordError := func(ctx context.Context, csID int64, jobKey string, fatal bool, message string) error {
		mu.Lock()
		defer mu.Unlock()
		if csID != changesetID || !fatal {
			t.Errorf("unexpected recorded error: changeset %d fatal %v", csID, fatal)
		}
		recorded = append(recorded, message)
		return nil
	}

	var attempts atomic.Int32
	pool := NewWorkerPool(q, func(ctx context.Context, claimed *models.Job) error {
		attempts.Add(1)
		return errors.New("blob missing")
	}, WorkerPoolOptions{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		RecordError:  recordError,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := pool.Stop(stopCtx); err != nil {
			t.Fatalf("stop worker pool: %v", err)
		}
	}()

	waitForJobStatus(t, q, key, models.JobFailed, 2*time.Second)
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(recorded) != 1 || recorded[0] != "blob missing" {
		t.Fatalf("recorded errors = %q, want one 'blob missing'", recorded)
	}
}

func TestWorkerPoolWake(t *testing.T) {
	db := setupQueueTestDB(t)
	q := NewQueue(db, QueueOptions{})

	processed := make(chan string, 1)
	pool := NewWorkerPool(q, func(ctx context.Context, claimed *models.Job) error {
		processed <- claimed.Key
		return nil
	}, WorkerPoolOptions{
		Workers:      1,
		PollInterval: time.Minute, // rely on Wake, not polling
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		if err := pool.Stop(stopCtx); err != nil {
			t.Fatalf("stop worker pool: %v", err)
		}
	}()

	// Let the worker reach its idle wait before enqueueing.
	time.Sleep(50 * time.Millisecond)
	const key = `["ComputeChangesetStructure",9]`
	if _, err := q.Enqueue(context.Background(), key, nil); err != nil {
		t.Fatal(err)
	}
	pool.Wake()

	select {
	case got := <-processed:
		if got != key {
			t.Fatalf("processed %q, want %q", got, key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger processing")
	}
}
