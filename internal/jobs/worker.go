package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/critic-scm/critic/internal/models"
)

const (
	defaultWorkerCount  = 2
	defaultPollInterval = 250 * time.Millisecond
)

// JobProcessor executes one claimed job.
type JobProcessor func(ctx context.Context, job *models.Job) error

// ErrorRecorder stores a final job failure against its changeset. The
// pipeline keeps going; recorded errors surface in progress reports.
type ErrorRecorder func(ctx context.Context, changesetID int64, jobKey string, fatal bool, message string) error

type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
	RecordError  ErrorRecorder
}

// WorkerPool claims jobs from Queue and executes them with JobProcessor.
type WorkerPool struct {
	queue        *Queue
	process      JobProcessor
	recordError  ErrorRecorder
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
	wake         chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewWorkerPool(queue *Queue, process JobProcessor, opts WorkerPoolOptions) *WorkerPool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		queue:        queue,
		process:      process,
		recordError:  opts.RecordError,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logger,
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges idle workers to claim immediately instead of waiting for the
// next poll. Safe to call from bus handlers.
func (w *WorkerPool) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *WorkerPool) Start(parent context.Context) error {
	if w == nil || w.queue == nil || w.process == nil {
		return fmt.Errorf("worker pool is not configured")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.started = true

	go w.run(ctx, done)
	return nil
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.started = false
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *WorkerPool) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		workerID := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, workerID int) {
	metrics := getDefaultPipelineMetrics()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			w.logger.Warn("worker claim failed", "worker_id", workerID, "error", err)
			if !w.sleepOrWake(ctx) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleepOrWake(ctx) {
				return
			}
			continue
		}

		started := time.Now()
		if err := w.process(ctx, job); err != nil {
			metrics.observe(job.Key, "error", time.Since(started))
			final, retryErr := w.queue.RetryOrFail(ctx, job, err)
			if retryErr != nil {
				w.logger.Error("worker retry/fail update failed", "worker_id", workerID, "job_id", job.ID, "error", retryErr)
			}
			if final {
				w.logger.Error("job failed permanently", "worker_id", workerID, "job_id", job.ID, "key", job.Key, "error", err)
				w.recordFailure(ctx, job, err)
			}
			continue
		}
		metrics.observe(job.Key, "ok", time.Since(started))

		if err := w.queue.Complete(ctx, job.ID); err != nil {
			w.logger.Error("worker complete failed", "worker_id", workerID, "job_id", job.ID, "error", err)
		}
	}
}

func (w *WorkerPool) recordFailure(ctx context.Context, job *models.Job, runErr error) {
	if w.recordError == nil || job.ChangesetID == nil {
		return
	}
	if err := w.recordError(ctx, *job.ChangesetID, job.Key, true, failureMessage(runErr)); err != nil {
		w.logger.Error("record job failure failed", "job_id", job.ID, "error", err)
	}
}

// sleepOrWake waits for the poll interval, a wake nudge, or cancellation.
func (w *WorkerPool) sleepOrWake(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}
