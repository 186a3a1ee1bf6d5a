package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/critic-scm/critic/internal/branch"
	"github.com/critic-scm/critic/internal/changeset"
	"github.com/critic-scm/critic/internal/comment"
	"github.com/critic-scm/critic/internal/config"
	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/integration"
	"github.com/critic-scm/critic/internal/jobs"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/objcache"
	"github.com/critic-scm/critic/internal/outbox"
	"github.com/critic-scm/critic/internal/pubsub"
	"github.com/critic-scm/critic/internal/review"
	"github.com/critic-scm/critic/internal/services"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run all background services",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()

			cfg, err := loadConfig(cmd)
			if err != nil {
				logger.Error("load config", "error", err)
				os.Exit(1)
			}

			traceShutdown, err := initTracing(cmd.Context())
			if err != nil {
				logger.Error("init tracing", "error", err)
				os.Exit(1)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := traceShutdown(ctx); err != nil {
					logger.Error("shutdown tracing", "error", err)
				}
			}()

			if err := runServe(cmd.Context(), cfg, logger); err != nil {
				logger.Error("serve", "error", err)
				os.Exit(1)
			}
		},
	}
}

func runServe(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	bus, err := pubsub.Connect(ctx, pubsub.Config{
		Addr:     cfg.Bus.Addr,
		Username: cfg.Bus.Username,
		Password: cfg.Bus.Password,
		Database: cfg.Bus.Database,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer bus.Close()

	store := changeset.NewStore(db, bus, cfg.Paths.Repositories, cfg.Paths.Cache, logger)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	pool := jobs.NewWorkerPool(queue, func(ctx context.Context, job *models.Job) error {
		return store.Run(ctx, job.Key)
	}, jobs.WorkerPoolOptions{
		Workers:     cfg.Services.Workers,
		Logger:      logger,
		RecordError: store.RecordError,
	})

	updater := branch.NewUpdater(db, store, bus, cfg.Paths.Repositories, logger)
	assembler := review.NewAssembler(db, bus, logger)
	states := review.NewStateReader(db)
	propagator := comment.NewPropagator(db, logger)

	engine := integration.NewEngine(db, updater, states, cfg.Paths.Repositories, scratchDir(cfg), logger)
	if d, err := time.ParseDuration(cfg.Services.IntegrationDeadline); err == nil && d > 0 {
		engine.SetDeadline(d)
	}

	box, err := outbox.Open(cfg.Paths.Home, bus, logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	cache := objcache.New(logger)
	registerCaches(cache, db)
	if err := cache.Bind(ctx, bus, pubsub.ChannelSystemEvents); err != nil {
		return fmt.Errorf("bind object cache: %w", err)
	}

	manager := services.NewManager(logger)
	manager.Register(&pipelineService{pool: pool, queue: queue, bus: bus, logger: logger})
	manager.Register(newReviewUpdater(db, assembler, propagator, states, bus, logger))
	manager.Register(newIntegrationService(engine, bus, logger))
	manager.Register(outbox.NewMaintenance(box, logger))
	manager.Register(&controlService{manager: manager, bus: bus, timeout: requestDeadline(cfg)})

	if err := manager.Start(ctx); err != nil {
		return err
	}
	logger.Info("critic serving", "workers", cfg.Services.Workers, "repositories", cfg.Paths.Repositories)

	<-ctx.Done()
	logger.Info("shutting down")
	manager.Stop()
	return nil
}

func newRunWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-worker",
		Short: "Run a standalone changeset computation worker",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logger := setupLogger()

			cfg, err := loadConfig(cmd)
			if err != nil {
				logger.Error("load config", "error", err)
				os.Exit(1)
			}
			if err := runWorker(cmd.Context(), cfg, logger); err != nil {
				logger.Error("run worker", "error", err)
				os.Exit(1)
			}
		},
	}
}

func runWorker(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus, err := pubsub.Connect(ctx, pubsub.Config{
		Addr:     cfg.Bus.Addr,
		Username: cfg.Bus.Username,
		Password: cfg.Bus.Password,
		Database: cfg.Bus.Database,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer bus.Close()

	store := changeset.NewStore(db, bus, cfg.Paths.Repositories, cfg.Paths.Cache, logger)
	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	pool := jobs.NewWorkerPool(queue, func(ctx context.Context, job *models.Job) error {
		return store.Run(ctx, job.Key)
	}, jobs.WorkerPoolOptions{
		Workers:     cfg.Services.Workers,
		Logger:      logger,
		RecordError: store.RecordError,
	})

	svc := &pipelineService{pool: pool, queue: queue, bus: bus, logger: logger}
	logger.Info("worker running", "workers", cfg.Services.Workers)
	return svc.Run(ctx)
}

func requestDeadline(cfg *config.Config) time.Duration {
	if d, err := time.ParseDuration(cfg.Services.RequestDeadline); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// registerCaches wires the invalidation-table map for each cached object
// kind. A refresher reloads every cached id and drops ids the database no
// longer knows.
func registerCaches(cache *objcache.Cache, db database.DB) {
	cache.Register("repositories", []string{"repositories"}, func(ctx context.Context, cached map[int64]any) (map[int64]any, error) {
		next := make(map[int64]any, len(cached))
		for id := range cached {
			repo, err := db.GetRepositoryByID(ctx, id)
			if err != nil {
				if criterrors.IsKind(err, criterrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			next[id] = repo
		}
		return next, nil
	})
	cache.Register("branches", []string{"branches", "branchupdates"}, func(ctx context.Context, cached map[int64]any) (map[int64]any, error) {
		next := make(map[int64]any, len(cached))
		for id := range cached {
			b, err := db.GetBranchByID(ctx, id)
			if err != nil {
				if criterrors.IsKind(err, criterrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			next[id] = b
		}
		return next, nil
	})
	cache.Register("reviews", []string{"reviews", "reviewusers", "reviewfiles", "reviewevents"}, func(ctx context.Context, cached map[int64]any) (map[int64]any, error) {
		next := make(map[int64]any, len(cached))
		for id := range cached {
			r, err := db.GetReview(ctx, id)
			if err != nil {
				if criterrors.IsKind(err, criterrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			next[id] = r
		}
		return next, nil
	})
}

// pipelineService runs the job worker pool and wakes it when changeset
// events announce new work.
type pipelineService struct {
	pool   *jobs.WorkerPool
	queue  *jobs.Queue
	bus    *pubsub.Bus
	logger *slog.Logger
}

func (s *pipelineService) Name() string { return "workers" }

func (s *pipelineService) Run(ctx context.Context) error {
	if s.bus != nil {
		if err := s.bus.Subscribe(ctx, pubsub.ChannelChangesets, func(string, []byte) {
			s.pool.Wake()
		}); err != nil {
			return fmt.Errorf("subscribe changesets: %w", err)
		}
		defer s.bus.Unsubscribe(context.Background(), pubsub.ChannelChangesets)
	}
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.pool.Stop(stopCtx)
}

func (s *pipelineService) Idle(ctx context.Context) (bool, error) {
	return s.queue.Idle(ctx)
}

type branchEvent struct {
	Version        int   `json:"version"`
	BranchID       int64 `json:"branch_id"`
	BranchUpdateID int64 `json:"branchupdate_id"`
}

type reviewEvent struct {
	Version  int   `json:"version"`
	ReviewID int64 `json:"review_id"`
}

type changesetEvent struct {
	Version     int                    `json:"version"`
	Action      string                 `json:"action"`
	ChangesetID int64                  `json:"changeset_id"`
	Level       models.CompletionLevel `json:"level"`
}

// reviewUpdater extends reviews from branch updates and keeps derived
// per-user data current: comment locations, issue states, and review tags.
type reviewUpdater struct {
	db         database.DB
	assembler  *review.Assembler
	propagator *comment.Propagator
	states     *review.StateReader
	bus        *pubsub.Bus
	logger     *slog.Logger

	branches   chan branchEvent
	reviews    chan reviewEvent
	changesets chan changesetEvent
	pending    atomic.Int64
}

func newReviewUpdater(db database.DB, assembler *review.Assembler, propagator *comment.Propagator, states *review.StateReader, bus *pubsub.Bus, logger *slog.Logger) *reviewUpdater {
	return &reviewUpdater{
		db:         db,
		assembler:  assembler,
		propagator: propagator,
		states:     states,
		bus:        bus,
		logger:     logger,
		branches:   make(chan branchEvent, 256),
		reviews:    make(chan reviewEvent, 256),
		changesets: make(chan changesetEvent, 256),
	}
}

func (s *reviewUpdater) Name() string { return "review-updater" }

func (s *reviewUpdater) Run(ctx context.Context) error {
	err := s.bus.Subscribe(ctx, pubsub.ChannelBranches, func(_ string, payload []byte) {
		var ev branchEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.BranchUpdateID == 0 {
			return
		}
		s.pending.Add(1)
		select {
		case s.branches <- ev:
		default:
			s.pending.Add(-1)
			s.logger.Warn("branch event dropped, queue full", "branch_id", ev.BranchID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe branches: %w", err)
	}
	defer s.bus.Unsubscribe(context.Background(), pubsub.ChannelBranches)

	err = s.bus.Subscribe(ctx, pubsub.ChannelReviewEvents, func(_ string, payload []byte) {
		var ev reviewEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.ReviewID == 0 {
			return
		}
		s.pending.Add(1)
		select {
		case s.reviews <- ev:
		default:
			s.pending.Add(-1)
			s.logger.Warn("review event dropped, queue full", "review_id", ev.ReviewID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe review events: %w", err)
	}
	defer s.bus.Unsubscribe(context.Background(), pubsub.ChannelReviewEvents)

	// Changesets complete asynchronously, usually after the branch update
	// that attached them to a review. The completion event drives the second
	// population pass the branch update could not run.
	err = s.bus.Subscribe(ctx, pubsub.ChannelChangesets, func(_ string, payload []byte) {
		var ev changesetEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.ChangesetID == 0 {
			return
		}
		if ev.Action != "completed" || ev.Level != models.LevelChangedLines {
			return
		}
		s.pending.Add(1)
		select {
		case s.changesets <- ev:
		default:
			s.pending.Add(-1)
			s.logger.Warn("changeset event dropped, queue full", "changeset_id", ev.ChangesetID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe changesets: %w", err)
	}
	defer s.bus.Unsubscribe(context.Background(), pubsub.ChannelChangesets)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.branches:
			if err := s.handleBranchUpdate(ctx, ev); err != nil {
				s.logger.Error("branch update handling failed",
					"branch_id", ev.BranchID, "branchupdate_id", ev.BranchUpdateID, "error", err)
			}
			s.pending.Add(-1)
		case ev := <-s.reviews:
			if err := s.refreshTags(ctx, ev.ReviewID); err != nil {
				s.logger.Error("review tag refresh failed", "review_id", ev.ReviewID, "error", err)
			}
			s.pending.Add(-1)
		case ev := <-s.changesets:
			if err := s.handleChangesetCompleted(ctx, ev.ChangesetID); err != nil {
				s.logger.Error("changeset completion handling failed",
					"changeset_id", ev.ChangesetID, "error", err)
			}
			s.pending.Add(-1)
		}
	}
}

func (s *reviewUpdater) Idle(ctx context.Context) (bool, error) {
	return s.pending.Load() == 0, nil
}

func (s *reviewUpdater) handleBranchUpdate(ctx context.Context, ev branchEvent) error {
	update, err := s.db.GetBranchUpdate(ctx, ev.BranchUpdateID)
	if err != nil {
		return err
	}
	rev, err := s.db.GetReviewByBranch(ctx, update.BranchID)
	if err != nil {
		if criterrors.IsKind(err, criterrors.KindNotFound) {
			return nil // not a review branch
		}
		return err
	}
	if err := s.assembler.ExtendFromUpdate(ctx, rev, update); err != nil {
		return err
	}
	if err := s.propagator.RefreshAll(ctx, rev.ID); err != nil {
		return err
	}
	return s.refreshTags(ctx, rev.ID)
}

func (s *reviewUpdater) handleChangesetCompleted(ctx context.Context, changesetID int64) error {
	reviewIDs, err := s.db.ListReviewsByChangeset(ctx, changesetID)
	if err != nil {
		return err
	}
	for _, reviewID := range reviewIDs {
		if err := s.assembler.PopulateFromChangeset(ctx, reviewID, changesetID); err != nil {
			return fmt.Errorf("populate review %d: %w", reviewID, err)
		}
		if err := s.propagator.RefreshAll(ctx, reviewID); err != nil {
			return err
		}
		if err := s.refreshTags(ctx, reviewID); err != nil {
			return err
		}
	}
	return nil
}

func (s *reviewUpdater) refreshTags(ctx context.Context, reviewID int64) error {
	users, err := s.db.ListReviewUsers(ctx, reviewID)
	if err != nil {
		return err
	}
	for _, user := range users {
		if _, err := s.states.RefreshUserTags(ctx, reviewID, user.UserID); err != nil {
			return fmt.Errorf("refresh tags for user %d: %w", user.UserID, err)
		}
	}
	return nil
}

// integrationService drains the planned integration queue. Review events
// wake it early; otherwise it polls.
type integrationService struct {
	engine *integration.Engine
	bus    *pubsub.Bus
	logger *slog.Logger
	wake   chan struct{}
	idle   atomic.Bool
}

func newIntegrationService(engine *integration.Engine, bus *pubsub.Bus, logger *slog.Logger) *integrationService {
	s := &integrationService{engine: engine, bus: bus, logger: logger, wake: make(chan struct{}, 1)}
	s.idle.Store(true)
	return s
}

func (s *integrationService) Name() string { return "integrations" }

func (s *integrationService) Run(ctx context.Context) error {
	if s.bus != nil {
		if err := s.bus.Subscribe(ctx, pubsub.ChannelReviewEvents, func(string, []byte) {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}); err != nil {
			return fmt.Errorf("subscribe review events: %w", err)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		for {
			s.idle.Store(false)
			processed, err := s.engine.ProcessNext(ctx)
			if err != nil {
				s.logger.Error("integration failed", "error", err)
				break
			}
			if !processed {
				break
			}
		}
		s.idle.Store(true)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *integrationService) Idle(ctx context.Context) (bool, error) {
	return s.idle.Load(), nil
}

type controlCommand struct {
	Version int    `json:"version"`
	Command string `json:"command"`
	Service string `json:"service,omitempty"`
}

func parseControlCommand(payload []byte) (controlCommand, error) {
	var cmd controlCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("parse control command: %w", err)
	}
	if cmd.Version != 1 {
		return cmd, fmt.Errorf("unsupported control command version %d", cmd.Version)
	}
	if cmd.Command == "" {
		return cmd, fmt.Errorf("control command missing command field")
	}
	return cmd, nil
}

// controlService answers synchronize/restart/status requests from the CLI
// over the bus.
type controlService struct {
	manager *services.Manager
	bus     *pubsub.Bus
	timeout time.Duration
}

func (s *controlService) Name() string { return "control" }

func (s *controlService) Run(ctx context.Context) error {
	if err := s.bus.Respond(ctx, pubsub.ChannelServiceControl, s.respond); err != nil {
		return fmt.Errorf("respond on control channel: %w", err)
	}
	defer s.bus.Unsubscribe(context.Background(), pubsub.ChannelServiceControl)
	<-ctx.Done()
	return nil
}

func (s *controlService) respond(ctx context.Context, payload []byte) ([][]byte, error) {
	cmd, err := parseControlCommand(payload)
	if err != nil {
		return nil, err
	}
	switch cmd.Command {
	case "synchronize":
		syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.manager.Synchronize(syncCtx, cmd.Service); err != nil {
			return nil, err
		}
		return [][]byte{[]byte(`{"status":"idle"}`)}, nil
	case "restart":
		if err := s.manager.Restart(cmd.Service); err != nil {
			return nil, err
		}
		return [][]byte{[]byte(`{"status":"restarted"}`)}, nil
	case "status":
		statuses := s.manager.Status()
		item, err := json.Marshal(statuses)
		if err != nil {
			return nil, err
		}
		return [][]byte{item}, nil
	default:
		return nil, fmt.Errorf("unknown control command %q", cmd.Command)
	}
}
