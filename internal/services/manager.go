// Package services supervises the long-lived background services of a
// critic instance: the difference engine workers, the review updater, outbox
// delivery, and maintenance. Crashed services are restarted with backoff; a
// service that keeps dying quickly is parked instead of restarted forever.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 30 * time.Second

	// A service that has started this many times with the last two exits
	// closer together than rapidExitWindow is crashing too frequently.
	rapidCrashStarts = 3
	rapidExitWindow  = 3 * time.Second
)

// Service is one supervised background activity. Run blocks until the
// context is cancelled; returning earlier, with or without an error, counts
// as a crash.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Idler is implemented by services that can report having drained all
// pending work. Synchronize waits on it.
type Idler interface {
	Idle(ctx context.Context) (bool, error)
}

// ServiceStatus describes one supervised service.
type ServiceStatus struct {
	Name      string
	Running   bool
	Starts    int
	Crashing  bool
	LastError string
	LastExit  time.Time
}

type supervised struct {
	service Service

	mu       sync.Mutex
	running  bool
	starts   int
	crashing bool
	lastErr  error
	lastExit time.Time
	prevExit time.Time
}

// Manager runs registered services until stopped.
type Manager struct {
	logger  *slog.Logger
	backoff time.Duration

	mu       sync.Mutex
	services []*supervised
	runCtx   context.Context
	cancel   context.CancelFunc
	started  bool
	wg       sync.WaitGroup
}

var (
	restartMetricsOnce sync.Once
	restartsTotal      *prometheus.CounterVec
	crashingGauge      *prometheus.GaugeVec
)

func registerMetrics() {
	restartMetricsOnce.Do(func() {
		restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "critic",
			Subsystem: "services",
			Name:      "restarts_total",
			Help:      "Restarts per supervised service.",
		}, []string{"service"})
		crashingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "critic",
			Subsystem: "services",
			Name:      "crashing",
			Help:      "1 when the service is parked as crashing too frequently.",
		}, []string{"service"})
	})
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	registerMetrics()
	return &Manager{logger: logger, backoff: initialBackoff}
}

// Register adds a service. Must be called before Start.
func (m *Manager) Register(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, &supervised{service: s})
}

// Start launches every registered service.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("service manager already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	for _, sv := range m.services {
		m.wg.Add(1)
		go m.supervise(runCtx, sv)
	}
	return nil
}

// Stop cancels all services and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *Manager) supervise(ctx context.Context, sv *supervised) {
	defer m.wg.Done()
	name := sv.service.Name()
	backoff := m.backoff
	for {
		sv.mu.Lock()
		sv.starts++
		sv.running = true
		starts := sv.starts
		sv.mu.Unlock()

		m.logger.Info("service starting", "service", name, "start", starts)
		err := m.runService(ctx, sv.service)

		now := time.Now()
		sv.mu.Lock()
		sv.running = false
		sv.lastErr = err
		sv.prevExit = sv.lastExit
		sv.lastExit = now
		rapid := sv.starts >= rapidCrashStarts &&
			!sv.prevExit.IsZero() && now.Sub(sv.prevExit) < rapidExitWindow
		sv.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Error("service crashed", "service", name, "error", err)
		} else {
			m.logger.Warn("service exited unexpectedly", "service", name)
		}

		if rapid {
			sv.mu.Lock()
			sv.crashing = true
			sv.mu.Unlock()
			crashingGauge.WithLabelValues(name).Set(1)
			m.logger.Error("service crashing too frequently; not restarting automatically",
				"service", name)
			return
		}

		restartsTotal.WithLabelValues(name).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runService isolates a panicking service from the manager.
func (m *Manager) runService(ctx context.Context, s Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Run(ctx)
}

// Restart clears the crashing mark of a parked service and supervises it
// again.
func (m *Manager) Restart(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("service manager not started")
	}
	for _, sv := range m.services {
		if sv.service.Name() != name {
			continue
		}
		sv.mu.Lock()
		if !sv.crashing {
			sv.mu.Unlock()
			return fmt.Errorf("service %q is not parked", name)
		}
		sv.crashing = false
		sv.starts = 0
		sv.prevExit = time.Time{}
		sv.lastExit = time.Time{}
		sv.mu.Unlock()
		crashingGauge.WithLabelValues(name).Set(0)

		m.wg.Add(1)
		go m.supervise(m.runCtx, sv)
		return nil
	}
	return fmt.Errorf("unknown service %q", name)
}

// Status reports every service's state.
func (m *Manager) Status() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]ServiceStatus, 0, len(m.services))
	for _, sv := range m.services {
		sv.mu.Lock()
		status := ServiceStatus{
			Name:     sv.service.Name(),
			Running:  sv.running,
			Starts:   sv.starts,
			Crashing: sv.crashing,
			LastExit: sv.lastExit,
		}
		if sv.lastErr != nil {
			status.LastError = sv.lastErr.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Synchronize blocks until the named service has drained its pending work,
// polling its Idle method. Services that cannot report idleness synchronize
// immediately.
func (m *Manager) Synchronize(ctx context.Context, name string) error {
	m.mu.Lock()
	var target Service
	for _, sv := range m.services {
		if sv.service.Name() == name {
			target = sv.service
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown service %q", name)
	}
	idler, ok := target.(Idler)
	if !ok {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		idle, err := idler.Idle(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
