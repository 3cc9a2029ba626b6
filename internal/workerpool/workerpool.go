// Package workerpool implements the Worker Pool Manager (§4.4): spawning,
// heartbeat monitoring, and restart-with-backoff for worker processes. The
// manager is the single source of truth for worker state; the Runtime
// Router only ever sees the snapshots it is explicitly given.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/internal/util"
	"github.com/veyra/conduit/pkg/eventbus"
)

// Config parameterizes pool size and restart policy.
type Config struct {
	WorkerCount         int
	MaxRestarts         int
	StartupTimeout      time.Duration
	ShutdownTimeout     time.Duration
	RestartDelay        time.Duration
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
	RoutingStrategy     string
}

// Spawner starts one worker process and blocks until it reports ready.
type Spawner interface {
	Spawn(ctx context.Context, workerID string) (pid int, runtime string, err error)
	Stop(ctx context.Context, workerID string) error
}

// LifecycleEvent is published on worker registration, failure, and restart.
type LifecycleEvent struct {
	Kind      string // workerReady | worker_failed | worker_restarted
	WorkerID  string
	Timestamp time.Time
	Err       error
}

type managedWorker struct {
	mu    sync.Mutex
	state domain.WorkerState
}

// Manager is the concrete WorkerPoolManager implementation.
type Manager struct {
	cfg     Config
	spawner Spawner
	router  ports.RuntimeRouter
	events  *eventbus.EventBus[LifecycleEvent]
	logger  *slog.Logger

	workers *xsync.Map[string, *managedWorker]

	shutdownOnce sync.Once
	stopCh       chan struct{}
	shuttingDown func() bool
}

var _ ports.WorkerPoolManager = (*Manager)(nil)

// New constructs a manager. router may be any ports.RuntimeRouter
// implementation (typically *router.Router).
func New(cfg Config, spawner Spawner, router ports.RuntimeRouter, events *eventbus.EventBus[LifecycleEvent], logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		spawner: spawner,
		router:  router,
		events:  events,
		logger:  logger,
		workers: xsync.NewMap[string, *managedWorker](),
		stopCh:  make(chan struct{}),
	}
	m.shuttingDown = func() bool {
		select {
		case <-m.stopCh:
			return true
		default:
			return false
		}
	}
	return m
}

// Start spawns WorkerCount workers in parallel and begins heartbeat monitoring.
func (m *Manager) Start(ctx context.Context) error {
	startupCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.StartupTimeout > 0 {
		startupCtx, cancel = context.WithTimeout(ctx, m.cfg.StartupTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(startupCtx)
	for i := 0; i < m.cfg.WorkerCount; i++ {
		g.Go(func() error {
			return m.spawnWorker(gctx, uuid.NewString())
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("workerpool: startup: %w", err)
	}

	if m.cfg.HealthCheckInterval > 0 {
		go m.heartbeatMonitor()
	}
	return nil
}

func (m *Manager) spawnWorker(ctx context.Context, id string) error {
	w := &managedWorker{state: domain.WorkerState{ID: id, Status: domain.WorkerStarting, StartedAt: time.Now()}}
	m.workers.Store(id, w)

	pid, runtime, err := m.spawner.Spawn(ctx, id)
	if err != nil {
		w.mu.Lock()
		w.state.Status = domain.WorkerFailed
		w.state.Err = err
		w.mu.Unlock()
		return domain.NewRuntimeError(id, "spawn", err)
	}

	w.mu.Lock()
	w.state.PID = pid
	w.state.Runtime = runtime
	w.state.Status = domain.WorkerIdle
	w.state.LastHeartbeat = time.Now()
	w.mu.Unlock()

	// Registration with the router happens before workerReady is published.
	m.router.Register(domain.Snapshot{ID: id, Status: domain.WorkerIdle})
	m.publish(LifecycleEvent{Kind: "workerReady", WorkerID: id, Timestamp: time.Now()})
	return nil
}

// Heartbeat records a liveness signal from worker id.
func (m *Manager) Heartbeat(workerID string) {
	w, ok := m.workers.Load(workerID)
	if !ok {
		return
	}
	w.mu.Lock()
	w.state.LastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (m *Manager) heartbeatMonitor() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHeartbeats()
		}
	}
}

func (m *Manager) checkHeartbeats() {
	now := time.Now()
	var stale []string

	m.workers.Range(func(id string, w *managedWorker) bool {
		w.mu.Lock()
		routable := w.state.Status == domain.WorkerIdle || w.state.Status == domain.WorkerBusy
		overdue := now.Sub(w.state.LastHeartbeat) > m.cfg.HeartbeatTimeout
		w.mu.Unlock()
		if routable && overdue {
			stale = append(stale, id)
		}
		return true
	})

	for _, id := range stale {
		m.failWorker(id)
	}
}

func (m *Manager) failWorker(id string) {
	w, ok := m.workers.Load(id)
	if !ok {
		return
	}
	w.mu.Lock()
	w.state.Status = domain.WorkerFailed
	restartCount := w.state.RestartCount
	w.mu.Unlock()

	m.router.Unregister(id)
	m.publish(LifecycleEvent{Kind: "worker_failed", WorkerID: id, Timestamp: time.Now()})

	if restartCount >= m.cfg.MaxRestarts {
		m.logger.Warn("workerpool: worker abandoned, max restarts exceeded", "workerId", id, "restartCount", restartCount)
		return
	}

	go m.restartWithBackoff(id, restartCount+1)
}

func (m *Manager) restartWithBackoff(id string, attempt int) {
	delay := util.CalculateWorkerRestartBackoff(m.cfg.RestartDelay, attempt, 5*time.Minute)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-m.stopCh:
		return
	case <-timer.C:
	}

	if m.shuttingDown() {
		return
	}

	w, ok := m.workers.Load(id)
	if !ok {
		return
	}
	w.mu.Lock()
	w.state.Status = domain.WorkerStarting
	w.state.RestartCount = attempt
	w.mu.Unlock()

	pid, runtime, err := m.spawner.Spawn(context.Background(), id)
	if err != nil {
		w.mu.Lock()
		w.state.Status = domain.WorkerFailed
		w.state.Err = err
		w.mu.Unlock()
		m.publish(LifecycleEvent{Kind: "worker_failed", WorkerID: id, Timestamp: time.Now(), Err: err})
		return
	}

	w.mu.Lock()
	w.state.PID = pid
	w.state.Runtime = runtime
	w.state.Status = domain.WorkerIdle
	w.state.LastHeartbeat = time.Now()
	w.mu.Unlock()

	m.router.Register(domain.Snapshot{ID: id, Status: domain.WorkerIdle})
	m.publish(LifecycleEvent{Kind: "worker_restarted", WorkerID: id, Timestamp: time.Now()})
}

// RestartWorker forces a restart attempt outside of heartbeat-driven failure.
// It blocks for the backoff delay of the next attempt number before respawning.
func (m *Manager) RestartWorker(ctx context.Context, workerID string) error {
	w, ok := m.workers.Load(workerID)
	if !ok {
		return domain.NewRuntimeError(workerID, "restart", fmt.Errorf("unknown worker"))
	}
	w.mu.Lock()
	attempt := w.state.RestartCount + 1
	w.mu.Unlock()
	m.router.Unregister(workerID)
	m.restartWithBackoff(workerID, attempt)
	return nil
}

// MarkWorkerBusy implements ports.WorkerPoolManager.
func (m *Manager) MarkWorkerBusy(workerID string) error {
	w, ok := m.workers.Load(workerID)
	if !ok {
		return domain.NewRuntimeError(workerID, "markWorkerBusy", fmt.Errorf("unknown worker"))
	}
	w.mu.Lock()
	w.state.Status = domain.WorkerBusy
	w.state.ActiveRequests++
	snap := domain.Snapshot{ID: workerID, Status: w.state.Status, ActiveRequests: w.state.ActiveRequests}
	w.mu.Unlock()
	m.router.UpdateSnapshot(snap)
	return nil
}

// MarkWorkerIdle implements ports.WorkerPoolManager.
func (m *Manager) MarkWorkerIdle(workerID string) error {
	w, ok := m.workers.Load(workerID)
	if !ok {
		return domain.NewRuntimeError(workerID, "markWorkerIdle", fmt.Errorf("unknown worker"))
	}
	w.mu.Lock()
	if w.state.ActiveRequests > 0 {
		w.state.ActiveRequests--
	}
	if w.state.ActiveRequests == 0 {
		w.state.Status = domain.WorkerIdle
	}
	snap := domain.Snapshot{ID: workerID, Status: w.state.Status, ActiveRequests: w.state.ActiveRequests}
	w.mu.Unlock()
	m.router.UpdateSnapshot(snap)
	return nil
}

// Workers returns a snapshot of every managed worker's state.
func (m *Manager) Workers() []domain.WorkerState {
	var out []domain.WorkerState
	m.workers.Range(func(id string, w *managedWorker) bool {
		w.mu.Lock()
		out = append(out, w.state)
		w.mu.Unlock()
		return true
	})
	return out
}

func (m *Manager) publish(ev LifecycleEvent) {
	if m.events == nil {
		return
	}
	m.events.PublishAsync(ev)
}

// Shutdown stops heartbeat monitoring and asks every worker to stop within
// ShutdownTimeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() { close(m.stopCh) })

	shutdownCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.ShutdownTimeout > 0 {
		shutdownCtx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	var lastErr error
	m.workers.Range(func(id string, w *managedWorker) bool {
		if err := m.spawner.Stop(shutdownCtx, id); err != nil {
			lastErr = err
		}
		return true
	})
	return lastErr
}
