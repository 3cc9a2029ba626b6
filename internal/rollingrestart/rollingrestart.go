// Package rollingrestart implements the Rolling Restart Coordinator (§4.5):
// a sequential drain -> verify -> swap upgrade of every worker. Before each
// drain a precheck refuses to proceed if the active worker count would fall
// below a configured floor. A watchdog publishes watchdog_violation and
// records a failed phase whenever the count is below that floor during a
// run; it does not stop the run in progress.
package rollingrestart

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/pkg/eventbus"
)

// Config parameterizes drain timing and the safety floor.
type Config struct {
	DrainTimeout       time.Duration
	PreflightTimeout   time.Duration
	WatchdogInterval   time.Duration
	MinActiveWorkers   int
	MaxReplayAttempts  int
	DrainPollInterval  time.Duration
}

// Phase names one state in the coordinator's state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePrechecks Phase = "prechecks"
	PhaseDraining  Phase = "draining"
	PhaseVerifying Phase = "verifying"
	PhaseSwapping  Phase = "swapping"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// ReplayResult is returned by a ReplayHook.
type ReplayResult struct {
	Success           bool
	Attempts          int
	ReplayedRequests  int
}

// Target is the minimal surface the coordinator needs from the worker pool
// and router; kept as a small local interface so the coordinator does not
// depend on the full WorkerPoolManager/RuntimeRouter contracts.
type Target interface {
	WorkerIDs() []string
	ActiveRequests(workerID string) int
	ActiveWorkerCount() int
	PauseRouting(workerID string)
	ResumeRouting(workerID string)
	SpawnReplacement(ctx context.Context, oldWorkerID string) (newWorkerID string, err error)
	Preflight(ctx context.Context, workerID string, timeout time.Duration) error
	RemoveWorker(ctx context.Context, workerID string) error
}

// ReplayHook attempts to replay the requests stranded on a worker that
// failed to drain in time.
type ReplayHook func(ctx context.Context, workerID string, stranded int) (ReplayResult, error)

// Event is published at every phase transition.
type Event struct {
	Kind      string
	WorkerID  string
	Timestamp time.Time
	Details   map[string]interface{}
}

// Coordinator drives one rolling restart run across every worker in turn.
type Coordinator struct {
	cfg    Config
	target Target
	replay ReplayHook
	events *eventbus.EventBus[Event]
	logger *slog.Logger

	mu      sync.Mutex
	phase   Phase
	current string
	done    int
	total   int
	lastErr error

	watchdogStop chan struct{}
}

var _ ports.RollingRestartCoordinator = (*Coordinator)(nil)

// New constructs a coordinator. replay may be nil, in which case a drain
// timeout drops the stranded requests.
func New(cfg Config, target Target, replay ReplayHook, events *eventbus.EventBus[Event], logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 250 * time.Millisecond
	}
	return &Coordinator{
		cfg:    cfg,
		target: target,
		replay: replay,
		events: events,
		logger: logger,
		phase:  PhaseIdle,
	}
}

// Start runs a full rolling restart across every worker, one at a time.
func (c *Coordinator) Start(ctx context.Context) error {
	ids := c.target.WorkerIDs()
	c.mu.Lock()
	c.total = len(ids)
	c.done = 0
	c.mu.Unlock()

	stop := make(chan struct{})
	c.watchdogStop = stop
	go c.watchdog(stop)
	defer close(stop)

	for _, id := range ids {
		if err := c.restartOne(ctx, id); err != nil {
			c.setPhase(PhaseFailed, id, err)
			c.publish("restart_failed", id, map[string]interface{}{"error": err.Error()})
			return err
		}
		c.mu.Lock()
		c.done++
		c.mu.Unlock()
	}

	c.setPhase(PhaseIdle, "", nil)
	c.publish("restart_completed", "", nil)
	return nil
}

func (c *Coordinator) restartOne(ctx context.Context, workerID string) error {
	c.setPhase(PhasePrechecks, workerID, nil)

	if c.target.ActiveWorkerCount()-1 < c.cfg.MinActiveWorkers {
		return fmt.Errorf("rollingrestart: draining %s would drop active workers below minimum %d", workerID, c.cfg.MinActiveWorkers)
	}

	replacementCh := make(chan struct {
		id  string
		err error
	}, 1)
	go func() {
		id, err := c.target.SpawnReplacement(ctx, workerID)
		replacementCh <- struct {
			id  string
			err error
		}{id, err}
	}()

	c.setPhase(PhaseDraining, workerID, nil)
	c.target.PauseRouting(workerID)
	c.publish("drain_started", workerID, nil)

	timedOut, drainErr := c.drain(ctx, workerID)
	if drainErr != nil {
		return drainErr
	}

	if timedOut {
		stranded := c.target.ActiveRequests(workerID)
		c.publish("drain_timeout", workerID, map[string]interface{}{"activeRequests": stranded})
		if c.replay != nil {
			result, err := c.replayWithRetries(ctx, workerID, stranded)
			c.publish("request_replay", workerID, map[string]interface{}{
				"success":          err == nil && result.Success,
				"attempts":         result.Attempts,
				"replayedRequests": result.ReplayedRequests,
			})
		}
	}

	replacement := <-replacementCh
	if replacement.err != nil {
		return fmt.Errorf("rollingrestart: spawn replacement for %s: %w", workerID, replacement.err)
	}

	c.setPhase(PhaseVerifying, replacement.id, nil)
	if err := c.target.Preflight(ctx, replacement.id, c.cfg.PreflightTimeout); err != nil {
		return fmt.Errorf("rollingrestart: preflight failed for replacement %s: %w", replacement.id, err)
	}

	c.setPhase(PhaseSwapping, replacement.id, nil)
	if err := c.target.RemoveWorker(ctx, workerID); err != nil {
		return fmt.Errorf("rollingrestart: remove old worker %s: %w", workerID, err)
	}
	c.target.ResumeRouting(replacement.id)
	c.publish("worker_replaced", replacement.id, map[string]interface{}{"replaced": workerID})

	return nil
}

func (c *Coordinator) drain(ctx context.Context, workerID string) (timedOut bool, err error) {
	start := time.Now()
	ticker := time.NewTicker(c.cfg.DrainPollInterval)
	defer ticker.Stop()

	deadline := time.After(c.cfg.DrainTimeout)
	for {
		if c.target.ActiveRequests(workerID) == 0 {
			c.publish("drain_completed", workerID, map[string]interface{}{
				"durationMs": time.Since(start).Milliseconds(),
				"timedOut":   false,
			})
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			c.publish("drain_completed", workerID, map[string]interface{}{
				"durationMs": time.Since(start).Milliseconds(),
				"timedOut":   true,
			})
			return true, nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) replayWithRetries(ctx context.Context, workerID string, stranded int) (ReplayResult, error) {
	maxAttempts := c.cfg.MaxReplayAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := c.replay(ctx, workerID, stranded)
		if err == nil && result.Success {
			return result, nil
		}
		lastErr = err
	}
	return ReplayResult{}, lastErr
}

func (c *Coordinator) watchdog(stop <-chan struct{}) {
	if c.cfg.WatchdogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.target.ActiveWorkerCount() < c.cfg.MinActiveWorkers {
				c.publish("watchdog_violation", "", map[string]interface{}{
					"activeWorkers": c.target.ActiveWorkerCount(),
					"minRequired":   c.cfg.MinActiveWorkers,
				})
				c.setPhase(PhaseFailed, "", fmt.Errorf("watchdog: active worker count below minimum"))
			}
		}
	}
}

func (c *Coordinator) setPhase(phase Phase, workerID string, err error) {
	c.mu.Lock()
	c.phase = phase
	c.current = workerID
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Coordinator) publish(kind, workerID string, details map[string]interface{}) {
	if c.events == nil {
		return
	}
	c.events.PublishAsync(Event{Kind: kind, WorkerID: workerID, Timestamp: time.Now(), Details: details})
}

// Status implements ports.RollingRestartCoordinator.
func (c *Coordinator) Status() ports.RollingRestartStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ports.RollingRestartStatus{
		Phase:         string(c.phase),
		CurrentWorker: c.current,
		Completed:     c.done,
		Total:         c.total,
		LastError:     c.lastErr,
	}
}
