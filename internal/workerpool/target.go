package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

// Prober issues a cheap liveness probe against a worker, used during
// rolling-restart preflight before traffic is sent to a replacement.
type Prober func(ctx context.Context, workerID string) error

// RestartTarget adapts a Manager and its Router to rollingrestart.Target,
// the small surface the restart coordinator needs without depending on the
// full WorkerPoolManager/RuntimeRouter contracts.
type RestartTarget struct {
	manager *Manager
	router  ports.RuntimeRouter
	prober  Prober
}

// NewRestartTarget constructs a rollingrestart.Target. prober may be nil, in
// which case Preflight always succeeds once the replacement worker reports
// workerReady.
func NewRestartTarget(manager *Manager, router ports.RuntimeRouter, prober Prober) *RestartTarget {
	return &RestartTarget{manager: manager, router: router, prober: prober}
}

// WorkerIDs returns every currently managed worker id.
func (t *RestartTarget) WorkerIDs() []string {
	states := t.manager.Workers()
	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.ID)
	}
	return ids
}

// ActiveRequests returns workerID's current in-flight request count.
func (t *RestartTarget) ActiveRequests(workerID string) int {
	w, ok := t.manager.workers.Load(workerID)
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.ActiveRequests
}

// ActiveWorkerCount returns the number of workers in a routable state.
func (t *RestartTarget) ActiveWorkerCount() int {
	count := 0
	for _, s := range t.manager.Workers() {
		if s.Status.IsRoutable() {
			count++
		}
	}
	return count
}

// PauseRouting removes workerID from the router so it receives no new work.
func (t *RestartTarget) PauseRouting(workerID string) {
	t.router.Unregister(workerID)
}

// ResumeRouting re-registers workerID with the router as idle.
func (t *RestartTarget) ResumeRouting(workerID string) {
	t.router.Register(domain.Snapshot{ID: workerID, Status: domain.WorkerIdle})
}

// SpawnReplacement starts a new worker to take oldWorkerID's place. The new
// worker is spawned but not registered with the router until the caller
// completes Preflight.
func (t *RestartTarget) SpawnReplacement(ctx context.Context, oldWorkerID string) (string, error) {
	newID := uuid.NewString()
	if err := t.manager.spawnWorker(ctx, newID); err != nil {
		return "", fmt.Errorf("workerpool: spawn replacement for %s: %w", oldWorkerID, err)
	}
	// spawnWorker already registers the worker with the router on success;
	// pull it back out until the coordinator has preflighted it.
	t.router.Unregister(newID)
	return newID, nil
}

// Preflight verifies workerID is ready to receive traffic before the
// coordinator resumes routing to it.
func (t *RestartTarget) Preflight(ctx context.Context, workerID string, timeout time.Duration) error {
	if t.prober == nil {
		return nil
	}
	probeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return t.prober(probeCtx, workerID)
}

// RemoveWorker stops and forgets workerID entirely.
func (t *RestartTarget) RemoveWorker(ctx context.Context, workerID string) error {
	t.router.Unregister(workerID)
	t.manager.workers.Delete(workerID)
	return t.manager.spawner.Stop(ctx, workerID)
}
