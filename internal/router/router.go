// Package router implements the Runtime Router (§4.4): worker selection by
// routing strategy, with sticky sessions binding a stream id to the worker
// that began it.
package router

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/veyra/conduit/internal/core/domain"
)

const stickySessionTTL = 5 * time.Minute

// Strategy names a worker-selection policy.
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	LeastBusy  Strategy = "least-busy"
)

type stickyEntry struct {
	workerID  string
	expiresAt time.Time
}

// Router is the concrete RuntimeRouter implementation. The router never
// owns a worker; it holds only the {id, status, activeRequests} snapshot
// published to it by the Worker Pool Manager.
type Router struct {
	strategy Strategy

	snapshots *xsync.Map[string, domain.Snapshot]
	sticky    *xsync.Map[string, stickyEntry]
	counter   atomic.Uint64
}

// New constructs a router using the given selection strategy.
func New(strategy Strategy) *Router {
	if strategy == "" {
		strategy = RoundRobin
	}
	return &Router{
		strategy:  strategy,
		snapshots: xsync.NewMap[string, domain.Snapshot](),
		sticky:    xsync.NewMap[string, stickyEntry](),
	}
}

// Register publishes a worker to the router. Worker Pool Manager calls this
// before emitting workerReady, so the router never observes an id it did
// not register.
func (r *Router) Register(snap domain.Snapshot) {
	r.snapshots.Store(snap.ID, snap)
}

// Unregister removes a worker, e.g. on failure or during a rolling restart swap.
func (r *Router) Unregister(workerID string) {
	r.snapshots.Delete(workerID)
}

// UpdateSnapshot refreshes a worker's status/activeRequests without a full re-register.
func (r *Router) UpdateSnapshot(snap domain.Snapshot) {
	r.snapshots.Store(snap.ID, snap)
}

// Route selects a worker, preferring the sticky session for streamID when live.
func (r *Router) Route(streamID string) (domain.Snapshot, error) {
	if streamID != "" {
		if entry, ok := r.sticky.Load(streamID); ok && entry.expiresAt.After(time.Now()) {
			if snap, ok := r.snapshots.Load(entry.workerID); ok && snap.Status.IsRoutable() {
				return snap, nil
			}
		}
	}

	candidates := r.routableSnapshots()
	if len(candidates) == 0 {
		return domain.Snapshot{}, fmt.Errorf("router: no routable workers available")
	}

	var selected domain.Snapshot
	switch r.strategy {
	case LeastBusy:
		selected = selectLeastBusy(candidates, &r.counter)
	default:
		selected = selectRoundRobin(candidates, &r.counter)
	}

	if streamID != "" {
		r.sticky.Store(streamID, stickyEntry{workerID: selected.ID, expiresAt: time.Now().Add(stickySessionTTL)})
	}

	return selected, nil
}

func (r *Router) routableSnapshots() []domain.Snapshot {
	var candidates []domain.Snapshot
	r.snapshots.Range(func(id string, snap domain.Snapshot) bool {
		if snap.Status.IsRoutable() {
			candidates = append(candidates, snap)
		}
		return true
	})
	return candidates
}

func selectRoundRobin(candidates []domain.Snapshot, counter *atomic.Uint64) domain.Snapshot {
	idle := make([]domain.Snapshot, 0, len(candidates))
	for _, s := range candidates {
		if s.Status == domain.WorkerIdle {
			idle = append(idle, s)
		}
	}
	pool := idle
	if len(pool) == 0 {
		pool = candidates
	}
	idx := counter.Add(1) - 1
	return pool[idx%uint64(len(pool))]
}

// selectLeastBusy prefers idle workers; among busy workers (or when no idle
// worker exists) it picks the smallest activeRequests, with a stable
// round-robin tie-break per §9's open question.
func selectLeastBusy(candidates []domain.Snapshot, counter *atomic.Uint64) domain.Snapshot {
	for _, s := range candidates {
		if s.Status == domain.WorkerIdle {
			return s
		}
	}

	minActive := candidates[0].ActiveRequests
	for _, s := range candidates {
		if s.ActiveRequests < minActive {
			minActive = s.ActiveRequests
		}
	}

	tied := make([]domain.Snapshot, 0, len(candidates))
	for _, s := range candidates {
		if s.ActiveRequests == minActive {
			tied = append(tied, s)
		}
	}

	idx := counter.Add(1) - 1
	return tied[idx%uint64(len(tied))]
}
