package rollingrestart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu             sync.Mutex
	ids            []string
	activeRequests map[string]int
	removed        map[string]bool
	paused         map[string]bool
	nextReplacement int
}

func newFakeTarget(ids ...string) *fakeTarget {
	return &fakeTarget{
		ids:            append([]string{}, ids...),
		activeRequests: make(map[string]int),
		removed:        make(map[string]bool),
		paused:         make(map[string]bool),
	}
}

func (f *fakeTarget) WorkerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ids...)
}

func (f *fakeTarget) ActiveRequests(workerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeRequests[workerID]
}

func (f *fakeTarget) ActiveWorkerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.ids {
		if !f.removed[id] {
			n++
		}
	}
	return n
}

func (f *fakeTarget) PauseRouting(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[workerID] = true
}

func (f *fakeTarget) ResumeRouting(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[workerID] = false
}

func (f *fakeTarget) SpawnReplacement(ctx context.Context, oldWorkerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextReplacement++
	newID := oldWorkerID + "-replacement"
	f.ids = append(f.ids, newID)
	return newID, nil
}

func (f *fakeTarget) Preflight(ctx context.Context, workerID string, timeout time.Duration) error {
	return nil
}

func (f *fakeTarget) RemoveWorker(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[workerID] = true
	return nil
}

func TestCoordinator_DrainsQuietWorkerImmediately(t *testing.T) {
	target := newFakeTarget("w1", "w2", "w3")
	c := New(Config{
		DrainTimeout:      time.Second,
		PreflightTimeout:  time.Second,
		MinActiveWorkers:  1,
		DrainPollInterval: 5 * time.Millisecond,
	}, target, nil, nil, nil)

	require.NoError(t, c.Start(context.Background()))
	status := c.Status()
	assert.Equal(t, 3, status.Completed)
}

func TestCoordinator_DrainTimeoutTriggersReplay(t *testing.T) {
	target := newFakeTarget("w1")
	target.activeRequests["w1"] = 2

	replayCalled := 0
	replay := func(ctx context.Context, workerID string, stranded int) (ReplayResult, error) {
		replayCalled++
		return ReplayResult{Success: true, Attempts: 1, ReplayedRequests: stranded}, nil
	}

	c := New(Config{
		DrainTimeout:      50 * time.Millisecond,
		PreflightTimeout:  time.Second,
		MinActiveWorkers:  0,
		DrainPollInterval: 5 * time.Millisecond,
		MaxReplayAttempts: 3,
	}, target, replay, nil, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, replayCalled)
	assert.True(t, target.removed["w1"])
}

func TestCoordinator_RefusesToDropBelowMinActiveWorkers(t *testing.T) {
	target := newFakeTarget("w1")
	c := New(Config{
		DrainTimeout:     time.Second,
		PreflightTimeout: time.Second,
		MinActiveWorkers: 1,
	}, target, nil, nil, nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, string(PhaseFailed), c.Status().Phase)
}
