package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
)

func TestRouter_RoundRobinSkipsNonRoutable(t *testing.T) {
	r := New(RoundRobin)
	r.Register(domain.Snapshot{ID: "w1", Status: domain.WorkerIdle})
	r.Register(domain.Snapshot{ID: "w2", Status: domain.WorkerFailed})
	r.Register(domain.Snapshot{ID: "w3", Status: domain.WorkerIdle})

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		snap, err := r.Route("")
		require.NoError(t, err)
		seen[snap.ID] = true
	}
	assert.False(t, seen["w2"])
	assert.True(t, seen["w1"] || seen["w3"])
}

func TestRouter_StickySessionBindsToSameWorker(t *testing.T) {
	r := New(RoundRobin)
	r.Register(domain.Snapshot{ID: "w1", Status: domain.WorkerIdle})
	r.Register(domain.Snapshot{ID: "w2", Status: domain.WorkerIdle})

	first, err := r.Route("stream-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := r.Route("stream-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestRouter_LeastBusyPrefersIdleThenLowestActive(t *testing.T) {
	r := New(LeastBusy)
	r.Register(domain.Snapshot{ID: "busy-1", Status: domain.WorkerBusy, ActiveRequests: 5})
	r.Register(domain.Snapshot{ID: "busy-2", Status: domain.WorkerBusy, ActiveRequests: 1})

	snap, err := r.Route("")
	require.NoError(t, err)
	assert.Equal(t, "busy-2", snap.ID)

	r.Register(domain.Snapshot{ID: "idle-1", Status: domain.WorkerIdle, ActiveRequests: 0})
	snap, err = r.Route("")
	require.NoError(t, err)
	assert.Equal(t, "idle-1", snap.ID)
}

func TestRouter_NoRoutableWorkersErrors(t *testing.T) {
	r := New(RoundRobin)
	_, err := r.Route("")
	assert.Error(t, err)
}

func TestRouter_UnregisterRemovesWorker(t *testing.T) {
	r := New(RoundRobin)
	r.Register(domain.Snapshot{ID: "w1", Status: domain.WorkerIdle})
	r.Unregister("w1")
	_, err := r.Route("")
	assert.Error(t, err)
}
