package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/router"
)

func TestRestartTarget_WorkerIDsAndActiveCounts(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 2, StartupTimeout: time.Second}, spawner, r, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	target := NewRestartTarget(m, r, nil)
	ids := target.WorkerIDs()
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, target.ActiveWorkerCount())

	require.NoError(t, m.MarkWorkerBusy(ids[0]))
	assert.Equal(t, 1, target.ActiveRequests(ids[0]))
	assert.Equal(t, 0, target.ActiveRequests(ids[1]))
}

func TestRestartTarget_PauseAndResumeRouting(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 1, StartupTimeout: time.Second}, spawner, r, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	target := NewRestartTarget(m, r, nil)
	id := target.WorkerIDs()[0]

	target.PauseRouting(id)
	_, err := r.Route("")
	assert.Error(t, err)

	target.ResumeRouting(id)
	snap, err := r.Route("")
	require.NoError(t, err)
	assert.Equal(t, id, snap.ID)
}

func TestRestartTarget_SpawnReplacementNotRoutableUntilPreflight(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 0}, spawner, r, nil, nil)

	target := NewRestartTarget(m, r, nil)
	newID, err := target.SpawnReplacement(context.Background(), "old-worker")
	require.NoError(t, err)
	assert.NotEmpty(t, newID)

	_, routeErr := r.Route("")
	assert.Error(t, routeErr)

	target.ResumeRouting(newID)
	snap, err := r.Route("")
	require.NoError(t, err)
	assert.Equal(t, newID, snap.ID)
}

func TestRestartTarget_PreflightUsesProber(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 0}, spawner, r, nil, nil)

	boom := errors.New("not ready")
	target := NewRestartTarget(m, r, func(ctx context.Context, workerID string) error {
		return boom
	})

	err := target.Preflight(context.Background(), "w1", time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestRestartTarget_RemoveWorkerStopsAndForgets(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 1, StartupTimeout: time.Second}, spawner, r, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	target := NewRestartTarget(m, r, nil)
	id := target.WorkerIDs()[0]

	require.NoError(t, target.RemoveWorker(context.Background(), id))
	assert.Empty(t, m.Workers())
}
