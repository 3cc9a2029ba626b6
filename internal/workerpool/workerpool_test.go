package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/router"
)

type fakeSpawner struct {
	spawnCount atomic.Int64
	failNext   atomic.Bool
}

func (f *fakeSpawner) Spawn(ctx context.Context, workerID string) (int, string, error) {
	f.spawnCount.Add(1)
	return 1234, "fake-runtime", nil
}

func (f *fakeSpawner) Stop(ctx context.Context, workerID string) error { return nil }

func TestManager_StartRegistersAllWorkers(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 3, StartupTimeout: time.Second}, spawner, r, nil, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.Len(t, m.Workers(), 3)
	assert.Equal(t, int64(3), spawner.spawnCount.Load())

	snap, err := r.Route("")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
}

func TestManager_HeartbeatTimeoutTriggersRestart(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{
		WorkerCount:         1,
		StartupTimeout:      time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
		HeartbeatTimeout:    5 * time.Millisecond,
		RestartDelay:        5 * time.Millisecond,
		MaxRestarts:         3,
	}, spawner, r, nil, nil)

	require.NoError(t, m.Start(context.Background()))
	workers := m.Workers()
	require.Len(t, workers, 1)
	id := workers[0].ID

	time.Sleep(100 * time.Millisecond)

	assert.GreaterOrEqual(t, spawner.spawnCount.Load(), int64(2))

	final := m.Workers()
	require.Len(t, final, 1)
	assert.Equal(t, id, final[0].ID)
}

func TestManager_MarkBusyThenIdle(t *testing.T) {
	r := router.New(router.RoundRobin)
	spawner := &fakeSpawner{}
	m := New(Config{WorkerCount: 1, StartupTimeout: time.Second}, spawner, r, nil, nil)
	require.NoError(t, m.Start(context.Background()))

	id := m.Workers()[0].ID
	require.NoError(t, m.MarkWorkerBusy(id))
	workers := m.Workers()
	assert.Equal(t, domain.WorkerBusy, workers[0].Status)
	assert.Equal(t, 1, workers[0].ActiveRequests)

	require.NoError(t, m.MarkWorkerIdle(id))
	workers = m.Workers()
	assert.Equal(t, domain.WorkerIdle, workers[0].Status)
	assert.Equal(t, 0, workers[0].ActiveRequests)
}
