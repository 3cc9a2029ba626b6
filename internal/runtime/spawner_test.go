package runtime

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/transport"
)

func requireCat(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available on PATH")
	}
	return path
}

func TestProcessSpawner_SpawnTracksLiveTransport(t *testing.T) {
	bin := requireCat(t)
	s := NewProcessSpawner(bin, nil, transport.Config{DefaultTimeout: time.Second}, "", 0, nil)

	pid, runtimeName, err := s.Spawn(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.Equal(t, bin, runtimeName)

	tr, ok := s.Transport("worker-1")
	assert.True(t, ok)
	assert.NotNil(t, tr)

	ids := s.WorkerIDs()
	assert.Contains(t, ids, "worker-1")

	require.NoError(t, s.Stop(context.Background(), "worker-1"))

	_, ok = s.Transport("worker-1")
	assert.False(t, ok)
}

func TestProcessSpawner_StopUnknownWorkerIsNoop(t *testing.T) {
	s := NewProcessSpawner("/bin/true", nil, transport.Config{}, "", 0, nil)
	assert.NoError(t, s.Stop(context.Background(), "never-spawned"))
}

func TestProcessSpawner_SpawnFailsForMissingBinary(t *testing.T) {
	s := NewProcessSpawner("/no/such/binary-conduit-test", nil, transport.Config{}, "", 0, nil)
	_, _, err := s.Spawn(context.Background(), "worker-1")
	assert.Error(t, err)
}
