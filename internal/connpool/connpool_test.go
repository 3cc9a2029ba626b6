package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/transport/faketransport"
)

func testDialer() Dialer {
	n := 0
	return func(ctx context.Context) (*Conn, error) {
		n++
		return NewConn("worker-1", "test-runtime", faketransport.New()), nil
	}
}

func TestPool_WarmupCreatesMinConnections(t *testing.T) {
	cfg := Config{
		MinConnections: 3,
		MaxConnections: 5,
		WarmupOnStart:  true,
		AcquireTimeout: time.Second,
	}
	p := New(cfg, testDialer(), nil, nil)
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, 3, p.Stats().Size)
}

func TestPool_AcquireReleaseReuses(t *testing.T) {
	cfg := Config{MinConnections: 1, MaxConnections: 2, WarmupOnStart: true, AcquireTimeout: time.Second}
	p := New(cfg, testDialer(), nil, nil)
	require.NoError(t, p.Start(context.Background()))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats().Size)

	p.Release(conn)
	stats := p.Stats()
	require.Equal(t, 0, stats.Acquired)
	require.Equal(t, int64(1), stats.TotalReleases)
}

func TestPool_AcquireBeyondMaxWaitsForRelease(t *testing.T) {
	cfg := Config{MinConnections: 0, MaxConnections: 1, AcquireTimeout: time.Second}
	p := New(cfg, testDialer(), nil, nil)
	require.NoError(t, p.Start(context.Background()))

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		second, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.Equal(t, first.(*Conn).id, second.(*Conn).id)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(first)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never served")
	}
}

func TestPool_AcquireTimesOutWhenExhausted(t *testing.T) {
	cfg := Config{MinConnections: 0, MaxConnections: 1, AcquireTimeout: 20 * time.Millisecond}
	p := New(cfg, testDialer(), nil, nil)
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
}
