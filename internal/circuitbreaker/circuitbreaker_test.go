package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
)

func TestBreaker_OpensAfterThresholdThenRecovers(t *testing.T) {
	cfg := Config{
		Name:                     "worker-1",
		FailureThreshold:         5,
		RecoveryTimeout:          10 * time.Millisecond,
		HalfOpenMaxCalls:         1,
		HalfOpenSuccessThreshold: 2,
		FailureWindow:            60 * time.Second,
	}
	b := New(cfg, nil)
	ctx := context.Background()
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, failing)
		require.Error(t, err)
	}
	assert.Equal(t, domain.CircuitOpen, b.State())

	err := b.Execute(ctx, failing)
	var openErr *domain.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.LessOrEqual(t, openErr.RetryAfterMs, int64(10))

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, domain.CircuitHalfOpen, b.State())

	succeeding := func(ctx context.Context) error { return nil }
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, domain.CircuitHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, domain.CircuitClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{
		Name:                     "worker-2",
		FailureThreshold:         1,
		RecoveryTimeout:          5 * time.Millisecond,
		HalfOpenMaxCalls:         1,
		HalfOpenSuccessThreshold: 1,
		FailureWindow:            time.Second,
	}
	b := New(cfg, nil)
	ctx := context.Background()
	failing := func(ctx context.Context) error { return errors.New("boom") }

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, domain.CircuitOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, domain.CircuitHalfOpen, b.State())

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, domain.CircuitOpen, b.State())
}

func TestBreaker_HalfOpenRejectsBeyondMaxCalls(t *testing.T) {
	cfg := Config{
		Name:                     "worker-3",
		FailureThreshold:         1,
		RecoveryTimeout:          5 * time.Millisecond,
		HalfOpenMaxCalls:         1,
		HalfOpenSuccessThreshold: 2,
		FailureWindow:            time.Second,
	}
	b := New(cfg, nil)
	ctx := context.Background()
	require.Error(t, b.Execute(ctx, func(ctx context.Context) error { return errors.New("boom") }))
	time.Sleep(10 * time.Millisecond)

	blocked := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			<-blocked
			return nil
		})
	}()
	time.Sleep(2 * time.Millisecond)

	err := b.Execute(ctx, func(ctx context.Context) error { return nil })
	var openErr *domain.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	close(blocked)
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	b := New(Config{Name: "worker-4", FailureThreshold: 5, RecoveryTimeout: time.Second}, nil)
	b.ForceOpen()
	assert.Equal(t, domain.CircuitOpen, b.State())
	b.ForceClose()
	assert.Equal(t, domain.CircuitClosed, b.State())
	b.Shutdown()
}
