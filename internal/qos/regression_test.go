package qos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/pkg/eventbus"
)

type staticSource struct {
	metrics CurrentMetrics
	ok      bool
}

func (s staticSource) Current() (CurrentMetrics, bool) { return s.metrics, s.ok }

func baseBaseline() domain.Baseline {
	return domain.Baseline{
		Throughput: 100,
		TTFT:       100 * time.Millisecond,
		ErrorRate:  1,
		LatencyP99: 200 * time.Millisecond,
	}
}

func TestDetector_NoBaselineIsNoop(t *testing.T) {
	d := NewDetector(RegressionConfig{}, staticSource{ok: true}, nil, nil)
	d.check()
	assert.Empty(t, d.History())
}

func TestDetector_ThroughputDropFiresCriticalRollback(t *testing.T) {
	d := NewDetector(RegressionConfig{ThroughputDropPercent: 10, AutoRollbackEnabled: true}, staticSource{
		ok:      true,
		metrics: CurrentMetrics{Throughput: 50, TTFT: 100 * time.Millisecond, LatencyP99: 200 * time.Millisecond},
	}, nil, nil)
	d.SetBaseline(baseBaseline())
	d.check()

	history := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, "throughput", history[0].Metric)
	assert.Equal(t, SeverityCritical, history[0].Severity)
	assert.Equal(t, "rollback", history[0].Action)
}

func TestDetector_TTFTIncreaseFiresCritical(t *testing.T) {
	d := NewDetector(RegressionConfig{TTFTIncreasePercent: 10}, staticSource{
		ok:      true,
		metrics: CurrentMetrics{Throughput: 100, TTFT: 500 * time.Millisecond, LatencyP99: 200 * time.Millisecond},
	}, nil, nil)
	d.SetBaseline(baseBaseline())
	d.check()

	history := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, "ttft", history[0].Metric)
	assert.Equal(t, SeverityCritical, history[0].Severity)
}

func TestDetector_ErrorRateFiresCritical(t *testing.T) {
	d := NewDetector(RegressionConfig{ErrorRatePercent: 2}, staticSource{
		ok:      true,
		metrics: CurrentMetrics{Throughput: 100, TTFT: 100 * time.Millisecond, ErrorRate: 5, LatencyP99: 200 * time.Millisecond},
	}, nil, nil)
	d.SetBaseline(baseBaseline())
	d.check()

	history := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, "errorRate", history[0].Metric)
}

func TestDetector_P99LatencyIncreaseFiresWarningMonitor(t *testing.T) {
	d := NewDetector(RegressionConfig{P99LatencyIncreasePercent: 10}, staticSource{
		ok:      true,
		metrics: CurrentMetrics{Throughput: 100, TTFT: 100 * time.Millisecond, LatencyP99: 500 * time.Millisecond},
	}, nil, nil)
	d.SetBaseline(baseBaseline())
	d.check()

	history := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, "latencyP99", history[0].Metric)
	assert.Equal(t, SeverityWarning, history[0].Severity)
	assert.Equal(t, "monitor", history[0].Action)
}

func TestDetector_HistoryBoundedToLimit(t *testing.T) {
	d := NewDetector(RegressionConfig{ThroughputDropPercent: 1, HistoryLimit: 3}, staticSource{
		ok:      true,
		metrics: CurrentMetrics{Throughput: 1, TTFT: 100 * time.Millisecond, LatencyP99: 200 * time.Millisecond},
	}, nil, nil)
	d.SetBaseline(baseBaseline())
	for i := 0; i < 5; i++ {
		d.check()
	}
	assert.Len(t, d.History(), 3)
}

func TestDetector_AutoRollbackOnCriticalOnlySuppressesWarningRollback(t *testing.T) {
	events := eventbus.New[RegressionEvent]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsubscribe := events.Subscribe(ctx)
	defer unsubscribe()

	d := NewDetector(RegressionConfig{
		P99LatencyIncreasePercent:  10,
		AutoRollbackEnabled:        true,
		AutoRollbackOnCriticalOnly: true,
	}, staticSource{
		ok:      true,
		metrics: CurrentMetrics{Throughput: 100, TTFT: 100 * time.Millisecond, LatencyP99: 500 * time.Millisecond},
	}, events, nil)
	d.SetBaseline(baseBaseline())

	d.check()

	select {
	case ev := <-ch:
		assert.Equal(t, "regression", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a regression event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("expected no rollback event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
