package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
)

func recordValues(a *Aggregator, metric string, values ...float64) {
	for _, v := range values {
		a.Record(domain.MetricSample{Metric: metric, Value: v, Timestamp: time.Now()})
	}
}

func TestAggregator_SnapshotComputesBasicStats(t *testing.T) {
	a := NewAggregator(AggregatorConfig{})
	recordValues(a, "latencyMs", 10, 20, 30, 40, 50)

	snap, ok := a.Snapshot("latencyMs")
	require.True(t, ok)
	assert.Equal(t, 5, snap.Count)
	assert.Equal(t, 10.0, snap.Min)
	assert.Equal(t, 50.0, snap.Max)
	assert.Equal(t, 30.0, snap.Mean)
	assert.Equal(t, 30.0, snap.Median)
}

func TestAggregator_UnknownMetricMisses(t *testing.T) {
	a := NewAggregator(AggregatorConfig{})
	_, ok := a.Snapshot("unknown")
	assert.False(t, ok)
}

func TestAggregator_DetectAnomalyRequiresMinSamples(t *testing.T) {
	a := NewAggregator(AggregatorConfig{MinSamplesForDetection: 5})
	recordValues(a, "ttft", 10, 10, 10)

	assert.Equal(t, AnomalyNone, a.DetectAnomaly("ttft", 1000))
}

func TestAggregator_DetectAnomalyZeroStdDevIsNone(t *testing.T) {
	a := NewAggregator(AggregatorConfig{MinSamplesForDetection: 3})
	recordValues(a, "ttft", 10, 10, 10, 10, 10, 10, 10, 10, 10, 10)

	assert.Equal(t, AnomalyNone, a.DetectAnomaly("ttft", 10))
}

func TestAggregator_PruneDropsSamplesOlderThanWindow(t *testing.T) {
	a := NewAggregator(AggregatorConfig{WindowSize: 20 * time.Millisecond})
	a.Record(domain.MetricSample{Metric: "m", Value: 1, Timestamp: time.Now()})
	time.Sleep(30 * time.Millisecond)
	a.Record(domain.MetricSample{Metric: "m", Value: 2, Timestamp: time.Now()})

	snap, ok := a.Snapshot("m")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 2.0, snap.Mean)
}
