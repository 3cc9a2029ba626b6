package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/modelmanager"
	"github.com/veyra/conduit/internal/qos"
	"github.com/veyra/conduit/internal/workerpool"
)

// aggregatorMetricsSource adapts the metrics Aggregator to qos.MetricsSource
// for the regression detector, reading the windowed metrics the regression
// thresholds compare against a Baseline. P95/P99 are two fields of a single
// "latency" snapshot, not independently recorded metrics: app.go records
// one latency sample per completed stream and AggregateSnapshot already
// carries both percentiles from that one window.
type aggregatorMetricsSource struct {
	aggregator *qos.Aggregator
}

func newAggregatorMetricsSource(a *qos.Aggregator) *aggregatorMetricsSource {
	return &aggregatorMetricsSource{aggregator: a}
}

func (s *aggregatorMetricsSource) Current() (qos.CurrentMetrics, bool) {
	throughput, ok1 := s.aggregator.Snapshot("throughput")
	ttft, ok2 := s.aggregator.Snapshot("ttft")
	errRate, ok3 := s.aggregator.Snapshot("error_rate")
	latency, ok4 := s.aggregator.Snapshot("latency")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return qos.CurrentMetrics{}, false
	}
	return qos.CurrentMetrics{
		Throughput: throughput.Mean,
		TTFT:       time.Duration(ttft.Mean),
		ErrorRate:  errRate.Mean,
		LatencyP95: time.Duration(latency.P95),
		LatencyP99: time.Duration(latency.P99),
	}, true
}

// remediationActions builds the map of RemediationKind -> RemediationFunc
// the policy engine dispatches violations to.
func remediationActions(throttler *qos.Throttler, target *workerpool.RestartTarget, models *modelmanager.Manager, logger *slog.Logger) map[domain.RemediationKind]qos.RemediationFunc {
	return map[domain.RemediationKind]qos.RemediationFunc{
		domain.RemediationThrottle: throttler.Remediate,
		domain.RemediationDrainWorker: func(ctx context.Context, policy domain.Policy, violation domain.Violation, remediation domain.Remediation) error {
			ids := target.WorkerIDs()
			if len(ids) == 0 {
				return nil
			}
			// Pause routing to the first id WorkerIDs returns; that order
			// follows the worker map's iteration, not registration time.
			// The paused worker is not replaced or resumed here.
			target.PauseRouting(ids[0])
			logger.Warn("qos: drained worker in response to policy violation", "policyId", policy.ID, "workerId", ids[0], "metric", violation.Metric)
			return nil
		},
		domain.RemediationRestartModel: func(ctx context.Context, policy domain.Policy, violation domain.Violation, remediation domain.Remediation) error {
			// Violation carries the metric name, not a variant key; SLOs that
			// should trigger a model restart are expected to name the variant
			// key as their metric (e.g. "llama-3-8b|primary|main|none"); the
			// metric string is passed to UnloadModel unchanged.
			return models.UnloadModel(ctx, violation.Metric)
		},
		domain.RemediationAlert: func(ctx context.Context, policy domain.Policy, violation domain.Violation, remediation domain.Remediation) error {
			logger.Warn("qos: policy violation alert", "policyId", policy.ID, "metric", violation.Metric, "observed", violation.Observed, "threshold", violation.Threshold)
			return nil
		},
	}
}
