package qos

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
)

func TestEngine_ViolationTriggersRemediationAndRecoveryResets(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	recordValues(agg, "errorRate", 0.5, 0.5, 0.5)

	policy := domain.Policy{
		ID:      "p1",
		Enabled: true,
		SLOs:    []domain.SLO{{Metric: "errorRate", Comparator: domain.ComparatorGreaterThan, Threshold: 0.1}},
		Remediations: []domain.Remediation{
			{Kind: domain.RemediationThrottle, CooldownSec: 0, MaxPerHour: 10},
		},
	}

	var executed atomic.Int32
	actions := map[domain.RemediationKind]RemediationFunc{
		domain.RemediationThrottle: func(ctx context.Context, p domain.Policy, v domain.Violation, r domain.Remediation) error {
			executed.Add(1)
			return nil
		},
	}

	engine := NewEngine(PolicyConfig{LoopDetectionWindow: 5}, []domain.Policy{policy}, agg, actions, nil, nil)
	engine.evaluate(context.Background())

	assert.Equal(t, int32(1), executed.Load())
	assert.Len(t, engine.ActiveViolations(), 1)

	agg2 := NewAggregator(AggregatorConfig{})
	recordValues(agg2, "errorRate", 0.01, 0.01, 0.01)
	engine.aggregator = agg2
	engine.evaluate(context.Background())

	assert.Empty(t, engine.ActiveViolations())
}

func TestEngine_DryRunNeverExecutes(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	recordValues(agg, "errorRate", 0.5)

	policy := domain.Policy{
		ID:      "p1",
		Enabled: true,
		SLOs:    []domain.SLO{{Metric: "errorRate", Comparator: domain.ComparatorGreaterThan, Threshold: 0.1}},
		Remediations: []domain.Remediation{
			{Kind: domain.RemediationThrottle, MaxPerHour: 10},
		},
	}

	var executed atomic.Int32
	actions := map[domain.RemediationKind]RemediationFunc{
		domain.RemediationThrottle: func(ctx context.Context, p domain.Policy, v domain.Violation, r domain.Remediation) error {
			executed.Add(1)
			return nil
		},
	}

	engine := NewEngine(PolicyConfig{DryRun: true}, []domain.Policy{policy}, agg, actions, nil, nil)
	engine.evaluate(context.Background())

	assert.Equal(t, int32(0), executed.Load())
	assert.Len(t, engine.ActiveViolations(), 1)
}

func TestEngine_CooldownSkipsRepeatedExecution(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	recordValues(agg, "errorRate", 0.5)

	policy := domain.Policy{
		ID:      "p1",
		Enabled: true,
		SLOs:    []domain.SLO{{Metric: "errorRate", Comparator: domain.ComparatorGreaterThan, Threshold: 0.1}},
		Remediations: []domain.Remediation{
			{Kind: domain.RemediationThrottle, CooldownSec: 60, MaxPerHour: 10},
		},
	}

	var executed atomic.Int32
	actions := map[domain.RemediationKind]RemediationFunc{
		domain.RemediationThrottle: func(ctx context.Context, p domain.Policy, v domain.Violation, r domain.Remediation) error {
			executed.Add(1)
			return nil
		},
	}

	engine := NewEngine(PolicyConfig{LoopDetectionWindow: 10}, []domain.Policy{policy}, agg, actions, nil, nil)
	engine.evaluate(context.Background())
	engine.evaluate(context.Background())
	engine.evaluate(context.Background())

	assert.Equal(t, int32(1), executed.Load())
}

func TestEngine_LoopDetectionOpensLocalCircuit(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	recordValues(agg, "errorRate", 0.5)

	policy := domain.Policy{
		ID:      "p1",
		Enabled: true,
		SLOs:    []domain.SLO{{Metric: "errorRate", Comparator: domain.ComparatorGreaterThan, Threshold: 0.1}},
		Remediations: []domain.Remediation{
			{Kind: domain.RemediationThrottle, CooldownSec: 0, MaxPerHour: 100},
		},
	}

	var executed atomic.Int32
	actions := map[domain.RemediationKind]RemediationFunc{
		domain.RemediationThrottle: func(ctx context.Context, p domain.Policy, v domain.Violation, r domain.Remediation) error {
			executed.Add(1)
			return nil
		},
	}

	engine := NewEngine(PolicyConfig{LoopDetectionWindow: 2}, []domain.Policy{policy}, agg, actions, nil, nil)
	for i := 0; i < 5; i++ {
		engine.evaluate(context.Background())
	}

	assert.Equal(t, int32(2), executed.Load())
}

func TestEngine_PriorityOrdersEvaluation(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	recordValues(agg, "m", 1)

	var order []string
	actions := map[domain.RemediationKind]RemediationFunc{
		domain.RemediationAlert: func(ctx context.Context, p domain.Policy, v domain.Violation, r domain.Remediation) error {
			order = append(order, p.ID)
			return nil
		},
	}

	policies := []domain.Policy{
		{ID: "low", Priority: 10, Enabled: true, SLOs: []domain.SLO{{Metric: "m", Comparator: domain.ComparatorGreaterThan, Threshold: 0}}, Remediations: []domain.Remediation{{Kind: domain.RemediationAlert}}},
		{ID: "high", Priority: 1, Enabled: true, SLOs: []domain.SLO{{Metric: "m", Comparator: domain.ComparatorGreaterThan, Threshold: 0}}, Remediations: []domain.Remediation{{Kind: domain.RemediationAlert}}},
	}

	engine := NewEngine(PolicyConfig{}, policies, agg, actions, nil, nil)
	engine.evaluate(context.Background())

	require.Equal(t, []string{"high", "low"}, order)
}
