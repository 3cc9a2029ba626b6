package qos

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/pkg/eventbus"
)

// RemediationFunc executes one remediation action. Actions are pluggable
// and dispatched by Remediation.Kind; the engine only guarantees the
// cooldown/cap/loop-detection orchestration around the call.
type RemediationFunc func(ctx context.Context, policy domain.Policy, violation domain.Violation, remediation domain.Remediation) error

// PolicyConfig parameterizes evaluation cadence, dry-run, and loop guarding.
type PolicyConfig struct {
	EvalInterval        time.Duration
	DryRun              bool
	LoopDetectionWindow int // consecutive unrecovered triggers before the local circuit opens
}

// PolicyEvent is published on violation, recovery, and remediation attempts.
type PolicyEvent struct {
	Kind      string // policyViolation | policyRecovery | remediationExecuted | remediationSkipped
	PolicyID  string
	Metric    string
	Timestamp time.Time
	Details   map[string]interface{}
}

type executionState struct {
	cooldownUntil time.Time
	history       []time.Time
	loopCount     int
	circuitOpen   bool
}

// Engine implements ports.PolicyEngine.
type Engine struct {
	cfg        PolicyConfig
	policies   []domain.Policy
	aggregator *Aggregator
	actions    map[domain.RemediationKind]RemediationFunc
	events     *eventbus.EventBus[PolicyEvent]
	logger     *slog.Logger

	mu         sync.Mutex
	violating  map[string]domain.Violation
	executions map[string]*executionState

	stopCh       chan struct{}
	shutdownOnce sync.Once
}

var _ ports.PolicyEngine = (*Engine)(nil)

// NewEngine constructs a policy engine. actions maps each remediation kind
// the loaded policies reference to its dispatch function; a kind with no
// registered action is skipped with a logged warning.
func NewEngine(cfg PolicyConfig, policies []domain.Policy, aggregator *Aggregator, actions map[domain.RemediationKind]RemediationFunc, events *eventbus.EventBus[PolicyEvent], logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = 3
	}
	sorted := append([]domain.Policy{}, policies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	return &Engine{
		cfg:        cfg,
		policies:   sorted,
		aggregator: aggregator,
		actions:    actions,
		events:     events,
		logger:     logger,
		violating:  make(map[string]domain.Violation),
		executions: make(map[string]*executionState),
		stopCh:     make(chan struct{}),
	}
}

func violationKey(policyID, metric string) string { return policyID + "|" + metric }
func executionKey(policyID string, kind domain.RemediationKind) string { return policyID + "|" + string(kind) }

// Start implements ports.PolicyEngine.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.EvalInterval <= 0 {
		return nil
	}
	go e.loop(ctx)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.evaluate(ctx)
		}
	}
}

func (e *Engine) evaluate(ctx context.Context) {
	for _, policy := range e.policies {
		if !policy.Enabled {
			continue
		}
		for _, slo := range policy.SLOs {
			e.evaluateSLO(ctx, policy, slo)
		}
	}
}

func (e *Engine) evaluateSLO(ctx context.Context, policy domain.Policy, slo domain.SLO) {
	snap, ok := e.aggregator.Snapshot(slo.Metric)
	if !ok {
		return
	}

	var violated bool
	switch slo.Comparator {
	case domain.ComparatorGreaterThan:
		violated = snap.Mean > slo.Threshold
	case domain.ComparatorLessThan:
		violated = snap.Mean < slo.Threshold
	}

	key := violationKey(policy.ID, slo.Metric)

	e.mu.Lock()
	_, wasViolating := e.violating[key]
	e.mu.Unlock()

	if violated {
		v := domain.Violation{PolicyID: policy.ID, Metric: slo.Metric, Observed: snap.Mean, Threshold: slo.Threshold, At: time.Now()}
		e.mu.Lock()
		e.violating[key] = v
		e.mu.Unlock()

		e.publish(PolicyEvent{Kind: "policyViolation", PolicyID: policy.ID, Metric: slo.Metric, Timestamp: v.At})

		if !e.cfg.DryRun {
			e.executeRemediations(ctx, policy, v)
		}
		return
	}

	if wasViolating {
		e.mu.Lock()
		delete(e.violating, key)
		for kind := range groupKinds(policy.Remediations) {
			if st, ok := e.executions[executionKey(policy.ID, kind)]; ok {
				st.loopCount = 0
				st.circuitOpen = false
			}
		}
		e.mu.Unlock()
		e.publish(PolicyEvent{Kind: "policyRecovery", PolicyID: policy.ID, Metric: slo.Metric, Timestamp: time.Now()})
	}
}

func groupKinds(remediations []domain.Remediation) map[domain.RemediationKind]struct{} {
	out := make(map[domain.RemediationKind]struct{}, len(remediations))
	for _, r := range remediations {
		out[r.Kind] = struct{}{}
	}
	return out
}

func (e *Engine) executeRemediations(ctx context.Context, policy domain.Policy, violation domain.Violation) {
	for _, rem := range policy.Remediations {
		key := executionKey(policy.ID, rem.Kind)

		e.mu.Lock()
		st, ok := e.executions[key]
		if !ok {
			st = &executionState{}
			e.executions[key] = st
		}

		now := time.Now()
		if st.circuitOpen {
			e.mu.Unlock()
			e.publish(PolicyEvent{Kind: "remediationSkipped", PolicyID: policy.ID, Metric: violation.Metric, Timestamp: now,
				Details: map[string]interface{}{"kind": string(rem.Kind), "reason": "loop_detected"}})
			continue
		}
		if now.Before(st.cooldownUntil) {
			e.mu.Unlock()
			e.publish(PolicyEvent{Kind: "remediationSkipped", PolicyID: policy.ID, Metric: violation.Metric, Timestamp: now,
				Details: map[string]interface{}{"kind": string(rem.Kind), "reason": "cooldown"}})
			continue
		}
		if capReached(st.history, rem.MaxPerHour, time.Hour) {
			e.mu.Unlock()
			e.publish(PolicyEvent{Kind: "remediationSkipped", PolicyID: policy.ID, Metric: violation.Metric, Timestamp: now,
				Details: map[string]interface{}{"kind": string(rem.Kind), "reason": "rate_capped"}})
			continue
		}

		st.cooldownUntil = now.Add(time.Duration(rem.CooldownSec) * time.Second)
		st.history = append(st.history, now)
		st.loopCount++
		if st.loopCount >= e.cfg.LoopDetectionWindow {
			st.circuitOpen = true
		}
		e.mu.Unlock()

		action, ok := e.actions[rem.Kind]
		if !ok {
			e.logger.Warn("qos: no remediation action registered", "kind", rem.Kind)
			continue
		}
		if err := action(ctx, policy, violation, rem); err != nil {
			e.logger.Warn("qos: remediation failed", "kind", rem.Kind, "policyId", policy.ID, "error", err)
			continue
		}
		e.publish(PolicyEvent{Kind: "remediationExecuted", PolicyID: policy.ID, Metric: violation.Metric, Timestamp: time.Now(),
			Details: map[string]interface{}{"kind": string(rem.Kind)}})
	}
}

func capReached(history []time.Time, maxPerWindow int, window time.Duration) bool {
	if maxPerWindow <= 0 {
		return false
	}
	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range history {
		if t.After(cutoff) {
			count++
		}
	}
	return count >= maxPerWindow
}

// ActiveViolations implements ports.PolicyEngine.
func (e *Engine) ActiveViolations() []domain.Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Violation, 0, len(e.violating))
	for _, v := range e.violating {
		out = append(out, v)
	}
	return out
}

func (e *Engine) publish(ev PolicyEvent) {
	if e.events == nil {
		return
	}
	e.events.PublishAsync(ev)
}

// Shutdown implements ports.PolicyEngine.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() { close(e.stopCh) })
	return nil
}
