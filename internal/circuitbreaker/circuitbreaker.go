// Package circuitbreaker implements the closed/open/half-open state machine
// that gates calls to a worker behind a rolling failure window.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/pkg/eventbus"
)

// Config parameterizes a single breaker instance.
type Config struct {
	Name                     string
	FailureThreshold         int
	RecoveryTimeout          time.Duration
	HalfOpenMaxCalls         int
	HalfOpenSuccessThreshold int
	FailureWindow            time.Duration
}

// StateChange is the event payload emitted on every transition.
type StateChange struct {
	Previous     domain.CircuitState
	Next         domain.CircuitState
	Reason       string
	FailureCount int
	Timestamp    time.Time
}

// Breaker is one named circuit breaker instance.
type Breaker struct {
	cfg    Config
	events *eventbus.EventBus[StateChange]

	mu                sync.Mutex
	state             domain.CircuitState
	failureTimestamps []time.Time
	halfOpenAttempts  int
	halfOpenSuccesses int
	openedAt          time.Time
	recoveryTimer     *time.Timer
	shutdown          bool
}

// New constructs a closed breaker. events may be nil, in which case state
// changes are not published.
func New(cfg Config, events *eventbus.EventBus[StateChange]) *Breaker {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 1
	}
	return &Breaker{
		cfg:    cfg,
		events: events,
		state:  domain.CircuitClosed,
	}
}

// Execute runs op under the breaker's gating policy.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitOpen:
		elapsed := time.Since(b.openedAt)
		retryAfter := b.cfg.RecoveryTimeout - elapsed
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &domain.CircuitOpenError{Name: b.cfg.Name, RetryAfterMs: retryAfter.Milliseconds()}
	case domain.CircuitHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxCalls {
			return &domain.CircuitOpenError{Name: b.cfg.Name, RetryAfterMs: 0}
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	switch b.state {
	case domain.CircuitClosed:
		b.failureTimestamps = b.failureTimestamps[:0]
		b.mu.Unlock()
		return
	case domain.CircuitHalfOpen:
		// halfOpenAttempts counts half-open probes still in flight.
		if b.halfOpenAttempts > 0 {
			b.halfOpenAttempts--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.transitionLocked(domain.CircuitClosed, "half_open_recovered", 0)
		}
	}
	b.mu.Unlock()
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	now := time.Now()
	b.failureTimestamps = append(b.failureTimestamps, now)
	b.failureTimestamps = pruneOlderThan(b.failureTimestamps, now.Add(-b.cfg.FailureWindow))

	switch b.state {
	case domain.CircuitHalfOpen:
		b.transitionLocked(domain.CircuitOpen, "half_open_probe_failed", len(b.failureTimestamps))
	case domain.CircuitClosed:
		if len(b.failureTimestamps) >= b.cfg.FailureThreshold {
			b.transitionLocked(domain.CircuitOpen, "failure_threshold_exceeded", len(b.failureTimestamps))
		}
	}
	b.mu.Unlock()
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(next domain.CircuitState, reason string, failureCount int) {
	previous := b.state
	b.state = next

	switch next {
	case domain.CircuitOpen:
		b.openedAt = time.Now()
		b.halfOpenAttempts = 0
		b.halfOpenSuccesses = 0
		b.scheduleRecoveryLocked()
	case domain.CircuitHalfOpen:
		b.halfOpenAttempts = 0
		b.halfOpenSuccesses = 0
	case domain.CircuitClosed:
		b.failureTimestamps = b.failureTimestamps[:0]
		b.halfOpenAttempts = 0
		b.halfOpenSuccesses = 0
	}

	b.publish(StateChange{
		Previous:     previous,
		Next:         next,
		Reason:       reason,
		FailureCount: failureCount,
		Timestamp:    time.Now(),
	})
}

func (b *Breaker) scheduleRecoveryLocked() {
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
	}
	b.recoveryTimer = time.AfterFunc(b.cfg.RecoveryTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.shutdown || b.state != domain.CircuitOpen {
			return
		}
		b.transitionLocked(domain.CircuitHalfOpen, "recovery_timeout_elapsed", len(b.failureTimestamps))
	})
}

func (b *Breaker) publish(change StateChange) {
	if b.events == nil {
		return
	}
	b.events.PublishAsync(change)
}

// State returns the breaker's current state.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's full externally-observable state.
func (b *Breaker) Snapshot() domain.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.CircuitSnapshot{
		Name:              b.cfg.Name,
		State:             b.state,
		FailuresInWindow:  len(b.failureTimestamps),
		HalfOpenAttempts:  b.halfOpenAttempts,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		OpenedAt:          b.openedAt,
		ChangedAt:         time.Now(),
	}
}

// Reset clears failure history and forces the closed state administratively.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(domain.CircuitClosed, "manual_reset", 0)
}

// ForceOpen administratively opens the breaker.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(domain.CircuitOpen, "forced_open", len(b.failureTimestamps))
}

// ForceClose administratively closes the breaker.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(domain.CircuitClosed, "forced_closed", 0)
}

// Shutdown stops the recovery timer so it cannot fire after the breaker is discarded.
func (b *Breaker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	if b.recoveryTimer != nil {
		b.recoveryTimer.Stop()
	}
}

func pruneOlderThan(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
