package qos

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/veyra/conduit/internal/core/domain"
)

// Throttler is the "throttle" remediation: a token-bucket admission limiter
// applied per policy id, tightened each time the remediation fires. Relax
// restores the configured baseline; the policy engine does not call it when
// a policy recovers.
type Throttler struct {
	baseline rate.Limit
	burst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottler constructs a throttler. ratePerSec/burst are the baseline
// admission rate every policy starts at and that Relax restores.
func NewThrottler(ratePerSec float64, burst int) *Throttler {
	return &Throttler{baseline: rate.Limit(ratePerSec), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a request for policyID may proceed right now.
func (t *Throttler) Allow(policyID string) bool {
	return t.limiterFor(policyID).Allow()
}

func (t *Throttler) limiterFor(policyID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[policyID]
	if !ok {
		l = rate.NewLimiter(t.baseline, t.burst)
		t.limiters[policyID] = l
	}
	return l
}

// Remediate implements RemediationFunc: it halves the policy's current
// admission rate, down to a floor of one request per second.
func (t *Throttler) Remediate(ctx context.Context, policy domain.Policy, violation domain.Violation, remediation domain.Remediation) error {
	l := t.limiterFor(policy.ID)
	t.mu.Lock()
	defer t.mu.Unlock()

	current := l.Limit()
	next := current / 2
	if next < 1 {
		next = 1
	}
	l.SetLimit(next)
	return nil
}

// Relax restores policyID's throttle to its configured baseline rate.
func (t *Throttler) Relax(policyID string) {
	t.limiterFor(policyID).SetLimit(t.baseline)
}
