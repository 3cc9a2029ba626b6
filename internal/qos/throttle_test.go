package qos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
)

func TestThrottler_AllowEnforcesBaselineRate(t *testing.T) {
	throttler := NewThrottler(1, 1)
	assert.True(t, throttler.Allow("p1"))
	assert.False(t, throttler.Allow("p1"))
}

func TestThrottler_RemediateHalvesRateRepeatedlyDownToFloor(t *testing.T) {
	throttler := NewThrottler(10, 10)
	policy := domain.Policy{ID: "p1"}
	violation := domain.Violation{Metric: "errorRate"}
	remediation := domain.Remediation{Kind: domain.RemediationThrottle}

	require.NoError(t, throttler.Remediate(context.Background(), policy, violation, remediation))
	assert.InDelta(t, 5.0, float64(throttler.limiterFor("p1").Limit()), 0.001)

	require.NoError(t, throttler.Remediate(context.Background(), policy, violation, remediation))
	assert.InDelta(t, 2.5, float64(throttler.limiterFor("p1").Limit()), 0.001)

	for i := 0; i < 10; i++ {
		require.NoError(t, throttler.Remediate(context.Background(), policy, violation, remediation))
	}
	assert.InDelta(t, 1.0, float64(throttler.limiterFor("p1").Limit()), 0.001)
}

func TestThrottler_RelaxRestoresBaseline(t *testing.T) {
	throttler := NewThrottler(8, 8)
	policy := domain.Policy{ID: "p1"}
	violation := domain.Violation{Metric: "errorRate"}
	remediation := domain.Remediation{Kind: domain.RemediationThrottle}

	require.NoError(t, throttler.Remediate(context.Background(), policy, violation, remediation))
	assert.InDelta(t, 4.0, float64(throttler.limiterFor("p1").Limit()), 0.001)

	throttler.Relax("p1")
	assert.InDelta(t, 8.0, float64(throttler.limiterFor("p1").Limit()), 0.001)
}

func TestThrottler_PoliciesAreIndependent(t *testing.T) {
	throttler := NewThrottler(10, 10)
	policy := domain.Policy{ID: "p1"}
	violation := domain.Violation{Metric: "errorRate"}
	remediation := domain.Remediation{Kind: domain.RemediationThrottle}

	require.NoError(t, throttler.Remediate(context.Background(), policy, violation, remediation))
	assert.InDelta(t, 5.0, float64(throttler.limiterFor("p1").Limit()), 0.001)
	assert.InDelta(t, 10.0, float64(throttler.limiterFor("p2").Limit()), 0.001)
}
