package domain

import "time"

// SLOComparator is the comparison applied between an observed metric value
// and an SLO's threshold.
type SLOComparator string

const (
	ComparatorLessThan    SLOComparator = "lt"
	ComparatorGreaterThan SLOComparator = "gt"
)

// SLO is a single service-level objective evaluated against a windowed metric.
type SLO struct {
	Metric     string
	Comparator SLOComparator
	Threshold  float64
	WindowSecs int
}

// RemediationKind names one of the actions the QoS executor may take.
type RemediationKind string

const (
	RemediationThrottle     RemediationKind = "throttle"
	RemediationDrainWorker  RemediationKind = "drain_worker"
	RemediationRestartModel RemediationKind = "restart_model"
	RemediationAlert        RemediationKind = "alert"
)

// Remediation pairs a violated SLO with the action to take, subject to a cooldown.
type Remediation struct {
	Kind        RemediationKind
	CooldownSec int
	MaxPerHour  int
}

// Policy groups SLOs and their remediations under a priority, loaded from
// the cluster's policy file.
type Policy struct {
	ID            string
	Priority      int
	Enabled       bool
	SLOs          []SLO
	Remediations  []Remediation
}

// Baseline is the recorded reference point the regression detector compares
// live metrics against.
type Baseline struct {
	Timestamp   time.Time
	Version     string
	Throughput  float64
	TTFT        time.Duration
	ErrorRate   float64
	LatencyP95  time.Duration
	LatencyP99  time.Duration
}

// Violation is emitted when a policy's SLO is breached.
type Violation struct {
	PolicyID  string
	Metric    string
	Observed  float64
	Threshold float64
	At        time.Time
}

// Regression is emitted when the regression detector finds a statistically
// significant degradation versus the active Baseline.
type Regression struct {
	Metric        string
	BaselineValue float64
	CurrentValue  float64
	PercentDelta  float64
	SampleCount   int
	At            time.Time
}
