package qos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/pkg/eventbus"
)

// AlertSeverity names how urgently a regression alert should be treated.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one fired threshold crossing against the active baseline.
type Alert struct {
	Metric   string
	Severity AlertSeverity
	Action   string // "rollback" | "monitor"
	Message  string
	At       time.Time
}

// CurrentMetrics is the live snapshot the detector compares to the baseline.
type CurrentMetrics struct {
	Throughput float64
	TTFT       time.Duration
	ErrorRate  float64
	LatencyP95 time.Duration
	LatencyP99 time.Duration
}

// MetricsSource supplies the detector's current-window measurements.
type MetricsSource interface {
	Current() (CurrentMetrics, bool)
}

// RegressionConfig parameterizes check cadence and alert thresholds.
type RegressionConfig struct {
	CheckInterval              time.Duration
	ThroughputDropPercent      float64
	TTFTIncreasePercent        float64
	ErrorRatePercent           float64
	P99LatencyIncreasePercent  float64
	AutoRollbackEnabled        bool
	AutoRollbackOnCriticalOnly bool
	HistoryLimit               int
}

// RegressionEvent is published for each regression check and any resulting
// rollback decision.
type RegressionEvent struct {
	Kind      string // "regression" | "rollback"
	Alerts    []Alert
	Current   CurrentMetrics
	Baseline  domain.Baseline
	Reason    string
	Timestamp time.Time
}

// Detector implements ports.RegressionDetector.
type Detector struct {
	cfg    RegressionConfig
	source MetricsSource
	events *eventbus.EventBus[RegressionEvent]
	logger *slog.Logger

	mu       sync.Mutex
	baseline *domain.Baseline
	history  []Alert

	stopCh       chan struct{}
	shutdownOnce sync.Once
}

var _ ports.RegressionDetector = (*Detector)(nil)

// NewDetector constructs a regression detector. source is nil-baseline safe:
// SetBaseline must be called before Start produces any alerts.
func NewDetector(cfg RegressionConfig, source MetricsSource, events *eventbus.EventBus[RegressionEvent], logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Detector{cfg: cfg, source: source, events: events, logger: logger, stopCh: make(chan struct{})}
}

// SetBaseline implements ports.RegressionDetector.
func (d *Detector) SetBaseline(b domain.Baseline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	baseline := b
	d.baseline = &baseline
}

// Start implements ports.RegressionDetector.
func (d *Detector) Start(ctx context.Context) error {
	if d.cfg.CheckInterval <= 0 {
		return nil
	}
	go d.loop(ctx)
	return nil
}

func (d *Detector) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *Detector) check() {
	d.mu.Lock()
	baseline := d.baseline
	d.mu.Unlock()
	if baseline == nil {
		return
	}

	current, ok := d.source.Current()
	if !ok {
		return
	}

	now := time.Now()
	var alerts []Alert

	if baseline.Throughput > 0 {
		drop := (baseline.Throughput - current.Throughput) / baseline.Throughput * 100
		if drop > d.cfg.ThroughputDropPercent {
			alerts = append(alerts, Alert{Metric: "throughput", Severity: SeverityCritical, Action: "rollback", At: now,
				Message: fmt.Sprintf("throughput dropped %.1f%% vs baseline", drop)})
		}
	}
	if baseline.TTFT > 0 {
		inc := (current.TTFT - baseline.TTFT).Seconds() / baseline.TTFT.Seconds() * 100
		if inc > d.cfg.TTFTIncreasePercent {
			alerts = append(alerts, Alert{Metric: "ttft", Severity: SeverityCritical, Action: "rollback", At: now,
				Message: fmt.Sprintf("time-to-first-token increased %.1f%% vs baseline", inc)})
		}
	}
	if current.ErrorRate > d.cfg.ErrorRatePercent {
		alerts = append(alerts, Alert{Metric: "errorRate", Severity: SeverityCritical, Action: "rollback", At: now,
			Message: fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", current.ErrorRate, d.cfg.ErrorRatePercent)})
	}
	if baseline.LatencyP99 > 0 {
		inc := (current.LatencyP99 - baseline.LatencyP99).Seconds() / baseline.LatencyP99.Seconds() * 100
		if inc > d.cfg.P99LatencyIncreasePercent {
			alerts = append(alerts, Alert{Metric: "latencyP99", Severity: SeverityWarning, Action: "monitor", At: now,
				Message: fmt.Sprintf("p99 latency increased %.1f%% vs baseline", inc)})
		}
	}

	if len(alerts) == 0 {
		return
	}

	d.mu.Lock()
	d.history = append(d.history, alerts...)
	if over := len(d.history) - d.cfg.HistoryLimit; over > 0 {
		d.history = d.history[over:]
	}
	d.mu.Unlock()

	d.publish(RegressionEvent{Kind: "regression", Alerts: alerts, Current: current, Baseline: *baseline, Timestamp: now})

	if d.cfg.AutoRollbackEnabled {
		hasCritical := false
		for _, a := range alerts {
			if a.Severity == SeverityCritical {
				hasCritical = true
				break
			}
		}
		if hasCritical || !d.cfg.AutoRollbackOnCriticalOnly {
			d.publish(RegressionEvent{Kind: "rollback", Alerts: alerts, Current: current, Baseline: *baseline, Timestamp: now,
				Reason: "regression detector: threshold crossed"})
		}
	}
}

// History returns the most recent alerts, bounded to HistoryLimit.
func (d *Detector) History() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Alert{}, d.history...)
}

func (d *Detector) publish(ev RegressionEvent) {
	if d.events == nil {
		return
	}
	d.events.PublishAsync(ev)
}

// Shutdown implements ports.RegressionDetector.
func (d *Detector) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() { close(d.stopCh) })
	return nil
}
