package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra/conduit/internal/core/ports"
)

// Recommendation is the worker's adaptive component's response to one
// window of latency/batch-size feedback.
type Recommendation struct {
	RecommendedSize int
	CurrentSize     int
	EMALatency      time.Duration
	Reason          string
}

// Notifier reports a window's averaged feedback to the worker's adaptive
// component and returns its recommendation.
type Notifier interface {
	NotifyWindow(ctx context.Context, avgLatency time.Duration, avgBatchSize float64) (*Recommendation, error)
}

// AdaptiveConfig parameterizes clamping and the feedback cadence.
type AdaptiveConfig struct {
	MinBatchSize     int
	MaxBatchSize     int
	DefaultBatchSize int
	UpdateInterval   time.Duration
}

type sample struct {
	latency   time.Duration
	batchSize int
}

// Controller implements ports.AdaptiveController.
type Controller struct {
	cfg      AdaptiveConfig
	notifier Notifier
	logger   *slog.Logger

	mu              sync.Mutex
	samples         []sample
	currentSize     int
	adjustmentCount int
}

var _ ports.AdaptiveController = (*Controller)(nil)
var _ SizeSource = (*Controller)(nil)

// NewController constructs a controller. notifier may be nil, in which
// case the controller never adjusts away from DefaultBatchSize.
func NewController(cfg AdaptiveConfig, notifier Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 1
	}
	return &Controller{cfg: cfg, notifier: notifier, logger: logger}
}

// RecordSample implements ports.AdaptiveController.
func (c *Controller) RecordSample(latency time.Duration, batchSize int) {
	c.mu.Lock()
	c.samples = append(c.samples, sample{latency: latency, batchSize: batchSize})
	c.mu.Unlock()
}

// CurrentSize implements ports.AdaptiveController and batcher.SizeSource.
func (c *Controller) CurrentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentSize <= 0 {
		return c.cfg.DefaultBatchSize
	}
	return c.currentSize
}

// AdjustmentCount reports how many times a recommendation has been applied.
func (c *Controller) AdjustmentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustmentCount
}

// Start runs the periodic feedback loop until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	if c.cfg.UpdateInterval <= 0 || c.notifier == nil {
		return
	}
	go c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.update(ctx)
		}
	}
}

// Update runs one feedback round synchronously; exported for tests that
// don't want to depend on ticker timing.
func (c *Controller) Update(ctx context.Context) {
	c.update(ctx)
}

func (c *Controller) update(ctx context.Context) {
	if c.notifier == nil {
		return
	}
	c.mu.Lock()
	if len(c.samples) == 0 {
		c.mu.Unlock()
		return
	}
	var totalLatency time.Duration
	var totalSize int
	for _, s := range c.samples {
		totalLatency += s.latency
		totalSize += s.batchSize
	}
	n := len(c.samples)
	avgLatency := totalLatency / time.Duration(n)
	avgSize := float64(totalSize) / float64(n)
	c.samples = c.samples[:0]
	c.mu.Unlock()

	rec, err := c.notifier.NotifyWindow(ctx, avgLatency, avgSize)
	if err != nil {
		c.mu.Lock()
		c.currentSize = c.cfg.DefaultBatchSize
		c.mu.Unlock()
		c.logger.Warn("batcher: adaptive notify failed, falling back to default batch size", "error", err)
		return
	}

	clamped := clamp(rec.RecommendedSize, c.cfg.MinBatchSize, c.cfg.MaxBatchSize)
	c.mu.Lock()
	c.currentSize = clamped
	c.adjustmentCount++
	c.mu.Unlock()
}

func clamp(v, min, max int) int {
	if min > 0 && v < min {
		return min
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
