// Package app is the composition root: it reads configuration, builds every
// control-plane subsystem, and wires them together the way main.go expects.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veyra/conduit/internal/artifactcache"
	"github.com/veyra/conduit/internal/batcher"
	"github.com/veyra/conduit/internal/circuitbreaker"
	"github.com/veyra/conduit/internal/config"
	"github.com/veyra/conduit/internal/connpool"
	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/internal/logger"
	"github.com/veyra/conduit/internal/modelmanager"
	"github.com/veyra/conduit/internal/promptcache"
	"github.com/veyra/conduit/internal/qos"
	"github.com/veyra/conduit/internal/rollingrestart"
	"github.com/veyra/conduit/internal/router"
	"github.com/veyra/conduit/internal/runtime"
	"github.com/veyra/conduit/internal/streaming"
	"github.com/veyra/conduit/internal/transport"
	"github.com/veyra/conduit/internal/workerpool"
	"github.com/veyra/conduit/pkg/eventbus"
)

// App owns every subsystem's lifecycle for one control-plane process.
type App struct {
	cfg       *config.Config
	startTime time.Time
	logger    *logger.StyledLogger
	slog      *slog.Logger

	spawner        *runtime.ProcessSpawner
	router         *router.Router
	workerPool     *workerpool.Manager
	restartTarget  *workerpool.RestartTarget
	connPool       *connpool.Pool
	artifactCache  ports.ArtifactCache
	modelManager   *modelmanager.Manager
	streamRegistry *streaming.Registry
	genFactory     *streaming.Factory
	reqBatcher     *batcher.Batcher
	adaptive       *batcher.Controller
	promptCache    *promptcache.Cache
	aggregator     *qos.Aggregator
	policyEngine   *qos.Engine
	detector       *qos.Detector
	throttler      *qos.Throttler
	restarter      *rollingrestart.Coordinator
	breaker        *circuitbreaker.Breaker

	lifecycleEvents *eventbus.EventBus[workerpool.LifecycleEvent]
	restartEvents   *eventbus.EventBus[rollingrestart.Event]
	policyEvents    *eventbus.EventBus[qos.PolicyEvent]
	regressionEvts  *eventbus.EventBus[qos.RegressionEvent]
	breakerEvents   *eventbus.EventBus[circuitbreaker.StateChange]
}

// New loads configuration and constructs every subsystem, wired but not
// yet started.
func New(startTime time.Time, styled *logger.StyledLogger) (*App, error) {
	base := styled.GetUnderlying()

	a := &App{startTime: startTime, logger: styled, slog: base}

	cfg, err := config.Load(a.onConfigChange)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	a.cfg = cfg

	a.lifecycleEvents = eventbus.New[workerpool.LifecycleEvent]()
	a.restartEvents = eventbus.New[rollingrestart.Event]()
	a.policyEvents = eventbus.New[qos.PolicyEvent]()
	a.regressionEvts = eventbus.New[qos.RegressionEvent]()
	a.breakerEvents = eventbus.New[circuitbreaker.StateChange]()

	a.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:                     "worker-rpc",
		FailureThreshold:         cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:          cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxCalls:         cfg.CircuitBreaker.HalfOpenMaxCalls,
		HalfOpenSuccessThreshold: cfg.CircuitBreaker.HalfOpenSuccessThreshold,
		FailureWindow:            cfg.CircuitBreaker.FailureWindow,
	}, a.breakerEvents)

	maxSizeBytes, err := config.ArtifactCacheMaxSizeBytes(cfg.ArtifactCache)
	if err != nil {
		return nil, fmt.Errorf("app: parse artifact cache max size: %w", err)
	}
	artifactCache, err := artifactcache.New(artifactcache.Config{
		Enabled:           cfg.ArtifactCache.Enabled,
		CacheDir:          cfg.ArtifactCache.CacheDir,
		MaxSizeBytes:      maxSizeBytes,
		MaxAgeDays:        cfg.ArtifactCache.MaxAgeDays,
		EvictionPolicy:    cfg.ArtifactCache.EvictionPolicy,
		ValidateOnStartup: cfg.ArtifactCache.ValidateOnStartup,
	}, base)
	if err != nil {
		return nil, fmt.Errorf("app: construct artifact cache: %w", err)
	}
	a.artifactCache = artifactCache

	a.router = router.New(router.Strategy(cfg.Router.Strategy))

	tcfg := transport.Config{
		DefaultTimeout: cfg.Transport.DefaultTimeout,
		MaxLineBytes:   cfg.Transport.MaxLineBytes,
		MaxPending:     cfg.Transport.MaxPending,
	}
	a.spawner = runtime.NewProcessSpawner(cfg.WorkerPool.WorkerBinary, nil, tcfg, "ping", cfg.WorkerPool.StartupTimeout, base)

	a.workerPool = workerpool.New(workerpool.Config{
		WorkerCount:         cfg.WorkerPool.WorkerCount,
		MaxRestarts:         cfg.WorkerPool.MaxRestarts,
		StartupTimeout:      cfg.WorkerPool.StartupTimeout,
		ShutdownTimeout:     cfg.WorkerPool.ShutdownTimeout,
		RestartDelay:        cfg.WorkerPool.RestartDelay,
		HealthCheckInterval: cfg.WorkerPool.HealthCheckInterval,
		HeartbeatTimeout:    cfg.WorkerPool.HeartbeatTimeout,
		RoutingStrategy:     cfg.Router.Strategy,
	}, a.spawner, a.router, a.lifecycleEvents, base)

	a.restartTarget = workerpool.NewRestartTarget(a.workerPool, a.router, a.preflightProbe)

	a.connPool = connpool.New(connpool.Config{
		Enabled:             cfg.ConnPool.Enabled,
		MinConnections:      cfg.ConnPool.MinConnections,
		MaxConnections:      cfg.ConnPool.MaxConnections,
		AcquireTimeout:      cfg.ConnPool.AcquireTimeout,
		IdleTimeout:         cfg.ConnPool.IdleTimeout,
		HealthCheckInterval: cfg.ConnPool.HealthCheckInterval,
		WarmupOnStart:       cfg.ConnPool.WarmupOnStart,
	}, a.dialWorker, a.checkConnHealth, base)

	a.adaptive = batcher.NewController(batcher.AdaptiveConfig{
		MinBatchSize:     cfg.Batcher.MinBatchSize,
		MaxBatchSize:     cfg.Batcher.MaxBatchSize,
		DefaultBatchSize: cfg.Batcher.DefaultBatchSize,
		UpdateInterval:   cfg.Batcher.UpdateInterval,
	}, nil, base)

	a.reqBatcher = batcher.New(batcher.Config{
		MaxBatchSize:    cfg.Batcher.MaxBatchSize,
		FlushInterval:   cfg.Batcher.FlushInterval,
		DispatchTimeout: cfg.Batcher.DispatchTimeout,
	}, newBatchDispatch(a.connPool, a.workerPool), a.adaptive, base)

	if cfg.PromptCache.Enabled {
		promptCache, err := promptcache.New(promptcache.Config{
			MaxEntries:     cfg.PromptCache.MaxEntries,
			MaxTotalTokens: cfg.PromptCache.MaxTotalTokens,
			MaxTotalBytes:  cfg.PromptCache.MaxTotalBytes,
			TTL:            cfg.PromptCache.TTL,
			SweepInterval:  cfg.PromptCache.SweepInterval,
			PersistPath:    cfg.PromptCache.PersistPath,
		}, base)
		if err != nil {
			return nil, fmt.Errorf("app: construct prompt cache: %w", err)
		}
		a.promptCache = promptCache
	}

	// Tokenize and check_draft coalesce through the Request Batcher; load_model
	// and unload_model always dispatch directly (see modelmanager.New's doc).
	a.modelManager = modelmanager.New(modelmanager.Config{
		MaxLoadedModels: cfg.ModelManager.MaxLoadedModels,
		MaxCachedModels: cfg.ModelManager.MaxCachedModels,
		MemoryCacheOn:   cfg.ModelManager.MemoryCacheOn,
		LoadTimeout:     cfg.ModelManager.LoadTimeout,
	}, a.artifactCache, newModelRPC(a.connPool, a.workerPool), a.reqBatcher, base)

	a.streamRegistry = streaming.NewRegistry(streaming.Config{
		HighWaterMark:   cfg.Streaming.HighWaterMark,
		MaxPooledQueues: cfg.Streaming.MaxPooledQueues,
		DefaultTimeout:  cfg.Streaming.DefaultTimeout,
	}, base)

	streamHooks := streaming.Hooks{
		OnGenerationComplete: a.recordGenerationStats,
		OnError:              a.recordGenerationError,
	}
	var promptCachePort ports.PromptCache
	if a.promptCache != nil {
		promptCachePort = a.promptCache
	}
	a.genFactory = streaming.NewFactory(streaming.Config{
		HighWaterMark:   cfg.Streaming.HighWaterMark,
		MaxPooledQueues: cfg.Streaming.MaxPooledQueues,
		DefaultTimeout:  cfg.Streaming.DefaultTimeout,
	}, a.streamRegistry, newStreamDispatch(a.connPool, a.streamRegistry, a.workerPool, promptCachePort, base), streamHooks, base)

	a.aggregator = qos.NewAggregator(qos.AggregatorConfig{
		Compression:            cfg.QoS.Compression,
		MinSamplesForDetection: cfg.QoS.MinSamples,
	})

	a.throttler = qos.NewThrottler(cfg.QoS.ThrottleBaselineRPS, cfg.QoS.ThrottleBurst)

	policies := make([]domain.Policy, 0, len(cfg.QoS.Policies))
	for _, p := range cfg.QoS.Policies {
		policies = append(policies, toDomainPolicy(p))
	}
	a.policyEngine = qos.NewEngine(qos.PolicyConfig{
		EvalInterval:        cfg.QoS.EvalInterval,
		DryRun:              cfg.QoS.DryRun,
		LoopDetectionWindow: cfg.QoS.LoopDetectionWindow,
	}, policies, a.aggregator, remediationActions(a.throttler, a.restartTarget, a.modelManager, base), a.policyEvents, base)

	a.detector = qos.NewDetector(qos.RegressionConfig{
		CheckInterval:              cfg.QoS.Regression.CheckInterval,
		ThroughputDropPercent:      cfg.QoS.Regression.ThroughputDropPercent,
		TTFTIncreasePercent:        cfg.QoS.Regression.TTFTIncreasePercent,
		ErrorRatePercent:           cfg.QoS.Regression.ErrorRatePercent,
		P99LatencyIncreasePercent:  cfg.QoS.Regression.P99LatencyIncreasePercent,
		AutoRollbackEnabled:        cfg.QoS.Regression.AutoRollbackEnabled,
		AutoRollbackOnCriticalOnly: cfg.QoS.Regression.AutoRollbackOnCriticalOnly,
		HistoryLimit:               cfg.QoS.Regression.HistoryLimit,
	}, newAggregatorMetricsSource(a.aggregator), a.regressionEvts, base)

	a.restarter = rollingrestart.New(rollingrestart.Config{
		DrainTimeout:      cfg.RollingRestart.DrainTimeout,
		PreflightTimeout:  cfg.RollingRestart.PreflightTimeout,
		WatchdogInterval:  cfg.RollingRestart.WatchdogInterval,
		MinActiveWorkers:  cfg.RollingRestart.MinActiveWorkers,
		MaxReplayAttempts: cfg.RollingRestart.MaxReplayAttempts,
		DrainPollInterval: cfg.RollingRestart.DrainPollInterval,
	}, a.restartTarget, nil, a.restartEvents, base)

	return a, nil
}

// Start brings up every subsystem in dependency order: worker processes
// first, then the pool and dependents, then the background controllers.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("starting worker pool", "workerCount", a.cfg.WorkerPool.WorkerCount)
	if err := a.workerPool.Start(ctx); err != nil {
		return fmt.Errorf("app: start worker pool: %w", err)
	}

	if err := a.connPool.Start(ctx); err != nil {
		return fmt.Errorf("app: start connection pool: %w", err)
	}

	if len(a.cfg.QoS.Policies) > 0 {
		if err := a.policyEngine.Start(ctx); err != nil {
			return fmt.Errorf("app: start policy engine: %w", err)
		}
	}
	if err := a.detector.Start(ctx); err != nil {
		return fmt.Errorf("app: start regression detector: %w", err)
	}

	a.logger.Info("conduit control plane ready")
	return nil
}

// Stop shuts every subsystem down, worker processes last.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.detector.Shutdown(ctx))
	record(a.policyEngine.Shutdown(ctx))
	if a.promptCache != nil {
		a.promptCache.Shutdown()
	}
	a.breaker.Shutdown()
	record(a.connPool.Shutdown(ctx))

	shutdownCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.WorkerPool.ShutdownTimeout > 0 {
		shutdownCtx, cancel = context.WithTimeout(ctx, a.cfg.WorkerPool.ShutdownTimeout)
		defer cancel()
	}
	record(a.workerPool.Shutdown(shutdownCtx))

	return firstErr
}

func (a *App) onConfigChange() {
	a.logger.Info("configuration reloaded")
}

// preflightProbe is used by RestartTarget during a rolling restart: it
// issues a cheap RPC against the replacement worker's own transport before
// traffic is resumed to it.
func (a *App) preflightProbe(ctx context.Context, workerID string) error {
	t, ok := a.spawner.Transport(workerID)
	if !ok {
		return fmt.Errorf("app: no live transport for worker %s", workerID)
	}
	return t.Call(ctx, "ping", nil, nil)
}

// dialWorker is connpool's Dialer: it asks the Runtime Router for the next
// worker per its configured strategy (round-robin/least-busy, honoring
// sticky sessions), then wraps that worker's already-spawned transport as
// a pooled connection. New connections are not tied to any one stream, so
// they route with an empty stream id.
func (a *App) dialWorker(ctx context.Context) (*connpool.Conn, error) {
	snap, err := a.router.Route("")
	if err != nil {
		return nil, fmt.Errorf("app: select worker to dial: %w", err)
	}
	t, ok := a.spawner.Transport(snap.ID)
	if !ok {
		return nil, fmt.Errorf("app: no live transport for routed worker %s", snap.ID)
	}
	return connpool.NewConn(snap.ID, a.cfg.WorkerPool.WorkerBinary, t), nil
}

// checkConnHealth is connpool's HealthChecker.
func (a *App) checkConnHealth(ctx context.Context, conn *connpool.Conn) error {
	return conn.Transport().Call(ctx, "ping", nil, nil)
}

// recordGenerationStats feeds the QoS Aggregator and Adaptive Controller from
// a completed stream. "latency" carries the P95/P99 the Regression Detector
// compares against baseline; "error_rate" is 0 here and 1 from
// recordGenerationError, so its Mean over the window is the observed rate.
func (a *App) recordGenerationStats(stats domain.GenerationStats) {
	now := time.Now()
	a.aggregator.Record(domain.MetricSample{Metric: "ttft", Value: float64(stats.TimeToFirstToken), Timestamp: now})
	a.aggregator.Record(domain.MetricSample{Metric: "throughput", Value: stats.TokensPerSecond, Timestamp: now})
	a.aggregator.Record(domain.MetricSample{Metric: "latency", Value: float64(stats.TotalTime), Timestamp: now})
	a.aggregator.Record(domain.MetricSample{Metric: "error_rate", Value: 0, Timestamp: now})
	a.adaptive.RecordSample(stats.TotalTime, stats.TokensGenerated)
}

// recordGenerationError is the streaming.Hooks.OnError callback: every
// failed stream counts toward the error_rate window the same way a
// completed one counts toward it at 0.
func (a *App) recordGenerationError(err error) {
	a.aggregator.Record(domain.MetricSample{Metric: "error_rate", Value: 1, Timestamp: time.Now()})
}

func toDomainPolicy(p config.PolicyConfig) domain.Policy {
	slos := make([]domain.SLO, 0, len(p.SLOs))
	for _, s := range p.SLOs {
		slos = append(slos, domain.SLO{
			Metric:     s.Metric,
			Comparator: domain.SLOComparator(s.Comparator),
			Threshold:  s.Threshold,
		})
	}
	remediations := make([]domain.Remediation, 0, len(p.Remediations))
	for _, r := range p.Remediations {
		remediations = append(remediations, domain.Remediation{
			Kind:        domain.RemediationKind(r.Kind),
			CooldownSec: r.CooldownSec,
			MaxPerHour:  r.MaxPerHour,
		})
	}
	return domain.Policy{
		ID:           p.ID,
		Priority:     p.Priority,
		Enabled:      p.Enabled,
		SLOs:         slos,
		Remediations: remediations,
	}
}
