package config

import "time"

// Config holds all configuration for the control plane.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	WorkerPool    WorkerPoolConfig    `yaml:"worker_pool"`
	Router        RouterConfig        `yaml:"router"`
	ConnPool      ConnPoolConfig      `yaml:"connection_pool"`
	ArtifactCache ArtifactCacheConfig `yaml:"artifact_cache"`
	ModelManager  ModelManagerConfig  `yaml:"model_manager"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Batcher       BatcherConfig       `yaml:"batcher"`
	PromptCache   PromptCacheConfig   `yaml:"prompt_cache"`
	QoS           QoSConfig           `yaml:"qos"`
	RollingRestart RollingRestartConfig `yaml:"rolling_restart"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Transport     TransportConfig     `yaml:"transport"`
	Engineering   EngineeringConfig   `yaml:"engineering"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Theme      string `yaml:"theme"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}

// WorkerPoolConfig configures the Worker Pool Manager (§4.4).
type WorkerPoolConfig struct {
	WorkerCount         int           `yaml:"worker_count"`
	WorkerBinary        string        `yaml:"worker_binary"`
	MaxRestarts         int           `yaml:"max_restarts"`
	StartupTimeout      time.Duration `yaml:"startup_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
}

// RouterConfig configures the Runtime Router (§4.4).
type RouterConfig struct {
	Strategy string `yaml:"strategy"` // round-robin | least-busy
}

// ConnPoolConfig configures the Connection/Session Pool (§4.3).
type ConnPoolConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MinConnections      int           `yaml:"min_connections"`
	MaxConnections      int           `yaml:"max_connections"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	WarmupOnStart       bool          `yaml:"warmup_on_start"`
}

// ArtifactCacheConfig configures the Model Artifact Cache (§4.2).
type ArtifactCacheConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CacheDir          string `yaml:"cache_dir"`
	MaxSize           string `yaml:"max_size"` // parsed with docker/go-units, e.g. "50GB"
	MaxAgeDays        int    `yaml:"max_age_days"`
	EvictionPolicy    string `yaml:"eviction_policy"`
	ValidateOnStartup bool   `yaml:"validate_on_startup"`
}

// ModelManagerConfig configures the Model Manager (§4.6).
type ModelManagerConfig struct {
	MaxLoadedModels int           `yaml:"max_loaded_models"`
	MaxCachedModels int           `yaml:"max_cached_models"`
	MemoryCacheOn   bool          `yaml:"memory_cache_on"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
}

// StreamingConfig configures the Streaming Generator Pipeline (§4.7).
type StreamingConfig struct {
	HighWaterMark   int           `yaml:"high_water_mark"`
	MaxPooledQueues int           `yaml:"max_pooled_queues"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
}

// BatcherConfig configures the Request Batcher + Adaptive Controller (§4.8).
type BatcherConfig struct {
	MaxBatchSize     int           `yaml:"max_batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	MinBatchSize     int           `yaml:"min_batch_size"`
	DefaultBatchSize int           `yaml:"default_batch_size"`
	UpdateInterval   time.Duration `yaml:"update_interval"`
}

// PromptCacheConfig configures the optional Prompt Result Cache (§4.9).
type PromptCacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxEntries     int           `yaml:"max_entries"`
	MaxTotalTokens int64         `yaml:"max_total_tokens"`
	MaxTotalBytes  int64         `yaml:"max_total_bytes"`
	TTL            time.Duration `yaml:"ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	PersistPath    string        `yaml:"persist_path"`
}

// QoSConfig configures the QoS Engine + Regression Detector (§4.10).
type QoSConfig struct {
	EvalInterval        time.Duration       `yaml:"eval_interval"`
	DryRun              bool                `yaml:"dry_run"`
	LoopDetectionWindow int                 `yaml:"loop_detection_window"`
	Compression         int                 `yaml:"compression"`
	MinSamples          int                 `yaml:"min_samples"`
	ThrottleBaselineRPS float64             `yaml:"throttle_baseline_rps"`
	ThrottleBurst       int                 `yaml:"throttle_burst"`
	Regression          RegressionConfig    `yaml:"regression"`
	Policies            []PolicyConfig      `yaml:"policies"`
}

// RegressionConfig configures the regression detector's thresholds.
type RegressionConfig struct {
	CheckInterval              time.Duration `yaml:"check_interval"`
	ThroughputDropPercent      float64       `yaml:"throughput_drop_percent"`
	TTFTIncreasePercent        float64       `yaml:"ttft_increase_percent"`
	ErrorRatePercent           float64       `yaml:"error_rate_percent"`
	P99LatencyIncreasePercent  float64       `yaml:"p99_latency_increase_percent"`
	AutoRollbackEnabled        bool          `yaml:"auto_rollback_enabled"`
	AutoRollbackOnCriticalOnly bool          `yaml:"auto_rollback_on_critical_only"`
	HistoryLimit               int           `yaml:"history_limit"`
}

// PolicyConfig is one loaded QoS policy: an SLO set plus its remediations.
type PolicyConfig struct {
	ID           string                 `yaml:"id"`
	Priority     int                    `yaml:"priority"`
	Enabled      bool                   `yaml:"enabled"`
	SLOs         []SLOConfig            `yaml:"slos"`
	Remediations []RemediationConfig    `yaml:"remediations"`
}

// SLOConfig is one SLO evaluated against a windowed metric.
type SLOConfig struct {
	Metric     string  `yaml:"metric"`
	Comparator string  `yaml:"comparator"` // lt | gt
	Threshold  float64 `yaml:"threshold"`
}

// RemediationConfig pairs a remediation kind with its cooldown/cap.
type RemediationConfig struct {
	Kind        string `yaml:"kind"` // throttle | drain_worker | restart_model | alert
	CooldownSec int    `yaml:"cooldown_sec"`
	MaxPerHour  int    `yaml:"max_per_hour"`
}

// RollingRestartConfig configures the Rolling Restart Coordinator (§4.5).
type RollingRestartConfig struct {
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	PreflightTimeout  time.Duration `yaml:"preflight_timeout"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	MinActiveWorkers  int           `yaml:"min_active_workers"`
	MaxReplayAttempts int           `yaml:"max_replay_attempts"`
	DrainPollInterval time.Duration `yaml:"drain_poll_interval"`
}

// CircuitBreakerConfig configures the default Circuit Breaker (§4.1).
type CircuitBreakerConfig struct {
	FailureThreshold         int           `yaml:"failure_threshold"`
	RecoveryTimeout          time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls         int           `yaml:"half_open_max_calls"`
	HalfOpenSuccessThreshold int           `yaml:"half_open_success_threshold"`
	FailureWindow            time.Duration `yaml:"failure_window"`
}

// TransportConfig configures the worker JSON-RPC transport (§6).
type TransportConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxLineBytes   int           `yaml:"max_line_bytes"`
	MaxPending     int           `yaml:"max_pending"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats bool `yaml:"show_nerdstats"`
}
