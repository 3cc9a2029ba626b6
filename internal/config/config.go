package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// DefaultFileWriteDelay gives fsnotify time to settle before reloading,
	// since a write can fire the event before the file is fully flushed.
	DefaultFileWriteDelay = 150 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults for every
// subsystem.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Theme:      "default",
			PrettyLogs: true,
		},
		WorkerPool: WorkerPoolConfig{
			WorkerCount:         4,
			WorkerBinary:        "",
			MaxRestarts:         5,
			StartupTimeout:      30 * time.Second,
			ShutdownTimeout:     10 * time.Second,
			RestartDelay:        time.Second,
			HealthCheckInterval: 5 * time.Second,
			HeartbeatTimeout:    15 * time.Second,
		},
		Router: RouterConfig{
			Strategy: "least-busy",
		},
		ConnPool: ConnPoolConfig{
			Enabled:             true,
			MinConnections:      1,
			MaxConnections:      8,
			AcquireTimeout:      5 * time.Second,
			IdleTimeout:         5 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
			WarmupOnStart:       true,
		},
		ArtifactCache: ArtifactCacheConfig{
			Enabled:           true,
			CacheDir:          "./cache/artifacts",
			MaxSize:           "50GB",
			MaxAgeDays:        30,
			EvictionPolicy:    "lru",
			ValidateOnStartup: false,
		},
		ModelManager: ModelManagerConfig{
			MaxLoadedModels: 2,
			MaxCachedModels: 6,
			MemoryCacheOn:   true,
			LoadTimeout:     5 * time.Minute,
		},
		Streaming: StreamingConfig{
			HighWaterMark:   256,
			MaxPooledQueues: 128,
			DefaultTimeout:  10 * time.Minute,
		},
		Batcher: BatcherConfig{
			MaxBatchSize:     32,
			FlushInterval:    20 * time.Millisecond,
			DispatchTimeout:  30 * time.Second,
			MinBatchSize:     1,
			DefaultBatchSize: 8,
			UpdateInterval:   2 * time.Second,
		},
		PromptCache: PromptCacheConfig{
			Enabled:        false,
			MaxEntries:     10000,
			MaxTotalTokens: 50_000_000,
			MaxTotalBytes:  1 << 30,
			TTL:            time.Hour,
			SweepInterval:  time.Minute,
			PersistPath:    "",
		},
		QoS: QoSConfig{
			EvalInterval:        5 * time.Second,
			DryRun:              false,
			LoopDetectionWindow: 5,
			Compression:         100,
			MinSamples:          20,
			ThrottleBaselineRPS: 50,
			ThrottleBurst:       10,
			Regression: RegressionConfig{
				CheckInterval:              30 * time.Second,
				ThroughputDropPercent:      30,
				TTFTIncreasePercent:        50,
				ErrorRatePercent:           5,
				P99LatencyIncreasePercent:  75,
				AutoRollbackEnabled:        true,
				AutoRollbackOnCriticalOnly: true,
				HistoryLimit:               50,
			},
			Policies: []PolicyConfig{},
		},
		RollingRestart: RollingRestartConfig{
			DrainTimeout:      30 * time.Second,
			PreflightTimeout:  5 * time.Second,
			WatchdogInterval:  2 * time.Second,
			MinActiveWorkers:  1,
			MaxReplayAttempts: 3,
			DrainPollInterval: 250 * time.Millisecond,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:         5,
			RecoveryTimeout:          30 * time.Second,
			HalfOpenMaxCalls:         3,
			HalfOpenSuccessThreshold: 2,
			FailureWindow:            time.Minute,
		},
		Transport: TransportConfig{
			DefaultTimeout: 5 * time.Minute,
			MaxLineBytes:   16 << 20,
			MaxPending:     256,
		},
		Engineering: EngineeringConfig{
			ShowNerdStats: false,
		},
	}
}

// Load loads configuration from file and environment variables, watching
// the config file for changes and invoking onConfigChange (if non-nil)
// after each reload settles.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("conduit")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("CONDUIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("CONDUIT_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}

// ArtifactCacheMaxSizeBytes parses the human-readable ArtifactCache.MaxSize
// (e.g. "50GB") into bytes for artifactcache.Config.
func ArtifactCacheMaxSizeBytes(cfg ArtifactCacheConfig) (int64, error) {
	if cfg.MaxSize == "" {
		return 0, nil
	}
	return units.FromHumanSize(cfg.MaxSize)
}
