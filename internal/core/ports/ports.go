// Package ports declares the interfaces subsystems use to talk to each
// other. Cross-component references are always by id through one of
// these interfaces, never a shared mutable struct (see domain design
// notes on cyclic references).
package ports

import (
	"context"
	"time"

	"github.com/veyra/conduit/internal/core/domain"
)

// Transport is the thin contract over the worker's line-framed JSON-RPC 2.0
// pipe. Implementations own framing, timeouts, and notification fan-out;
// callers never see raw bytes.
type Transport interface {
	// Call issues a request and blocks for its response, honoring ctx
	// cancellation and the transport's configured default timeout.
	Call(ctx context.Context, method string, params interface{}, result interface{}) error
	// Notify sends a one-way message with no response expected.
	Notify(ctx context.Context, method string, params interface{}) error
	// Subscribe registers a handler for a worker-emitted notification
	// method (e.g. "stream.chunk"); returns an unsubscribe func.
	Subscribe(method string, handler func(raw []byte)) (unsubscribe func())
	Close() error
}

// CircuitBreaker gates a single operation behind a failure-window state machine.
type CircuitBreaker interface {
	Execute(ctx context.Context, op func(ctx context.Context) error) error
	State() domain.CircuitState
	Snapshot() domain.CircuitSnapshot
	Reset()
	ForceOpen()
	ForceClose()
}

// ArtifactCache is the content-addressed, size-bounded on-disk model artifact store.
type ArtifactCache interface {
	Lookup(ctx context.Context, desc domain.ModelDescriptor, opts domain.LoadOptions) (LookupResult, error)
	Store(ctx context.Context, desc domain.ModelDescriptor, opts domain.LoadOptions, sourcePath string, metadata map[string]string) (*domain.ArtifactEntry, error)
	EvictIfNeeded(ctx context.Context) error
	Validate(ctx context.Context) (removed int, err error)
	GetHealth() ArtifactCacheHealth
}

// LookupResult is the outcome of an ArtifactCache.Lookup call.
type LookupResult struct {
	Hit          bool
	Entry        *domain.ArtifactEntry
	ArtifactPath string
	LookupTime   time.Duration
}

// ArtifactCacheHealth is the response shape of ArtifactCache.GetHealth.
type ArtifactCacheHealth struct {
	Healthy          bool
	SizeBytes        int64
	EntryCount       int
	HitRate          float64
	NearLimit        bool
	CorruptedEntries int
}

// Connection is a single pooled IPC connection handed to a caller by ConnectionPool.
type Connection interface {
	ID() string
	WorkerID() string
	Transport() Transport
	State() domain.ConnectionState
}

// ConnectionPool manages a warmed set of persistent worker connections.
type ConnectionPool interface {
	Acquire(ctx context.Context) (Connection, error)
	Release(conn Connection)
	Stats() ConnectionPoolStats
	Shutdown(ctx context.Context) error
}

// ConnectionPoolStats reports the pool's runtime statistics.
type ConnectionPoolStats struct {
	Size             int
	Acquired         int
	ReuseRate        float64
	AvgAcquireTime   time.Duration
	TotalReleases    int64
	WaitersQueued    int
}

// WorkerPoolManager owns worker process lifecycle: spawn, heartbeat, restart.
type WorkerPoolManager interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Workers() []domain.WorkerState
	MarkWorkerBusy(workerID string) error
	MarkWorkerIdle(workerID string) error
	RestartWorker(ctx context.Context, workerID string) error
}

// RuntimeRouter selects a worker for a request, honoring sticky sessions.
type RuntimeRouter interface {
	Route(streamID string) (domain.Snapshot, error)
	Register(snap domain.Snapshot)
	Unregister(workerID string)
	UpdateSnapshot(snap domain.Snapshot)
}

// RollingRestartCoordinator drives the drain -> verify -> swap upgrade sequence.
type RollingRestartCoordinator interface {
	Start(ctx context.Context) error
	Status() RollingRestartStatus
}

// RollingRestartStatus is the coordinator's externally observable phase.
type RollingRestartStatus struct {
	Phase         string
	CurrentWorker string
	Completed     int
	Total         int
	LastError     error
}

// ModelManager owns model load/unload with inflight dedup and an LRU of handles.
type ModelManager interface {
	LoadModel(ctx context.Context, opts domain.LoadOptions) (*domain.ModelHandle, error)
	UnloadModel(ctx context.Context, variantKey string) error
	CheckDraft(ctx context.Context, primaryID, draftID string) (*domain.DraftCompatibility, error)
	Tokenize(ctx context.Context, modelID string, req domain.TokenizeRequest) (domain.TokenizeResult, error)
	Handle(variantKey string) (*domain.ModelHandle, bool)
	Warmup(ctx context.Context, variants []domain.LoadOptions) error
}

// StreamRegistry tracks in-flight generation streams and demultiplexes
// worker notifications to them by stream id.
type StreamRegistry interface {
	Register(streamID string, cancel context.CancelFunc, timeout time.Duration) *domain.StreamRecord
	Dispatch(streamID string, chunk domain.GeneratorChunk)
	Cancel(streamID string) error
	Complete(streamID string, outcome domain.StreamOutcome)
	Lookup(streamID string) (*domain.StreamRecord, bool)
}

// Generator is the lazy finite async sequence of chunks returned by GeneratorFactory.
type Generator interface {
	Next(ctx context.Context) (domain.GeneratorChunk, bool, error)
	Return() error
	Throw(err error) error
}

// GenerateParams parameterizes GeneratorFactory.CreateGenerator.
type GenerateParams struct {
	StreamID           string
	ModelID            string
	Prompt             string
	Streaming          bool
	MaxTokens          int
	Temperature        float64
	TopP               float64
	StopSequences      []string
	Seed               int64
	DraftModelID       string
	Priority           int
	Timeout            time.Duration
}

// GeneratorFactory creates per-stream bounded, pooled chunk queues.
type GeneratorFactory interface {
	CreateGenerator(ctx context.Context, params GenerateParams) (Generator, error)
}

// BatchResolver is settled exactly once with the result of one coalesced call.
type BatchResolver interface {
	Resolve(result interface{})
	Reject(err error)
}

// RequestBatcher coalesces small fan-in calls into batched RPCs.
type RequestBatcher interface {
	Enqueue(ctx context.Context, method string, modelID string, request interface{}) (interface{}, error)
	Flush(method, modelID string)
}

// AdaptiveController adjusts batch size from latency feedback.
type AdaptiveController interface {
	RecordSample(latency time.Duration, batchSize int)
	CurrentSize() int
}

// PromptCache is the optional LRU+TTL cache of completed generation responses.
type PromptCache interface {
	Get(ctx context.Context, fingerprint string) (interface{}, bool)
	Set(ctx context.Context, fingerprint string, value interface{}, tokenCount int) error
}

// MetricsAggregator keeps a sliding window of samples per metric name and
// computes quantiles by sorting that window; it keeps no streaming sketch.
type MetricsAggregator interface {
	Record(sample domain.MetricSample)
	Snapshot(metric string) (AggregateSnapshot, bool)
}

// AggregateSnapshot is the periodic emission of MetricsAggregator.
type AggregateSnapshot struct {
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	Median float64
	P50    float64
	P95    float64
	P99    float64
	StdDev float64
}

// PolicyEngine periodically evaluates QoS policies and triggers remediation.
type PolicyEngine interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ActiveViolations() []domain.Violation
}

// RegressionDetector compares current metrics against a baseline.
type RegressionDetector interface {
	SetBaseline(b domain.Baseline)
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
