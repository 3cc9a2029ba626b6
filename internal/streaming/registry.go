// Package streaming implements the Stream Registry and Generator Factory
// (§4.7): per-stream cancellation/timeout/notification demux, and a lazy
// finite async sequence of chunks backed by a pooled bounded queue.
package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

// Config parameterizes queue sizing, pooling, and default timeouts.
type Config struct {
	HighWaterMark   int
	MaxPooledQueues int
	DefaultTimeout  time.Duration
}

type trackedStream struct {
	mu        sync.Mutex
	record    *domain.StreamRecord
	queue     *chunkQueue
	timer     *time.Timer
	closeOnce sync.Once
	done      chan struct{}
}

// Registry demultiplexes worker notifications to per-stream queues by
// stream id, and owns each stream's single terminal transition.
type Registry struct {
	cfg     Config
	streams *xsync.Map[string, *trackedStream]
	logger  *slog.Logger
}

var _ ports.StreamRegistry = (*Registry)(nil)

// NewRegistry constructs a registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 64
	}
	return &Registry{
		cfg:     cfg,
		streams: xsync.NewMap[string, *trackedStream](),
		logger:  logger,
	}
}

// Register implements ports.StreamRegistry. It creates a stream record with
// a deadline timer wired to cancel and time out the stream.
func (r *Registry) Register(streamID string, cancel context.CancelFunc, timeout time.Duration) *domain.StreamRecord {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	record := &domain.StreamRecord{StreamID: streamID, Active: true, Cancel: cancel}
	if timeout > 0 {
		record.Deadline = time.Now().Add(timeout)
	}

	ts := &trackedStream{record: record, done: make(chan struct{})}
	r.streams.Store(streamID, ts)

	if timeout > 0 {
		ts.timer = time.AfterFunc(timeout, func() {
			if record.Cancel != nil {
				record.Cancel()
			}
			r.finishWithError(streamID, domain.OutcomeTimedOut, &domain.TimeoutError{Operation: "stream " + streamID, Elapsed: timeout})
		})
	}
	return record
}

// attachQueue is called by the Generator Factory once it has acquired a
// queue for this stream, so Dispatch has somewhere to push chunks.
func (r *Registry) attachQueue(streamID string, q *chunkQueue) {
	ts, ok := r.streams.Load(streamID)
	if !ok {
		return
	}
	ts.mu.Lock()
	ts.queue = q
	ts.mu.Unlock()
}

// Dispatch implements ports.StreamRegistry. Pushing blocks until the queue
// has space (backpressure) or the stream is done.
func (r *Registry) Dispatch(streamID string, chunk domain.GeneratorChunk) {
	ts, ok := r.streams.Load(streamID)
	if !ok {
		return
	}
	ts.mu.Lock()
	q := ts.queue
	ts.mu.Unlock()
	if q == nil {
		return
	}

	select {
	case q.ch <- chunk:
	case <-ts.done:
		return
	}

	switch {
	case chunk.Kind == domain.ChunkError:
		r.finish(streamID, domain.OutcomeErrored, chunk.Err)
	case chunk.IsFinal:
		r.finish(streamID, domain.OutcomeCompleted, nil)
	}
}

// finish is the single terminal transition for a stream: it closes the
// queue (so Next() observes end-of-sequence), stops the deadline timer,
// and evicts the stream from the registry. Double-completion is a no-op.
func (r *Registry) finish(streamID string, outcome domain.StreamOutcome, err error) {
	ts, ok := r.streams.Load(streamID)
	if !ok {
		return
	}

	ts.mu.Lock()
	if !ts.record.Active {
		ts.mu.Unlock()
		return
	}
	ts.record.Active = false
	ts.record.Outcome = outcome
	q := ts.queue
	ts.mu.Unlock()

	ts.closeOnce.Do(func() { close(ts.done) })
	if ts.timer != nil {
		ts.timer.Stop()
	}
	if q != nil {
		close(q.ch)
	}
	if err != nil {
		r.logger.Debug("streaming: stream ended with error", "streamId", streamID, "outcome", outcome, "error", err)
	}
	r.streams.Delete(streamID)
}

// finishWithError is finish, but also delivers err to the consumer as the
// stream's terminal error chunk before closing the queue. Used when the
// registry itself detects the failure (the deadline timer armed in
// Register) rather than relaying a chunk the caller already pushed.
func (r *Registry) finishWithError(streamID string, outcome domain.StreamOutcome, err error) {
	ts, ok := r.streams.Load(streamID)
	if !ok {
		return
	}
	ts.mu.Lock()
	q := ts.queue
	ts.mu.Unlock()

	if q != nil {
		select {
		case q.ch <- domain.GeneratorChunk{Kind: domain.ChunkError, Err: err}:
		default:
		}
	}
	r.finish(streamID, outcome, err)
}

// Cancel implements ports.StreamRegistry.
func (r *Registry) Cancel(streamID string) error {
	ts, ok := r.streams.Load(streamID)
	if !ok {
		return &domain.NotFoundError{Kind: "stream", ID: streamID}
	}
	if ts.record.Cancel != nil {
		ts.record.Cancel()
	}
	r.finish(streamID, domain.OutcomeCancelled, nil)
	return nil
}

// Complete implements ports.StreamRegistry.
func (r *Registry) Complete(streamID string, outcome domain.StreamOutcome) {
	r.finish(streamID, outcome, nil)
}

// Lookup implements ports.StreamRegistry.
func (r *Registry) Lookup(streamID string) (*domain.StreamRecord, bool) {
	ts, ok := r.streams.Load(streamID)
	if !ok {
		return nil, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	rec := *ts.record
	return &rec, true
}
