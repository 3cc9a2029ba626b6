package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/pkg/pool"
)

// Dispatcher issues the generate RPC for one stream, either directly at a
// worker or through a configured Request Batcher. Chunks are delivered
// asynchronously afterwards via Registry.Dispatch, not as a return value.
type Dispatcher interface {
	Dispatch(ctx context.Context, streamID string, params ports.GenerateParams) error
}

// DispatcherFunc adapts a plain function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, streamID string, params ports.GenerateParams) error

func (f DispatcherFunc) Dispatch(ctx context.Context, streamID string, params ports.GenerateParams) error {
	return f(ctx, streamID, params)
}

// Hooks are optional per-generator telemetry callbacks.
type Hooks struct {
	OnTokenGenerated    func(domain.GeneratorChunk)
	OnGenerationComplete func(domain.GenerationStats)
	OnError             func(error)
}

// Factory implements ports.GeneratorFactory.
type Factory struct {
	cfg        Config
	registry   *Registry
	dispatcher Dispatcher
	queues     *pool.Pool[*chunkQueue]
	hooks      Hooks
	logger     *slog.Logger
}

var _ ports.GeneratorFactory = (*Factory)(nil)

// NewFactory constructs a factory backed by registry for stream bookkeeping
// and dispatcher for issuing the generate RPC.
func NewFactory(cfg Config, registry *Registry, dispatcher Dispatcher, hooks Hooks, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 64
	}
	if cfg.MaxPooledQueues <= 0 {
		cfg.MaxPooledQueues = 128
	}
	return &Factory{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		queues:     newQueuePool(cfg.HighWaterMark, cfg.MaxPooledQueues),
		hooks:      hooks,
		logger:     logger,
	}
}

type generator struct {
	factory  *Factory
	streamID string
	queue    *chunkQueue
	cancel   context.CancelFunc

	startedAt       time.Time
	gotFirstToken   bool
	tokensGenerated int
	finished        bool // Next has reported done; the queue is released

	releaseOnce sync.Once
}

var _ ports.Generator = (*generator)(nil)

// CreateGenerator implements ports.GeneratorFactory: it acquires a queue,
// registers the stream, and dispatches the generate RPC. If dispatch fails
// synchronously the stream is cancelled, the queue is failed, and the queue
// is released before returning the error.
func (f *Factory) CreateGenerator(ctx context.Context, params ports.GenerateParams) (ports.Generator, error) {
	q := f.queues.Get()

	genCtx, cancel := context.WithCancel(ctx)
	f.registry.Register(params.StreamID, cancel, params.Timeout)
	f.registry.attachQueue(params.StreamID, q)

	g := &generator{
		factory:   f,
		streamID:  params.StreamID,
		queue:     q,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	if err := f.dispatcher.Dispatch(genCtx, params.StreamID, params); err != nil {
		f.registry.finish(params.StreamID, domain.OutcomeErrored, err)
		g.release()
		cancel()
		if f.hooks.OnError != nil {
			f.hooks.OnError(err)
		}
		return nil, domain.NewRuntimeError("", "dispatch_generate", err)
	}

	return g, nil
}

// Next implements ports.Generator. It returns (chunk, false, nil) for each
// yielded chunk, (zero, true, nil) once the sequence is exhausted, or
// (zero, true, err) on the stream's single terminal error.
func (g *generator) Next(ctx context.Context) (domain.GeneratorChunk, bool, error) {
	if g.finished {
		// The released queue was reset by the pool and may be in use by
		// another stream, so it is not read again.
		return domain.GeneratorChunk{}, true, nil
	}
	select {
	case chunk, ok := <-g.queue.ch:
		if !ok {
			g.finished = true
			g.release()
			if g.factory.hooks.OnGenerationComplete != nil {
				g.factory.hooks.OnGenerationComplete(g.synthesizeStats())
			}
			return domain.GeneratorChunk{}, true, nil
		}

		if chunk.Kind == domain.ChunkError {
			g.finished = true
			g.release()
			if g.factory.hooks.OnError != nil {
				g.factory.hooks.OnError(chunk.Err)
			}
			return domain.GeneratorChunk{}, true, chunk.Err
		}

		if chunk.Kind == domain.ChunkToken {
			g.tokensGenerated++
			if !g.gotFirstToken {
				g.gotFirstToken = true
			}
			if g.factory.hooks.OnTokenGenerated != nil {
				g.factory.hooks.OnTokenGenerated(chunk)
			}
		}

		if chunk.Kind == domain.ChunkMetadata && chunk.Stats.TokensGenerated == 0 && chunk.Stats.TotalTime == 0 {
			chunk.Stats = g.synthesizeStats()
		}

		return chunk, false, nil

	case <-ctx.Done():
		return domain.GeneratorChunk{}, false, ctx.Err()
	}
}

// Return implements ports.Generator: cancel the stream if still active,
// then release the queue.
func (g *generator) Return() error {
	_ = g.factory.registry.Cancel(g.streamID)
	g.release()
	return nil
}

// Throw implements ports.Generator: fail the stream, release, and
// propagate the error back to the caller.
func (g *generator) Throw(err error) error {
	g.factory.registry.finish(g.streamID, domain.OutcomeErrored, err)
	g.cancel()
	g.release()
	return err
}

func (g *generator) release() {
	g.releaseOnce.Do(func() {
		release(g.factory.queues, g.queue)
	})
}

func (g *generator) synthesizeStats() domain.GenerationStats {
	elapsed := time.Since(g.startedAt)
	stats := domain.GenerationStats{TokensGenerated: g.tokensGenerated, TotalTime: elapsed}
	if elapsed > 0 {
		stats.TokensPerSecond = float64(g.tokensGenerated) / elapsed.Seconds()
	}
	return stats
}
