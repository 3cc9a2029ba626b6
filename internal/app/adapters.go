package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/gjson"

	"github.com/veyra/conduit/internal/batcher"
	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
	"github.com/veyra/conduit/internal/promptcache"
	"github.com/veyra/conduit/internal/streaming"
)

var adaptersJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// cachedGeneration is the value shape stored in the Prompt Result Cache: the
// assembled text of a completed generation plus the number of token chunks
// observed for it, per §4.9.
type cachedGeneration struct {
	Text       string `json:"text"`
	TokenCount int    `json:"tokenCount"`
}

// modelRPC adapts a ports.ConnectionPool to modelmanager.WorkerRPC: each
// call acquires a connection, issues the RPC, and releases it regardless
// of outcome. When workers is set, the connection's owning worker is
// marked busy for the call's duration so the Runtime Router's least-busy
// strategy and the rolling-restart drain check both see live load.
type modelRPC struct {
	pool    ports.ConnectionPool
	workers ports.WorkerPoolManager
}

func newModelRPC(pool ports.ConnectionPool, workers ports.WorkerPoolManager) *modelRPC {
	return &modelRPC{pool: pool, workers: workers}
}

func (r *modelRPC) markBusy(conn ports.Connection) {
	if r.workers == nil {
		return
	}
	_ = r.workers.MarkWorkerBusy(conn.WorkerID())
}

func (r *modelRPC) markIdle(conn ports.Connection) {
	if r.workers == nil {
		return
	}
	_ = r.workers.MarkWorkerIdle(conn.WorkerID())
}

func (r *modelRPC) LoadModel(ctx context.Context, opts domain.LoadOptions) (domain.ModelMetadata, int, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return domain.ModelMetadata{}, 0, fmt.Errorf("app: acquire connection for load_model: %w", err)
	}
	defer r.pool.Release(conn)
	r.markBusy(conn)
	defer r.markIdle(conn)

	var result struct {
		Metadata      domain.ModelMetadata `json:"metadata"`
		ContextLength int                  `json:"contextLength"`
	}
	if err := conn.Transport().Call(ctx, "load_model", opts, &result); err != nil {
		return domain.ModelMetadata{}, 0, err
	}
	return result.Metadata, result.ContextLength, nil
}

func (r *modelRPC) UnloadModel(ctx context.Context, modelID string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("app: acquire connection for unload_model: %w", err)
	}
	defer r.pool.Release(conn)
	r.markBusy(conn)
	defer r.markIdle(conn)
	return conn.Transport().Call(ctx, "unload_model", map[string]string{"modelId": modelID}, nil)
}

func (r *modelRPC) CheckDraft(ctx context.Context, primaryID, draftID string) (*domain.DraftCompatibility, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: acquire connection for check_draft: %w", err)
	}
	defer r.pool.Release(conn)
	r.markBusy(conn)
	defer r.markIdle(conn)

	var compat domain.DraftCompatibility
	params := map[string]string{"primary": primaryID, "draft": draftID}
	if err := conn.Transport().Call(ctx, "check_draft", params, &compat); err != nil {
		return nil, err
	}
	return &compat, nil
}

func (r *modelRPC) Tokenize(ctx context.Context, modelID string, req domain.TokenizeRequest) (domain.TokenizeResult, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return domain.TokenizeResult{}, fmt.Errorf("app: acquire connection for tokenize: %w", err)
	}
	defer r.pool.Release(conn)
	r.markBusy(conn)
	defer r.markIdle(conn)

	var result domain.TokenizeResult
	params := map[string]interface{}{"modelId": modelID, "text": req.Text, "addSpecialTokens": req.AddSpecialTokens}
	if err := conn.Transport().Call(ctx, "tokenize", params, &result); err != nil {
		return domain.TokenizeResult{}, err
	}
	return result, nil
}

// batchDispatch adapts a ports.ConnectionPool to batcher.Dispatcher.
type batchDispatch struct {
	pool    ports.ConnectionPool
	workers ports.WorkerPoolManager
}

func newBatchDispatch(pool ports.ConnectionPool, workers ports.WorkerPoolManager) *batchDispatch {
	return &batchDispatch{pool: pool, workers: workers}
}

func (d *batchDispatch) DispatchBatch(ctx context.Context, method, modelID string, requests []interface{}) ([]batcher.BatchItemResult, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: acquire connection for batch_%s: %w", method, err)
	}
	defer d.pool.Release(conn)
	if d.workers != nil {
		_ = d.workers.MarkWorkerBusy(conn.WorkerID())
		defer func() { _ = d.workers.MarkWorkerIdle(conn.WorkerID()) }()
	}

	params := map[string]interface{}{"modelId": modelID, "requests": requests}

	var wire []struct {
		Success bool        `json:"success"`
		Result  interface{} `json:"result"`
		Error   string      `json:"error"`
	}
	if err := conn.Transport().Call(ctx, "batch_"+method, params, &wire); err != nil {
		return nil, err
	}

	results := make([]batcher.BatchItemResult, len(wire))
	for i, item := range wire {
		results[i] = batcher.BatchItemResult{Success: item.Success, Result: item.Result}
		if !item.Success {
			results[i].Err = fmt.Errorf("%s", item.Error)
		}
	}
	return results, nil
}

// pendingPromptCache tracks an in-flight generate stream's cache fingerprint
// and observed token count so its final cumulative text can be stored once
// the stream completes.
type pendingPromptCache struct {
	fingerprint string
	tokenCount  int
	text        string
}

// streamDispatch adapts a ports.ConnectionPool and streaming.Registry to
// streaming.Dispatcher: it acquires a connection per stream, subscribes to
// that connection's stream.chunk/stream.stats/stream.completed/stream.error
// notifications on first use, and releases the connection back to the pool
// once the stream settles. When promptCache is set, a fingerprint match
// short-circuits dispatch entirely and replays the cached text as a single
// final chunk; a miss is stored back into the cache on successful completion.
type streamDispatch struct {
	pool        ports.ConnectionPool
	registry    *streaming.Registry
	workers     ports.WorkerPoolManager
	promptCache ports.PromptCache
	logger      *slog.Logger

	subscribedMu sync.Mutex
	subscribed   map[string]struct{} // connection id -> subscribed

	pinned  *xsync.Map[string, ports.Connection]    // stream id -> acquired connection
	pending *xsync.Map[string, *pendingPromptCache] // stream id -> cache bookkeeping, miss path only
}

func newStreamDispatch(pool ports.ConnectionPool, registry *streaming.Registry, workers ports.WorkerPoolManager, promptCache ports.PromptCache, logger *slog.Logger) *streamDispatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamDispatch{
		pool:        pool,
		registry:    registry,
		workers:     workers,
		promptCache: promptCache,
		logger:      logger,
		subscribed:  make(map[string]struct{}),
		pinned:      xsync.NewMap[string, ports.Connection](),
		pending:     xsync.NewMap[string, *pendingPromptCache](),
	}
}

func (d *streamDispatch) Dispatch(ctx context.Context, streamID string, params ports.GenerateParams) error {
	if d.promptCache != nil {
		if chunk, ok := d.tryCacheHit(ctx, streamID, params); ok {
			d.registry.Dispatch(streamID, chunk)
			return nil
		}
	}

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("app: acquire connection for generate: %w", err)
	}

	d.ensureSubscribed(conn)
	d.pinned.Store(streamID, conn)
	if d.workers != nil {
		_ = d.workers.MarkWorkerBusy(conn.WorkerID())
	}
	if d.promptCache != nil {
		if fp, err := promptCacheFingerprint(params); err == nil {
			d.pending.Store(streamID, &pendingPromptCache{fingerprint: fp})
		}
	}

	if err := conn.Transport().Notify(ctx, "generate", params); err != nil {
		d.pinned.Delete(streamID)
		d.pending.Delete(streamID)
		if d.workers != nil {
			_ = d.workers.MarkWorkerIdle(conn.WorkerID())
		}
		d.pool.Release(conn)
		return err
	}
	return nil
}

// tryCacheHit looks up params' fingerprint in the prompt cache and, on a
// hit, synthesizes the single final chunk a live generate stream would
// have ended with.
func (d *streamDispatch) tryCacheHit(ctx context.Context, streamID string, params ports.GenerateParams) (domain.GeneratorChunk, bool) {
	fp, err := promptCacheFingerprint(params)
	if err != nil {
		return domain.GeneratorChunk{}, false
	}
	raw, ok := d.promptCache.Get(ctx, fp)
	if !ok {
		return domain.GeneratorChunk{}, false
	}
	cached, err := decodeValue[cachedGeneration](raw)
	if err != nil {
		d.logger.Warn("app: prompt cache entry undecodable, ignoring", "streamId", streamID, "error", err)
		return domain.GeneratorChunk{}, false
	}
	return domain.GeneratorChunk{Kind: domain.ChunkToken, CumulativeText: cached.Text, IsFinal: true}, true
}

// settlePromptCache stores the accumulated text for streamID when it
// completed successfully via a real worker dispatch (the cache-hit path
// never registers a pending entry, so it is naturally a no-op there).
func (d *streamDispatch) settlePromptCache(streamID string, outcome domain.StreamOutcome) {
	pending, ok := d.pending.LoadAndDelete(streamID)
	if !ok {
		return
	}
	if outcome != domain.OutcomeCompleted || d.promptCache == nil {
		return
	}
	value := cachedGeneration{Text: pending.text, TokenCount: pending.tokenCount}
	if err := d.promptCache.Set(context.Background(), pending.fingerprint, value, pending.tokenCount); err != nil {
		d.logger.Warn("app: prompt cache store failed", "streamId", streamID, "error", err)
	}
}

// ensureSubscribed wires this connection's stream.chunk/stream.stats/
// stream.completed/stream.error notifications into the registry, once per
// connection lifetime.
func (d *streamDispatch) ensureSubscribed(conn ports.Connection) {
	d.subscribedMu.Lock()
	defer d.subscribedMu.Unlock()
	if _, ok := d.subscribed[conn.ID()]; ok {
		return
	}
	d.subscribed[conn.ID()] = struct{}{}

	conn.Transport().Subscribe("stream.chunk", func(raw []byte) {
		parsed := gjson.ParseBytes(raw)
		params := parsed.Get("params")
		streamID := params.Get("streamId").String()
		if streamID == "" {
			return
		}
		chunk := decodeChunk(params.Get("chunk"))
		if pending, ok := d.pending.Load(streamID); ok && chunk.Kind == domain.ChunkToken {
			pending.tokenCount++
			pending.text = chunk.CumulativeText
		}
		d.registry.Dispatch(streamID, chunk)
	})

	// stream.stats carries a final GenerationStats payload without itself
	// being the terminal chunk; relay it as a metadata chunk so synthesizeStats
	// never has to guess when the worker already reported real numbers.
	conn.Transport().Subscribe("stream.stats", func(raw []byte) {
		parsed := gjson.ParseBytes(raw)
		params := parsed.Get("params")
		streamID := params.Get("streamId").String()
		if streamID == "" {
			return
		}
		stats := params.Get("stats")
		d.registry.Dispatch(streamID, domain.GeneratorChunk{
			Kind: domain.ChunkMetadata,
			Stats: domain.GenerationStats{
				TokensGenerated:  int(stats.Get("tokensGenerated").Int()),
				TokensPerSecond:  stats.Get("tokensPerSecond").Float(),
				TimeToFirstToken: timeDurationMillis(stats.Get("timeToFirstTokenMs").Float()),
				TotalTime:        timeDurationMillis(stats.Get("totalTimeMs").Float()),
			},
		})
	})

	conn.Transport().Subscribe("stream.completed", func(raw []byte) {
		d.handleTerminal(raw, domain.OutcomeCompleted)
	})

	conn.Transport().Subscribe("stream.error", func(raw []byte) {
		d.handleTerminal(raw, domain.OutcomeErrored)
	})
}

// handleTerminal completes streamID with outcome, settles its prompt-cache
// bookkeeping, marks the owning worker idle, and releases its pinned
// connection back to the pool.
func (d *streamDispatch) handleTerminal(raw []byte, fallback domain.StreamOutcome) {
	parsed := gjson.ParseBytes(raw)
	params := parsed.Get("params")
	streamID := params.Get("streamId").String()
	if streamID == "" {
		return
	}
	outcome := domain.StreamOutcome(params.Get("outcome").String())
	if outcome == domain.OutcomeNone {
		outcome = fallback
	}
	d.registry.Complete(streamID, outcome)
	d.settlePromptCache(streamID, outcome)
	if c, ok := d.pinned.LoadAndDelete(streamID); ok {
		if d.workers != nil {
			_ = d.workers.MarkWorkerIdle(c.WorkerID())
		}
		d.pool.Release(c)
	}
}

func decodeChunk(raw gjson.Result) domain.GeneratorChunk {
	return domain.GeneratorChunk{
		Kind:           domain.ChunkKind(raw.Get("kind").String()),
		Token:          raw.Get("token").String(),
		TokenID:        int(raw.Get("tokenId").Int()),
		LogProb:        raw.Get("logProb").Float(),
		HasLogProb:     raw.Get("hasLogProb").Bool(),
		IsFinal:        raw.Get("isFinal").Bool(),
		CumulativeText: raw.Get("cumulativeText").String(),
	}
}

func timeDurationMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// promptCacheFingerprint derives a §4.9 fingerprint from the fields of
// GenerateParams the spec names as part of the cache key.
func promptCacheFingerprint(params ports.GenerateParams) (string, error) {
	in := promptcache.FingerprintInput{ModelID: params.ModelID, Prompt: params.Prompt}
	if params.Temperature != 0 {
		v := params.Temperature
		in.Temperature = &v
	}
	if params.TopP != 0 {
		v := params.TopP
		in.TopP = &v
	}
	if params.MaxTokens != 0 {
		v := params.MaxTokens
		in.MaxTokens = &v
	}
	if params.Seed != 0 {
		v := params.Seed
		in.Seed = &v
	}
	return promptcache.Fingerprint(in)
}

// decodeValue round trips raw (already interface{}-shaped, e.g. from a
// persisted/unmarshalled cache entry) through JSON into T.
func decodeValue[T any](raw interface{}) (T, error) {
	var out T
	data, err := adaptersJSON.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("app: encode prompt cache value: %w", err)
	}
	if err := adaptersJSON.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("app: decode prompt cache value: %w", err)
	}
	return out, nil
}
