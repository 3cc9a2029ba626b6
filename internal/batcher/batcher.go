// Package batcher implements the Request Batcher and Adaptive Controller
// (§4.8): per-method, per-model coalescing queues with size/deadline/
// explicit flush triggers, and optional worker-fed adaptive batch sizing.
package batcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

// Config parameterizes flush triggers and dispatch timing.
type Config struct {
	MaxBatchSize    int
	FlushInterval   time.Duration
	DispatchTimeout time.Duration
}

// BatchItemResult is one position in a batch_<method> response, preserving
// index so a single failed item never poisons the rest of the batch.
type BatchItemResult struct {
	Success bool
	Result  interface{}
	Err     error
}

// Dispatcher issues batch_<method> against the worker owning modelID.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, method, modelID string, requests []interface{}) ([]BatchItemResult, error)
}

// SizeSource reports the batch size a queue should flush at; normally the
// Adaptive Controller, falling back to Config.MaxBatchSize when absent.
type SizeSource interface {
	CurrentSize() int
}

type pendingItem struct {
	request  interface{}
	resultCh chan BatchItemResult
}

type batchQueue struct {
	mu    sync.Mutex
	items []pendingItem
	timer *time.Timer
}

// Batcher implements ports.RequestBatcher.
type Batcher struct {
	cfg        Config
	dispatcher Dispatcher
	sizer      SizeSource
	queues     *xsync.Map[string, *batchQueue]
	logger     *slog.Logger
}

var _ ports.RequestBatcher = (*Batcher)(nil)

// New constructs a batcher. sizer may be nil, in which case every queue
// flushes at Config.MaxBatchSize.
func New(cfg Config, dispatcher Dispatcher, sizer SizeSource, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	return &Batcher{
		cfg:        cfg,
		dispatcher: dispatcher,
		sizer:      sizer,
		queues:     xsync.NewMap[string, *batchQueue](),
		logger:     logger,
	}
}

func queueKey(method, modelID string) string {
	return method + "|" + modelID
}

func splitKey(key string) (method, modelID string) {
	method, modelID, _ = strings.Cut(key, "|")
	return
}

func (b *Batcher) maxSize() int {
	if b.sizer != nil {
		if size := b.sizer.CurrentSize(); size > 0 {
			return size
		}
	}
	return b.cfg.MaxBatchSize
}

// Enqueue implements ports.RequestBatcher: it coalesces request into the
// per-method, per-model queue and blocks until that item's own result (or
// error) is settled by a batch dispatch.
func (b *Batcher) Enqueue(ctx context.Context, method, modelID string, request interface{}) (interface{}, error) {
	key := queueKey(method, modelID)
	q, _ := b.queues.LoadOrStore(key, &batchQueue{})

	item := pendingItem{request: request, resultCh: make(chan BatchItemResult, 1)}

	q.mu.Lock()
	q.items = append(q.items, item)
	size := len(q.items)
	maxSize := b.maxSize()
	shouldFlushNow := size >= maxSize
	if size == 1 && !shouldFlushNow && b.cfg.FlushInterval > 0 {
		q.timer = time.AfterFunc(b.cfg.FlushInterval, func() { b.flush(key) })
	}
	q.mu.Unlock()

	if shouldFlushNow {
		b.flush(key)
	}

	select {
	case res := <-item.resultCh:
		if !res.Success {
			return nil, res.Err
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, &domain.CancelledError{Operation: fmt.Sprintf("batch.%s", method)}
	}
}

// Flush implements ports.RequestBatcher: an explicit out-of-band trigger.
func (b *Batcher) Flush(method, modelID string) {
	b.flush(queueKey(method, modelID))
}

func (b *Batcher) flush(key string) {
	q, ok := b.queues.Load(key)
	if !ok {
		return
	}

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.items
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	go b.dispatchBatch(key, batch)
}

func (b *Batcher) dispatchBatch(key string, batch []pendingItem) {
	method, modelID := splitKey(key)

	ctx := context.Background()
	var cancel context.CancelFunc
	if b.cfg.DispatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.cfg.DispatchTimeout)
		defer cancel()
	}

	requests := make([]interface{}, len(batch))
	for i, item := range batch {
		requests[i] = item.request
	}

	results, err := b.dispatcher.DispatchBatch(ctx, method, modelID, requests)
	if err != nil {
		for _, item := range batch {
			item.resultCh <- BatchItemResult{Success: false, Err: err}
		}
		return
	}

	for i, item := range batch {
		if i < len(results) {
			item.resultCh <- results[i]
			continue
		}
		item.resultCh <- BatchItemResult{Success: false, Err: fmt.Errorf("batcher: worker returned %d results for %d requests", len(results), len(batch))}
	}
}
