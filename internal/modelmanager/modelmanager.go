// Package modelmanager implements the Model Manager (§4.6): load/unload
// with per-variant inflight deduplication, an LRU of loaded handles, and
// artifact cache integration.
package modelmanager

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// decodeInto converts a batcher's generic result value into T by round
// tripping it through JSON, matching the shape a real batch_* RPC response
// would decode into directly.
func decodeInto[T any](raw interface{}) (T, error) {
	var out T
	data, err := jsonAPI.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("modelmanager: encode batch result: %w", err)
	}
	if err := jsonAPI.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("modelmanager: decode batch result: %w", err)
	}
	return out, nil
}

// Config parameterizes admission and LRU eviction.
type Config struct {
	MaxLoadedModels  int
	MaxCachedModels  int
	MemoryCacheOn    bool
	LoadTimeout      time.Duration // overrides the default RPC timeout for load_model
}

// WorkerRPC is the subset of the worker contract the model manager dispatches.
type WorkerRPC interface {
	LoadModel(ctx context.Context, opts domain.LoadOptions) (domain.ModelMetadata, int, error)
	UnloadModel(ctx context.Context, modelID string) error
	CheckDraft(ctx context.Context, primaryID, draftID string) (*domain.DraftCompatibility, error)
	Tokenize(ctx context.Context, modelID string, req domain.TokenizeRequest) (domain.TokenizeResult, error)
}

type lruEntry struct {
	variantKey string
	handle     *domain.ModelHandle
}

// Manager is the concrete ModelManager implementation.
type Manager struct {
	cfg     Config
	cache   ports.ArtifactCache
	rpc     WorkerRPC
	batcher ports.RequestBatcher // optional; nil dispatches tokenize/check_draft directly
	logger  *slog.Logger
	loadSem chan struct{}

	group singleflight.Group

	mu       sync.Mutex
	handles  map[string]*list.Element // variantKey -> element in lru
	lru      *list.List               // front = most recently used
	inflight map[string]struct{}
}

var _ ports.ModelManager = (*Manager)(nil)

// New constructs a model manager. maxLoadedModels also bounds the number of
// concurrent load RPCs, per the spec's RequestQueue dispatch contract.
// batcher is optional: when non-nil, Tokenize and CheckDraft coalesce
// concurrent calls through it instead of issuing one RPC per caller; load_model
// and unload_model always dispatch directly, since only tokenize/check_draft/
// generate are named as batched operation types.
func New(cfg Config, cache ports.ArtifactCache, rpc WorkerRPC, batcher ports.RequestBatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Minute
	}
	maxConcurrent := cfg.MaxLoadedModels
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		cfg:      cfg,
		cache:    cache,
		rpc:      rpc,
		batcher:  batcher,
		logger:   logger,
		loadSem:  make(chan struct{}, maxConcurrent),
		handles:  make(map[string]*list.Element),
		lru:      list.New(),
		inflight: make(map[string]struct{}),
	}
}

// LoadModel implements ports.ModelManager.
func (m *Manager) LoadModel(ctx context.Context, opts domain.LoadOptions) (*domain.ModelHandle, error) {
	key := opts.VariantKey()

	if handle, ok := m.readyHandle(key, opts); ok {
		return handle, nil
	}

	m.mu.Lock()
	m.inflight[key] = struct{}{}
	m.mu.Unlock()

	resultCh := m.group.DoChan(key, func() (interface{}, error) {
		defer func() {
			m.mu.Lock()
			delete(m.inflight, key)
			m.mu.Unlock()
		}()
		return m.performLoad(context.WithoutCancel(ctx), opts)
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.ModelHandle), nil
	case <-ctx.Done():
		return nil, &domain.CancelledError{Operation: "loadModel"}
	}
}

// readyHandle returns a handle only if it matches the requested revision
// and quantization exactly, bumping its LRU position.
func (m *Manager) readyHandle(key string, opts domain.LoadOptions) (*domain.ModelHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.handles[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	if entry.handle.State != domain.HandleReady {
		return nil, false
	}
	if entry.handle.LoadOptions.Revision != opts.Revision || entry.handle.LoadOptions.Quantization != opts.Quantization {
		return nil, false
	}

	entry.handle.LastAccess = time.Now()
	m.lru.MoveToFront(elem)
	return entry.handle, true
}

func (m *Manager) performLoad(ctx context.Context, opts domain.LoadOptions) (*domain.ModelHandle, error) {
	if err := m.admit(opts.VariantKey()); err != nil {
		return nil, err
	}

	if err := m.evictIfNeeded(ctx); err != nil {
		m.logger.Warn("modelmanager: LRU eviction failed before load", "error", err)
	}

	desc := domain.ModelDescriptor{ID: opts.ModelID, Path: opts.LocalPath}
	localPath := opts.LocalPath
	cacheHit := false
	if m.cache != nil {
		lookup, err := m.cache.Lookup(ctx, desc, opts)
		if err == nil && lookup.Hit {
			localPath = lookup.ArtifactPath
			cacheHit = true
			opts.LocalPath = localPath
		}
	}

	m.loadSem <- struct{}{}
	defer func() { <-m.loadSem }()

	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	defer cancel()

	metadata, contextLength, err := m.rpc.LoadModel(loadCtx, opts)
	if err != nil {
		kind := "load"
		if opts.Draft {
			return nil, &domain.GenerationError{ModelID: opts.ModelID, Err: err}
		}
		return nil, domain.NewModelLoadError(opts.ModelID, kind, opts.Draft, err)
	}

	handle := &domain.ModelHandle{
		Descriptor:    desc,
		State:         domain.HandleReady,
		Metadata:      metadata,
		LoadOptions:   opts,
		ContextLength: contextLength,
		CreatedAt:     time.Now(),
		LastAccess:    time.Now(),
		Draft:         opts.Draft,
	}

	key := opts.VariantKey()
	m.mu.Lock()
	elem := m.lru.PushFront(&lruEntry{variantKey: key, handle: handle})
	m.handles[key] = elem
	m.mu.Unlock()

	if opts.Draft && opts.PrimaryModelID != "" {
		m.pairDraft(opts.PrimaryModelID, opts.ModelID)
	}

	// Only cache an artifact the worker tells us where it actually loaded
	// from; without a reported path there is nothing on disk to content-address.
	if !cacheHit && m.cache != nil && metadata.CachedPath != "" {
		sourcePath := metadata.CachedPath
		go func() {
			if _, err := m.cache.Store(context.Background(), desc, opts, sourcePath, map[string]string{"dtype": metadata.DType}); err != nil {
				m.logger.Warn("modelmanager: async artifact store failed", "modelId", opts.ModelID, "error", err)
			}
		}()
	}

	return handle, nil
}

func (m *Manager) admit(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxLoadedModels <= 0 {
		return nil
	}
	// The in-flight set already holds the load being admitted; only the
	// other in-flight loads count against the limit.
	inflight := len(m.inflight)
	if _, ok := m.inflight[key]; ok {
		inflight--
	}
	if m.lru.Len()+inflight >= m.cfg.MaxLoadedModels {
		return domain.NewModelLoadError("", "admission", false, fmt.Errorf("max loaded models (%d) reached", m.cfg.MaxLoadedModels))
	}
	return nil
}

func (m *Manager) evictIfNeeded(ctx context.Context) error {
	if !m.cfg.MemoryCacheOn || m.cfg.MaxCachedModels <= 0 {
		return nil
	}

	m.mu.Lock()
	if m.lru.Len() < m.cfg.MaxCachedModels {
		m.mu.Unlock()
		return nil
	}
	back := m.lru.Back()
	if back == nil {
		m.mu.Unlock()
		return nil
	}
	entry := back.Value.(*lruEntry)
	m.mu.Unlock()

	return m.UnloadModel(ctx, entry.variantKey)
}

// UnloadModel implements ports.ModelManager. Local state is only removed
// after the unload_model RPC succeeds.
func (m *Manager) UnloadModel(ctx context.Context, variantKey string) error {
	m.mu.Lock()
	elem, ok := m.handles[variantKey]
	m.mu.Unlock()
	if !ok {
		return &domain.NotFoundError{Kind: "modelHandle", ID: variantKey}
	}
	entry := elem.Value.(*lruEntry)

	if err := m.rpc.UnloadModel(ctx, entry.handle.Descriptor.ID); err != nil {
		return domain.NewModelLoadError(entry.handle.Descriptor.ID, "unload", entry.handle.Draft, err)
	}

	m.mu.Lock()
	m.lru.Remove(elem)
	delete(m.handles, variantKey)
	m.mu.Unlock()
	return nil
}

// CheckDraft implements ports.ModelManager. When a batcher is configured,
// concurrent checks against the same primary model coalesce into one
// batch_check_draft RPC; otherwise it dispatches check_draft directly.
func (m *Manager) CheckDraft(ctx context.Context, primaryID, draftID string) (*domain.DraftCompatibility, error) {
	var compat domain.DraftCompatibility
	if m.batcher != nil {
		raw, err := m.batcher.Enqueue(ctx, "check_draft", primaryID, domain.CheckDraftRequest{PrimaryID: primaryID, DraftID: draftID})
		if err != nil {
			return nil, domain.NewRuntimeError("", "check_draft", err)
		}
		decoded, err := decodeInto[domain.DraftCompatibility](raw)
		if err != nil {
			return nil, domain.NewRuntimeError("", "check_draft", err)
		}
		compat = decoded
	} else {
		c, err := m.rpc.CheckDraft(ctx, primaryID, draftID)
		if err != nil {
			return nil, domain.NewRuntimeError("", "check_draft", err)
		}
		compat = *c
	}

	if compat.Compatible {
		m.pairDraft(primaryID, draftID)
	}
	return &compat, nil
}

// Tokenize implements ports.ModelManager. Like CheckDraft, it coalesces
// through the batcher when one is configured, per the spec's batched
// operation types (tokenize, check-draft, generate).
func (m *Manager) Tokenize(ctx context.Context, modelID string, req domain.TokenizeRequest) (domain.TokenizeResult, error) {
	if m.batcher != nil {
		raw, err := m.batcher.Enqueue(ctx, "tokenize", modelID, req)
		if err != nil {
			return domain.TokenizeResult{}, domain.NewRuntimeError(modelID, "tokenize", err)
		}
		return decodeInto[domain.TokenizeResult](raw)
	}
	result, err := m.rpc.Tokenize(ctx, modelID, req)
	if err != nil {
		return domain.TokenizeResult{}, domain.NewRuntimeError(modelID, "tokenize", err)
	}
	return result, nil
}

func (m *Manager) pairDraft(primaryID, draftID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var primaryHandle, draftHandle *domain.ModelHandle
	for _, elem := range m.handles {
		h := elem.Value.(*lruEntry).handle
		if h.Descriptor.ID == primaryID && !h.Draft {
			primaryHandle = h
		}
		if h.Descriptor.ID == draftID && h.Draft {
			draftHandle = h
		}
	}
	if primaryHandle != nil && draftHandle != nil {
		primaryHandle.DraftPairID = draftHandle.VariantKey()
		draftHandle.DraftPairID = primaryHandle.VariantKey()
	}
}

// Handle returns the currently loaded handle for a variant key, if any.
func (m *Manager) Handle(variantKey string) (*domain.ModelHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.handles[variantKey]
	if !ok {
		return nil, false
	}
	return elem.Value.(*lruEntry).handle, true
}

// Warmup loads every variant in variants concurrently at startup.
func (m *Manager) Warmup(ctx context.Context, variants []domain.LoadOptions) error {
	errCh := make(chan error, len(variants))
	for _, v := range variants {
		v := v
		go func() {
			_, err := m.LoadModel(ctx, v)
			errCh <- err
		}()
	}
	var firstErr error
	for range variants {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
