// Package artifactcache implements the content-addressed, size-bounded
// on-disk store for model artifacts (§4.2): lookup by variant key, LRU
// eviction to 80% of the size budget, and a debounced index file.
package artifactcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

const indexWriteDebounce = 200 * time.Millisecond

// Config parameterizes the cache's disk footprint and eviction policy.
type Config struct {
	Enabled           bool
	CacheDir          string
	MaxSizeBytes      int64
	MaxAgeDays        int
	EvictionPolicy    string
	ValidateOnStartup bool
}

type persistedIndex struct {
	Version     int                              `json:"version"`
	Created     time.Time                        `json:"created"`
	LastUpdated time.Time                         `json:"lastUpdated"`
	Entries     map[string]*domain.ArtifactEntry `json:"entries"`
	Stats       persistedStats                    `json:"stats"`
}

type persistedStats struct {
	TotalSizeBytes int64 `json:"totalSizeBytes"`
	CacheHits      int64 `json:"cacheHits"`
	CacheMisses    int64 `json:"cacheMisses"`
}

// Cache is the concrete ArtifactCache implementation.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*domain.ArtifactEntry // key: full cache key
	created time.Time

	totalSize  atomic.Int64
	cacheHits  atomic.Int64
	cacheMiss  atomic.Int64
	corrupted  atomic.Int64

	dirty          atomic.Bool
	writeScheduled atomic.Bool
}

var _ ports.ArtifactCache = (*Cache)(nil)

// New loads (or initializes) the index at cfg.CacheDir/index.json.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*domain.ArtifactEntry),
		created: time.Now(),
	}

	if err := os.MkdirAll(filepath.Join(cfg.CacheDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("artifactcache: create cache dir: %w", err)
	}

	if err := c.loadIndex(); err != nil {
		// Corruption at load is recovered with an empty index, never fatal.
		c.logger.Warn("artifact cache index corrupt, starting fresh", "error", err)
	}

	if cfg.ValidateOnStartup {
		if _, err := c.Validate(context.Background()); err != nil {
			c.logger.Warn("artifact cache validation failed", "error", err)
		}
	}

	return c, nil
}

func cacheKeyAndHash(desc domain.ModelDescriptor, opts domain.LoadOptions) (key string, hash string) {
	revision := opts.Revision
	if revision == "" {
		revision = "main"
	}
	quant := string(opts.Quantization)
	if quant == "" {
		quant = string(domain.QuantizationNone)
	}
	modality := desc.Modality
	if modality == "" {
		modality = "text"
	}

	joined := desc.ID + ":" + revision + ":" + quant + ":" + modality
	sum := sha256.Sum256([]byte(joined))
	hash = hex.EncodeToString(sum[:])[:16]
	key = joined + "@" + hash
	return key, hash
}

// Lookup implements ports.ArtifactCache.
func (c *Cache) Lookup(ctx context.Context, desc domain.ModelDescriptor, opts domain.LoadOptions) (ports.LookupResult, error) {
	start := time.Now()
	key, hash := cacheKeyAndHash(desc, opts)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		c.cacheMiss.Add(1)
		return ports.LookupResult{Hit: false, LookupTime: time.Since(start)}, nil
	}

	artifactPath := filepath.Join(c.cfg.CacheDir, "artifacts", hash)
	if _, err := os.Stat(artifactPath); err != nil {
		// Corruption recovery: index says present, directory is gone.
		c.removeEntry(key)
		c.cacheMiss.Add(1)
		c.corrupted.Add(1)
		return ports.LookupResult{Hit: false, LookupTime: time.Since(start)}, nil
	}

	c.mu.Lock()
	entry.LastAccessed = time.Now()
	entry.AccessCount++
	c.mu.Unlock()
	c.cacheHits.Add(1)
	c.markDirty()

	return ports.LookupResult{
		Hit:          true,
		Entry:        entry,
		ArtifactPath: artifactPath,
		LookupTime:   time.Since(start),
	}, nil
}

// Store implements ports.ArtifactCache.
func (c *Cache) Store(ctx context.Context, desc domain.ModelDescriptor, opts domain.LoadOptions, sourcePath string, metadata map[string]string) (*domain.ArtifactEntry, error) {
	key, hash := cacheKeyAndHash(desc, opts)

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	destDir := filepath.Join(c.cfg.CacheDir, "artifacts", hash)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifactcache: create artifact dir: %w", err)
	}

	size, err := copyRegularFiles(sourcePath, destDir)
	if err != nil {
		return nil, fmt.Errorf("artifactcache: copy artifacts: %w", err)
	}

	if err := writeMetadataFile(destDir, metadata); err != nil {
		return nil, fmt.Errorf("artifactcache: write metadata: %w", err)
	}

	entry := &domain.ArtifactEntry{
		Hash:         hash,
		VariantKey:   key,
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
		AccessCount:  1,
		SizeBytes:    size,
		Metadata:     metadata,
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	c.totalSize.Add(size)
	c.markDirty()

	c.logger.Info("artifact stored", "modelId", desc.ID, "size", units.HumanSize(float64(size)), "hash", hash)

	if err := c.EvictIfNeeded(ctx); err != nil {
		c.logger.Warn("artifact cache eviction failed", "error", err)
	}

	return entry, nil
}

// EvictIfNeeded implements ports.ArtifactCache: LRU-evict down to 80% of budget.
func (c *Cache) EvictIfNeeded(ctx context.Context) error {
	if c.cfg.MaxSizeBytes <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalSize.Load() <= c.cfg.MaxSizeBytes {
		return nil
	}

	targetSize := int64(float64(c.cfg.MaxSizeBytes) * 0.8)

	ordered := make([]*domain.ArtifactEntry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastAccessed.Before(ordered[j].LastAccessed)
	})

	for _, e := range ordered {
		if c.totalSize.Load() <= targetSize {
			break
		}
		dir := filepath.Join(c.cfg.CacheDir, "artifacts", e.Hash)
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("failed to remove evicted artifact", "hash", e.Hash, "error", err)
			continue
		}
		delete(c.entries, e.VariantKey)
		c.totalSize.Add(-e.SizeBytes)
		c.logger.Info("artifact evicted", "hash", e.Hash, "size", units.HumanSize(float64(e.SizeBytes)))
	}

	c.scheduleIndexWrite()
	return nil
}

// Validate drops any index entries whose directory is missing.
func (c *Cache) Validate(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		dir := filepath.Join(c.cfg.CacheDir, "artifacts", e.Hash)
		if _, err := os.Stat(dir); err != nil {
			delete(c.entries, key)
			c.totalSize.Add(-e.SizeBytes)
			removed++
		}
	}
	if removed > 0 {
		c.scheduleIndexWrite()
	}
	return removed, nil
}

// GetHealth implements ports.ArtifactCache.
func (c *Cache) GetHealth() ports.ArtifactCacheHealth {
	c.mu.Lock()
	entryCount := len(c.entries)
	c.mu.Unlock()

	hits := c.cacheHits.Load()
	misses := c.cacheMiss.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	size := c.totalSize.Load()
	nearLimit := c.cfg.MaxSizeBytes > 0 && size >= int64(float64(c.cfg.MaxSizeBytes)*0.9)

	return ports.ArtifactCacheHealth{
		Healthy:          true,
		SizeBytes:        size,
		EntryCount:       entryCount,
		HitRate:          hitRate,
		NearLimit:        nearLimit,
		CorruptedEntries: int(c.corrupted.Load()),
	}
}

func (c *Cache) removeEntry(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.totalSize.Add(-e.SizeBytes)
	}
	c.mu.Unlock()
	c.markDirty()
}

func (c *Cache) markDirty() {
	c.dirty.Store(true)
	c.scheduleIndexWrite()
}

// scheduleIndexWrite coalesces index writes: a dirty bit plus one pending
// debounce timer, so a burst of lookups/stores produces a single flush.
func (c *Cache) scheduleIndexWrite() {
	if !c.writeScheduled.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(indexWriteDebounce, func() {
		c.writeScheduled.Store(false)
		if c.dirty.CompareAndSwap(true, false) {
			if err := c.persistIndex(); err != nil {
				c.logger.Warn("failed to persist artifact cache index", "error", err)
			}
		}
	})
}

func (c *Cache) persistIndex() error {
	c.mu.Lock()
	idx := persistedIndex{
		Version:     1,
		Created:     c.created,
		LastUpdated: time.Now(),
		Entries:     make(map[string]*domain.ArtifactEntry, len(c.entries)),
		Stats: persistedStats{
			TotalSizeBytes: c.totalSize.Load(),
			CacheHits:      c.cacheHits.Load(),
			CacheMisses:    c.cacheMiss.Load(),
		},
	}
	for k, v := range c.entries {
		idx.Entries[k] = v
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(c.cfg.CacheDir, "index.json.tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, filepath.Join(c.cfg.CacheDir, "index.json"))
}

func (c *Cache) loadIndex() error {
	path := filepath.Join(c.cfg.CacheDir, "index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.created = time.Now()
			return nil
		}
		return err
	}

	var idx persistedIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		c.created = time.Now()
		return err
	}

	c.created = idx.Created
	c.entries = idx.Entries
	if c.entries == nil {
		c.entries = make(map[string]*domain.ArtifactEntry)
	}
	c.cacheHits.Store(idx.Stats.CacheHits)
	c.cacheMiss.Store(idx.Stats.CacheMisses)

	var total int64
	for _, e := range c.entries {
		total += e.SizeBytes
	}
	c.totalSize.Store(total)
	return nil
}

func writeMetadataFile(destDir string, metadata map[string]string) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "metadata.json"), data, 0o644)
}

// copyRegularFiles copies every regular file (not subdirectories) from src
// into dst and returns the total bytes copied.
func copyRegularFiles(src, dst string) (int64, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return total, err
		}

		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return total, err
		}
		total += info.Size()
	}
	return total, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
