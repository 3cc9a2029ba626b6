// Package promptcache implements the optional Prompt Result Cache (§4.9):
// a size- and count-bounded LRU with TTL of fully completed generation
// responses, keyed by a canonical-JSON fingerprint of the request shape.
package promptcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/veyra/conduit/internal/core/ports"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const maxEntrySizeBytes = 10 * 1024 * 1024 // 10 MiB

// Config parameterizes bounds, TTL, and optional on-disk persistence.
type Config struct {
	MaxEntries     int
	MaxTotalTokens int64
	MaxTotalBytes  int64
	TTL            time.Duration
	SweepInterval  time.Duration
	PersistPath    string // empty disables persistence
}

// FingerprintInput is canonical-JSON-marshalled to derive a cache key.
type FingerprintInput struct {
	ModelID     string   `json:"modelId"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	TopK        *int     `json:"topK,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// Fingerprint returns the SHA-256 hex digest of in's canonical JSON form.
func Fingerprint(in FingerprintInput) (string, error) {
	data, err := jsonAPI.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("promptcache: fingerprint marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type entry struct {
	fingerprint string
	value       interface{}
	tokenCount  int
	byteSize    int64
	expiresAt   time.Time
}

type persistedEntry struct {
	Fingerprint string      `json:"fingerprint"`
	Value       interface{} `json:"value"`
	TokenCount  int         `json:"tokenCount"`
	ByteSize    int64       `json:"byteSize"`
	ExpiresAt   time.Time   `json:"expiresAt"`
}

// Cache implements ports.PromptCache.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	entries     map[string]*list.Element
	lru         *list.List
	totalTokens int64
	totalBytes  int64

	stopCh chan struct{}
}

var _ ports.PromptCache = (*Cache)(nil)

// New constructs a cache, loading any persisted entries from disk.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}
	if cfg.PersistPath != "" {
		if err := c.load(); err != nil {
			logger.Warn("promptcache: failed to load persisted entries, starting empty", "error", err)
		}
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c, nil
}

// Get implements ports.PromptCache.
func (c *Cache) Get(ctx context.Context, fingerprint string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.removeLocked(elem)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return e.value, true
}

// Set implements ports.PromptCache. Entries whose serialized size exceeds
// 10 MiB are silently skipped, per the spec's size guard.
func (c *Cache) Set(ctx context.Context, fingerprint string, value interface{}, tokenCount int) error {
	data, err := jsonAPI.Marshal(value)
	if err != nil {
		return fmt.Errorf("promptcache: marshal value: %w", err)
	}
	size := int64(len(data))
	if size > maxEntrySizeBytes {
		return nil
	}

	var expiresAt time.Time
	if c.cfg.TTL > 0 {
		expiresAt = time.Now().Add(c.cfg.TTL)
	}

	c.mu.Lock()
	if existing, ok := c.entries[fingerprint]; ok {
		c.removeLocked(existing)
	}

	for c.overLocked(size, int64(tokenCount)) {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}

	e := &entry{fingerprint: fingerprint, value: value, tokenCount: tokenCount, byteSize: size, expiresAt: expiresAt}
	elem := c.lru.PushFront(e)
	c.entries[fingerprint] = elem
	c.totalTokens += int64(tokenCount)
	c.totalBytes += size
	c.mu.Unlock()

	if c.cfg.PersistPath != "" {
		if err := c.persist(); err != nil {
			c.logger.Warn("promptcache: persist failed", "error", err)
		}
	}
	return nil
}

func (c *Cache) overLocked(newBytes, newTokens int64) bool {
	if c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxTotalTokens > 0 && c.totalTokens+newTokens > c.cfg.MaxTotalTokens {
		return true
	}
	if c.cfg.MaxTotalBytes > 0 && c.totalBytes+newBytes > c.cfg.MaxTotalBytes {
		return true
	}
	return false
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, e.fingerprint)
	c.totalTokens -= int64(e.tokenCount)
	c.totalBytes -= e.byteSize
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	var expired []*list.Element
	for e := c.lru.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if !ent.expiresAt.IsZero() && now.After(ent.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	c.mu.Unlock()
}

// persist atomically writes every entry to cfg.PersistPath via a temp file
// and rename, mirroring the artifact cache's index-write idiom.
func (c *Cache) persist() error {
	c.mu.Lock()
	out := make([]persistedEntry, 0, len(c.entries))
	for e := c.lru.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		out = append(out, persistedEntry{
			Fingerprint: ent.fingerprint,
			Value:       ent.value,
			TokenCount:  ent.tokenCount,
			ByteSize:    ent.byteSize,
			ExpiresAt:   ent.expiresAt,
		})
	}
	c.mu.Unlock()

	data, err := jsonAPI.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.cfg.PersistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := c.cfg.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cfg.PersistPath)
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.cfg.PersistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []persistedEntry
	if err := jsonAPI.Unmarshal(data, &entries); err != nil {
		return err
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pe := range entries {
		if !pe.ExpiresAt.IsZero() && now.After(pe.ExpiresAt) {
			continue
		}
		e := &entry{fingerprint: pe.Fingerprint, value: pe.Value, tokenCount: pe.TokenCount, byteSize: pe.ByteSize, expiresAt: pe.ExpiresAt}
		elem := c.lru.PushBack(e)
		c.entries[pe.Fingerprint] = elem
		c.totalTokens += int64(pe.TokenCount)
		c.totalBytes += pe.ByteSize
	}
	return nil
}

// Shutdown stops the TTL sweep goroutine.
func (c *Cache) Shutdown() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
