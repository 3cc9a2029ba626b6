package promptcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestFingerprint_DeterministicAndSensitiveToFields(t *testing.T) {
	a, err := Fingerprint(FingerprintInput{ModelID: "m", Prompt: "hi", Temperature: f64(0.7)})
	require.NoError(t, err)
	b, err := Fingerprint(FingerprintInput{ModelID: "m", Prompt: "hi", Temperature: f64(0.7)})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(FingerprintInput{ModelID: "m", Prompt: "hi", Temperature: f64(0.9)})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCache_SetThenGetReturnsStoredValue(t *testing.T) {
	c, err := New(Config{MaxEntries: 10}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "fp1", "value1", 5))
	v, ok := c.Get(context.Background(), "fp1")
	require.True(t, ok)
	assert.Equal(t, "value1", v)

	_, ok = c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCache_EvictsLRUWhenMaxEntriesExceeded(t *testing.T) {
	c, err := New(Config{MaxEntries: 2}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "fp1", "v1", 1))
	require.NoError(t, c.Set(context.Background(), "fp2", "v2", 1))
	_, _ = c.Get(context.Background(), "fp1") // touch fp1, fp2 becomes LRU
	require.NoError(t, c.Set(context.Background(), "fp3", "v3", 1))

	_, ok := c.Get(context.Background(), "fp2")
	assert.False(t, ok, "fp2 should have been evicted as least recently used")
	_, ok = c.Get(context.Background(), "fp1")
	assert.True(t, ok)
	_, ok = c.Get(context.Background(), "fp3")
	assert.True(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, err := New(Config{MaxEntries: 10, TTL: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "fp1", "v1", 1))
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get(context.Background(), "fp1")
	assert.False(t, ok)
}

func TestCache_EvictsOnTotalTokenBound(t *testing.T) {
	c, err := New(Config{MaxEntries: 100, MaxTotalTokens: 10}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "fp1", "v1", 6))
	require.NoError(t, c.Set(context.Background(), "fp2", "v2", 6))

	_, ok := c.Get(context.Background(), "fp1")
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "fp2")
	assert.True(t, ok)
}

func TestCache_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promptcache.json")

	c, err := New(Config{MaxEntries: 10, PersistPath: path}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "fp1", "v1", 3))

	reloaded, err := New(Config{MaxEntries: 10, PersistPath: path}, nil)
	require.NoError(t, err)
	v, ok := reloaded.Get(context.Background(), "fp1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}
