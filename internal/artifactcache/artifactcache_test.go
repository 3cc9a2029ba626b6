package artifactcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
)

func writeSourceFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestCache_MissThenHit(t *testing.T) {
	cacheDir := t.TempDir()
	sourceDir := t.TempDir()
	writeSourceFile(t, sourceDir, "weights.bin", 1024)

	c, err := New(Config{CacheDir: cacheDir, MaxSizeBytes: 10 * 1024 * 1024}, nil)
	require.NoError(t, err)

	desc := domain.ModelDescriptor{ID: "llama-3.2-1B-instruct-4bit"}
	opts := domain.LoadOptions{ModelID: desc.ID}

	result, err := c.Lookup(context.Background(), desc, opts)
	require.NoError(t, err)
	require.False(t, result.Hit)

	entry, err := c.Store(context.Background(), desc, opts, sourceDir, map[string]string{"dtype": "int4"})
	require.NoError(t, err)
	require.Equal(t, int64(1024), entry.SizeBytes)

	health := c.GetHealth()
	require.Equal(t, 1, health.EntryCount)

	result, err = c.Lookup(context.Background(), desc, opts)
	require.NoError(t, err)
	require.True(t, result.Hit)
	require.DirExists(t, result.ArtifactPath)
}

func TestCache_EvictsLRUDownTo80Percent(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := New(Config{CacheDir: cacheDir, MaxSizeBytes: 1000}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		sourceDir := t.TempDir()
		writeSourceFile(t, sourceDir, "w.bin", 400)
		desc := domain.ModelDescriptor{ID: "model"}
		opts := domain.LoadOptions{ModelID: "model", Revision: string(rune('a' + i))}
		_, err := c.Store(context.Background(), desc, opts, sourceDir, nil)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	health := c.GetHealth()
	require.LessOrEqual(t, health.SizeBytes, int64(800))
}

func TestCache_LookupRecoversFromMissingDirectory(t *testing.T) {
	cacheDir := t.TempDir()
	sourceDir := t.TempDir()
	writeSourceFile(t, sourceDir, "w.bin", 100)

	c, err := New(Config{CacheDir: cacheDir, MaxSizeBytes: 10000}, nil)
	require.NoError(t, err)

	desc := domain.ModelDescriptor{ID: "m"}
	opts := domain.LoadOptions{ModelID: "m"}
	entry, err := c.Store(context.Background(), desc, opts, sourceDir, nil)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(cacheDir, "artifacts", entry.Hash)))

	result, err := c.Lookup(context.Background(), desc, opts)
	require.NoError(t, err)
	require.False(t, result.Hit)

	health := c.GetHealth()
	require.Equal(t, 1, health.CorruptedEntries)
}
