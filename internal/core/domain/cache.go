package domain

import "time"

// ArtifactEntry is one content-addressed entry in the model artifact cache index.
type ArtifactEntry struct {
	Hash         string
	VariantKey   string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	SizeBytes    int64
	Metadata     map[string]string
}

// ArtifactIndex is the index of cache entries, keyed by the full cache key
// (ArtifactEntry.VariantKey); Hash only names the artifact directory.
type ArtifactIndex struct {
	Entries   map[string]*ArtifactEntry
	TotalSize int64
}
