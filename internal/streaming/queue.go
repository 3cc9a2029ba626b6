package streaming

import (
	"sync/atomic"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/pkg/pool"
)

// chunkQueue is a pooled, bounded channel of chunks for exactly one stream
// at a time. released makes a repeated release a no-op, per the spec's
// double-release-safety requirement.
type chunkQueue struct {
	ch       chan domain.GeneratorChunk
	capacity int
	released atomic.Bool
}

// Reset implements pool.Resettable. A queue is always closed by the time it
// is released (that closure is how Next() observes end-of-sequence), and a
// closed channel cannot be reused, so Reset replaces it with a fresh one of
// the same capacity rather than draining it.
func (q *chunkQueue) Reset() {
	q.ch = make(chan domain.GeneratorChunk, q.capacity)
	q.released.Store(false)
}

func newQueuePool(highWaterMark, maxPooled int) *pool.Pool[*chunkQueue] {
	_ = maxPooled // sync.Pool has no hard cap; maxPooled bounds intent, not enforcement
	return pool.NewLitePool(func() *chunkQueue {
		return &chunkQueue{ch: make(chan domain.GeneratorChunk, highWaterMark), capacity: highWaterMark}
	})
}

// release returns q to the pool at most once. Callers must not use q after
// release returns true.
func release(p *pool.Pool[*chunkQueue], q *chunkQueue) {
	if q.released.CompareAndSwap(false, true) {
		p.Put(q)
	}
}
