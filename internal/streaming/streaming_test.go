package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/conduit/internal/core/domain"
	"github.com/veyra/conduit/internal/core/ports"
)

type scriptedDispatcher struct {
	registry *Registry
	fail     error
	emit     func(registry *Registry, streamID string)
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, streamID string, params ports.GenerateParams) error {
	if d.fail != nil {
		return d.fail
	}
	if d.emit != nil {
		go d.emit(d.registry, streamID)
	}
	return nil
}

func tokenChunk(text string, final bool) domain.GeneratorChunk {
	return domain.GeneratorChunk{Kind: domain.ChunkToken, Token: text, IsFinal: final}
}

func TestGenerator_YieldsTokensThenOneTerminalMetadataChunk(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 8}, nil)
	dispatcher := &scriptedDispatcher{registry: registry, emit: func(r *Registry, streamID string) {
		r.Dispatch(streamID, tokenChunk("hello", false))
		r.Dispatch(streamID, tokenChunk("world", false))
		r.Dispatch(streamID, domain.GeneratorChunk{Kind: domain.ChunkMetadata, IsFinal: true})
	}}
	factory := NewFactory(Config{HighWaterMark: 8}, registry, dispatcher, Hooks{}, nil)

	gen, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s1"})
	require.NoError(t, err)

	var tokens []string
	var sawMetadata bool
	for {
		chunk, done, err := gen.Next(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
		switch chunk.Kind {
		case domain.ChunkToken:
			tokens = append(tokens, chunk.Token)
		case domain.ChunkMetadata:
			sawMetadata = true
			assert.True(t, chunk.IsFinal)
		}
	}

	assert.Equal(t, []string{"hello", "world"}, tokens)
	assert.True(t, sawMetadata)

	// A further call after done must keep returning done with no panic.
	_, done, err := gen.Next(context.Background())
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestGenerator_ErrorChunkNeverYieldsAndThrowsTogether(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 8}, nil)
	boom := errors.New("worker crashed")
	dispatcher := &scriptedDispatcher{registry: registry, emit: func(r *Registry, streamID string) {
		r.Dispatch(streamID, tokenChunk("partial", false))
		r.Dispatch(streamID, domain.GeneratorChunk{Kind: domain.ChunkError, Err: boom})
	}}
	factory := NewFactory(Config{HighWaterMark: 8}, registry, dispatcher, Hooks{}, nil)

	gen, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s2"})
	require.NoError(t, err)

	chunk, done, err := gen.Next(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, "partial", chunk.Token)

	chunk, done, err = gen.Next(context.Background())
	assert.True(t, done)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.GeneratorChunk{}, chunk)
}

func TestGenerator_DispatchFailureReleasesQueueAndCancelsStream(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 8}, nil)
	boom := errors.New("dispatch unreachable")
	dispatcher := &scriptedDispatcher{fail: boom}
	factory := NewFactory(Config{HighWaterMark: 8}, registry, dispatcher, Hooks{}, nil)

	_, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s3"})
	require.Error(t, err)

	_, ok := registry.Lookup("s3")
	assert.False(t, ok)
}

func TestGenerator_ReturnCancelsAndReleasesExactlyOnce(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 8}, nil)
	dispatcher := &scriptedDispatcher{registry: registry}
	factory := NewFactory(Config{HighWaterMark: 8}, registry, dispatcher, Hooks{}, nil)

	gen, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s4"})
	require.NoError(t, err)

	require.NoError(t, gen.Return())
	require.NoError(t, gen.Return()) // double release must be a no-op, not a panic

	_, ok := registry.Lookup("s4")
	assert.False(t, ok)
}

func TestQueuePool_AcquireReleaseCountsBalance(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 8}, nil)
	var acquired, released atomic.Int64
	dispatcher := &scriptedDispatcher{registry: registry, emit: func(r *Registry, streamID string) {
		r.Dispatch(streamID, domain.GeneratorChunk{Kind: domain.ChunkMetadata, IsFinal: true})
	}}
	factory := NewFactory(Config{HighWaterMark: 8}, registry, dispatcher, Hooks{}, nil)

	for i := 0; i < 20; i++ {
		gen, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s5"})
		require.NoError(t, err)
		acquired.Add(1)

		for {
			_, done, err := gen.Next(context.Background())
			require.NoError(t, err)
			if done {
				released.Add(1)
				break
			}
		}
	}

	assert.Equal(t, acquired.Load(), released.Load())
}

func TestDispatch_BackpressureBlocksUntilConsumed(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 2}, nil)
	const total = 20

	var produced int32
	dispatcher := &scriptedDispatcher{registry: registry, emit: func(r *Registry, streamID string) {
		for i := 0; i < total; i++ {
			r.Dispatch(streamID, tokenChunk(string(rune('a'+i%26)), false))
			atomic.AddInt32(&produced, 1)
		}
		r.Dispatch(streamID, domain.GeneratorChunk{Kind: domain.ChunkMetadata, IsFinal: true})
	}}
	factory := NewFactory(Config{HighWaterMark: 2}, registry, dispatcher, Hooks{}, nil)

	gen, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s6"})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	for {
		time.Sleep(2 * time.Millisecond)
		chunk, done, err := gen.Next(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
		if chunk.Kind == domain.ChunkToken {
			mu.Lock()
			order = append(order, chunk.Token)
			mu.Unlock()
		}
	}

	require.Len(t, order, total)
	for i := 0; i < total; i++ {
		assert.Equal(t, string(rune('a'+i%26)), order[i])
	}
}

func TestRegistry_TimeoutConvertsToStreamError(t *testing.T) {
	registry := NewRegistry(Config{HighWaterMark: 8}, nil)
	dispatcher := &scriptedDispatcher{registry: registry}
	factory := NewFactory(Config{HighWaterMark: 8}, registry, dispatcher, Hooks{}, nil)

	gen, err := factory.CreateGenerator(context.Background(), ports.GenerateParams{StreamID: "s7", Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, done, err := gen.Next(context.Background())
	assert.True(t, done)
	var timeoutErr *domain.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}
