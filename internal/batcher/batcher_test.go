package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]interface{}
	fail    error
	handle  func(requests []interface{}) []BatchItemResult
}

func (f *fakeDispatcher) DispatchBatch(ctx context.Context, method, modelID string, requests []interface{}) ([]BatchItemResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, requests)
	f.mu.Unlock()

	if f.fail != nil {
		return nil, f.fail
	}
	if f.handle != nil {
		return f.handle(requests), nil
	}
	results := make([]BatchItemResult, len(requests))
	for i, r := range requests {
		results[i] = BatchItemResult{Success: true, Result: r}
	}
	return results, nil
}

func (f *fakeDispatcher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestBatcher_FlushesAtMaxBatchSize(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 3, FlushInterval: time.Hour}, dispatcher, nil, nil)

	var wg sync.WaitGroup
	results := make([]interface{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Enqueue(context.Background(), "tokenize", "m1", i)
			require.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dispatcher.batchCount())
	assert.ElementsMatch(t, []interface{}{0, 1, 2}, results)
}

func TestBatcher_FlushesOnDeadlineBelowMaxBatchSize(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, FlushInterval: 20 * time.Millisecond}, dispatcher, nil, nil)

	res, err := b.Enqueue(context.Background(), "tokenize", "m1", "solo")
	require.NoError(t, err)
	assert.Equal(t, "solo", res)
	assert.Equal(t, 1, dispatcher.batchCount())
}

func TestBatcher_ExplicitFlush(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, FlushInterval: time.Hour}, dispatcher, nil, nil)

	resultCh := make(chan interface{}, 1)
	go func() {
		res, err := b.Enqueue(context.Background(), "generate", "m1", "req")
		require.NoError(t, err)
		resultCh <- res
	}()

	// Give the goroutine a moment to enqueue before the explicit flush.
	time.Sleep(5 * time.Millisecond)
	b.Flush("generate", "m1")

	select {
	case res := <-resultCh:
		assert.Equal(t, "req", res)
	case <-time.After(time.Second):
		t.Fatal("explicit flush did not settle the pending item")
	}
}

func TestBatcher_PerItemErrorDoesNotPoisonOthers(t *testing.T) {
	dispatcher := &fakeDispatcher{handle: func(requests []interface{}) []BatchItemResult {
		out := make([]BatchItemResult, len(requests))
		for i, r := range requests {
			if r == "bad" {
				out[i] = BatchItemResult{Success: false, Err: errors.New("bad request")}
				continue
			}
			out[i] = BatchItemResult{Success: true, Result: r}
		}
		return out
	}}
	b := New(Config{MaxBatchSize: 3, FlushInterval: time.Hour}, dispatcher, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	results := make([]interface{}, 3)
	inputs := []interface{}{"good1", "bad", "good2"}
	for i, in := range inputs {
		i, in := i, in
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Enqueue(context.Background(), "check", "m1", in)
			results[i] = res
			errs[i] = err
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])
	assert.Equal(t, "good1", results[0])
	assert.Equal(t, "good2", results[2])
}

func TestBatcher_DispatchErrorFailsWholeBatch(t *testing.T) {
	boom := errors.New("worker unreachable")
	dispatcher := &fakeDispatcher{fail: boom}
	b := New(Config{MaxBatchSize: 2, FlushInterval: time.Hour}, dispatcher, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Enqueue(context.Background(), "generate", "m1", fmt.Sprintf("r%d", i))
			errs[i] = err
		}()
	}
	wg.Wait()

	assert.ErrorIs(t, errs[0], boom)
	assert.ErrorIs(t, errs[1], boom)
}

func TestBatcher_IndependentModelsHaveSeparateQueues(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 1, FlushInterval: time.Hour}, dispatcher, nil, nil)

	_, err := b.Enqueue(context.Background(), "tokenize", "m1", "a")
	require.NoError(t, err)
	_, err = b.Enqueue(context.Background(), "tokenize", "m2", "b")
	require.NoError(t, err)

	assert.Equal(t, 2, dispatcher.batchCount())
}
