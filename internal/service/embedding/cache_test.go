package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/meibo/internal/model"
)

// countingProvider tracks how many embed calls actually reach the backend.
type countingProvider struct {
	calls atomic.Int64
	err   error
	block chan struct{} // when non-nil, Embed waits on it
}

func (p *countingProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return pgvector.Vector{}, ctx.Err()
		}
	}
	if p.err != nil {
		return pgvector.Vector{}, p.err
	}
	// Derive a distinguishable vector from the text length.
	return pgvector.NewVector([]float32{float32(len(text))}), nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (p *countingProvider) Dimensions() int { return 1 }

func TestQueryCacheHit(t *testing.T) {
	provider := &countingProvider{}
	cache := NewQueryCache(provider, 10)
	ctx := context.Background()

	v1, err := cache.Get(ctx, "deploy a service")
	require.NoError(t, err)
	v2, err := cache.Get(ctx, "deploy a service")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), provider.calls.Load())

	hits, misses := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestQueryCacheSingleFlight(t *testing.T) {
	provider := &countingProvider{block: make(chan struct{})}
	cache := NewQueryCache(provider, 10)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cache.Get(ctx, "same query")
		}()
	}

	// Release the single in-flight provider call once all callers are queued.
	close(provider.block)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), provider.calls.Load(),
		"concurrent identical queries must share one provider call")
}

func TestQueryCacheEvictsLRU(t *testing.T) {
	provider := &countingProvider{}
	cache := NewQueryCache(provider, 2)
	ctx := context.Background()

	_, err := cache.Get(ctx, "aa")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "bbb")
	require.NoError(t, err)

	// Touch "aa" so "bbb" becomes the eviction candidate.
	_, err = cache.Get(ctx, "aa")
	require.NoError(t, err)

	_, err = cache.Get(ctx, "cccc")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	before := provider.calls.Load()
	_, err = cache.Get(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, before, provider.calls.Load(), "aa must still be cached")

	_, err = cache.Get(ctx, "bbb")
	require.NoError(t, err)
	assert.Equal(t, before+1, provider.calls.Load(), "bbb was evicted and recomputes")
}

func TestQueryCacheErrorNotCached(t *testing.T) {
	provider := &countingProvider{err: errors.New("backend down")}
	cache := NewQueryCache(provider, 10)
	ctx := context.Background()

	_, err := cache.Get(ctx, "q")
	require.ErrorIs(t, err, model.ErrEmbedding)

	provider.err = nil
	_, err = cache.Get(ctx, "q")
	require.NoError(t, err, "failures must not poison the cache")
	assert.Equal(t, int64(2), provider.calls.Load())
}

func TestQueryCacheCallerCancelled(t *testing.T) {
	provider := &countingProvider{block: make(chan struct{})}
	cache := NewQueryCache(provider, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "slow query")
		done <- err
	}()

	cancel()
	close(provider.block)

	err := <-done
	if err != nil {
		assert.ErrorIs(t, err, model.ErrTimeout)
	}

	// The detached compute still lands in the cache for the next caller.
	v, err := cache.Get(context.Background(), "slow query")
	require.NoError(t, err)
	assert.NotEmpty(t, v.Slice())
}

func TestQueryCacheDistinctQueries(t *testing.T) {
	provider := &countingProvider{}
	cache := NewQueryCache(provider, 100)
	ctx := context.Background()

	for i := range 5 {
		_, err := cache.Get(ctx, fmt.Sprintf("query-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), provider.calls.Load())
	assert.Equal(t, 5, cache.Len())
}
