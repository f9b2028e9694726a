package embedding

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/meibo/internal/model"
)

// QueryCache wraps a Provider with a bounded LRU over query embeddings and
// single-flight deduplication of concurrent misses.
//
// N concurrent discovery calls with the same query text trigger exactly one
// provider call; all callers share its result. Cache entries never expire by
// time — identical text always embeds to the same vector — so eviction is
// purely capacity-driven.
type QueryCache struct {
	provider Provider
	group    singleflight.Group

	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key string
	vec pgvector.Vector
}

// NewQueryCache creates a cache holding at most capacity embeddings.
func NewQueryCache(provider Provider, capacity int) *QueryCache {
	return &QueryCache{
		provider: provider,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Get returns the embedding for the query text, computing it at most once per
// distinct text across concurrent callers. Provider failures surface as
// model.ErrEmbedding and are never cached.
func (c *QueryCache) Get(ctx context.Context, text string) (pgvector.Vector, error) {
	if vec, ok := c.lookup(text); ok {
		return vec, nil
	}

	v, err, _ := c.group.Do(text, func() (any, error) {
		// Re-check under single-flight: another flight may have populated
		// the entry between our miss and acquiring the flight. The outer
		// lookup already counted this call, so the re-check is silent.
		if vec, ok := c.peek(text); ok {
			return vec, nil
		}

		// Compute on a detached context with a generous budget. If the first
		// caller cancels, waiters joined to this flight still receive a
		// usable result, and the entry warms the cache for the next request.
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		vec, err := c.provider.Embed(computeCtx, text)
		if err != nil {
			return pgvector.Vector{}, fmt.Errorf("%w: %v", model.ErrEmbedding, err)
		}
		c.store(text, vec)
		return vec, nil
	})
	if err != nil {
		return pgvector.Vector{}, err
	}

	// The caller may have been cancelled while waiting on the flight.
	if ctx.Err() != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: %w", model.ErrTimeout)
	}
	return v.(pgvector.Vector), nil
}

func (c *QueryCache) lookup(text string) (pgvector.Vector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[text]
	if !ok {
		c.misses++
		return pgvector.Vector{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*cacheEntry).vec, true
}

// peek is lookup without the hit/miss accounting.
func (c *QueryCache) peek(text string) (pgvector.Vector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[text]
	if !ok {
		return pgvector.Vector{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *QueryCache) store(text string, vec pgvector.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[text]; ok {
		el.Value.(*cacheEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}

	c.entries[text] = c.order.PushFront(&cacheEntry{key: text, vec: vec})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len reports the number of cached embeddings.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports cumulative hit/miss counts.
func (c *QueryCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
