// Package cache holds the in-process caches of the LLM access layer: content
// addressed embeddings and chat-model handles.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"archcanvas/llmservice/internal/telemetry"
)

type embeddingEntry struct {
	vector   []float32
	cachedAt time.Time
}

// EmbeddingCache is a thread-safe, bounded, in-memory store of embeddings
// keyed by ComputeKey. Entries expire after the TTL; when the cache is full the
// oldest tenth is evicted in one pass before the insert.
type EmbeddingCache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	store     map[string]embeddingEntry
	hits      int64
	misses    int64
	evictions int64
}

// Option configures an EmbeddingCache.
type Option func(*EmbeddingCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *EmbeddingCache) { c.now = now }
}

// WithMetrics counts evictions.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *EmbeddingCache) { c.metrics = m }
}

// NewEmbeddingCache initializes an empty cache holding at most maxSize entries.
// A ttl of zero disables expiry.
func NewEmbeddingCache(maxSize int, ttl time.Duration, opts ...Option) *EmbeddingCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &EmbeddingCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		store:   make(map[string]embeddingEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EmbeddingCache) expired(e embeddingEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.cachedAt) >= c.ttl
}

// Get retrieves an embedding from the cache by key.
// It returns a copy of the stored slice to prevent callers from mutating internal state.
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.store[key]
	if found && c.expired(e, c.now()) {
		delete(c.store, key)
		found = false
	}
	if !found {
		c.misses++
		return nil, false
	}
	c.hits++

	copied := make([]float32, len(e.vector))
	copy(copied, e.vector)
	return copied, true
}

// Set adds or updates an embedding in the cache.
// It makes an internal copy of the slice to protect against external mutations.
func (c *EmbeddingCache) Set(key string, embedding []float32) {
	copied := make([]float32, len(embedding))
	copy(copied, embedding)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.store[key] = embeddingEntry{vector: copied, cachedAt: c.now()}
}

// evictOldestLocked removes the oldest 10% of entries, at least one.
func (c *EmbeddingCache) evictOldestLocked() {
	n := max(c.maxSize/10, 1)

	keys := make([]string, 0, len(c.store))
	for k := range c.store {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.store[keys[i]].cachedAt.Before(c.store[keys[j]].cachedAt)
	})
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(c.store, k)
	}
	c.evictions += int64(n)
	c.metrics.CacheEvicted(context.Background(), telemetry.CacheEmbedding, n)
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Clear removes every entry.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]embeddingEntry)
}

// EmbeddingStats is a snapshot of cache counters.
type EmbeddingStats struct {
	Entries   int    `json:"entries"`
	MaxSize   int    `json:"max_size"`
	TTL       string `json:"ttl"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// Stats returns cache counters.
func (c *EmbeddingCache) Stats() EmbeddingStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return EmbeddingStats{
		Entries:   len(c.store),
		MaxSize:   c.maxSize,
		TTL:       c.ttl.String(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
