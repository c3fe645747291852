package cache

import (
	"sort"
	"sync"
	"time"
)

type handleEntry[H any] struct {
	handle   H
	cachedAt time.Time
}

// LLMCache stores one handle per model key ("provider:model") and treats
// entries older than the TTL as absent. Entries are replaced wholesale.
type LLMCache[H any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]handleEntry[H]
}

// NewLLMCache creates an empty cache. now may be nil for time.Now.
func NewLLMCache[H any](ttl time.Duration, now func() time.Time) *LLMCache[H] {
	if now == nil {
		now = time.Now
	}
	return &LLMCache[H]{ttl: ttl, now: now, entries: make(map[string]handleEntry[H])}
}

// Get returns the handle for key while it is younger than the TTL.
func (c *LLMCache[H]) Get(key string) (H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.cachedAt) >= c.ttl {
		var zero H
		return zero, false
	}
	return e.handle, true
}

// Set stores handle under key with the current time, replacing any previous entry.
func (c *LLMCache[H]) Set(key string, handle H) {
	c.mu.Lock()
	c.entries[key] = handleEntry[H]{handle: handle, cachedAt: c.now()}
	c.mu.Unlock()
}

// Delete removes the entry for key.
func (c *LLMCache[H]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *LLMCache[H]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]handleEntry[H])
	c.mu.Unlock()
}

// HandleInfo describes one cached handle.
type HandleInfo struct {
	Key   string `json:"key"`
	Age   string `json:"age"`
	Valid bool   `json:"valid"`
}

// Info lists the entries sorted by key.
func (c *LLMCache[H]) Info() []HandleInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]HandleInfo, 0, len(c.entries))
	for k, e := range c.entries {
		age := now.Sub(e.cachedAt)
		out = append(out, HandleInfo{Key: k, Age: age.Round(time.Second).String(), Valid: age < c.ttl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
