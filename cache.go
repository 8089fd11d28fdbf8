package apigate

import (
	"context"
	"hash/fnv"
	"net/http"
	"sync"
	"time"
)

// Default TTLs. Identity/auth endpoints get the longer TTL: they are the
// most expensive to over-call.
const (
	DefaultCacheTTL  = 30 * time.Second
	IdentityCacheTTL = 60 * time.Second
)

// CacheEntry is one cached GET response.
type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// RequestCache is a sharded, time-bounded key→response store. Expiry is
// lazy on lookup plus a periodic Sweep. Only successful GET responses are
// ever stored; mutating methods never reach it.
type RequestCache struct {
	shards    []*cacheShard
	numShards int
	now       func() time.Time
}

type cacheShard struct {
	mu    sync.Mutex
	store map[string]*CacheEntry
}

// NewRequestCache returns an empty cache.
func NewRequestCache() *RequestCache {
	const numShards = 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{store: make(map[string]*CacheEntry)}
	}
	return &RequestCache{shards: shards, numShards: numShards, now: time.Now}
}

func (c *RequestCache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(c.numShards)]
}

// Get returns the entry for key if it has not expired. A lookup past expiry
// removes the entry and reports a miss; stale data is never returned.
func (c *RequestCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := shard.store[key]
	if !exists {
		return nil, false
	}
	if c.now().After(entry.ExpiresAt) {
		delete(shard.store, key)
		return nil, false
	}
	return entry, true
}

// Set stores entry under key for ttl.
func (c *RequestCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := c.now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)
	shard.store[key] = entry
}

// Delete removes the entry for key.
func (c *RequestCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.store, key)
}

// Clear removes every entry.
func (c *RequestCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of entries currently stored, expired or not.
func (c *RequestCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.store)
		shard.mu.Unlock()
	}
	return total
}

// Sweep removes every entry past its expiry and returns how many were
// purged. Invoked by the maintenance janitor.
func (c *RequestCache) Sweep(now time.Time) int {
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.store {
			if now.After(entry.ExpiresAt) {
				delete(shard.store, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Per-request cache control via context, for callers that cannot thread
// RequestOptions through (e.g. the convenience wrappers).
type contextKey string

const cacheControlKey contextKey = "apigate_cache_control"

// CacheControl overrides cache behavior for a single request.
type CacheControl struct {
	Enabled bool
	TTL     time.Duration
}

// WithContextCacheEnabled forces caching on for the request.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: true})
}

// WithContextCacheDisabled forces caching off for the request.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: false})
}

// WithContextCacheTTL enables caching with a custom TTL for the request.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, cacheControlKey, &CacheControl{Enabled: true, TTL: ttl})
}

func cacheControlFromContext(ctx context.Context) (*CacheControl, bool) {
	cc, ok := ctx.Value(cacheControlKey).(*CacheControl)
	return cc, ok
}
