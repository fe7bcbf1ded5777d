package fieldsync

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ambiyansyah-risyal/fieldsync/kv"
)

// CacheKeyPrefix namespaces response cache entries in the durable store.
const CacheKeyPrefix = "cache:"

// CacheEntry is a stored response. Freshness is decided at read time from the
// TTL table current at that moment, unless TTLOverride was set on write.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Path        string        `json:"path"`
	StatusCode  int           `json:"statusCode"`
	Header      http.Header   `json:"header,omitempty"`
	Body        []byte        `json:"body"`
	StoredAt    time.Time     `json:"storedAt"`
	TTLOverride time.Duration `json:"ttlOverride,omitempty"`
}

// Response rebuilds a caller-owned Response from the entry.
func (e *CacheEntry) Response() *Response {
	return (&Response{StatusCode: e.StatusCode, Header: e.Header, Body: e.Body}).Clone()
}

// ResponseCacheConfig configures NewResponseCache. Zero values select defaults.
type ResponseCacheConfig struct {
	// Durable is the persistent tier. Nil keeps the cache memory-only.
	Durable    kv.Store
	TTLs       map[string]time.Duration
	DefaultTTL time.Duration
	Clock      clock.Clock
	Logger     Logger
	Metrics    *MetricsCollector
}

// ResponseCache is a two-tier cache: a sharded in-memory map in front of a
// durable kv.Store. Durable failures are logged and swallowed.
type ResponseCache struct {
	shards    []*cacheShard
	numShards int

	durable kv.Store
	ttls    atomic.Pointer[PathTable]
	clock   clock.Clock
	logger  Logger
	metrics *MetricsCollector
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewResponseCache creates a cache with the given configuration.
func NewResponseCache(cfg ResponseCacheConfig) *ResponseCache {
	if cfg.TTLs == nil {
		cfg.TTLs = DefaultCacheTTLs()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}

	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}
	c := &ResponseCache{
		shards:    shards,
		numShards: numShards,
		durable:   cfg.Durable,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	c.ttls.Store(NewPathTable(cfg.TTLs, cfg.DefaultTTL))
	return c
}

func (c *ResponseCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// TTLFor returns the lifetime the current table assigns to path.
func (c *ResponseCache) TTLFor(path string) time.Duration {
	return c.ttls.Load().Lookup(path)
}

// SetDefaultTTL replaces the fallback TTL. Existing entries are judged by the
// new value on their next read.
func (c *ResponseCache) SetDefaultTTL(d time.Duration) {
	c.ttls.Store(c.ttls.Load().WithDefault(d))
}

// SetTTLs replaces the whole TTL table.
func (c *ResponseCache) SetTTLs(entries map[string]time.Duration, fallback time.Duration) {
	c.ttls.Store(NewPathTable(entries, fallback))
}

func (c *ResponseCache) fresh(e *CacheEntry, now time.Time) bool {
	ttl := e.TTLOverride
	if ttl <= 0 {
		ttl = c.TTLFor(e.Path)
	}
	return now.Sub(e.StoredAt) < ttl
}

// Get returns a fresh entry for fp. Memory is consulted first; a durable hit is
// promoted to memory. Expired entries are removed from the tier they were found in.
func (c *ResponseCache) Get(ctx context.Context, fp Fingerprint) (*CacheEntry, bool) {
	key := fp.String()
	endpoint := ResourceFamily(fp.Path)
	now := c.clock.Now()

	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()

	if exists {
		if c.fresh(entry, now) {
			c.metrics.RecordCacheHit(endpoint, "memory")
			return entry, true
		}
		shard.mu.Lock()
		if shard.store[key] == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
	}

	if entry, ok := c.readDurable(ctx, key); ok {
		if c.fresh(entry, now) {
			shard.mu.Lock()
			shard.store[key] = entry
			shard.mu.Unlock()
			c.metrics.RecordCacheHit(endpoint, "durable")
			return entry, true
		}
		c.removeDurable(ctx, []string{CacheKeyPrefix + key})
	}

	c.metrics.RecordCacheMiss(endpoint)
	return nil, false
}

// Put stores a response for fp in both tiers.
func (c *ResponseCache) Put(ctx context.Context, fp Fingerprint, resp *Response, ttlOverride time.Duration) *CacheEntry {
	key := fp.String()
	stored := resp.Clone()
	entry := &CacheEntry{
		Fingerprint: key,
		Path:        fp.Path,
		StatusCode:  stored.StatusCode,
		Header:      stored.Header,
		Body:        stored.Body,
		StoredAt:    c.clock.Now(),
		TTLOverride: ttlOverride,
	}

	shard := c.getShard(key)
	shard.mu.Lock()
	shard.store[key] = entry
	shard.mu.Unlock()
	c.metrics.RecordCacheSize(c.Len())

	if c.durable != nil {
		raw, err := json.Marshal(entry)
		if err == nil {
			err = c.durable.Set(ctx, CacheKeyPrefix+key, string(raw))
		}
		if err != nil {
			c.storageFailure("cache_write", key, err)
		}
	}
	return entry
}

// Invalidate removes every entry, in both tiers, whose path starts with prefix.
// It returns the number of distinct fingerprints removed.
func (c *ResponseCache) Invalidate(ctx context.Context, prefix string) int {
	removed := make(map[string]struct{})
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.store {
			if strings.HasPrefix(entry.Path, prefix) {
				delete(shard.store, key)
				removed[key] = struct{}{}
			}
		}
		shard.mu.Unlock()
	}

	keys := c.durableKeys(ctx)
	var doomed []string
	for _, k := range keys {
		fpString := strings.TrimPrefix(k, CacheKeyPrefix)
		fp, err := ParseFingerprint(fpString)
		if err != nil || strings.HasPrefix(fp.Path, prefix) {
			doomed = append(doomed, k)
			if err == nil {
				removed[fpString] = struct{}{}
			}
		}
	}
	c.removeDurable(ctx, doomed)
	c.metrics.RecordCacheSize(c.Len())

	return len(removed)
}

// Clear drops every cache entry from both tiers. Non-cache keys in the durable
// store are untouched.
func (c *ResponseCache) Clear(ctx context.Context) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
	c.removeDurable(ctx, c.durableKeys(ctx))
	c.metrics.RecordCacheSize(0)
}

// Len returns the number of entries in the memory tier, fresh or not.
func (c *ResponseCache) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		n += len(shard.store)
		shard.mu.RUnlock()
	}
	return n
}

func (c *ResponseCache) readDurable(ctx context.Context, key string) (*CacheEntry, bool) {
	if c.durable == nil {
		return nil, false
	}
	raw, ok, err := c.durable.Get(ctx, CacheKeyPrefix+key)
	if err != nil {
		c.storageFailure("cache_read", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		c.removeDurable(ctx, []string{CacheKeyPrefix + key})
		return nil, false
	}
	return &entry, true
}

func (c *ResponseCache) durableKeys(ctx context.Context) []string {
	if c.durable == nil {
		return nil
	}
	keys, err := kv.KeysWithPrefix(ctx, c.durable, CacheKeyPrefix)
	if err != nil {
		c.storageFailure("cache_keys", "", err)
		return nil
	}
	return keys
}

func (c *ResponseCache) removeDurable(ctx context.Context, keys []string) {
	if c.durable == nil || len(keys) == 0 {
		return
	}
	if err := c.durable.MultiRemove(ctx, keys); err != nil {
		c.storageFailure("cache_remove", strings.Join(keys, ","), err)
	}
}

func (c *ResponseCache) storageFailure(op, key string, err error) {
	c.metrics.RecordStorageError(op)
	c.logger.Warn("durable cache operation failed", "operation", op, "key", key, "error", err)
}
