package expand

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/example/calsync/model"
)

// Cache stores interpreter results keyed by (master, window, rule). It is a
// performance optimization only: entries may disappear at any time and
// callers must always be able to recompute.
type Cache interface {
	Get(key string) ([]time.Time, bool)
	Set(key string, starts []time.Time)
	Close()
}

// CacheConfig holds configuration for the expansion cache.
type CacheConfig struct {
	TTL             time.Duration // how long entries stay valid
	MaxEntries      int           // maximum number of entries before eviction
	CleanupInterval time.Duration // how often expired entries are swept
}

// DefaultCacheConfig provides sensible defaults for expansion caching.
var DefaultCacheConfig = CacheConfig{
	TTL:             5 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: time.Minute,
}

// cacheKey derives a stable key from everything that determines an
// expansion result for one master over one window.
func cacheKey(master model.Event, windowStart, windowEnd time.Time) string {
	hasher := sha256.New()
	hasher.Write([]byte(master.ID))
	hasher.Write([]byte(master.RRule))
	hasher.Write([]byte(master.Anchor().Format(time.RFC3339Nano)))
	hasher.Write([]byte(windowStart.Format(time.RFC3339Nano)))
	hasher.Write([]byte(windowEnd.Format(time.RFC3339Nano)))
	for _, ex := range master.ExDates {
		hasher.Write([]byte(ex.Format(time.RFC3339Nano)))
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

type cacheEntry struct {
	starts     []time.Time
	expiresAt  time.Time
	accessedAt time.Time
}

// TTLCache is a bounded, time-limited in-memory cache with a background
// cleanup loop.
type TTLCache struct {
	entries     map[string]*cacheEntry
	mu          sync.RWMutex
	ttl         time.Duration
	maxEntries  int
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

var _ Cache = (*TTLCache)(nil)

// NewTTLCache creates a cache with the given configuration and starts its
// cleanup goroutine. Callers own the cache and must Close it.
func NewTTLCache(config CacheConfig) *TTLCache {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}

	c := &TTLCache{
		entries:     make(map[string]*cacheEntry),
		ttl:         config.TTL,
		maxEntries:  config.MaxEntries,
		stopCleanup: make(chan struct{}),
	}

	go c.cleanupLoop(config.CleanupInterval)

	return c
}

// Get retrieves a cached result if it exists and has not expired.
func (c *TTLCache) Get(key string) ([]time.Time, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	entry.accessedAt = now
	c.mu.Unlock()

	return entry.starts, true
}

// Set stores a result in the cache.
func (c *TTLCache) Set(key string, starts []time.Time) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		starts:     starts,
		expiresAt:  now.Add(c.ttl),
		accessedAt: now,
	}

	if len(c.entries) > c.maxEntries {
		c.evict()
	}
}

// evict removes expired entries and, if still over the limit, the least
// recently accessed ones. Caller must hold the write lock.
func (c *TTLCache) evict() {
	now := time.Now()

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}

	for len(c.entries) > c.maxEntries {
		oldestKey := ""
		var oldestAccess time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.accessedAt.Before(oldestAccess) {
				oldestKey = key
				oldestAccess = entry.accessedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *TTLCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evict()
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine and clears the cache.
func (c *TTLCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

// Len returns the current number of entries.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NopCache never stores anything. Tests substitute it to exercise
// recomputation paths.
type NopCache struct{}

var _ Cache = NopCache{}

func (NopCache) Get(string) ([]time.Time, bool) { return nil, false }
func (NopCache) Set(string, []time.Time)        {}
func (NopCache) Close()                         {}
