package sdk

import (
	"sync"
	"time"
)

// FlagCache is the in-memory store of last-known flag state. It is the only
// thing flag reads touch: producers (bootstrap, polling, streaming) write
// into it, readers evaluate against it, and neither path ever blocks on
// network or disk.
//
// Entries expire after a TTL and the store is bounded: inserting past
// MaxSize drops expired entries first, then the least-recently-accessed
// entries until the store fits.
type FlagCache interface {
	// Get returns the entry for key if present and unexpired.
	// An expired entry is evicted and reported absent.
	Get(key string) (FlagState, bool)

	// Peek returns the entry for key even when expired, along with whether
	// it is still fresh. Expired entries are left in place so degraded
	// reads can keep serving the last-known value.
	Peek(key string) (state FlagState, fresh bool, ok bool)

	// Set stores an entry with the given TTL (<= 0 means the cache's
	// default TTL). A value whose Version is lower than the stored
	// version for the same key is ignored; versions never move backward.
	Set(key string, state FlagState, ttl time.Duration)

	// Has reports whether key is present and unexpired.
	// Like Get, it evicts an expired entry.
	Has(key string) bool

	// Remove deletes the entry for key.
	Remove(key string)

	// Clear removes all entries.
	Clear()

	// SetAll stores every entry in states with the given TTL, applying
	// the same per-key version gating as Set.
	SetAll(states map[string]FlagState, ttl time.Duration)

	// GetAll returns a copy of all unexpired entries.
	GetAll() map[string]FlagState

	// PeekAll returns a copy of every entry, expired included, along with
	// the set of keys whose entries are past their TTL. Like Peek, it
	// leaves expired entries in place.
	PeekAll() (states map[string]FlagState, stale map[string]bool)

	// Len returns the number of entries currently stored, including
	// expired entries not yet evicted.
	Len() int
}

// CacheConfig holds configuration for the flag cache.
type CacheConfig struct {
	// MaxSize is the maximum number of entries held before eviction.
	// Default: 1000
	MaxSize int

	// DefaultTTL is applied when Set is called with a non-positive TTL.
	// Zero means entries never expire.
	// Default: 5m
	DefaultTTL time.Duration
}

// DefaultCacheConfig returns a cache configuration with sensible defaults.
//
// Default values:
//   - MaxSize: 1000
//   - DefaultTTL: 5m
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize:    1000,
		DefaultTTL: 5 * time.Minute,
	}
}

// cacheEntry is one stored flag plus its bookkeeping timestamps.
type cacheEntry struct {
	state      FlagState
	expiresAt  time.Time // zero means never
	lastAccess time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryCache is the default FlagCache implementation.
type memoryCache struct {
	config CacheConfig

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewFlagCache creates an in-memory TTL+LRU flag cache.
func NewFlagCache(config CacheConfig) FlagCache {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultCacheConfig().MaxSize
	}
	return &memoryCache{
		config:  config,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *memoryCache) Get(key string) (FlagState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[key]
	if !ok {
		return FlagState{}, false
	}
	if entry.expired(now) {
		delete(c.entries, key)
		return FlagState{}, false
	}
	entry.lastAccess = now
	return entry.state, true
}

func (c *memoryCache) Peek(key string) (FlagState, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return FlagState{}, false, false
	}
	return entry.state, !entry.expired(time.Now()), true
}

func (c *memoryCache) Set(key string, state FlagState, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, state, ttl)
}

// set stores one entry. Callers must hold c.mu.
func (c *memoryCache) set(key string, state FlagState, ttl time.Duration) {
	now := time.Now()

	if existing, ok := c.entries[key]; ok {
		if state.Version < existing.state.Version {
			return
		}
	} else if len(c.entries) >= c.config.MaxSize {
		c.evict(now)
	}

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	entry := &cacheEntry{
		state:      state,
		lastAccess: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	c.entries[key] = entry
}

// evict makes room for one new entry: expired entries go first, then the
// least-recently-accessed until under capacity. Callers must hold c.mu.
func (c *memoryCache) evict(now time.Time) {
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.config.MaxSize {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.lastAccess.Before(oldest) {
				oldestKey = key
				oldest = entry.lastAccess
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

func (c *memoryCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.expired(time.Now()) {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *memoryCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *memoryCache) SetAll(states map[string]FlagState, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, state := range states {
		c.set(key, state, ttl)
	}
}

func (c *memoryCache) GetAll() map[string]FlagState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make(map[string]FlagState, len(c.entries))
	for key, entry := range c.entries {
		if entry.expired(now) {
			continue
		}
		out[key] = entry.state
	}
	return out
}

func (c *memoryCache) PeekAll() (map[string]FlagState, map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	states := make(map[string]FlagState, len(c.entries))
	stale := make(map[string]bool)
	for key, entry := range c.entries {
		states[key] = entry.state
		if entry.expired(now) {
			stale[key] = true
		}
	}
	return states, stale
}

func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
