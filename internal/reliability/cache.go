// Package reliability implements the scheduler, fingerprint cache, retry
// policy, and rate limiter that drive plugin refreshes (§4.4–§4.5).
package reliability

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultTTL      = 300 * time.Second
	defaultTTI      = 120 * time.Second
	minTTL          = 1 * time.Second
	maxTTL          = 1 * time.Hour
	globalCapacity  = 100 * 1024 * 1024 // 100 MiB
)

// entry is a cache slot. TTL and TTI are absolute deadlines, reset on write;
// TTI alone is refreshed on read. Entries are immutable after write: a
// logical update replaces the slot rather than mutating in place.
type entry struct {
	pluginID  string
	key       string
	value     []byte
	size      int
	ttlAt     time.Time
	ttiAt     time.Time
	ttiWindow time.Duration
	elem      *list.Element // position in the LRU list
}

// Cache is the in-process per-plugin TTL+TTI fingerprint cache (§4.5.1).
// There is no third-party cache library in the corpus shaped for an
// in-process, per-invocation fingerprint cache with TTL+TTI semantics and a
// reverse plugin index — see DESIGN.md for why this is hand-rolled on the
// teacher's mutex-protected-map idiom (LogBuffer, rateLimiter) rather than a
// dependency.
type Cache struct {
	mu       sync.Mutex
	capacity int
	size     int
	entries  map[string]*entry // "pluginID\x00key" -> entry
	lru      *list.List        // front = most recently used
	byPlugin map[string]map[string]struct{}
	now      func() time.Time
}

// NewCache creates a cache with the spec's fixed 100 MiB global capacity.
func NewCache() *Cache {
	return &Cache{
		capacity: globalCapacity,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		byPlugin: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

func cacheKey(pluginID, key string) string {
	return pluginID + "\x00" + key
}

// Fingerprint hashes the canonical config bytes, the invocation kind, and
// the params into the cache key per §4.5.1: hash(canonical(config) ⊕ kind ⊕ params).
func Fingerprint(canonicalConfig, kind string, canonicalParams []byte) string {
	h := sha256.New()
	h.Write([]byte(canonicalConfig))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonicalParams)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value iff it has not passed its TTL or TTI
// deadline; otherwise it behaves as absent, per invariant: TTL and TTI are
// checked with strict "<", never "<=". A successful read refreshes TTI.
func (c *Cache) Get(pluginID, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(pluginID, key)
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}

	now := c.now()
	if !now.Before(e.ttlAt) || !now.Before(e.ttiAt) {
		c.evictLocked(k, e)
		return nil, false
	}

	e.ttiAt = now.Add(e.ttiWindow)
	c.lru.MoveToFront(e.elem)
	return e.value, true
}

// Set stores value under (pluginID, key), resetting both TTL and TTI
// deadlines. ttl is clamped to [1s, 1h]; tti defaults to 120s if zero.
func (c *Cache) Set(pluginID, key string, value []byte, ttl, tti time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	if tti <= 0 {
		tti = defaultTTI
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := cacheKey(pluginID, key)

	if old, ok := c.entries[k]; ok {
		c.evictLocked(k, old)
	}

	e := &entry{
		pluginID:  pluginID,
		key:       key,
		value:     value,
		size:      len(value),
		ttlAt:     now.Add(ttl),
		ttiAt:     now.Add(tti),
		ttiWindow: tti,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[k] = e
	c.size += e.size

	if c.byPlugin[pluginID] == nil {
		c.byPlugin[pluginID] = make(map[string]struct{})
	}
	c.byPlugin[pluginID][key] = struct{}{}

	c.evictForCapacityLocked()
}

// InvalidatePlugin drops every cached entry for pluginID in O(keys of that
// plugin) using the reverse index, per §4.2's cache capability contract.
func (c *Cache) InvalidatePlugin(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byPlugin[pluginID]
	for key := range keys {
		k := cacheKey(pluginID, key)
		if e, ok := c.entries[k]; ok {
			c.evictLocked(k, e)
		}
	}
	delete(c.byPlugin, pluginID)
}

// evictForCapacityLocked evicts least-recently-used entries until the
// global byte cap is satisfied. Caller holds c.mu.
func (c *Cache) evictForCapacityLocked() {
	for c.size > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.evictLocked(cacheKey(e.pluginID, e.key), e)
	}
}

// evictLocked removes an entry from all indices. Caller holds c.mu.
func (c *Cache) evictLocked(k string, e *entry) {
	delete(c.entries, k)
	c.lru.Remove(e.elem)
	c.size -= e.size
	if keys, ok := c.byPlugin[e.pluginID]; ok {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.byPlugin, e.pluginID)
		}
	}
}

// Len returns the number of live entries (test/diagnostic use).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
