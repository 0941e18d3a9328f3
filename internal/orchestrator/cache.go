package orchestrator

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheTTL     = 60 * time.Second
	DefaultCacheMaxSize = 10_000
)

type cacheEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

// IdempotencyCache memoizes tool results keyed by
// (tenant, tool name, canonical argument hash). Entries expire after a TTL
// and the least-recently-used entry is evicted when the cache is full.
// Access and update both promote the entry to the MRU position.
type IdempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   *list.List // front = MRU
	items   map[string]*list.Element
	now     func() time.Time
}

// NewIdempotencyCache builds a cache; non-positive arguments fall back to
// the defaults.
func NewIdempotencyCache(ttl time.Duration, maxSize int) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	return &IdempotencyCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// CacheKey derives the canonical cache key. Arguments are parsed and
// re-encoded with sorted object keys so that formatting differences in the
// raw JSON do not defeat caching; unparseable arguments hash as-is.
func CacheKey(tenantID, toolName, rawArgs string) string {
	// encoding/json sorts map keys at every depth, so a round trip through
	// interface{} yields a canonical form.
	canonical := rawArgs
	var parsed interface{}
	if err := json.Unmarshal([]byte(rawArgs), &parsed); err == nil {
		if b, err := json.Marshal(parsed); err == nil {
			canonical = string(b)
		}
	}
	h := sha256.Sum256([]byte(tenantID + "\x00" + toolName + "\x00" + canonical))
	return hex.EncodeToString(h[:])
}

// Get returns the cached value when present and unexpired, promoting it to
// MRU. Expired entries are removed on access.
func (c *IdempotencyCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Set stores a value, evicting the LRU entry when full.
func (c *IdempotencyCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.value = value
		ent.expiresAt = expires
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
	el := c.order.PushFront(&cacheEntry{key: key, value: value, expiresAt: expires})
	c.items[key] = el
}

// Len reports the number of entries, including any not yet expired-swept.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// SetClock injects a clock for tests.
func (c *IdempotencyCache) SetClock(now func() time.Time) {
	c.now = now
}
