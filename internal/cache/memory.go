package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// DefaultRetentionRatio is the fraction of entries kept by a
// memory-pressure eviction pass.
const DefaultRetentionRatio = 0.25

// memoryItem is one entry in a MemoryCache.
type memoryItem struct {
	key        string
	value      interface{}
	storedAt   time.Time
	ttl        time.Duration
	lastAccess time.Time
}

func (it *memoryItem) expired(now time.Time) bool {
	return now.After(it.storedAt.Add(it.ttl))
}

// TierStats is a point-in-time snapshot of one cache tier.
type TierStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// MemoryCache is an in-memory LRU tier with per-entry TTL. Expiry is
// checked lazily on read; capacity eviction happens synchronously before
// an insert would exceed maxSize. All operations are atomic with respect
// to each other; eviction never blocks a concurrent read for long.
type MemoryCache struct {
	maxSize int
	items   map[string]*list.Element
	lru     *list.List
	mu      sync.Mutex

	hits      int64
	misses    int64
	evictions int64

	// now is replaceable in tests to simulate clock advance
	now func() time.Time
}

// NewMemoryCache creates an LRU tier with the given capacity.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Get returns the value for key, or ErrNotFound on miss. An entry past
// its expiry is treated as a miss and removed.
func (c *MemoryCache) Get(key string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, ErrNotFound
	}

	item := element.Value.(*memoryItem)
	if item.expired(c.now()) {
		c.remove(key)
		c.misses++
		return nil, ErrNotFound
	}

	item.lastAccess = c.now()
	c.lru.MoveToFront(element)
	c.hits++
	return item.value, nil
}

// GetStale returns the value even past expiry, with stale reporting
// whether the entry has expired. Used by refresh paths that serve stale
// data while an update is in flight.
func (c *MemoryCache) GetStale(key string) (value interface{}, stale bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false, ErrNotFound
	}

	item := element.Value.(*memoryItem)
	if item.expired(c.now()) {
		// Counted as a miss and left in LRU position: a stale read must
		// not inflate the hit ratio or re-warm a dead entry ahead of
		// live ones.
		c.misses++
		return item.value, true, nil
	}

	item.lastAccess = c.now()
	c.lru.MoveToFront(element)
	c.hits++
	return item.value, false, nil
}

// Set inserts or overwrites an entry. When at capacity, the
// least-recently-used entry is evicted before the insert so size never
// exceeds maxSize.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if element, exists := c.items[key]; exists {
		item := element.Value.(*memoryItem)
		item.value = value
		item.storedAt = now
		item.ttl = ttl
		item.lastAccess = now
		c.lru.MoveToFront(element)
		return
	}

	if c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	element := c.lru.PushFront(&memoryItem{
		key:        key,
		value:      value,
		storedAt:   now,
		ttl:        ttl,
		lastAccess: now,
	})
	c.items[key] = element
}

// Delete removes a key, reporting whether it was present.
func (c *MemoryCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.items[key]
	c.remove(key)
	return exists
}

// Clear flushes the tier entirely. Administrative reset only; routine
// memory management goes through EvictUnderPressure.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lru.Init()
}

// Len returns the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of tier counters.
func (c *MemoryCache) Stats() TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := TierStats{
		Size:      len(c.items),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// CleanupExpired removes every entry past its TTL, returning the count.
func (c *MemoryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expiredKeys []string
	for key, element := range c.items {
		if element.Value.(*memoryItem).expired(now) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	for _, key := range expiredKeys {
		c.remove(key)
	}
	return len(expiredKeys)
}

// EvictUnderPressure keeps only the most-recently-accessed
// retentionRatio fraction of entries and removes the rest, coldest
// first. It never clears the tier to zero unless retentionRatio is 0.
// Returns the number of entries evicted.
func (c *MemoryCache) EvictUnderPressure(retentionRatio float64) int {
	if retentionRatio < 0 {
		retentionRatio = 0
	}
	if retentionRatio >= 1 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(c.items)
	keep := int(float64(total) * retentionRatio)
	toEvict := total - keep
	if toEvict <= 0 {
		return 0
	}

	type accessRecord struct {
		key        string
		lastAccess time.Time
	}

	records := make([]accessRecord, 0, total)
	for key, element := range c.items {
		records = append(records, accessRecord{key: key, lastAccess: element.Value.(*memoryItem).lastAccess})
	}

	// Coldest first
	sort.Slice(records, func(i, j int) bool {
		return records[i].lastAccess.Before(records[j].lastAccess)
	})

	for i := 0; i < toEvict; i++ {
		c.remove(records[i].key)
	}
	c.evictions += int64(toEvict)
	return toEvict
}

// remove deletes an item (caller must hold lock).
func (c *MemoryCache) remove(key string) {
	if element, exists := c.items[key]; exists {
		c.lru.Remove(element)
		delete(c.items, key)
	}
}

// evictOldest removes the LRU item (caller must hold lock).
func (c *MemoryCache) evictOldest() {
	element := c.lru.Back()
	if element != nil {
		c.remove(element.Value.(*memoryItem).key)
		c.evictions++
	}
}
