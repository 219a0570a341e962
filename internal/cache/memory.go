package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryCache implements an L1 in-memory cache with per-entry TTL and LRU
// eviction. Keys are spread over independent shards so that writers to
// different keys do not contend on a single lock.
type MemoryCache struct {
	shards []*memoryShard
	now    func() time.Time
}

// memoryShard is one lock domain of the memory cache.
type memoryShard struct {
	capacity int64 // Maximum size in bytes
	size     int64 // Current size in bytes

	// LRU implementation
	items    map[string]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats CacheStats
}

// memoryCacheEntry represents an entry in the memory cache. Entries are
// replaced, never mutated in place, so readers always see a whole value.
type memoryCacheEntry struct {
	key       string
	value     []byte
	size      int64
	createdAt time.Time
	ttl       time.Duration
	hits      int64
}

// NewMemoryCache creates a new memory cache with the specified capacity in bytes
// split across the given number of shards.
func NewMemoryCache(capacity int64, shards int) *MemoryCache {
	if shards < 1 {
		shards = 1
	}
	per := capacity / int64(shards)
	if per < 1 {
		per = 1
	}
	c := &MemoryCache{
		shards: make([]*memoryShard, shards),
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &memoryShard{
			capacity: per,
			items:    make(map[string]*list.Element),
			eviction: list.New(),
			stats:    CacheStats{Capacity: per},
		}
	}
	return c
}

// SetClock replaces the time source, used by tests to move time forward.
func (c *MemoryCache) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *MemoryCache) shard(key string) *memoryShard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get retrieves a value from the cache. Expired entries are removed and
// reported as absent.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	value, _, ok := c.GetWithMetadata(key)
	return value, ok
}

// GetWithMetadata retrieves a value along with its metadata.
func (c *MemoryCache) GetWithMetadata(key string) ([]byte, CacheMetadata, bool) {
	s := c.shard(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.stats.Misses++
		return nil, CacheMetadata{}, false
	}

	entry := elem.Value.(*memoryCacheEntry)
	if expired(entry.createdAt, entry.ttl, now) {
		s.removeElement(elem)
		s.stats.Expirations++
		s.stats.Misses++
		return nil, CacheMetadata{}, false
	}

	// Move to front (most recently used)
	s.eviction.MoveToFront(elem)
	entry.hits++
	s.stats.Hits++

	return entry.value, CacheMetadata{
		Key:       entry.key,
		Size:      entry.size,
		CreatedAt: entry.createdAt,
		TTL:       entry.ttl,
		Hits:      entry.hits,
		Level:     CacheLevelL1,
	}, true
}

// Put stores a value in the cache with the given time-to-live.
func (c *MemoryCache) Put(key string, value []byte, ttl time.Duration) error {
	return c.putAt(key, value, ttl, c.now())
}

func (c *MemoryCache) putAt(key string, value []byte, ttl time.Duration, createdAt time.Time) error {
	s := c.shard(key)
	stored := append([]byte(nil), value...)
	valueSize := int64(len(stored))

	s.mu.Lock()
	defer s.mu.Unlock()

	if valueSize > s.capacity {
		return ErrItemTooLarge
	}

	entry := &memoryCacheEntry{
		key:       key,
		value:     stored,
		size:      valueSize,
		createdAt: createdAt,
		ttl:       ttl,
	}

	// Last write wins: swap the whole entry
	if elem, ok := s.items[key]; ok {
		old := elem.Value.(*memoryCacheEntry)
		s.size += valueSize - old.size
		elem.Value = entry
		s.eviction.MoveToFront(elem)
	} else {
		s.items[key] = s.eviction.PushFront(entry)
		s.size += valueSize
	}

	// Evict items if necessary, never the entry just written
	for s.size > s.capacity && s.eviction.Len() > 1 {
		s.evictOldest()
	}

	s.stats.Size = s.size
	return nil
}

// Delete removes an entry from the cache.
func (c *MemoryCache) Delete(key string) error {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.removeElement(elem)
	}
	return nil
}

// Clear removes all entries from the cache.
func (c *MemoryCache) Clear() error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.eviction.Init()
		s.size = 0
		s.stats.Size = 0
		s.mu.Unlock()
	}
	return nil
}

// Size returns the current cache size in bytes.
func (c *MemoryCache) Size() int64 {
	var total int64
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.size
		s.mu.Unlock()
	}
	return total
}

// Stats returns cache statistics aggregated over all shards.
func (c *MemoryCache) Stats() CacheStats {
	var total CacheStats
	for _, s := range c.shards {
		s.mu.Lock()
		st := s.stats
		st.Size = s.size
		st.ItemCount = int64(len(s.items))
		s.mu.Unlock()
		total.add(st)
	}
	total.computeHitRate()
	return total
}

// Prune removes expired entries and returns how many were removed.
func (c *MemoryCache) Prune() int {
	now := c.now()
	pruned := 0
	for _, s := range c.shards {
		s.mu.Lock()
		elem := s.eviction.Back()
		for elem != nil {
			prev := elem.Prev()
			entry := elem.Value.(*memoryCacheEntry)
			if expired(entry.createdAt, entry.ttl, now) {
				s.removeElement(elem)
				s.stats.Expirations++
				pruned++
			}
			elem = prev
		}
		s.stats.Size = s.size
		s.mu.Unlock()
	}
	return pruned
}

// evictOldest removes the least recently used item (must be called with lock held).
func (s *memoryShard) evictOldest() {
	if elem := s.eviction.Back(); elem != nil {
		s.removeElement(elem)
		s.stats.Evictions++
	}
}

// removeElement removes an element from the shard (must be called with lock held).
func (s *memoryShard) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	entry := elem.Value.(*memoryCacheEntry)
	delete(s.items, entry.key)
	s.size -= entry.size
}
