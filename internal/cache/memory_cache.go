package cache

import (
	"container/list"
	"image"
	"sync"

	"go.uber.org/zap"

	"tilecache/internal/bufpool"
	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// DefaultCapacity is used when a cache is created with a non-positive size.
const DefaultCapacity = 256

type entry struct {
	key    tile.ID
	handle *Handle
}

// MemoryCache implements an in-memory LRU tile cache. A single mutex guards
// the map and the list so eviction always sees a consistent size.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	items    map[tile.ID]*list.Element
	lruList  *list.List
	diskKey  string
	pool     *bufpool.Pool
	logger   *zap.Logger
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a new in-memory LRU cache. Reclaimed buffers go back
// to pool, which may be nil.
func NewMemoryCache(capacity int, pool *bufpool.Pool, logger *zap.Logger) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[tile.ID]*list.Element),
		lruList:  list.New(),
		pool:     pool,
		logger:   logger,
	}
}

func (c *MemoryCache) Get(key tile.ID) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil
	}

	metrics.CacheHits.Inc()
	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).handle
}

func (c *MemoryCache) Contains(key tile.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) Put(key tile.ID, img *image.RGBA, freshness tile.Freshness) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insertLocked(key, img, freshness)
}

func (c *MemoryCache) PutIfAbsent(key tile.ID, img *image.RGBA, freshness tile.Freshness) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*entry).handle, false
	}
	return c.insertLocked(key, img, freshness), true
}

func (c *MemoryCache) PutUnlessFresh(key tile.ID, img *image.RGBA, freshness tile.Freshness) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		existing := elem.Value.(*entry).handle
		if !existing.IsExpired() {
			return existing, false
		}
	}
	return c.insertLocked(key, img, freshness), true
}

func (c *MemoryCache) insertLocked(key tile.ID, img *image.RGBA, freshness tile.Freshness) *Handle {
	h := newHandle(img, freshness, c.pool)
	h.attach()

	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*entry)
		old := ent.handle
		ent.handle = h
		c.lruList.MoveToFront(elem)
		old.detach()
		return h
	}

	elem := c.lruList.PushFront(&entry{key: key, handle: h})
	c.items[key] = elem
	c.evictLocked()
	metrics.CacheEntries.Set(float64(len(c.items)))
	return h
}

// evictLocked drops least recently used entries until the cache is back at
// capacity. Entries with an open use region are skipped, and the most recent
// entry is never evicted, so an insert always succeeds.
func (c *MemoryCache) evictLocked() {
	front := c.lruList.Front()
	elem := c.lruList.Back()
	for c.lruList.Len() > c.capacity && elem != nil && elem != front {
		prev := elem.Prev()
		ent := elem.Value.(*entry)
		if !ent.handle.InUse() {
			c.lruList.Remove(elem)
			delete(c.items, ent.key)
			ent.handle.detach()
			metrics.CacheEvictions.Inc()
		}
		elem = prev
	}
}

func (c *MemoryCache) Remove(key tile.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.lruList.Remove(elem)
	delete(c.items, key)
	elem.Value.(*entry).handle.detach()
	metrics.CacheEntries.Set(float64(len(c.items)))
	return true
}

// EnsureCapacity raises the capacity to at least n. It never shrinks.
func (c *MemoryCache) EnsureCapacity(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.capacity {
		c.logger.Debug("Tile cache capacity raised", zap.Int("from", c.capacity), zap.Int("to", n))
		c.capacity = n
	}
}

func (c *MemoryCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear drops every entry. Buffers still being read are reclaimed when their
// last reader finishes.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.items {
		elem.Value.(*entry).handle.detach()
	}
	c.items = make(map[tile.ID]*list.Element)
	c.lruList = list.New()
	metrics.CacheEntries.Set(0)
}

// SetCacheKey records the key of the persistent tier. It leaves in-memory
// entries alone.
func (c *MemoryCache) SetCacheKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diskKey = key
}

func (c *MemoryCache) CacheKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diskKey
}
