package memorycache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/asakaida/habilis/pkg/cache"
)

// entry represents a cache entry with value and metadata
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	size      int64 // Approximate memory size in bytes
}

// Cache implements a size-bounded LRU cache with TTL support.
type Cache[V any] struct {
	mu sync.Mutex

	items     map[string]*list.Element // key -> list element
	evictList *list.List               // front = most recent, back = least recent

	maxSize int64
	ttl     time.Duration
	sizer   func(key string, value V) int64
	now     func() time.Time

	currentSize int64

	metrics *cacheMetrics
}

type cacheMetrics struct {
	hits        uint64
	misses      uint64
	keysAdded   uint64
	keysEvicted uint64
}

// Config holds configuration for the memory cache.
type Config[V any] struct {
	// MaxSizeBytes is the maximum total size of cached items in bytes.
	// When this limit is exceeded, least recently used items are evicted.
	MaxSizeBytes int64

	// DefaultTTL applies when Set is called with a non-positive TTL.
	DefaultTTL time.Duration

	// EnableMetrics enables collection of cache metrics.
	EnableMetrics bool

	// Sizer estimates the memory used by one entry. Defaults to 100 bytes plus the key length.
	Sizer func(key string, value V) int64
}

// New creates a new memory cache with the given configuration.
func New[V any](config *Config[V]) (*Cache[V], error) {
	c := &Cache[V]{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		maxSize:   config.MaxSizeBytes,
		ttl:       config.DefaultTTL,
		sizer:     config.Sizer,
		now:       time.Now,
	}

	if c.sizer == nil {
		c.sizer = func(key string, _ V) int64 { return int64(100 + len(key)) }
	}
	if config.EnableMetrics {
		c.metrics = &cacheMetrics{}
	}

	return c, nil
}

// Get retrieves a value from cache and marks it as recently used.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, exists := c.items[key]
	if !exists {
		c.miss()
		return zero, false
	}

	ent := elem.Value.(*entry[V])
	if c.now().After(ent.expiresAt) {
		c.removeElement(elem)
		c.miss()
		return zero, false
	}

	c.evictList.MoveToFront(elem)
	if c.metrics != nil {
		c.metrics.hits++
	}
	return ent.value, true
}

// Set stores a value in cache with the specified TTL.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.sizer(key, value)
	expiresAt := c.now().Add(ttl)

	if elem, exists := c.items[key]; exists {
		ent := elem.Value.(*entry[V])
		c.currentSize += size - ent.size
		ent.value = value
		ent.expiresAt = expiresAt
		ent.size = size
		c.evictList.MoveToFront(elem)
	} else {
		ent := &entry[V]{key: key, value: value, expiresAt: expiresAt, size: size}
		c.items[key] = c.evictList.PushFront(ent)
		c.currentSize += size
		if c.metrics != nil {
			c.metrics.keysAdded++
		}
	}

	for c.currentSize > c.maxSize && c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
		if c.metrics != nil {
			c.metrics.keysEvicted++
		}
	}

	return nil
}

// Delete removes a value from cache.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
	return nil
}

// Clear removes all entries from cache.
func (c *Cache[V]) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.currentSize = 0
	return nil
}

// Close releases resources (no-op for memory cache).
func (c *Cache[V]) Close() error {
	return nil
}

// Metrics returns cache statistics.
func (c *Cache[V]) Metrics() *cache.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := &cache.Metrics{
		KeysCurrent: int64(c.evictList.Len()),
		SizeBytes:   c.currentSize,
	}
	if c.metrics != nil {
		m.Hits = c.metrics.hits
		m.Misses = c.metrics.misses
		m.KeysAdded = c.metrics.keysAdded
		m.KeysEvicted = c.metrics.keysEvicted
	}
	return m
}

// Len returns the current number of items in cache.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Size returns the current total size in bytes.
func (c *Cache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

func (c *Cache[V]) miss() {
	if c.metrics != nil {
		c.metrics.misses++
	}
}

// removeElement removes an element from cache (must be called with lock held).
func (c *Cache[V]) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	ent := elem.Value.(*entry[V])
	delete(c.items, ent.key)
	c.currentSize -= ent.size
}
