package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CacheLayer is a process-local StateStore with TTL expiration and LRU
// eviction, used for OAuth state when no Redis is configured. Take removes
// the entry it returns, so every value is read at most once.
type CacheLayer struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	eviction   *list.List // front = most recently written, back = least
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// CacheConfig configures the cache layer.
type CacheConfig struct {
	// MaxSize is the maximum number of entries held.
	MaxSize int `yaml:"max_size" json:"max_size"`
	// DefaultTTL applies to Put calls without a positive ttl.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DefaultCacheConfig returns the limits used for OAuth state.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize:    10000,
		DefaultTTL: 15 * time.Minute,
	}
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"maxSize"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

// NewCacheLayer creates a new cache layer.
func NewCacheLayer(cfg CacheConfig) *CacheLayer {
	def := DefaultCacheConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	return &CacheLayer{
		items:      make(map[string]*list.Element, cfg.MaxSize),
		eviction:   list.New(),
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
}

// Put implements StateStore.
func (c *CacheLayer) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	v := append([]byte(nil), value...)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = v
		entry.expiresAt = c.now().Add(ttl)
		c.eviction.MoveToFront(elem)
		return nil
	}

	for c.eviction.Len() >= c.maxSize {
		c.evictLocked()
	}
	c.items[key] = c.eviction.PushFront(&cacheEntry{key: key, value: v, expiresAt: c.now().Add(ttl)})
	return nil
}

// Take implements StateStore.
func (c *CacheLayer) Take(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, ErrMiss
	}
	entry := elem.Value.(*cacheEntry)
	c.removeLocked(elem)
	if c.now().After(entry.expiresAt) {
		c.misses++
		return nil, ErrMiss
	}
	c.hits++
	return entry.value, nil
}

// PurgeExpired removes all expired entries and returns how many were dropped.
func (c *CacheLayer) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	var next *list.Element
	for e := c.eviction.Front(); e != nil; e = next {
		next = e.Next()
		if now.After(e.Value.(*cacheEntry).expiresAt) {
			c.removeLocked(e)
			purged++
		}
	}
	return purged
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *CacheLayer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Stats returns cache statistics.
func (c *CacheLayer) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      c.eviction.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   c.hitRateLocked(),
	}
}

func (c *CacheLayer) hitRateLocked() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// evictLocked drops the least recently written entry.
func (c *CacheLayer) evictLocked() {
	back := c.eviction.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	c.evictions++
}

func (c *CacheLayer) removeLocked(elem *list.Element) {
	delete(c.items, elem.Value.(*cacheEntry).key)
	c.eviction.Remove(elem)
}

var (
	_ StateStore = (*CacheLayer)(nil)
	_ StateStore = (*RedisStateStore)(nil)
)
