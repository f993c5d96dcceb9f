package shader

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// cacheShards must be a power of 2.
	cacheShards = 4
	shardMask   = cacheShards - 1

	// DefaultCacheCapacity is the default number of modules kept per shard.
	DefaultCacheCapacity = 16
)

type cacheKey struct {
	source     string
	stage      Stage
	entryPoint string
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	lru     *list.List // front is most recently used
}

type cacheEntry struct {
	key    cacheKey
	module *Module
}

// Cache is a thread-safe LRU of compiled modules keyed by source text,
// stage and entry point. Failed compilations are not cached.
// Cached modules are shared and must not be modified.
type Cache struct {
	shards   [cacheShards]*cacheShard
	capacity int
	opts     Options

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// CacheStats reports cache usage.
type CacheStats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// NewCache creates a cache holding up to capacity modules per shard,
// compiled with opts. If capacity <= 0, DefaultCacheCapacity is used.
func NewCache(capacity int, opts Options) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c := &Cache{capacity: capacity, opts: opts}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[cacheKey]*list.Element),
			lru:     list.New(),
		}
	}
	return c
}

func (c *Cache) shard(source string) *cacheShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source)) // fnv.Write never returns an error
	return c.shards[h.Sum64()&shardMask]
}

// Compile returns the cached module for the arguments, compiling it on a miss.
// The shard lock is held during compilation so concurrent callers with the
// same source compile once.
func (c *Cache) Compile(source string, stage Stage, entryPoint string) (*Module, error) {
	key := cacheKey{source: source, stage: stage, entryPoint: entryPoint}
	s := c.shard(source)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.lru.MoveToFront(el)
		c.hits.Add(1)
		return el.Value.(*cacheEntry).module, nil
	}
	c.misses.Add(1)

	mod, err := CompileWithOptions(source, stage, entryPoint, c.opts)
	if err != nil {
		return nil, err
	}

	for s.lru.Len() >= c.capacity {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
		c.evictions.Add(1)
	}
	s.entries[key] = s.lru.PushFront(&cacheEntry{key: key, module: mod})
	return mod, nil
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Clear drops every cached module. Statistics are kept.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[cacheKey]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Len:       c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
