// Package cache implements the response cache: a TTL map with LRU
// eviction and single-flight deduplication, with an optional Redis
// second level shared across gateway instances.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Payload is a cached canonical payload plus its provenance.
type Payload struct {
	Value     interface{}
	Source    string
	FetchedAt time.Time
}

// Stats counts cache activity for the metrics endpoint.
type Stats struct {
	Hits      int64
	Misses    int64
	Coalesced int64
	Evictions int64
}

// StatsSink receives cache events. The metrics registry implements it.
type StatsSink interface {
	CacheHit()
	CacheMiss()
	CacheCoalesced()
}

type entry struct {
	key       string
	payload   Payload
	expiresAt time.Time
	elem      *list.Element
}

// Cache is the in-memory response cache. At most one upstream fetch per
// key is in flight; concurrent callers share the result.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recent
	maxEntries int

	group singleflight.Group
	sink  StatsSink
	stats Stats

	second Level
}

// Level is a secondary cache behind the in-memory one. Errors degrade to
// a miss; the secondary level is never load-bearing.
type Level interface {
	Get(ctx context.Context, key string) (Payload, bool)
	Set(ctx context.Context, key string, p Payload, ttl time.Duration)
}

// Option configures a Cache.
type Option func(*Cache)

// WithStatsSink wires cache events into metrics.
func WithStatsSink(s StatsSink) Option {
	return func(c *Cache) { c.sink = s }
}

// WithSecondLevel adds a shared secondary level consulted on miss and
// written through after every successful fetch.
func WithSecondLevel(l Level) Option {
	return func(c *Cache) { c.second = l }
}

// New creates a cache bounded to maxEntries (default 10000).
func New(maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrFetch returns the live entry for key, or runs fetch under
// single-flight and caches the result for ttl. A fetch error propagates
// to every coalesced caller and caches nothing.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (Payload, error)) (Payload, error) {
	if p, ok := c.lookup(key); ok {
		c.hit()
		return p, nil
	}
	c.miss()

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent flight may have landed between the
		// lookup and joining the group.
		if p, ok := c.lookup(key); ok {
			return p, nil
		}
		if c.second != nil {
			if p, ok := c.second.Get(ctx, key); ok {
				c.store(key, p, ttl)
				return p, nil
			}
		}
		p, err := fetch(ctx)
		if err != nil {
			return Payload{}, err
		}
		c.store(key, p, ttl)
		if c.second != nil {
			c.second.Set(ctx, key, p, ttl)
		}
		return p, nil
	})
	if shared {
		c.coalesced()
	}
	if err != nil {
		return Payload{}, err
	}
	return v.(Payload), nil
}

// Invalidate drops a key from the in-memory level.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Payload{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
		return Payload{}, false
	}
	c.lru.MoveToFront(e.elem)
	return e.payload, true
}

func (c *Cache) store(key string, p Payload, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.payload = p
		e.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(e.elem)
		return
	}
	for len(c.entries) >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		c.lru.Remove(oldest)
		delete(c.entries, victim.key)
		c.stats.Evictions++
	}
	e := &entry{key: key, payload: p, expiresAt: time.Now().Add(ttl)}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
}

func (c *Cache) hit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	if c.sink != nil {
		c.sink.CacheHit()
	}
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	if c.sink != nil {
		c.sink.CacheMiss()
	}
}

func (c *Cache) coalesced() {
	c.mu.Lock()
	c.stats.Coalesced++
	c.mu.Unlock()
	if c.sink != nil {
		c.sink.CacheCoalesced()
	}
}
