// ABOUTME: TTL cache that answers "was this key seen recently" for event deduplication
// ABOUTME: Expired entries are swept lazily on lookups in capped batches; there is no timer

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultSweepBatch caps how many expired entries a single lookup removes.
	DefaultSweepBatch = 32
	// DefaultSweepEvery is how many lookups pass between uncapped sweeps.
	DefaultSweepEvery = 256
)

type cacheEntry struct {
	key      string
	lastSeen time.Time
}

// Cache is a size-limited, TTL-based seen-set. Entries are kept in a list
// ordered by last-seen time (oldest at front), so expired entries are always
// a prefix of the list and a sweep stops at the first live entry.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int

	sweepBatch int
	sweepEvery int
	lookups    int

	now func() time.Time
}

// New creates a cache that forgets keys ttl after they were last seen.
// maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:       make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxSize:    maxSize,
		sweepBatch: DefaultSweepBatch,
		sweepEvery: DefaultSweepEvery,
		now:        time.Now,
	}
}

// Check reports whether key was seen within the TTL without marking it.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	elem, ok := c.seen[key]
	return ok && c.live(elem, now)
}

// CheckAndMark atomically checks whether key was seen within the TTL and
// records it as seen now. Returns true for a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if elem, ok := c.seen[key]; ok {
		dup := c.live(elem, now)
		elem.Value.(*cacheEntry).lastSeen = now
		c.order.MoveToBack(elem)
		return dup
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.seen[key] = c.order.PushBack(&cacheEntry{key: key, lastSeen: now})
	return false
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) live(elem *list.Element, now time.Time) bool {
	return now.Sub(elem.Value.(*cacheEntry).lastSeen) < c.ttl
}

// sweepLocked removes expired entries from the front of the list. Most calls
// stop after sweepBatch removals; every sweepEvery-th call runs to completion.
// Must be called with mu held.
func (c *Cache) sweepLocked(now time.Time) {
	c.lookups++
	limit := c.sweepBatch
	if c.sweepEvery > 0 && c.lookups%c.sweepEvery == 0 {
		limit = -1
	}

	for removed := 0; limit < 0 || removed < limit; removed++ {
		front := c.order.Front()
		if front == nil || c.live(front, now) {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.seen, elem.Value.(*cacheEntry).key)
}
