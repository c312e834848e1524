// ABOUTME: Replay suppression for session events re-delivered across socket reconnects.
// ABOUTME: Remembers recently applied event ids with a TTL window and an LRU size cap.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers event ids that have already been applied so a
// reconnecting socket can drop frames the gateway re-delivers. Entries
// expire after the TTL and the oldest are evicted once the cache is
// full. All methods are safe for concurrent use.
//
// Expired entries are pruned lazily during normal operations; there is
// no background goroutine and nothing to close.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front, refreshed ids move to back
	ttl     time.Duration
	limit   int
}

type entry struct {
	id     string
	seenAt time.Time
}

// New creates a cache that forgets ids ttl after they were last marked
// and holds at most limit entries.
func New(ttl time.Duration, limit int) *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		limit:   limit,
	}
}

// Seen reports whether id was marked within the TTL window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(time.Now())

	_, ok := c.entries[id]
	return ok
}

// Mark records id as seen, refreshing its expiry if already present.
// Empty ids are ignored: a frame without an id cannot be a replay.
func (c *Cache) Mark(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)
	c.markLocked(id, now)
}

// CheckAndMark reports whether id was already seen and marks it either
// way, atomically. Exactly one caller observes false for a given id
// inside the TTL window, so apply-once handling can gate on the result.
// An empty id is never considered seen and is not marked.
func (c *Cache) CheckAndMark(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)

	_, seen := c.entries[id]
	c.markLocked(id, now)
	return seen
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(time.Now())
	return c.order.Len()
}

// markLocked inserts or refreshes id. Refreshed entries move to the
// back of the order list, so the list stays sorted by seenAt and the
// front is always the next entry to expire or evict.
func (c *Cache) markLocked(id string, now time.Time) {
	if elem, ok := c.entries[id]; ok {
		elem.Value.(*entry).seenAt = now
		c.order.MoveToBack(elem)
		return
	}

	if c.order.Len() >= c.limit {
		c.dropFrontLocked()
	}
	c.entries[id] = c.order.PushBack(&entry{id: id, seenAt: now})
}

// pruneLocked removes entries whose TTL has elapsed. The order list is
// sorted by seenAt, so only the front ever needs inspecting.
func (c *Cache) pruneLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		if now.Sub(front.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.dropFrontLocked()
	}
}

func (c *Cache) dropFrontLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	delete(c.entries, front.Value.(*entry).id)
	c.order.Remove(front)
}
