package router

import (
	"github.com/user/meshdrop/frame"
)

// seenKey identifies one wire frame for relay dedup. The mesh has cycles, so
// a frame can loop back through multiple paths; TTL decrement plus this
// cache bounds the flood without a spanning tree.
type seenKey struct {
	transferID frame.ID
	seq        uint32
	kind       frame.Kind
}

// seenCache is a bounded recently-seen-frame set with FIFO eviction
type seenCache struct {
	capacity int
	order    []seenKey
	next     int
	set      map[seenKey]struct{}
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &seenCache{
		capacity: capacity,
		order:    make([]seenKey, capacity),
		set:      make(map[seenKey]struct{}, capacity),
	}
}

// Add records a frame, returning false if it was already present
func (c *seenCache) Add(key seenKey) bool {
	if _, dup := c.set[key]; dup {
		return false
	}

	if len(c.set) >= c.capacity {
		evicted := c.order[c.next]
		delete(c.set, evicted)
	}
	c.order[c.next] = key
	c.next = (c.next + 1) % c.capacity
	c.set[key] = struct{}{}
	return true
}

func (c *seenCache) Len() int {
	return len(c.set)
}
