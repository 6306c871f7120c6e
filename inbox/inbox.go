// Package inbox holds completed inbound transfers until the user dismisses
// them. Entries are keyed by transfer identifier; the collection is bounded
// and never auto-expires.
package inbox

import (
	"sort"
	"sync"
	"time"

	"github.com/user/meshdrop/frame"
	"github.com/user/meshdrop/logger"
)

// DefaultCapacity bounds the inbox when the caller has no opinion
const DefaultCapacity = 256

// Event is one completed inbound transfer. The reassembled bytes live at
// Location, managed by the storage collaborator; the inbox only holds the
// reference.
type Event struct {
	TransferID   frame.ID
	OriginalType string
	Size         int
	Location     string
	TTL          uint8 // remaining hop budget at the final hop, informational
	HasRecipient bool
	Recipient    frame.ID
	ReceivedAt   time.Time
}

// Inbox is the bounded, dismiss-on-demand collection of completed transfers
type Inbox struct {
	mu       sync.RWMutex
	capacity int
	events   map[frame.ID]Event
	notify   func(Event)
	refused  int
}

// New creates an inbox bounded at capacity entries
func New(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Inbox{
		capacity: capacity,
		events:   make(map[frame.ID]Event),
	}
}

// SetNotify registers a callback invoked once per newly inserted event,
// never for duplicates.
func (ib *Inbox) SetNotify(fn func(Event)) {
	ib.mu.Lock()
	ib.notify = fn
	ib.mu.Unlock()
}

// Insert adds a completed transfer. Idempotent by transfer identifier: a
// second completion notice for a present identifier is a no-op and does not
// re-trigger notification. Returns true only for a fresh insert.
func (ib *Inbox) Insert(ev Event) bool {
	ib.mu.Lock()

	if _, exists := ib.events[ev.TransferID]; exists {
		ib.mu.Unlock()
		return false
	}
	if len(ib.events) >= ib.capacity {
		ib.refused++
		ib.mu.Unlock()
		logger.Warn("inbox", "at capacity (%d), refused transfer %s", ib.capacity, ev.TransferID.Short())
		return false
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	ib.events[ev.TransferID] = ev
	notify := ib.notify
	ib.mu.Unlock()

	if notify != nil {
		notify(ev)
	}
	return true
}

// Dismiss removes an entry by transfer identifier. The reassembled bytes'
// storage lifecycle belongs to the storage collaborator, not the inbox.
func (ib *Inbox) Dismiss(transferID frame.ID) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if _, exists := ib.events[transferID]; !exists {
		return false
	}
	delete(ib.events, transferID)
	return true
}

// Contains reports whether a transfer is present
func (ib *Inbox) Contains(transferID frame.ID) bool {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	_, exists := ib.events[transferID]
	return exists
}

// List returns a snapshot ordered by size descending. The ordering is for
// presentation only and carries no protocol meaning.
func (ib *Inbox) List() []Event {
	ib.mu.RLock()
	defer ib.mu.RUnlock()

	out := make([]Event, 0, len(ib.events))
	for _, ev := range ib.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].TransferID.String() < out[j].TransferID.String()
	})
	return out
}

// Len returns the number of undismissed entries
func (ib *Inbox) Len() int {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	return len(ib.events)
}

// Refused returns how many inserts were turned away at capacity
func (ib *Inbox) Refused() int {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	return ib.refused
}
