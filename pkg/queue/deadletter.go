package queue

import (
	"sync"
	"time"

	"github.com/kart-io/watchtower/pkg/event"
)

// DeadLetterEntry records one event that left the pipeline unprocessed,
// the reason it was parked, and when.
type DeadLetterEntry struct {
	Event  *event.Event `json:"event"`
	Reason string       `json:"reason"`
	At     time.Time    `json:"at"`
}

// deadLetterRing is a bounded FIFO of dead-letter entries. It carries its
// own lock because entries are pushed both under and outside the queue
// mutex; the lock order is always queue mutex first, ring second.
type deadLetterRing struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	cap     int
}

func newDeadLetterRing(capacity int) *deadLetterRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &deadLetterRing{cap: capacity}
}

// push appends an entry, evicting the oldest once the ring is full.
func (r *deadLetterRing) push(entry DeadLetterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.cap {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, entry)
}

func (r *deadLetterRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// recent copies out up to limit entries, newest first. A non-positive
// limit returns everything.
func (r *deadLetterRing) recent(limit int) []DeadLetterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]DeadLetterEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

// DeadLetterEvents returns up to limit dead-letter entries, newest first.
// A non-positive limit returns the whole ring.
func (q *EventQueue) DeadLetterEvents(limit int) []DeadLetterEntry {
	return q.dead.recent(limit)
}

// DeadLetterSize returns the number of entries currently parked.
func (q *EventQueue) DeadLetterSize() int {
	return q.dead.len()
}
