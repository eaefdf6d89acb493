package queue

import "github.com/kart-io/watchtower/pkg/event"

// heapItem pairs an event with a monotonic sequence number assigned under
// the queue mutex. The sequence breaks ties between events that share a
// priority and an enqueue timestamp, so arrival order is never ambiguous.
type heapItem struct {
	ev  *event.Event
	seq uint64
}

// eventHeap orders events for dequeue: higher priority first, earlier
// enqueue time first within the same priority class, arrival order last.
type eventHeap []heapItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	// Higher priority first
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority > h[j].ev.Priority
	}
	// Earlier enqueue first for same priority
	if !h[i].ev.EnqueuedAt.Equal(h[j].ev.EnqueuedAt) {
		return h[i].ev.EnqueuedAt.Before(h[j].ev.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[0 : n-1]
	return it
}
