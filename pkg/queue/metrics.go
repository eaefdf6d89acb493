package queue

import (
	"sync"
	"time"
)

const (
	// rateWindowSpan is the sliding window over which enqueue and dequeue
	// rates are computed.
	rateWindowSpan = 60 * time.Second

	// waitSampleCap bounds the ring of wait-time samples behind AvgWaitTime.
	waitSampleCap = 1000
)

// Metrics is a point-in-time snapshot of queue state and throughput.
type Metrics struct {
	CurrentSize          int           `json:"current_size"`
	MaxSize              int           `json:"max_size"`
	TotalEnqueued        int64         `json:"total_enqueued"`
	TotalDequeued        int64         `json:"total_dequeued"`
	TotalDeadLettered    int64         `json:"total_dead_lettered"`
	TotalDropped         int64         `json:"total_dropped"`
	TotalExpired         int64         `json:"total_expired"`
	AvgWaitTime          time.Duration `json:"avg_wait_time"`
	EnqueueRate          float64       `json:"enqueue_rate"`
	DequeueRate          float64       `json:"dequeue_rate"`
	EventsBeingProcessed int64         `json:"events_being_processed"`
	DeadLetterSize       int           `json:"dead_letter_size"`
	UtilizationPercent   float64       `json:"utilization_percent"`
}

// Metrics assembles a snapshot without taking the queue mutex; the counters
// are atomic and the rate and wait windows carry their own locks.
func (q *EventQueue) Metrics() Metrics {
	now := q.nowFn()
	size := int(q.size.Load())

	util := 0.0
	if q.cfg.MaxQueueSize > 0 {
		util = float64(size) / float64(q.cfg.MaxQueueSize) * 100
	}

	return Metrics{
		CurrentSize:          size,
		MaxSize:              q.cfg.MaxQueueSize,
		TotalEnqueued:        q.enqueued.Load(),
		TotalDequeued:        q.dequeued.Load(),
		TotalDeadLettered:    q.deadLettered.Load(),
		TotalDropped:         q.dropped.Load(),
		TotalExpired:         q.expired.Load(),
		AvgWaitTime:          q.waitSamples.average(),
		EnqueueRate:          q.enqueueWindow.rate(now),
		DequeueRate:          q.dequeueWindow.rate(now),
		EventsBeingProcessed: q.processing.Load(),
		DeadLetterSize:       q.dead.len(),
		UtilizationPercent:   util,
	}
}

// rateWindow counts timestamps inside a sliding span. The reported rate is
// occurrences per second over that span.
type rateWindow struct {
	mu    sync.Mutex
	span  time.Duration
	marks []time.Time
}

func newRateWindow(span time.Duration) *rateWindow {
	return &rateWindow{span: span}
}

func (w *rateWindow) record(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(at)
	w.marks = append(w.marks, at)
}

func (w *rateWindow) rate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return float64(len(w.marks)) / w.span.Seconds()
}

// pruneLocked drops timestamps that fell out of the window. Caller holds w.mu.
func (w *rateWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.marks) && !w.marks[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.marks = append(w.marks[:0], w.marks[i:]...)
	}
}

// waitRing keeps the most recent wait-time samples for the rolling average.
type waitRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newWaitRing(capacity int) *waitRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &waitRing{samples: make([]time.Duration, capacity)}
}

func (r *waitRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *waitRing) average() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.samples)
	if !r.full {
		n = r.next
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}
