// Package queue provides the bounded priority event queue feeding the
// processing instances. Events are served in strict (priority desc,
// enqueue time asc) order; events that cannot be served move to a bounded
// in-memory dead-letter ring.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/logger"
)

// Dead-letter reasons recorded with each entry.
const (
	ReasonExpired          = "expired"
	ReasonPermanentFailure = "permanent_failure"
	ReasonMaxRetries       = "max_retries"
	ReasonRequeueFull      = "requeue_full"
	ReasonNoCapacity       = "no_capacity"
	ReasonCancelled        = "cancelled"
)

// SizeChange describes a queue size crossing a 10% utilization band.
type SizeChange struct {
	Size               int
	MaxSize            int
	UtilizationPercent float64
}

// EventQueue is a bounded in-memory priority FIFO with dead-letter
// overflow and age expiry. All methods are safe for concurrent use.
type EventQueue struct {
	cfg config.QueueConfig

	mu     sync.Mutex
	items  eventHeap
	seq    uint64
	dead   *deadLetterRing
	closed bool

	// notEmpty wakes one blocked Dequeue per enqueued item; a consumer
	// that leaves items behind re-signals so no waiter sleeps through
	// available work.
	notEmpty chan struct{}
	stopCh   chan struct{}

	// Counters follow the conservation law
	// totalEnqueued = totalDequeued + currentSize + totalDeadLettered + eventsBeingProcessed.
	// Requeue and DeadLetter move an in-flight event between buckets by
	// decrementing totalDequeued, so the law holds at every quiescent moment.
	size          atomrInt64
	enqueued      atomrInt64
	dequeued      atomrInt64
	deadLettered  atomrInt64
	dropped       atomrInt64
	expired       atomrInt64
	processing    atomrInt64
	lastSizeBand  atomrInt64
	enqueueWindow *rateWindow
	dequeueWindow *rateWindow
	waitSamples   *waitRing

	handlerMu         sync.RWMutex
	onEnqueued        []func(*event.Event)
	onDequeued        []func(*event.Event)
	onSizeChanged     []func(SizeChange)
	onDeadLetter      []func(DeadLetterEntry)
	nowFn             func() time.Time
	logger            logger.Logger
	deadLetterEnabled bool
}

// atomrInt64 is a convenience alias for readability of the counter block.
type atomrInt64 = atomic.Int64

// Option customizes queue construction.
type Option func(*EventQueue)

// WithNowFunc injects the clock used for enqueue stamps and age expiry.
func WithNowFunc(now func() time.Time) Option {
	return func(q *EventQueue) { q.nowFn = now }
}

// New creates an event queue with the given configuration.
func New(cfg config.QueueConfig, log logger.Logger, opts ...Option) *EventQueue {
	if log == nil {
		log = logger.Discard
	}

	q := &EventQueue{
		cfg:               cfg,
		items:             make(eventHeap, 0, min(cfg.MaxQueueSize, 1024)),
		dead:              newDeadLetterRing(cfg.DeadLetterMaxSize),
		notEmpty:          make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		enqueueWindow:     newRateWindow(rateWindowSpan),
		dequeueWindow:     newRateWindow(rateWindowSpan),
		waitSamples:       newWaitRing(waitSampleCap),
		nowFn:             time.Now,
		logger:            log,
		deadLetterEnabled: cfg.DeadLetterEnabled,
	}
	heap.Init(&q.items)

	for _, opt := range opts {
		opt(q)
	}

	log.Info("Event queue created",
		"maxSize", cfg.MaxQueueSize,
		"maxEventAge", cfg.MaxEventAge(),
		"deadLetter", cfg.DeadLetterEnabled)
	return q
}

// Enqueue adds an event without blocking. A full queue drops the event and
// returns ErrQueueFull; nothing but the drop counter changes.
func (q *EventQueue) Enqueue(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return errors.New(errors.ErrInternal, "nil event").WithComponent("queue")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCancelled, "enqueue cancelled").WithComponent("queue")
	}

	now := q.nowFn()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New(errors.ErrQueueClosed, "queue is closed").WithComponent("queue")
	}
	if len(q.items) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		q.dropped.Add(1)
		q.logger.Warn("Queue full, event dropped", "eventID", ev.ID, "capacity", q.cfg.MaxQueueSize)
		return errors.Newf(errors.ErrQueueFull, "queue at capacity %d", q.cfg.MaxQueueSize).
			WithComponent("queue").WithEventID(ev.ID)
	}

	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = now
	}
	q.pushLocked(ev)
	q.enqueued.Add(1)
	q.enqueueWindow.record(now)
	band := q.bandChangeLocked()
	q.mu.Unlock()

	q.signal()
	q.fireEnqueued(ev)
	if band != nil {
		q.fireSizeChanged(*band)
	}
	q.logger.Debug("Event enqueued", "eventID", ev.ID, "priority", ev.Priority.String())
	return nil
}

// Dequeue blocks up to timeout for the highest-priority event. Expired
// events are drained to the dead-letter ring before one is served. A zero
// timeout polls: it returns immediately with ErrTimeout when empty.
func (q *EventQueue) Dequeue(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	deadline := q.nowFn().Add(timeout)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}

	for {
		now := q.nowFn()

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, errors.New(errors.ErrQueueClosed, "queue is closed").WithComponent("queue")
		}

		expiredEntries := q.drainExpiredLocked(now)

		if len(q.items) > 0 {
			ev := heap.Pop(&q.items).(heapItem).ev
			ev.DequeuedAt = now
			ev.ProcessingStartedAt = now
			q.size.Store(int64(len(q.items)))
			q.dequeued.Add(1)
			q.processing.Add(1)
			q.dequeueWindow.record(now)
			q.waitSamples.record(ev.WaitTime())
			moreWork := len(q.items) > 0
			band := q.bandChangeLocked()
			q.mu.Unlock()

			if moreWork {
				q.signal()
			}
			q.fireDeadLetterBatch(expiredEntries)
			if band != nil {
				q.fireSizeChanged(*band)
			}
			q.fireDequeued(ev)
			return ev, nil
		}
		q.mu.Unlock()

		q.fireDeadLetterBatch(expiredEntries)

		if timeout <= 0 || !q.nowFn().Before(deadline) {
			return nil, errors.New(errors.ErrTimeout, "no event within timeout").WithComponent("queue")
		}

		select {
		case <-q.notEmpty:
		case <-timer.C:
			return nil, errors.New(errors.ErrTimeout, "no event within timeout").WithComponent("queue")
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCancelled, "dequeue cancelled").WithComponent("queue")
		case <-q.stopCh:
			return nil, errors.New(errors.ErrQueueClosed, "queue is closed").WithComponent("queue")
		}
	}
}

// Peek returns the event that the next Dequeue would serve, if any.
func (q *EventQueue) Peek() (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0].ev, true
}

// Finish marks an in-flight event fully processed.
func (q *EventQueue) Finish(ev *event.Event) {
	q.processing.Add(-1)
	q.logger.Debug("Event finished", "eventID", ev.ID)
}

// Requeue returns an in-flight event to the live queue for another attempt.
// The original enqueue time is preserved so the event keeps its FIFO
// seniority within its priority class and stays subject to age expiry.
// When the queue is full the event is dead-lettered instead.
func (q *EventQueue) Requeue(ev *event.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.processing.Add(-1)
		q.dequeued.Add(-1)
		q.deadLetterDetached(ev, ReasonCancelled)
		return errors.New(errors.ErrQueueClosed, "queue is closed").WithComponent("queue")
	}
	if len(q.items) >= q.cfg.MaxQueueSize {
		entry := q.deadLetterInsertLocked(ev, ReasonRequeueFull)
		q.processing.Add(-1)
		q.dequeued.Add(-1)
		q.mu.Unlock()
		q.fireDeadLetterBatch([]DeadLetterEntry{entry})
		q.logger.Warn("Requeue into full queue, event dead-lettered", "eventID", ev.ID)
		return errors.New(errors.ErrQueueFull, "requeue into full queue").
			WithComponent("queue").WithEventID(ev.ID)
	}

	q.pushLocked(ev)
	q.processing.Add(-1)
	q.dequeued.Add(-1)
	band := q.bandChangeLocked()
	q.mu.Unlock()

	q.signal()
	if band != nil {
		q.fireSizeChanged(*band)
	}
	q.logger.Debug("Event requeued", "eventID", ev.ID, "retryCount", ev.RetryCount)
	return nil
}

// DeadLetter moves an in-flight event into the dead-letter ring.
func (q *EventQueue) DeadLetter(ev *event.Event, reason string) {
	q.mu.Lock()
	entry := q.deadLetterInsertLocked(ev, reason)
	q.processing.Add(-1)
	q.dequeued.Add(-1)
	q.mu.Unlock()

	q.fireDeadLetterBatch([]DeadLetterEntry{entry})
	q.logger.Info("Event dead-lettered", "eventID", ev.ID, "reason", reason)
}

// Clear empties the live queue. The dead-letter ring is untouched.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	removed := len(q.items)
	q.items = q.items[:0]
	q.size.Store(0)
	q.enqueued.Add(int64(-removed))
	band := q.bandChangeLocked()
	q.mu.Unlock()

	if band != nil {
		q.fireSizeChanged(*band)
	}
	q.logger.Info("Queue cleared", "removed", removed)
}

// Close stops the queue: no further enqueues or dequeues succeed.
// Events still queued survive for external inspection.
func (q *EventQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.logger.Info("Event queue closed", "remaining", q.Len())
	return nil
}

// Len returns the number of live queued events.
func (q *EventQueue) Len() int {
	return int(q.size.Load())
}

// HighPriorityLen counts queued events at high priority or above.
func (q *EventQueue) HighPriorityLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.ev.Priority >= event.PriorityHigh {
			n++
		}
	}
	return n
}

// OnEnqueued registers a synchronous observer fired after each enqueue.
// Handlers run outside the queue mutex and must not block.
func (q *EventQueue) OnEnqueued(fn func(*event.Event)) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.onEnqueued = append(q.onEnqueued, fn)
}

// OnDequeued registers a synchronous observer fired after each dequeue.
func (q *EventQueue) OnDequeued(fn func(*event.Event)) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.onDequeued = append(q.onDequeued, fn)
}

// OnSizeChanged registers an observer fired when the queue size crosses a
// 10% utilization band.
func (q *EventQueue) OnSizeChanged(fn func(SizeChange)) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.onSizeChanged = append(q.onSizeChanged, fn)
}

// OnDeadLetter registers an observer fired for every dead-letter insertion.
func (q *EventQueue) OnDeadLetter(fn func(DeadLetterEntry)) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.onDeadLetter = append(q.onDeadLetter, fn)
}

// pushLocked inserts an event with the next arrival sequence number and
// refreshes the size gauge. Caller holds q.mu.
func (q *EventQueue) pushLocked(ev *event.Event) {
	q.seq++
	heap.Push(&q.items, heapItem{ev: ev, seq: q.seq})
	q.size.Store(int64(len(q.items)))
}

// signal wakes at most one blocked consumer.
func (q *EventQueue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// drainExpiredLocked moves events older than the configured age into the
// dead-letter ring. Caller holds q.mu; returned entries must be fired
// after unlock.
func (q *EventQueue) drainExpiredLocked(now time.Time) []DeadLetterEntry {
	maxAge := q.cfg.MaxEventAge()
	if maxAge <= 0 || len(q.items) == 0 {
		return nil
	}

	var entries []DeadLetterEntry
	// The heap is ordered by priority first, so expired events can sit
	// anywhere; scan and rebuild only when something actually expired.
	kept := q.items[:0]
	for _, it := range q.items {
		if now.Sub(it.ev.EnqueuedAt) > maxAge {
			q.expired.Add(1)
			entries = append(entries, q.deadLetterInsertLocked(it.ev, ReasonExpired))
			continue
		}
		kept = append(kept, it)
	}
	if len(entries) == 0 {
		return nil
	}
	q.items = kept
	heap.Init(&q.items)
	q.size.Store(int64(len(q.items)))
	return entries
}

// deadLetterInsertLocked appends to the ring (when enabled) and bumps the
// cumulative counter. Caller holds q.mu.
func (q *EventQueue) deadLetterInsertLocked(ev *event.Event, reason string) DeadLetterEntry {
	entry := DeadLetterEntry{Event: ev, Reason: reason, At: q.nowFn()}
	q.deadLettered.Add(1)
	if q.deadLetterEnabled {
		q.dead.push(entry)
	}
	return entry
}

// deadLetterDetached records an entry without holding the queue mutex; the
// ring and counters synchronize themselves. No handlers fire here.
func (q *EventQueue) deadLetterDetached(ev *event.Event, reason string) {
	entry := DeadLetterEntry{Event: ev, Reason: reason, At: q.nowFn()}
	q.deadLettered.Add(1)
	if q.deadLetterEnabled {
		q.dead.push(entry)
	}
}

// bandChangeLocked reports a size-band crossing, if one happened.
// Caller holds q.mu.
func (q *EventQueue) bandChangeLocked() *SizeChange {
	size := len(q.items)
	band := int64(0)
	if q.cfg.MaxQueueSize > 0 {
		band = int64(size * 10 / q.cfg.MaxQueueSize)
	}
	if band == q.lastSizeBand.Swap(band) {
		return nil
	}
	return &SizeChange{
		Size:               size,
		MaxSize:            q.cfg.MaxQueueSize,
		UtilizationPercent: float64(size) / float64(q.cfg.MaxQueueSize) * 100,
	}
}

func (q *EventQueue) fireEnqueued(ev *event.Event) {
	q.handlerMu.RLock()
	handlers := q.onEnqueued
	q.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (q *EventQueue) fireDequeued(ev *event.Event) {
	q.handlerMu.RLock()
	handlers := q.onDequeued
	q.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (q *EventQueue) fireSizeChanged(change SizeChange) {
	q.handlerMu.RLock()
	handlers := q.onSizeChanged
	q.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(change)
	}
}

func (q *EventQueue) fireDeadLetterBatch(entries []DeadLetterEntry) {
	if len(entries) == 0 {
		return
	}
	q.handlerMu.RLock()
	handlers := q.onDeadLetter
	q.handlerMu.RUnlock()
	for _, entry := range entries {
		for _, fn := range handlers {
			fn(entry)
		}
	}
}
