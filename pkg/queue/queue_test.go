package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:       100,
		DequeueTimeoutMs:   1000,
		MaxRetries:         3,
		MaxEventAgeMinutes: 30,
		DeadLetterEnabled:  true,
		DeadLetterMaxSize:  1000,
	}
}

// fakeClock drives the queue's injected clock so expiry and wait times are
// deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testEvent(id string, p event.Priority) *event.Event {
	return &event.Event{
		ID:        id,
		Timestamp: time.Now(),
		Source:    "test",
		Priority:  p,
		Payload:   []byte("payload"),
	}
}

// assertConservation checks totalEnqueued against the other buckets.
func assertConservation(t *testing.T, m Metrics) {
	t.Helper()
	got := m.TotalDequeued + int64(m.CurrentSize) + m.TotalDeadLettered + m.EventsBeingProcessed
	if m.TotalEnqueued != got {
		t.Errorf("Conservation violated: enqueued=%d, dequeued+size+deadLettered+processing=%d (%+v)",
			m.TotalEnqueued, got, m)
	}
}

func TestEventQueue(t *testing.T) {
	t.Run("Basic Operations", func(t *testing.T) {
		q := New(testConfig(), logger.Discard)
		defer func() {
			if err := q.Close(); err != nil {
				t.Errorf("Failed to close queue: %v", err)
			}
		}()

		ctx := context.Background()

		if q.Len() != 0 {
			t.Errorf("Expected size 0, got %d", q.Len())
		}

		ev := testEvent("basic-1", event.PriorityNormal)
		if err := q.Enqueue(ctx, ev); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
		if q.Len() != 1 {
			t.Errorf("Expected size 1, got %d", q.Len())
		}
		if ev.EnqueuedAt.IsZero() {
			t.Error("EnqueuedAt should be stamped on enqueue")
		}

		peeked, ok := q.Peek()
		if !ok || peeked.ID != ev.ID {
			t.Errorf("Peek returned %v, want event %s", peeked, ev.ID)
		}
		if q.Len() != 1 {
			t.Error("Peek must not remove the event")
		}

		dequeued, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatalf("Failed to dequeue: %v", err)
		}
		if dequeued.ID != ev.ID {
			t.Errorf("Expected ID %s, got %s", ev.ID, dequeued.ID)
		}
		if dequeued.DequeuedAt.IsZero() || dequeued.ProcessingStartedAt.IsZero() {
			t.Error("Dequeue must stamp DequeuedAt and ProcessingStartedAt")
		}

		m := q.Metrics()
		if m.EventsBeingProcessed != 1 {
			t.Errorf("Expected 1 event in processing, got %d", m.EventsBeingProcessed)
		}
		assertConservation(t, m)

		q.Finish(dequeued)
		m = q.Metrics()
		if m.EventsBeingProcessed != 0 {
			t.Errorf("Expected 0 events in processing after Finish, got %d", m.EventsBeingProcessed)
		}
		assertConservation(t, m)
	})

	t.Run("Priority Overtake", func(t *testing.T) {
		clock := newFakeClock(time.Now())
		q := New(testConfig(), logger.Discard, WithNowFunc(clock.Now))
		defer q.Close()

		ctx := context.Background()

		if err := q.Enqueue(ctx, testEvent("normal", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)
		if err := q.Enqueue(ctx, testEvent("critical", event.PriorityCritical)); err != nil {
			t.Fatal(err)
		}

		first, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != "critical" {
			t.Errorf("Expected critical event first, got %s", first.ID)
		}

		second, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if second.ID != "normal" {
			t.Errorf("Expected normal event second, got %s", second.ID)
		}
		if q.Len() != 0 {
			t.Errorf("Expected empty queue, got %d", q.Len())
		}
		q.Finish(first)
		q.Finish(second)
	})

	t.Run("FIFO Within Priority", func(t *testing.T) {
		clock := newFakeClock(time.Now())
		q := New(testConfig(), logger.Discard, WithNowFunc(clock.Now))
		defer q.Close()

		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if err := q.Enqueue(ctx, testEvent(id, event.PriorityNormal)); err != nil {
				t.Fatal(err)
			}
			clock.Advance(time.Millisecond)
		}

		for _, want := range []string{"a", "b", "c"} {
			ev, err := q.Dequeue(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if ev.ID != want {
				t.Errorf("Expected %s, got %s", want, ev.ID)
			}
			q.Finish(ev)
		}
	})

	t.Run("Full Queue Drops", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxQueueSize = 2
		q := New(cfg, logger.Discard)
		defer q.Close()

		ctx := context.Background()
		if err := q.Enqueue(ctx, testEvent("1", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(ctx, testEvent("2", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}

		err := q.Enqueue(ctx, testEvent("3", event.PriorityCritical))
		if !errors.IsCode(err, errors.ErrQueueFull) {
			t.Errorf("Expected ErrQueueFull, got %v", err)
		}
		if q.Len() != 2 {
			t.Errorf("Expected size 2 after drop, got %d", q.Len())
		}

		m := q.Metrics()
		if m.TotalEnqueued != 2 {
			t.Errorf("Expected 2 enqueued, got %d", m.TotalEnqueued)
		}
		if m.TotalDropped != 1 {
			t.Errorf("Expected 1 dropped, got %d", m.TotalDropped)
		}
		assertConservation(t, m)
	})

	t.Run("Age Expiry", func(t *testing.T) {
		clock := newFakeClock(time.Now())
		cfg := testConfig()
		cfg.MaxEventAgeMinutes = 30
		q := New(cfg, logger.Discard, WithNowFunc(clock.Now))
		defer q.Close()

		ctx := context.Background()
		if err := q.Enqueue(ctx, testEvent("stale", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}

		clock.Advance(31 * time.Minute)

		_, err := q.Dequeue(ctx, 0)
		if !errors.IsCode(err, errors.ErrTimeout) {
			t.Errorf("Expected ErrTimeout after expiry drain, got %v", err)
		}

		entries := q.DeadLetterEvents(0)
		if len(entries) != 1 {
			t.Fatalf("Expected 1 dead-letter entry, got %d", len(entries))
		}
		if entries[0].Reason != ReasonExpired {
			t.Errorf("Expected reason %q, got %q", ReasonExpired, entries[0].Reason)
		}
		if entries[0].Event.ID != "stale" {
			t.Errorf("Expected event stale, got %s", entries[0].Event.ID)
		}

		m := q.Metrics()
		if m.TotalExpired != 1 {
			t.Errorf("Expected 1 expired, got %d", m.TotalExpired)
		}
		assertConservation(t, m)
	})

	t.Run("Requeue Preserves Seniority", func(t *testing.T) {
		clock := newFakeClock(time.Now())
		q := New(testConfig(), logger.Discard, WithNowFunc(clock.Now))
		defer q.Close()

		ctx := context.Background()
		if err := q.Enqueue(ctx, testEvent("retry-me", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)

		ev, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		originalEnqueue := ev.EnqueuedAt

		// A later competitor at the same priority.
		if err := q.Enqueue(ctx, testEvent("younger", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)

		ev.RetryCount++
		if err := q.Requeue(ev); err != nil {
			t.Fatalf("Requeue failed: %v", err)
		}
		if !ev.EnqueuedAt.Equal(originalEnqueue) {
			t.Error("Requeue must not reset EnqueuedAt")
		}

		next, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if next.ID != "retry-me" {
			t.Errorf("Requeued event should keep FIFO seniority, got %s first", next.ID)
		}
		q.Finish(next)

		rest, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		q.Finish(rest)

		assertConservation(t, q.Metrics())
	})

	t.Run("Requeue Into Full Queue Dead-Letters", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxQueueSize = 1
		q := New(cfg, logger.Discard)
		defer q.Close()

		ctx := context.Background()
		if err := q.Enqueue(ctx, testEvent("first", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
		ev, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(ctx, testEvent("filler", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}

		err = q.Requeue(ev)
		if !errors.IsCode(err, errors.ErrQueueFull) {
			t.Errorf("Expected ErrQueueFull, got %v", err)
		}

		entries := q.DeadLetterEvents(1)
		if len(entries) != 1 || entries[0].Reason != ReasonRequeueFull {
			t.Errorf("Expected requeue_full dead-letter entry, got %+v", entries)
		}
		assertConservation(t, q.Metrics())
	})

	t.Run("Dead-Letter Ring Evicts FIFO", func(t *testing.T) {
		cfg := testConfig()
		cfg.DeadLetterMaxSize = 3
		q := New(cfg, logger.Discard)
		defer q.Close()

		ctx := context.Background()
		for i := 0; i < 5; i++ {
			ev := testEvent(fmt.Sprintf("dl-%d", i), event.PriorityNormal)
			if err := q.Enqueue(ctx, ev); err != nil {
				t.Fatal(err)
			}
			got, err := q.Dequeue(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			q.DeadLetter(got, ReasonPermanentFailure)
		}

		if q.DeadLetterSize() != 3 {
			t.Errorf("Expected ring size 3, got %d", q.DeadLetterSize())
		}

		entries := q.DeadLetterEvents(0)
		if len(entries) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(entries))
		}
		// Newest first; the two oldest were evicted.
		for i, want := range []string{"dl-4", "dl-3", "dl-2"} {
			if entries[i].Event.ID != want {
				t.Errorf("Entry %d: expected %s, got %s", i, want, entries[i].Event.ID)
			}
		}

		m := q.Metrics()
		if m.TotalDeadLettered != 5 {
			t.Errorf("Expected 5 total dead-lettered, got %d", m.TotalDeadLettered)
		}
		assertConservation(t, m)
	})

	t.Run("Dequeue Timeout", func(t *testing.T) {
		q := New(testConfig(), logger.Discard)
		defer q.Close()

		ctx := context.Background()

		start := time.Now()
		_, err := q.Dequeue(ctx, 50*time.Millisecond)
		if !errors.IsCode(err, errors.ErrTimeout) {
			t.Errorf("Expected ErrTimeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Dequeue returned before timeout: %v", elapsed)
		}

		// Zero timeout polls.
		_, err = q.Dequeue(ctx, 0)
		if !errors.IsCode(err, errors.ErrTimeout) {
			t.Errorf("Expected ErrTimeout from poll, got %v", err)
		}
	})

	t.Run("Close Wakes Blocked Dequeue", func(t *testing.T) {
		q := New(testConfig(), logger.Discard)

		ctx := context.Background()
		result := make(chan error, 1)
		go func() {
			_, err := q.Dequeue(ctx, 5*time.Second)
			result <- err
		}()

		time.Sleep(50 * time.Millisecond)
		if err := q.Close(); err != nil {
			t.Fatal(err)
		}

		select {
		case err := <-result:
			if !errors.IsCode(err, errors.ErrQueueClosed) {
				t.Errorf("Expected ErrQueueClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Blocked dequeue did not wake on Close")
		}

		if err := q.Enqueue(ctx, testEvent("late", event.PriorityNormal)); !errors.IsCode(err, errors.ErrQueueClosed) {
			t.Errorf("Expected ErrQueueClosed on enqueue, got %v", err)
		}
	})

	t.Run("Observers", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxQueueSize = 100
		q := New(cfg, logger.Discard)
		defer q.Close()

		var enqueued, dequeued, deadLettered int32
		var sizeChanges []SizeChange
		q.OnEnqueued(func(*event.Event) { atomic.AddInt32(&enqueued, 1) })
		q.OnDequeued(func(*event.Event) { atomic.AddInt32(&dequeued, 1) })
		q.OnDeadLetter(func(DeadLetterEntry) { atomic.AddInt32(&deadLettered, 1) })
		q.OnSizeChanged(func(c SizeChange) { sizeChanges = append(sizeChanges, c) })

		ctx := context.Background()
		// Sizes 1..9 stay inside the 0% band; the 10th crosses to 10%.
		for i := 0; i < 10; i++ {
			if err := q.Enqueue(ctx, testEvent(fmt.Sprintf("obs-%d", i), event.PriorityNormal)); err != nil {
				t.Fatal(err)
			}
		}
		if got := atomic.LoadInt32(&enqueued); got != 10 {
			t.Errorf("Expected 10 enqueue events, got %d", got)
		}
		if len(sizeChanges) != 1 {
			t.Fatalf("Expected 1 size-change event, got %d", len(sizeChanges))
		}
		if sizeChanges[0].Size != 10 || sizeChanges[0].UtilizationPercent != 10 {
			t.Errorf("Unexpected size change: %+v", sizeChanges[0])
		}

		ev, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got := atomic.LoadInt32(&dequeued); got != 1 {
			t.Errorf("Expected 1 dequeue event, got %d", got)
		}
		// Size 9 drops back into the 0% band.
		if len(sizeChanges) != 2 {
			t.Errorf("Expected 2 size-change events, got %d", len(sizeChanges))
		}

		q.DeadLetter(ev, ReasonMaxRetries)
		if got := atomic.LoadInt32(&deadLettered); got != 1 {
			t.Errorf("Expected 1 dead-letter event, got %d", got)
		}
	})

	t.Run("Wait Time Average", func(t *testing.T) {
		clock := newFakeClock(time.Now())
		q := New(testConfig(), logger.Discard, WithNowFunc(clock.Now))
		defer q.Close()

		ctx := context.Background()
		if err := q.Enqueue(ctx, testEvent("waiter", event.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(100 * time.Millisecond)

		ev, err := q.Dequeue(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		q.Finish(ev)

		m := q.Metrics()
		if m.AvgWaitTime != 100*time.Millisecond {
			t.Errorf("Expected avg wait 100ms, got %v", m.AvgWaitTime)
		}
		if m.EnqueueRate <= 0 || m.DequeueRate <= 0 {
			t.Errorf("Expected positive rates, got enqueue=%f dequeue=%f", m.EnqueueRate, m.DequeueRate)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		q := New(testConfig(), logger.Discard)
		defer q.Close()

		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := q.Enqueue(ctx, testEvent(fmt.Sprintf("clear-%d", i), event.PriorityNormal)); err != nil {
				t.Fatal(err)
			}
		}
		q.Clear()
		if q.Len() != 0 {
			t.Errorf("Expected empty queue after clear, got %d", q.Len())
		}
		assertConservation(t, q.Metrics())
	})

	t.Run("Concurrent Conservation", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxQueueSize = 1000
		q := New(cfg, logger.Discard)
		defer q.Close()

		ctx := context.Background()
		const producers = 4
		const perProducer = 25
		const total = producers * perProducer

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					ev := testEvent(fmt.Sprintf("c-%d-%d", p, i), event.PriorityNormal)
					if err := q.Enqueue(ctx, ev); err != nil {
						t.Errorf("enqueue: %v", err)
					}
				}
			}(p)
		}

		var consumed int32
		for c := 0; c < 4; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for atomic.LoadInt32(&consumed) < total {
					ev, err := q.Dequeue(ctx, 100*time.Millisecond)
					if err != nil {
						continue
					}
					q.Finish(ev)
					atomic.AddInt32(&consumed, 1)
				}
			}()
		}

		wg.Wait()

		m := q.Metrics()
		if m.TotalEnqueued != total {
			t.Errorf("Expected %d enqueued, got %d", total, m.TotalEnqueued)
		}
		if m.TotalDequeued != total {
			t.Errorf("Expected %d dequeued, got %d", total, m.TotalDequeued)
		}
		assertConservation(t, m)
	})
}

func BenchmarkEnqueue(b *testing.B) {
	cfg := testConfig()
	cfg.MaxQueueSize = b.N + 1
	q := New(cfg, logger.Discard)
	defer q.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Enqueue(ctx, testEvent("bench", event.PriorityNormal))
	}
}

func BenchmarkDequeue(b *testing.B) {
	cfg := testConfig()
	cfg.MaxQueueSize = b.N + 1
	q := New(cfg, logger.Discard)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		_ = q.Enqueue(ctx, testEvent("bench", event.PriorityNormal))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, _ := q.Dequeue(ctx, 0)
		if ev != nil {
			q.Finish(ev)
		}
	}
}
