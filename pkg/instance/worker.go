package instance

import (
	"context"
	"sync"
	"time"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/queue"
)

// Picker selects the instance that absorbs a dequeued event. The load
// balancer implements it; workers only see this narrow surface.
type Picker interface {
	Pick(ctx context.Context, ev *event.Event) (*Instance, error)
}

// instanceIDKey carries the processing instance's id through the
// processor's context.
type instanceIDKey struct{}

// ContextWithID returns a context carrying the given instance id.
func ContextWithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, id)
}

// IDFromContext reports the id of the instance a processor is running on.
// The worker sets it before every Process call, so processors can label
// their own metrics and traces by instance.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(instanceIDKey{}).(string)
	return id, ok
}

// WorkerPool runs one dequeue loop per attached Running instance. Each
// loop pulls an event, asks the picker for the target instance, invokes
// the processor and records the outcome. A worker exits on its own when
// its instance leaves Running or the queue closes.
type WorkerPool struct {
	queue  *queue.EventQueue
	picker Picker
	proc   event.Processor
	cfg    config.QueueConfig
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool bound to the given queue, picker and
// processor. Workers are attached per instance afterwards.
func NewWorkerPool(q *queue.EventQueue, picker Picker, proc event.Processor, cfg config.QueueConfig, log logger.Logger) *WorkerPool {
	if log == nil {
		log = logger.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:   q,
		picker:  picker,
		proc:    proc,
		cfg:     cfg,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

// Attach spawns the dequeue loop for an instance. Attaching an instance
// that already has a live worker is a no-op.
func (p *WorkerPool) Attach(inst *Instance) {
	p.mu.Lock()
	if _, exists := p.workers[inst.ID]; exists {
		p.mu.Unlock()
		return
	}
	w := &worker{inst: inst, pool: p, done: make(chan struct{})}
	p.workers[inst.ID] = w
	p.wg.Add(1)
	p.mu.Unlock()

	go w.run()
	p.logger.Debug("Worker attached", "instanceID", inst.ID)
}

// WaitInstance blocks until the instance's worker has exited or the
// timeout elapses. Instances without a live worker report true.
func (p *WorkerPool) WaitInstance(id string, timeout time.Duration) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// ActiveWorkers returns the number of live dequeue loops.
func (p *WorkerPool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop cancels the pool context: blocked dequeues return and processors
// observe cancellation. Workers then exit on their own.
func (p *WorkerPool) Stop() {
	p.cancel()
}

// Wait blocks until every worker has exited or ctx is done.
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrTimeout, "workers still busy").WithComponent("worker")
	}
}

func (p *WorkerPool) removeWorker(id string) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}

// worker is one instance's dequeue loop.
type worker struct {
	inst *Instance
	pool *WorkerPool
	done chan struct{}
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	defer close(w.done)
	defer w.pool.removeWorker(w.inst.ID)
	defer w.pool.logger.Debug("Worker exited", "instanceID", w.inst.ID)

	for {
		if w.pool.ctx.Err() != nil {
			return
		}
		switch w.inst.Status() {
		case StatusRunning:
		case StatusStarting:
			// Attached before Start committed; wait for the transition.
			if !w.sleep(startingPollInterval) {
				return
			}
			continue
		default:
			return
		}

		ev, err := w.pool.queue.Dequeue(w.pool.ctx, w.pool.cfg.DequeueTimeout())
		if err != nil {
			if errors.IsCode(err, errors.ErrTimeout) {
				continue
			}
			// Queue closed or pool cancelled.
			return
		}

		// The status may have flipped while blocked in Dequeue; a draining
		// instance accepts no new events, so hand the event back untouched.
		if w.inst.Status() != StatusRunning {
			if err := w.pool.queue.Requeue(ev); err != nil {
				w.pool.logger.Warn("Requeue on drain failed", "eventID", ev.ID, "error", err)
			}
			return
		}

		w.handle(ev)
	}
}

// handle runs one event through balance, process and record.
func (w *worker) handle(ev *event.Event) {
	target, err := w.pool.picker.Pick(w.pool.ctx, ev)
	if err != nil {
		w.pool.logger.Warn("No instance available for event",
			"eventID", ev.ID, "retryCount", ev.RetryCount, "error", err)
		w.retryOrDeadLetter(ev, queue.ReasonNoCapacity)
		return
	}

	target.beginEvent()
	start := time.Now()
	res := w.pool.proc.Process(ContextWithID(w.pool.ctx, target.ID), ev)
	elapsed := time.Since(start)
	target.recordResult(elapsed, res.Outcome == event.OutcomeSuccess)

	switch res.Outcome {
	case event.OutcomeSuccess:
		w.pool.queue.Finish(ev)
		w.pool.logger.Debug("Event processed",
			"eventID", ev.ID, "instanceID", target.ID, "elapsed", elapsed)
	case event.OutcomeRetryable:
		w.pool.logger.Warn("Event processing failed, retrying",
			"eventID", ev.ID, "instanceID", target.ID, "retryCount", ev.RetryCount, "error", res.Err)
		w.retryOrDeadLetter(ev, queue.ReasonMaxRetries)
	case event.OutcomePermanent:
		w.pool.logger.Error("Event processing failed permanently",
			"eventID", ev.ID, "instanceID", target.ID, "error", res.Err)
		w.pool.queue.DeadLetter(ev, queue.ReasonPermanentFailure)
	default:
		w.pool.logger.Error("Processor returned unknown outcome",
			"eventID", ev.ID, "outcome", int(res.Outcome))
		w.pool.queue.DeadLetter(ev, queue.ReasonPermanentFailure)
	}
}

// startingPollInterval paces the wait for an instance that was attached
// before its Start committed.
const startingPollInterval = 10 * time.Millisecond

// sleep pauses for d unless the pool is stopped first.
func (w *worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.pool.ctx.Done():
		return false
	}
}

// retryOrDeadLetter bumps the retry count and requeues, or dead-letters
// with the given reason once retries are exhausted.
func (w *worker) retryOrDeadLetter(ev *event.Event, exhaustedReason string) {
	ev.RetryCount++
	if ev.RetryCount > w.pool.cfg.MaxRetries {
		w.pool.queue.DeadLetter(ev, exhaustedReason)
		return
	}
	if err := w.pool.queue.Requeue(ev); err != nil {
		w.pool.logger.Warn("Requeue failed", "eventID", ev.ID, "error", err)
	}
}
