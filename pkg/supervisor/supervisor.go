// Package supervisor assembles the runtime: queue, instance registry,
// load balancer, workers, HTTP pools, health monitor, autoscaler,
// metrics collector, sinks and telemetry are constructed, started and
// stopped as one unit. All runtime state hangs off the Supervisor;
// there are no package-level singletons, so several supervisors can
// coexist in one process.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/kart-io/watchtower/pkg/autoscaler"
	"github.com/kart-io/watchtower/pkg/balancer"
	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/health"
	"github.com/kart-io/watchtower/pkg/httppool"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/metrics"
	"github.com/kart-io/watchtower/pkg/observability"
	"github.com/kart-io/watchtower/pkg/queue"
	"github.com/kart-io/watchtower/pkg/sink"
)

const (
	// broadcastBuffer bounds the hand-off channel between observer
	// callbacks and the delivery goroutine. Callbacks never block on it;
	// when the buffer is full the event is dropped.
	broadcastBuffer = 256

	// broadcastTimeout bounds one delivery across all broadcast sinks.
	broadcastTimeout = 2 * time.Second
)

// Supervisor owns every component of the processing runtime and exposes
// the two operations callers interact with: Submit and Shutdown. The
// read accessors back the ops HTTP surface.
type Supervisor struct {
	cfg    *config.Config
	logger logger.Logger

	queue     *queue.EventQueue
	registry  *instance.Registry
	balancer  *balancer.Balancer
	workers   *instance.WorkerPool
	pools     *httppool.Manager
	monitor   *health.Monitor
	scaler    *autoscaler.Autoscaler
	collector *metrics.Collector
	telemetry *observability.Telemetry

	// redis is retained for Close; it is also registered as a metrics
	// and broadcast sink when Redis is enabled and reachable.
	redis *sink.RedisSink

	proc       event.Processor
	broadcasts []sink.BroadcastSink
	extraSinks []metrics.Sink

	broadcastCh chan sink.Event

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// Option customizes supervisor construction.
type Option func(*Supervisor)

// WithProcessor installs the processor every worker invokes. Without it
// events are acknowledged unprocessed.
func WithProcessor(p event.Processor) Option {
	return func(s *Supervisor) { s.proc = p }
}

// WithNowFunc injects the clock threaded through every component.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Supervisor) { s.nowFn = now }
}

// WithBroadcastSink registers an additional destination for terminal
// runtime events alongside the built-in sinks.
func WithBroadcastSink(bs sink.BroadcastSink) Option {
	return func(s *Supervisor) { s.broadcasts = append(s.broadcasts, bs) }
}

// WithMetricsSink registers an additional snapshot destination alongside
// the built-in sinks.
func WithMetricsSink(ms metrics.Sink) Option {
	return func(s *Supervisor) { s.extraSinks = append(s.extraSinks, ms) }
}

// New validates the configuration and wires the full runtime. Nothing
// runs until Start; a validation failure is the only construction error
// besides an unknown balancer strategy or scaling policy.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.BuildLogger()

	s := &Supervisor{
		cfg:         cfg,
		logger:      log,
		broadcastCh: make(chan sink.Event, broadcastBuffer),
		stopCh:      make(chan struct{}),
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.proc == nil {
		s.proc = ackProcessor(log)
	}

	s.queue = queue.New(cfg.Queue, log, queue.WithNowFunc(s.nowFn))
	s.registry = instance.NewRegistry(cfg.Instances, log, instance.WithNowFunc(s.nowFn))

	bal, err := balancer.New(cfg.Balancer, s.registry, log)
	if err != nil {
		return nil, err
	}
	s.balancer = bal

	s.pools = httppool.NewManager(cfg.HTTPPool, log)
	s.monitor = health.NewMonitor(cfg.Health, s.registry, log, health.WithNowFunc(s.nowFn))

	tel, err := observability.NewTelemetry(cfg.Telemetry, log)
	if err != nil {
		return nil, err
	}
	s.telemetry = tel

	s.workers = instance.NewWorkerPool(s.queue, bal, s.instrument(s.proc), cfg.Queue, log)

	scaler, err := autoscaler.New(cfg.Autoscaler, cfg.Instances, s.queue, s.registry, s.workers, log,
		autoscaler.WithNowFunc(s.nowFn))
	if err != nil {
		return nil, err
	}
	s.scaler = scaler

	s.collector = metrics.NewCollector(cfg.Metrics, s.queue, s.registry, s.pools, scaler, log,
		metrics.WithNowFunc(s.nowFn))

	logSink := sink.NewLogSink(log)
	s.collector.AddSink(logSink)
	s.broadcasts = append(s.broadcasts, logSink)
	s.collector.AddSink(&telemetryBridge{telemetry: tel})

	if cfg.Redis.Enabled {
		rs, err := sink.NewRedisSink(cfg.Redis, log)
		if err != nil {
			// A missing Redis degrades publishing, it never blocks startup.
			log.Warn("Redis sink unavailable, continuing without it",
				"addr", cfg.Redis.Addr, "error", err)
		} else {
			s.redis = rs
			s.collector.AddSink(rs)
			s.broadcasts = append(s.broadcasts, rs)
		}
	}
	for _, ms := range s.extraSinks {
		s.collector.AddSink(ms)
	}

	s.bindObservers()
	return s, nil
}

// Start brings the runtime up: the default instances are created and
// started, one synchronous health sweep makes them routable, and the
// background loops begin. A second Start fails.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New(errors.ErrInternal, "supervisor already started").WithComponent("supervisor")
	}
	s.started = true
	s.startedAt = s.nowFn()
	s.mu.Unlock()

	started := make([]*instance.Instance, 0, s.cfg.Instances.DefaultInstances)
	for i := 0; i < s.cfg.Instances.DefaultInstances; i++ {
		inst := s.registry.Create()
		if err := s.registry.Start(inst.ID); err != nil {
			return err
		}
		started = append(started, inst)
	}

	// One synchronous sweep before any worker attaches: a worker that
	// dequeues while every instance is still health-unknown would burn the
	// event's retries against an empty balancer.
	s.monitor.CheckOnce(ctx)
	s.collector.CollectOnce(ctx)

	for _, inst := range started {
		s.workers.Attach(inst)
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.monitor.Start()
	s.scaler.Start()
	s.collector.Start()

	s.logger.Info("Supervisor started",
		"instances", s.registry.Count(),
		"strategy", s.balancer.Strategy(),
		"queueCapacity", s.cfg.Queue.MaxQueueSize)
	return nil
}

// Submit offers an event to the queue. A nil return means the event was
// accepted; ErrQueueFull is the only load-induced rejection and callers
// handle it with their own backoff or by dropping. Every other failure
// mode surfaces through metrics and broadcasts, not through Submit.
func (s *Supervisor) Submit(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return errors.New(errors.ErrInternal, "nil event").WithComponent("supervisor")
	}
	ctx, span := s.telemetry.TraceSubmit(ctx, ev.ID, ev.Source, ev.Priority.String())
	defer span.End()

	if err := s.queue.Enqueue(ctx, ev); err != nil {
		s.telemetry.SetSpanError(span, err)
		return err
	}
	s.telemetry.SetSpanSuccess(span)
	return nil
}

// Shutdown stops the runtime in dependency order: the autoscaler first
// so capacity stops moving, then instance intake, then the queue, then
// the workers are waited out until ctx's deadline. Events still queued
// afterwards stay readable through QueueMetrics and DeadLetters. The
// returned error is non-nil only when in-flight work outlived ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Supervisor shutting down")

	s.scaler.Stop()

	for _, inst := range s.registry.List() {
		if err := s.registry.Drain(inst.ID); err != nil {
			s.logger.Warn("Drain failed during shutdown", "instanceID", inst.ID, "error", err)
		}
	}

	_ = s.queue.Close()

	waitErr := s.workers.Wait(ctx)
	if waitErr != nil {
		s.logger.Warn("In-flight work still running at shutdown deadline", "error", waitErr)
	}
	s.workers.Stop()

	s.monitor.Stop()
	s.collector.Stop()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if err := s.pools.Close(); err != nil {
		s.logger.Warn("Pool manager close failed", "error", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Redis sink close failed", "error", err)
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("Telemetry shutdown failed", "error", err)
	}

	s.logger.Info("Supervisor stopped",
		"queued", s.queue.Len(), "deadLettered", s.queue.DeadLetterSize())
	return waitErr
}

// Metrics returns the most recent collected snapshot. It is non-nil from
// Start onward.
func (s *Supervisor) Metrics() *metrics.Snapshot {
	return s.collector.Last()
}

// QueueMetrics returns live queue counters.
func (s *Supervisor) QueueMetrics() queue.Metrics {
	return s.queue.Metrics()
}

// DeadLetters returns up to limit dead-letter entries, newest first. A
// non-positive limit returns all retained entries.
func (s *Supervisor) DeadLetters(limit int) []queue.DeadLetterEntry {
	return s.queue.DeadLetterEvents(limit)
}

// Instances returns a point-in-time snapshot of every registered
// instance in creation order.
func (s *Supervisor) Instances() []instance.Snapshot {
	return lo.Map(s.registry.List(), func(inst *instance.Instance, _ int) instance.Snapshot {
		return inst.Snapshot()
	})
}

// ScalingDecisions returns up to limit recorded autoscaler decisions,
// newest first.
func (s *Supervisor) ScalingDecisions(limit int) []autoscaler.Decision {
	return s.scaler.Decisions(limit)
}

// MetricsRegistry exposes the Prometheus registry backing this
// supervisor for the ops /metrics endpoint.
func (s *Supervisor) MetricsRegistry() *prometheus.Registry {
	return s.collector.Registry()
}

// Pools exposes the HTTP pool manager so processors can make pooled
// outbound calls.
func (s *Supervisor) Pools() *httppool.Manager {
	return s.pools
}

// Status is the aggregate health verdict.
type Status string

// Aggregate health verdicts.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// InstanceCounts summarizes the registry for the health report.
type InstanceCounts struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Healthy int `json:"healthy"`
}

// HealthStatus aggregates component health for the ops surface.
type HealthStatus struct {
	Status           Status                     `json:"status"`
	UptimeSeconds    int64                      `json:"uptime_seconds"`
	QueueSize        int                        `json:"queue_size"`
	QueueUtilization float64                    `json:"queue_utilization_percent"`
	DeadLetterSize   int                        `json:"dead_letter_size"`
	Instances        InstanceCounts             `json:"instances"`
	ActiveWorkers    int                        `json:"active_workers"`
	Pools            map[string]httppool.Health `json:"pools,omitempty"`
}

// Health reports the aggregate verdict: unhealthy without a single
// routable instance, degraded when any running instance is unroutable,
// the queue is nearly full or a pool's breaker is open, healthy
// otherwise.
func (s *Supervisor) Health() HealthStatus {
	s.mu.Lock()
	started, stopped, startedAt := s.started, s.stopped, s.startedAt
	s.mu.Unlock()

	qm := s.queue.Metrics()
	list := s.registry.List()
	running := lo.CountBy(list, func(inst *instance.Instance) bool {
		return inst.Status() == instance.StatusRunning
	})
	routable := lo.CountBy(list, func(inst *instance.Instance) bool {
		return inst.Available()
	})
	pools := s.pools.CheckHealth()

	hs := HealthStatus{
		QueueSize:        qm.CurrentSize,
		QueueUtilization: qm.UtilizationPercent,
		DeadLetterSize:   qm.DeadLetterSize,
		Instances:        InstanceCounts{Total: len(list), Running: running, Healthy: routable},
		ActiveWorkers:    s.workers.ActiveWorkers(),
		Pools:            pools,
	}
	if started && !stopped {
		hs.UptimeSeconds = int64(s.nowFn().Sub(startedAt).Seconds())
	}

	poolTrouble := false
	for _, ph := range pools {
		if !ph.Healthy {
			poolTrouble = true
			break
		}
	}

	switch {
	case stopped || routable == 0:
		hs.Status = StatusUnhealthy
	case routable < running || qm.UtilizationPercent >= 90 || poolTrouble:
		hs.Status = StatusDegraded
	default:
		hs.Status = StatusHealthy
	}
	return hs
}

// bindObservers fans component events out to telemetry and the
// broadcast sinks. All handlers hand off without blocking.
func (s *Supervisor) bindObservers() {
	s.queue.OnDeadLetter(func(entry queue.DeadLetterEntry) {
		s.telemetry.RecordDeadLettered(context.Background(), entry.Reason)
		s.publish(sink.KindDeadLetter, entry)
	})
	s.queue.OnSizeChanged(func(change queue.SizeChange) {
		s.publish(sink.KindQueuePressure, change)
	})
	s.registry.OnHealthChanged(func(change instance.HealthChange) {
		s.publish(sink.KindInstanceState, change)
	})
	s.scaler.OnDecision(func(d autoscaler.Decision) {
		s.publish(sink.KindScalingDecision, d)
	})
	s.monitor.OnSample(func(sample health.Sample) {
		// Threshold-only samples carry no probe latency.
		if sample.ResponseTime > 0 {
			s.collector.ObserveProbe(sample.ResponseTime)
		}
	})
}

// instrument wraps the processor with the span and measurement plumbing
// shared by every worker.
func (s *Supervisor) instrument(p event.Processor) event.Processor {
	return event.ProcessorFunc(func(ctx context.Context, ev *event.Event) event.Result {
		instID, _ := instance.IDFromContext(ctx)
		ctx, span := s.telemetry.TraceProcess(ctx, ev.ID, instID)
		start := time.Now()
		res := p.Process(ctx, ev)
		elapsed := time.Since(start)

		s.collector.ObserveProcessing(elapsed)
		if res.Outcome == event.OutcomeSuccess {
			s.telemetry.RecordProcessed(ctx, instID, elapsed)
			s.telemetry.SetSpanSuccess(span)
		} else {
			s.telemetry.RecordFailed(ctx, instID, elapsed, res.Outcome.String())
			s.telemetry.SetSpanError(span, res.Err)
		}
		span.End()
		return res
	})
}

// publish hands a broadcast event to the delivery goroutine. Observer
// handlers must not block, so a full buffer drops the event instead of
// waiting.
func (s *Supervisor) publish(kind sink.Kind, payload any) {
	if len(s.broadcasts) == 0 {
		return
	}
	ev := sink.Event{Kind: kind, Timestamp: s.nowFn(), Payload: payload}
	select {
	case s.broadcastCh <- ev:
	default:
		s.logger.Debug("Broadcast buffer full, event dropped", "kind", string(kind))
	}
}

// broadcastLoop delivers queued broadcast events until Shutdown, then
// drains whatever is still buffered.
func (s *Supervisor) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.broadcastCh:
			s.deliver(ev)
		case <-s.stopCh:
			for {
				select {
				case ev := <-s.broadcastCh:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Supervisor) deliver(ev sink.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	for _, bs := range s.broadcasts {
		if err := bs.Broadcast(ctx, ev); err != nil {
			s.logger.Warn("Broadcast delivery failed", "kind", string(ev.Kind), "error", err)
		}
	}
}

// telemetryBridge forwards the queue-size level to the OpenTelemetry
// up/down counter, one delta per snapshot.
type telemetryBridge struct {
	telemetry *observability.Telemetry
	last      atomic.Int64
}

var _ metrics.Sink = (*telemetryBridge)(nil)

func (b *telemetryBridge) Publish(ctx context.Context, snap *metrics.Snapshot) error {
	size := int64(snap.Queue.CurrentSize)
	if delta := size - b.last.Swap(size); delta != 0 {
		b.telemetry.UpdateQueueSize(ctx, delta)
	}
	return nil
}

// ackProcessor acknowledges events without doing any work. Deployments
// that consume events install a real processor through WithProcessor.
func ackProcessor(log logger.Logger) event.Processor {
	return event.ProcessorFunc(func(_ context.Context, ev *event.Event) event.Result {
		log.Debug("Event acknowledged", "eventID", ev.ID, "priority", ev.Priority.String())
		return event.Success()
	})
}
