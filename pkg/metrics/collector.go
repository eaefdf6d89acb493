// Package metrics assembles periodic snapshots of the whole runtime and
// keeps the Prometheus view current. Each collection fans out synchronously
// to the registered sinks.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/kart-io/watchtower/pkg/autoscaler"
	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/httppool"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/queue"
)

// scalingHistory bounds how many recent scaling decisions ride along in a
// snapshot.
const scalingHistory = 10

// Collector assembles runtime snapshots on a fixed interval. It also owns
// the Prometheus registry the ops server exposes at /metrics.
type Collector struct {
	cfg       config.MetricsConfig
	queue     *queue.EventQueue
	instances *instance.Registry
	pools     *httppool.Manager
	scaler    *autoscaler.Autoscaler
	logger    logger.Logger

	prom *promSet

	mu   sync.Mutex
	last *Snapshot

	sinkMu sync.RWMutex
	sinks  []Sink

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// Option customizes collector construction.
type Option func(*Collector)

// WithNowFunc injects the clock used for snapshot timestamps.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Collector) { c.nowFn = now }
}

// NewCollector wires a collector over the live components. pools and scaler
// may be nil; the matching snapshot sections stay empty.
func NewCollector(cfg config.MetricsConfig, q *queue.EventQueue, instances *instance.Registry, pools *httppool.Manager, scaler *autoscaler.Autoscaler, log logger.Logger, opts ...Option) *Collector {
	if log == nil {
		log = logger.Discard
	}
	c := &Collector{
		cfg:       cfg,
		queue:     q,
		instances: instances,
		pools:     pools,
		scaler:    scaler,
		logger:    log,
		prom:      newPromSet(cfg.Namespace),
		stopCh:    make(chan struct{}),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Wait-time observations ride the dequeue commit.
	q.OnDequeued(func(ev *event.Event) {
		c.prom.waitSeconds.Observe(ev.WaitTime().Seconds())
	})
	return c
}

// AddSink registers a publish destination. Sinks run synchronously on each
// collection in registration order; a failing sink is logged and skipped.
func (c *Collector) AddSink(s Sink) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Registry exposes the Prometheus registry backing /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}

// ObserveProcessing records one event's processing duration.
func (c *Collector) ObserveProcessing(d time.Duration) {
	c.prom.processingSeconds.Observe(d.Seconds())
}

// ObserveProbe records one health probe round trip.
func (c *Collector) ObserveProbe(d time.Duration) {
	c.prom.probeSeconds.Observe(d.Seconds())
}

// Start launches the periodic collection loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.loop()
	c.logger.Info("Metrics collector started",
		"interval", c.cfg.CollectInterval(), "namespace", c.cfg.Namespace)
}

// Stop terminates the loop and waits for an in-flight collection to finish.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("Metrics collector stopped")
}

func (c *Collector) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CollectInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CollectInterval())
			c.CollectOnce(ctx)
			cancel()
		}
	}
}

// CollectOnce assembles one snapshot, refreshes the Prometheus view and
// publishes to every sink. The snapshot is retained for Last.
func (c *Collector) CollectOnce(ctx context.Context) *Snapshot {
	c.mu.Lock()
	snap := c.assemble()
	c.prom.observe(snap)
	c.last = snap
	c.mu.Unlock()

	c.sinkMu.RLock()
	sinks := make([]Sink, len(c.sinks))
	copy(sinks, c.sinks)
	c.sinkMu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, snap); err != nil {
			c.logger.Warn("Snapshot publish failed", "error", err)
		}
	}
	return snap
}

// Last returns the most recently assembled snapshot, nil before the first
// collection.
func (c *Collector) Last() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Collector) assemble() *Snapshot {
	snap := &Snapshot{
		Timestamp: c.nowFn(),
		Queue:     c.queue.Metrics(),
		Runtime:   readRuntime(),
	}
	if c.instances != nil {
		snap.Instances = lo.Map(c.instances.List(), func(inst *instance.Instance, _ int) instance.Snapshot {
			return inst.Snapshot()
		})
	}
	if c.pools != nil {
		snap.Pools = c.pools.Metrics()
	}
	if c.scaler != nil {
		snap.Scaling = c.scaler.Decisions(scalingHistory)
	}
	return snap
}
