package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/queue"
)

// promSet is the Prometheus face of the runtime. Counters bridge the
// queue's monotonic totals, gauges mirror the latest snapshot and the
// histograms take live observations from the dequeue, processing and
// probe paths.
type promSet struct {
	registry *prometheus.Registry

	enqueued     prometheus.Counter
	dequeued     prometheus.Counter
	deadLettered prometheus.Counter
	dropped      prometheus.Counter

	queueSize        prometheus.Gauge
	queueUtilization prometheus.Gauge
	activeInstances  prometheus.Gauge
	poolInUse        *prometheus.GaugeVec

	waitSeconds       prometheus.Histogram
	processingSeconds prometheus.Histogram
	probeSeconds      prometheus.Histogram

	// prev holds the queue totals already credited to the counters.
	prev queue.Metrics
}

func newPromSet(namespace string) *promSet {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &promSet{
		registry: registry,
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Events accepted into the queue.",
		}),
		dequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dequeued_total",
			Help:      "Events handed to workers.",
		}),
		deadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Events moved to the dead-letter ring.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected because the queue was full.",
		}),
		queueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Events currently queued.",
		}),
		queueUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_utilization",
			Help:      "Queue fill level in percent of capacity.",
		}),
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Instances that are running and healthy.",
		}),
		poolInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use",
			Help:      "HTTP clients currently checked out, per pool.",
		}, []string{"pool"}),
		waitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_wait_seconds",
			Help:      "Time events spent queued before dequeue.",
			Buckets:   prometheus.DefBuckets,
		}),
		processingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Per-event processing duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		probeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_seconds",
			Help:      "Health probe round-trip duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// observe credits counter growth and refreshes the gauges from one
// snapshot. The caller serializes observe calls.
func (p *promSet) observe(snap *Snapshot) {
	qm := snap.Queue
	addDelta(p.enqueued, qm.TotalEnqueued, p.prev.TotalEnqueued)
	addDelta(p.dequeued, qm.TotalDequeued, p.prev.TotalDequeued)
	addDelta(p.deadLettered, qm.TotalDeadLettered, p.prev.TotalDeadLettered)
	addDelta(p.dropped, qm.TotalDropped, p.prev.TotalDropped)
	p.prev = qm

	p.queueSize.Set(float64(qm.CurrentSize))
	p.queueUtilization.Set(qm.UtilizationPercent)

	active := lo.CountBy(snap.Instances, func(s instance.Snapshot) bool {
		return s.Status == instance.StatusRunning.String() && s.Health == instance.HealthHealthy.String()
	})
	p.activeInstances.Set(float64(active))

	p.poolInUse.Reset()
	for name, pm := range snap.Pools {
		p.poolInUse.WithLabelValues(name).Set(float64(pm.InUse))
	}
}

// addDelta credits the growth of a monotonic total to a counter. Requeue
// briefly rolls TotalDequeued back, so a non-positive delta is skipped
// rather than fed to the counter.
func addDelta(c prometheus.Counter, cur, prev int64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}
