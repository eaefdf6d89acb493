// Package instance manages the processing instances behind the event
// queue: the authoritative registry keyed by id, the per-instance live
// metrics read by the balancer and autoscaler, and the worker loops that
// pull events and hand them to the configured processor.
package instance

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Status is the lifecycle state of an instance. Status and health evolve
// independently: a Running instance may be Unhealthy and a Draining one
// still Healthy.
type Status int32

// Lifecycle states.
const (
	StatusStarting Status = iota
	StatusRunning
	StatusDraining
	StatusStopped
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusDraining:
		return "draining"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Health is the monitor's verdict on an instance.
type Health int32

// Health states.
const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns the lowercase name of the health state.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Metrics is a point-in-time view of an instance's live metrics.
// CPU and memory arrive from outside via Registry.UpdateMetrics; the
// remaining fields are maintained by the worker as it records results.
type Metrics struct {
	CPUPercent      float64       `json:"cpu_percent"`
	MemoryPercent   float64       `json:"memory_percent"`
	ErrorRate       float64       `json:"error_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	QueueDepth      int           `json:"queue_depth"`
	EventsPerSecond float64       `json:"events_per_second"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Snapshot is the externally visible state of one instance.
type Snapshot struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	HealthEndpoint string    `json:"health_endpoint,omitempty"`
	Weight         int       `json:"weight"`
	Status         string    `json:"status"`
	Health         string    `json:"health"`
	Processed      int64     `json:"processed"`
	Failed         int64     `json:"failed"`
	Metrics        Metrics   `json:"metrics"`
}

// Instance is one logical processing worker. The identity fields are
// immutable after Create; status, health and live metrics are updated
// concurrently and read lock-free by the balancer and autoscaler.
type Instance struct {
	ID             string
	CreatedAt      time.Time
	HealthEndpoint string
	Weight         int

	status atomic.Int32
	health atomic.Int32

	cpuPercent    atomic.Float64
	memoryPercent atomic.Float64
	errorRate     atomic.Float64
	eventsPerSec  atomic.Float64
	queueDepth    atomic.Int64
	avgResponseNs atomic.Int64
	metricsAtNs   atomic.Int64

	processedTotal atomic.Int64
	failedTotal    atomic.Int64

	// statsMu guards the rolling windows behind errorRate and
	// eventsPerSecond; the derived values are re-published as atomics so
	// readers never take the lock.
	statsMu  sync.Mutex
	attempts *rateWindow
	failures *rateWindow

	nowFn func() time.Time
}

func newInstance(id string, endpoint string, weight int, now func() time.Time) *Instance {
	if weight < 1 {
		weight = 1
	}
	inst := &Instance{
		ID:             id,
		CreatedAt:      now(),
		HealthEndpoint: endpoint,
		Weight:         weight,
		attempts:       newRateWindow(metricsWindowSpan),
		failures:       newRateWindow(metricsWindowSpan),
		nowFn:          now,
	}
	inst.status.Store(int32(StatusStarting))
	inst.health.Store(int32(HealthUnknown))
	return inst
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// Health returns the monitor's current verdict.
func (i *Instance) Health() Health {
	return Health(i.health.Load())
}

// Available reports whether the balancer may route events here.
func (i *Instance) Available() bool {
	return i.Status() == StatusRunning && i.Health() == HealthHealthy
}

// Metrics assembles the live metric view from the atomic fields.
func (i *Instance) Metrics() Metrics {
	return Metrics{
		CPUPercent:      i.cpuPercent.Load(),
		MemoryPercent:   i.memoryPercent.Load(),
		ErrorRate:       i.errorRate.Load(),
		AvgResponseTime: time.Duration(i.avgResponseNs.Load()),
		QueueDepth:      int(i.queueDepth.Load()),
		EventsPerSecond: i.eventsPerSec.Load(),
		Timestamp:       time.Unix(0, i.metricsAtNs.Load()),
	}
}

// Snapshot returns the full externally visible state.
func (i *Instance) Snapshot() Snapshot {
	return Snapshot{
		ID:             i.ID,
		CreatedAt:      i.CreatedAt,
		HealthEndpoint: i.HealthEndpoint,
		Weight:         i.Weight,
		Status:         i.Status().String(),
		Health:         i.Health().String(),
		Processed:      i.processedTotal.Load(),
		Failed:         i.failedTotal.Load(),
		Metrics:        i.Metrics(),
	}
}

// Processed returns the total number of successfully processed events.
func (i *Instance) Processed() int64 {
	return i.processedTotal.Load()
}

// setStatus transitions the lifecycle state; callers go through the
// registry so transitions stay serialized.
func (i *Instance) setStatus(s Status) {
	i.status.Store(int32(s))
}

// setHealth records the monitor's verdict and reports the previous one.
func (i *Instance) setHealth(h Health) Health {
	return Health(i.health.Swap(int32(h)))
}

// applyMetrics overwrites the live metric fields from an external source
// (health probes, tests). The worker keeps updating the derived fields
// afterwards.
func (i *Instance) applyMetrics(m Metrics) {
	i.cpuPercent.Store(m.CPUPercent)
	i.memoryPercent.Store(m.MemoryPercent)
	i.errorRate.Store(m.ErrorRate)
	i.eventsPerSec.Store(m.EventsPerSecond)
	i.queueDepth.Store(int64(m.QueueDepth))
	i.avgResponseNs.Store(int64(m.AvgResponseTime))
	at := m.Timestamp
	if at.IsZero() {
		at = i.nowFn()
	}
	i.metricsAtNs.Store(at.UnixNano())
}

// beginEvent marks one event assigned to this instance.
func (i *Instance) beginEvent() {
	i.queueDepth.Add(1)
}

// recordResult commits one finished attempt: rolling windows, incremental
// response-time average, and the published atomics.
func (i *Instance) recordResult(d time.Duration, success bool) {
	now := i.nowFn()
	i.queueDepth.Add(-1)
	if success {
		i.processedTotal.Add(1)
	} else {
		i.failedTotal.Add(1)
	}

	i.statsMu.Lock()
	i.attempts.record(now)
	if !success {
		i.failures.record(now)
	}
	attempts := i.attempts.count(now)
	failures := i.failures.count(now)
	i.statsMu.Unlock()

	rate := 0.0
	if attempts > 0 {
		rate = float64(failures) / float64(attempts)
	}
	i.errorRate.Store(rate)
	i.eventsPerSec.Store(float64(attempts) / metricsWindowSpan.Seconds())

	// Incremental average over the lifetime of the instance.
	total := i.processedTotal.Load() + i.failedTotal.Load()
	if total > 0 {
		prev := i.avgResponseNs.Load()
		i.avgResponseNs.Store(prev + (int64(d)-prev)/total)
	}
	i.metricsAtNs.Store(now.UnixNano())
}

// metricsWindowSpan is the sliding window behind eventsPerSecond and
// errorRate.
const metricsWindowSpan = 60 * time.Second

// rateWindow counts timestamps inside a sliding span.
type rateWindow struct {
	span  time.Duration
	marks []time.Time
}

func newRateWindow(span time.Duration) *rateWindow {
	return &rateWindow{span: span}
}

// record appends a mark and prunes expired ones. Caller synchronizes.
func (w *rateWindow) record(at time.Time) {
	w.prune(at)
	w.marks = append(w.marks, at)
}

// count reports marks inside the window as of now. Caller synchronizes.
func (w *rateWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.marks)
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.marks) && !w.marks[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.marks = append(w.marks[:0], w.marks[i:]...)
	}
}
