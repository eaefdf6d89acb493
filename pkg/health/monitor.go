// Package health runs the periodic instance health monitor: parallel HTTP
// probes, alert thresholds over live metrics, per-instance sample history
// and the overall-health rule that feeds verdicts back into the registry.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/logger"
)

// maxProbeBody bounds how much of a probe response body is read.
const maxProbeBody = 64 * 1024

// Monitor probes instances on a fixed interval and commits health verdicts
// to the registry. Probe failures are absorbed: one bad sweep never stops
// the loop.
type Monitor struct {
	cfg      config.HealthConfig
	registry *instance.Registry
	client   *http.Client
	logger   logger.Logger

	mu        sync.Mutex
	histories map[string]*history

	handlerMu sync.RWMutex
	onSample  []func(Sample)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// Option customizes monitor construction.
type Option func(*Monitor)

// WithNowFunc injects the clock used for sample stamps and pruning.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Monitor) { m.nowFn = now }
}

// WithHTTPClient overrides the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// NewMonitor creates a monitor over the given registry.
func NewMonitor(cfg config.HealthConfig, reg *instance.Registry, log logger.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = logger.Discard
	}
	m := &Monitor{
		cfg:       cfg,
		registry:  reg,
		client:    &http.Client{},
		logger:    log,
		histories: make(map[string]*history),
		stopCh:    make(chan struct{}),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("Health monitor started",
		"interval", m.cfg.CheckInterval(), "probeTimeout", m.cfg.ProbeTimeout())
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckInterval())
			m.CheckOnce(ctx)
			cancel()
		}
	}
}

// CheckOnce runs one synchronous sweep: every non-stopped instance is
// probed in parallel and its verdict committed.
func (m *Monitor) CheckOnce(ctx context.Context) {
	instances := m.registry.List()

	seen := make(map[string]struct{}, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		if inst.Status() == instance.StatusStopped {
			continue
		}
		seen[inst.ID] = struct{}{}
		inst := inst
		g.Go(func() error {
			sample := m.probe(gctx, inst)
			m.commit(inst, sample)
			return nil
		})
	}
	_ = g.Wait()

	// Forget histories of instances that left the registry.
	m.mu.Lock()
	for id := range m.histories {
		if _, ok := seen[id]; !ok {
			delete(m.histories, id)
		}
	}
	m.mu.Unlock()
}

// OnSample registers a synchronous observer fired after each committed
// probe sample. Handlers run outside the monitor mutex and must not block.
func (m *Monitor) OnSample(fn func(Sample)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onSample = append(m.onSample, fn)
}

// History returns a copy of the retained samples for one instance, oldest
// first.
func (m *Monitor) History(instanceID string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[instanceID]
	if !ok {
		return nil
	}
	out := make([]Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// probe takes one sample: the optional HTTP endpoint first, then the alert
// thresholds over live metrics. Every failure mode yields an unhealthy
// sample rather than an error.
func (m *Monitor) probe(ctx context.Context, inst *instance.Instance) Sample {
	sample := Sample{
		InstanceID: inst.ID,
		Timestamp:  m.nowFn(),
		Healthy:    true,
		Details:    make(map[string]interface{}),
	}

	if inst.HealthEndpoint != "" {
		m.probeEndpoint(ctx, inst.HealthEndpoint, &sample)
	}
	m.applyThresholds(inst, &sample)

	if !sample.Healthy {
		m.logger.Warn("Unhealthy probe sample",
			"instanceID", inst.ID, "status", sample.HTTPStatus, "error", sample.Error)
	}
	return sample
}

func (m *Monitor) probeEndpoint(ctx context.Context, endpoint string, sample *Sample) {
	timeout := m.cfg.ProbeTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, endpoint, nil)
	if err != nil {
		sample.Healthy = false
		sample.Error = err.Error()
		return
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	sample.ResponseTime = time.Since(start)
	if err != nil {
		sample.Healthy = false
		sample.Error = err.Error()
		return
	}
	defer func() { _ = resp.Body.Close() }()

	sample.HTTPStatus = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sample.Healthy = false
		sample.Error = fmt.Sprintf("probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil || len(body) == 0 {
		return
	}
	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil {
		for k, v := range parsed {
			sample.Details[k] = v
		}
	} else {
		sample.Details["rawResponse"] = string(body)
	}
}

// applyThresholds checks the five alert thresholds against live metrics.
// Any breach marks the sample unhealthy and names the breached metrics.
func (m *Monitor) applyThresholds(inst *instance.Instance, sample *Sample) {
	metrics := inst.Metrics()

	var breached []string
	if m.cfg.CPUAlertPercent > 0 && metrics.CPUPercent > m.cfg.CPUAlertPercent {
		breached = append(breached, "cpu")
	}
	if m.cfg.MemoryAlertPercent > 0 && metrics.MemoryPercent > m.cfg.MemoryAlertPercent {
		breached = append(breached, "memory")
	}
	if m.cfg.ErrorRateAlert > 0 && metrics.ErrorRate > m.cfg.ErrorRateAlert {
		breached = append(breached, "error_rate")
	}
	if m.cfg.ResponseTimeAlertMs > 0 && metrics.AvgResponseTime > time.Duration(m.cfg.ResponseTimeAlertMs)*time.Millisecond {
		breached = append(breached, "response_time")
	}
	if m.cfg.QueueDepthAlert > 0 && metrics.QueueDepth > m.cfg.QueueDepthAlert {
		breached = append(breached, "queue_depth")
	}
	if len(breached) == 0 {
		return
	}

	sample.Healthy = false
	sample.Details["breachedMetrics"] = breached
	if sample.Error == "" {
		sample.Error = "alert thresholds breached: " + strings.Join(breached, ",")
	}
}

// commit appends the sample, recomputes overall health and pushes the
// verdict into the registry. The registry fires change handlers only when
// the verdict actually moved.
func (m *Monitor) commit(inst *instance.Instance, sample Sample) {
	m.mu.Lock()
	h, ok := m.histories[inst.ID]
	if !ok {
		h = &history{}
		m.histories[inst.ID] = h
	}
	h.append(sample, m.cfg.HistoryWindow())
	verdict := h.overall(sample.Timestamp, m.cfg.FailureThreshold, m.cfg.SuccessThreshold)
	m.mu.Unlock()

	if err := m.registry.UpdateHealth(inst.ID, verdict); err != nil {
		// Instance vanished between probe and commit.
		m.logger.Debug("Health commit skipped", "instanceID", inst.ID, "error", err)
	}

	m.handlerMu.RLock()
	handlers := make([]func(Sample), len(m.onSample))
	copy(handlers, m.onSample)
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(sample)
	}
}
