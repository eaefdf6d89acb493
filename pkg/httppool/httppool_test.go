package httppool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/watchtower/pkg/breaker"
	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/logger"
)

func testPoolConfig() config.HTTPPoolConfig {
	return config.HTTPPoolConfig{
		MaxConnections:               4,
		RequestTimeoutSeconds:        5,
		AcquireTimeoutSeconds:        1,
		MaxRetries:                   2,
		CircuitBreakerThreshold:      5,
		CircuitBreakerTimeoutSeconds: 30,
	}
}

func newTestManager(t *testing.T, cfg config.HTTPPoolConfig) *Manager {
	t.Helper()
	m := NewManager(cfg, logger.Discard)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustGet(t *testing.T, m *Manager, pool string) *Handle {
	t.Helper()
	h, err := m.Get(context.Background(), pool)
	require.NoError(t, err)
	return h
}

func criticalRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	ctx := WithPriority(context.Background(), event.PriorityCritical)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestManagerPoolLookup(t *testing.T) {
	m := newTestManager(t, testPoolConfig())

	_, err := m.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrPoolNotFound))

	_, err = m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	h.Release()

	// Creating the same pool again returns the existing one.
	p1, _ := m.Pool("webhooks")
	p2, err := m.CreatePool("webhooks")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestManagerAutoPoolCreation(t *testing.T) {
	cfg := testPoolConfig()
	cfg.EnableAutoPoolCreation = true
	m := newTestManager(t, cfg)

	h, err := m.Get(context.Background(), "on-demand")
	require.NoError(t, err)
	h.Release()

	_, ok := m.Pool("on-demand")
	assert.True(t, ok)
}

func TestClientReuseAcrossAcquires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t, testPoolConfig())
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h := mustGet(t, m, "webhooks")
		resp, err := h.Do(criticalRequest(t, srv.URL))
		require.NoError(t, err)
		drain(resp)
		h.Release()
	}

	p, _ := m.Pool("webhooks")
	metrics := p.Metrics()
	assert.Equal(t, 1, metrics.TotalClients)
	assert.Equal(t, int64(1), metrics.TotalCreated)
	assert.Equal(t, int64(2), metrics.TotalAcquired)
	assert.Equal(t, int64(2), metrics.TotalReleased)
	assert.Equal(t, int64(2), metrics.TotalRequests)
	assert.Equal(t, int64(0), metrics.TotalFailures)
}

func TestRetryOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t, testPoolConfig())
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	defer h.Release()

	resp, err := h.Do(criticalRequest(t, srv.URL))
	require.NoError(t, err)
	defer drain(resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())

	info := h.Client().Info()
	assert.Equal(t, int64(3), info.RequestCount)
	assert.Equal(t, int64(2), info.ErrorCount)
}

func TestNoRetryOnClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := newTestManager(t, testPoolConfig())
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	defer h.Release()

	resp, err := h.Do(criticalRequest(t, srv.URL))
	require.NoError(t, err)
	drain(resp)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())

	p, _ := m.Pool("webhooks")
	assert.Equal(t, "closed", p.Metrics().BreakerState)
}

func TestRetryExhaustionSurfacesResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testPoolConfig()
	cfg.MaxRetries = 1
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	defer h.Release()

	resp, err := h.Do(criticalRequest(t, srv.URL))
	require.NoError(t, err)
	drain(resp)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())

	p, _ := m.Pool("webhooks")
	assert.Equal(t, int64(1), p.Metrics().TotalFailures)
}

func TestBreakerOpensAndRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 2
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h := mustGet(t, m, "webhooks")
		resp, err := h.Do(criticalRequest(t, srv.URL))
		require.NoError(t, err)
		drain(resp)
		h.Release()
	}

	_, err = m.Get(context.Background(), "webhooks")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCircuitOpen))

	p, _ := m.Pool("webhooks")
	metrics := p.Metrics()
	assert.Equal(t, "open", metrics.BreakerState)
	assert.Equal(t, int64(1), metrics.CircuitRejections)

	health := p.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "circuit open", health.Reason)
}

func TestTransportErrorDiscardsClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	_, err = h.Do(criticalRequest(t, url))
	require.Error(t, err)
	assert.Equal(t, StateUnhealthy, h.Client().State())
	h.Release()

	p, _ := m.Pool("webhooks")
	metrics := p.Metrics()
	assert.Equal(t, 0, metrics.TotalClients)
	assert.Equal(t, int64(1), metrics.TotalDiscarded)
}

func TestDoCancelledLeavesClientHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	m := newTestManager(t, testPoolConfig())
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = h.Do(req)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCancelled))
	h.Release()

	p, _ := m.Pool("webhooks")
	metrics := p.Metrics()
	assert.Equal(t, 1, metrics.TotalClients)
	assert.Equal(t, "closed", metrics.BreakerState)
}

func TestAcquireTimeoutAndCancel(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	held := mustGet(t, m, "webhooks")
	defer held.Release()

	// Caller context expires before the acquire timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Get(ctx, "webhooks")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCancelled))

	// No caller deadline; the pool's own acquire timeout fires.
	start := time.Now()
	_, err = m.Get(context.Background(), "webhooks")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	p, _ := m.Pool("webhooks")
	assert.Equal(t, int64(1), p.Metrics().AcquireTimeouts)
}

func TestWithClientReleasesOnPanic(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	func() {
		defer func() { _ = recover() }()
		_ = m.WithClient(context.Background(), "webhooks", func(h *Handle) error {
			panic("boom")
		})
	}()

	// The slot came back despite the panic.
	h := mustGet(t, m, "webhooks")
	h.Release()
}

func TestWithClientReturnsCallbackError(t *testing.T) {
	m := newTestManager(t, testPoolConfig())
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	wantErr := errors.New(errors.ErrProcessingPermanent, "no good")
	err = m.WithClient(context.Background(), "webhooks", func(h *Handle) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
}

func TestWarmUpCapsAtHalfBudget(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 10
	m := newTestManager(t, cfg)
	p, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	created := p.WarmUp(7)
	assert.Equal(t, 5, created)

	metrics := p.Metrics()
	assert.Equal(t, 5, metrics.TotalClients)
	assert.Equal(t, 5, metrics.Idle)
	assert.Equal(t, 0, metrics.InUse)
}

func TestHealthTracksUtilization(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	m := newTestManager(t, cfg)
	p, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	assert.True(t, p.Health().Healthy)

	h := mustGet(t, m, "webhooks")
	health := p.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "utilization above 90%", health.Reason)

	h.Release()
	assert.True(t, p.Health().Healthy)
}

func TestCheckHealthSweepsUnhealthyIdleClients(t *testing.T) {
	m := newTestManager(t, testPoolConfig())
	p, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	c := h.Client()
	h.Release()

	// The client went idle healthy and soured afterwards.
	c.markUnhealthy()
	p.CheckHealth()

	metrics := p.Metrics()
	assert.Equal(t, 0, metrics.TotalClients)
	assert.Equal(t, int64(1), metrics.TotalDiscarded)
}

func TestDefaultHeadersApplied(t *testing.T) {
	var gotSource, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSource = r.Header.Get("X-Source")
		gotAgent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	cfg := testPoolConfig()
	cfg.DefaultHeaders = map[string]string{
		"X-Source":   "watchtower",
		"User-Agent": "watchtower/1.0",
	}
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	defer h.Release()

	req := criticalRequest(t, srv.URL)
	req.Header.Set("User-Agent", "custom-agent")
	resp, err := h.Do(req)
	require.NoError(t, err)
	drain(resp)

	assert.Equal(t, "watchtower", gotSource)
	assert.Equal(t, "custom-agent", gotAgent)
}

func TestHandleReleaseIdempotent(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConnections = 1
	m := newTestManager(t, cfg)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	h.Release()
	h.Release()

	p, _ := m.Pool("webhooks")
	assert.Equal(t, int64(1), p.Metrics().TotalReleased)

	// A double release must not mint a second semaphore slot.
	h2 := mustGet(t, m, "webhooks")
	defer h2.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = m.Get(ctx, "webhooks")
	require.Error(t, err)
}

func TestDoAfterReleaseFails(t *testing.T) {
	m := newTestManager(t, testPoolConfig())
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	h.Release()

	_, err = h.Do(criticalRequest(t, "http://127.0.0.1:0"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInternal))
}

func TestManagerClose(t *testing.T) {
	m := NewManager(testPoolConfig(), logger.Discard)
	_, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Get(context.Background(), "webhooks")
	assert.True(t, errors.IsCode(err, errors.ErrPoolClosed))

	_, err = m.CreatePool("other")
	assert.True(t, errors.IsCode(err, errors.ErrPoolClosed))
}

func TestBackoffBands(t *testing.T) {
	tests := []struct {
		priority event.Priority
		base     time.Duration
		ceiling  time.Duration
	}{
		{event.PriorityCritical, 100 * time.Millisecond, time.Second},
		{event.PriorityHigh, 250 * time.Millisecond, 2500 * time.Millisecond},
		{event.PriorityNormal, 500 * time.Millisecond, 5 * time.Second},
		{event.PriorityLow, time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		base, ceiling := backoffBand(tt.priority)
		assert.Equal(t, tt.base, base, "priority %s", tt.priority)
		assert.Equal(t, tt.ceiling, ceiling, "priority %s", tt.priority)
	}
}

func TestPriorityContextRoundTrip(t *testing.T) {
	ctx := WithPriority(context.Background(), event.PriorityHigh)
	assert.Equal(t, event.PriorityHigh, PriorityFromContext(ctx))
	assert.Equal(t, event.PriorityNormal, PriorityFromContext(context.Background()))
}

func TestHalfOpenProbeFlowsThroughPool(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 1
	cfg.CircuitBreakerTimeoutSeconds = 1
	m := newTestManager(t, cfg)
	p, err := m.CreatePool("webhooks")
	require.NoError(t, err)

	h := mustGet(t, m, "webhooks")
	resp, err := h.Do(criticalRequest(t, srv.URL))
	require.NoError(t, err)
	drain(resp)
	h.Release()
	assert.Equal(t, "open", p.Metrics().BreakerState)

	// After the hold expires the next acquire is the probe; its success
	// closes the circuit again.
	healthy.Store(true)
	time.Sleep(1100 * time.Millisecond)

	h = mustGet(t, m, "webhooks")
	resp, err = h.Do(criticalRequest(t, srv.URL))
	require.NoError(t, err)
	drain(resp)
	h.Release()

	assert.Equal(t, "closed", p.Metrics().BreakerState)
}

func TestBreakerStatesExposedOnMetrics(t *testing.T) {
	m := newTestManager(t, testPoolConfig())
	p, err := m.CreatePool("webhooks")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed.String(), p.Metrics().BreakerState)
}
