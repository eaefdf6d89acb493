// Package httppool manages pools of outbound HTTP clients. Each pool is
// guarded by a circuit breaker and a semaphore sized to its connection
// budget; clients are loaned out through handles and returned after use.
package httppool

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kart-io/watchtower/pkg/breaker"
	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

// Metrics is a point-in-time snapshot of one pool.
type Metrics struct {
	PoolName           string        `json:"pool_name"`
	MaxConnections     int           `json:"max_connections"`
	TotalClients       int           `json:"total_clients"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	TotalCreated       int64         `json:"total_created"`
	TotalAcquired      int64         `json:"total_acquired"`
	TotalReleased      int64         `json:"total_released"`
	TotalDiscarded     int64         `json:"total_discarded"`
	AcquireTimeouts    int64         `json:"acquire_timeouts"`
	CircuitRejections  int64         `json:"circuit_rejections"`
	TotalRequests      int64         `json:"total_requests"`
	TotalFailures      int64         `json:"total_failures"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	UtilizationPercent float64       `json:"utilization_percent"`
	BreakerState       string        `json:"breaker_state"`
}

// Health describes pool serviceability.
type Health struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// Pool owns the pooled clients for one outbound destination class.
type Pool struct {
	name    string
	cfg     config.HTTPPoolConfig
	breaker *breaker.CircuitBreaker
	sem     *semaphore.Weighted

	transport *http.Transport
	logger    logger.Logger

	mu      sync.Mutex
	idle    []*PooledClient
	clients map[string]*PooledClient
	closed  bool

	created           atomic.Int64
	acquired          atomic.Int64
	releases          atomic.Int64
	discarded         atomic.Int64
	acquireTimeouts   atomic.Int64
	circuitRejections atomic.Int64

	requests atomic.Int64
	failures atomic.Int64

	respMu    sync.Mutex
	respCount int64
	avgResp   time.Duration
}

func newPool(name string, cfg config.HTTPPoolConfig, log logger.Logger) *Pool {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  !cfg.EnableCompression,
	}
	p := &Pool{
		name:      name,
		cfg:       cfg,
		breaker:   breaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout()),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		transport: transport,
		logger:    log,
		clients:   make(map[string]*PooledClient),
	}
	p.breaker.OnStateChange(func(from, to breaker.State) {
		log.Warn("Circuit state changed", "pool", name, "from", from.String(), "to", to.String())
	})
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	return p.name
}

// acquire loans out a client, creating one if none sits idle. It fails
// fast when the breaker refuses admission and waits up to the acquire
// timeout for a free slot.
func (p *Pool) acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.Newf(errors.ErrPoolClosed, "pool %q is closed", p.name).
			WithComponent("httppool")
	}

	if !p.breaker.CanExecute() {
		p.circuitRejections.Add(1)
		return nil, errors.Newf(errors.ErrCircuitOpen, "pool %q circuit is open", p.name).
			WithComponent("httppool")
	}

	acquireCtx := ctx
	if t := p.cfg.AcquireTimeout(); t > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		// A half-open admission that never ran must report, otherwise the
		// breaker keeps waiting for a probe that no longer exists.
		if p.breaker.State() == breaker.StateHalfOpen {
			p.breaker.RecordFailure()
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrCancelled, "acquire cancelled").
				WithComponent("httppool")
		}
		p.acquireTimeouts.Add(1)
		return nil, errors.Newf(errors.ErrTimeout, "no client in pool %q within %v", p.name, p.cfg.AcquireTimeout()).
			WithComponent("httppool")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errors.Newf(errors.ErrPoolClosed, "pool %q is closed", p.name).
			WithComponent("httppool")
	}
	var c *PooledClient
	for len(p.idle) > 0 {
		c = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.State() == StateAvailable {
			break
		}
		delete(p.clients, c.ID)
		p.discarded.Add(1)
		c = nil
	}
	if c == nil {
		c = p.newClientLocked()
	}
	c.setState(StateInUse)
	p.acquired.Add(1)
	p.mu.Unlock()

	return &Handle{pool: p, client: c}, nil
}

// release returns a client to the pool. Unhealthy clients are discarded
// instead of reused; the semaphore slot is always freed.
func (p *Pool) release(c *PooledClient) {
	p.mu.Lock()
	if c.State() == StateUnhealthy || p.closed {
		delete(p.clients, c.ID)
		p.discarded.Add(1)
	} else {
		c.setState(StateAvailable)
		p.idle = append(p.idle, c)
	}
	p.releases.Add(1)
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *Pool) newClientLocked() *PooledClient {
	c := &PooledClient{
		ID:        uuid.NewString(),
		PoolName:  p.name,
		CreatedAt: time.Now(),
		state:     StateAvailable,
		httpClient: &http.Client{
			Transport: p.transport,
			Timeout:   p.cfg.RequestTimeout(),
		},
		defaultHeaders: p.cfg.DefaultHeaders,
	}
	p.clients[c.ID] = c
	p.created.Add(1)
	return c
}

// WarmUp pre-creates idle clients, capped at half the connection budget.
// It returns the number actually created.
func (p *Pool) WarmUp(n int) int {
	if limit := p.cfg.MaxConnections / 2; n > limit {
		n = limit
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	createdNow := 0
	for i := 0; i < n && len(p.clients) < p.cfg.MaxConnections; i++ {
		p.idle = append(p.idle, p.newClientLocked())
		createdNow++
	}
	if createdNow > 0 {
		p.logger.Info("Pool warmed up", "pool", p.name, "clients", createdNow)
	}
	return createdNow
}

// recordResult updates pool-level accounting for one logical request.
// Per-attempt accounting lives on the client.
func (p *Pool) recordResult(elapsed time.Duration, failed bool) {
	p.requests.Add(1)
	if failed {
		p.failures.Add(1)
	}
	p.respMu.Lock()
	p.respCount++
	p.avgResp += (elapsed - p.avgResp) / time.Duration(p.respCount)
	p.respMu.Unlock()
}

// Metrics returns a snapshot of the pool's accounting.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	total := len(p.clients)
	idle := len(p.idle)
	p.mu.Unlock()

	p.respMu.Lock()
	avgResp := p.avgResp
	p.respMu.Unlock()

	inUse := total - idle
	util := 0.0
	if p.cfg.MaxConnections > 0 {
		util = float64(inUse) / float64(p.cfg.MaxConnections) * 100
	}
	return Metrics{
		PoolName:           p.name,
		MaxConnections:     p.cfg.MaxConnections,
		TotalClients:       total,
		InUse:              inUse,
		Idle:               idle,
		TotalCreated:       p.created.Load(),
		TotalAcquired:      p.acquired.Load(),
		TotalReleased:      p.releases.Load(),
		TotalDiscarded:     p.discarded.Load(),
		AcquireTimeouts:    p.acquireTimeouts.Load(),
		CircuitRejections:  p.circuitRejections.Load(),
		TotalRequests:      p.requests.Load(),
		TotalFailures:      p.failures.Load(),
		AvgResponseTime:    avgResp,
		UtilizationPercent: util,
		BreakerState:       p.breaker.State().String(),
	}
}

// Clients returns snapshots of every live client in the pool.
func (p *Pool) Clients() []ClientInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]ClientInfo, 0, len(p.clients))
	for _, c := range p.clients {
		infos = append(infos, c.Info())
	}
	return infos
}

// Health reports whether the pool can serve. The pool is unhealthy while
// its circuit is open or more than 90% of the budget is checked out.
func (p *Pool) Health() Health {
	if p.breaker.State() == breaker.StateOpen {
		return Health{Healthy: false, Reason: "circuit open"}
	}
	if m := p.Metrics(); m.UtilizationPercent > 90 {
		return Health{Healthy: false, Reason: "utilization above 90%"}
	}
	return Health{Healthy: true}
}

// CheckHealth sweeps unhealthy idle clients out of the pool and reports
// the resulting health.
func (p *Pool) CheckHealth() Health {
	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if c.State() == StateUnhealthy {
			delete(p.clients, c.ID)
			p.discarded.Add(1)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.mu.Unlock()

	h := p.Health()
	if !h.Healthy {
		p.logger.Warn("Pool unhealthy", "pool", p.name, "reason", h.Reason)
	}
	return h
}

// Close marks the pool closed and drops idle clients. Loaned handles may
// still release; their clients are discarded on return.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, c := range p.idle {
		delete(p.clients, c.ID)
	}
	p.idle = nil
	p.mu.Unlock()

	p.transport.CloseIdleConnections()
	p.logger.Info("Pool closed", "pool", p.name)
	return nil
}
