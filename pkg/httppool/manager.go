package httppool

import (
	"context"
	"sync"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

// Manager owns named pools sharing one configuration. Unknown pool names
// are created on demand when auto-creation is enabled.
type Manager struct {
	cfg    config.HTTPPoolConfig
	logger logger.Logger

	mu     sync.RWMutex
	pools  map[string]*Pool
	closed bool
}

// NewManager builds an empty pool manager.
func NewManager(cfg config.HTTPPoolConfig, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard
	}
	return &Manager{
		cfg:    cfg,
		logger: log,
		pools:  make(map[string]*Pool),
	}
}

// CreatePool creates a named pool, returning the existing one when the
// name is already taken.
func (m *Manager) CreatePool(name string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New(errors.ErrPoolClosed, "pool manager is closed").
			WithComponent("httppool")
	}
	if p, ok := m.pools[name]; ok {
		return p, nil
	}
	p := newPool(name, m.cfg, m.logger)
	m.pools[name] = p
	m.logger.Info("HTTP pool created", "pool", name, "maxConnections", m.cfg.MaxConnections)
	return p, nil
}

// Get loans a client handle from the named pool.
func (m *Manager) Get(ctx context.Context, poolName string) (*Handle, error) {
	m.mu.RLock()
	p, ok := m.pools[poolName]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, errors.New(errors.ErrPoolClosed, "pool manager is closed").
			WithComponent("httppool")
	}
	if !ok {
		if !m.cfg.EnableAutoPoolCreation {
			return nil, errors.Newf(errors.ErrPoolNotFound, "pool %q not found", poolName).
				WithComponent("httppool")
		}
		var err error
		p, err = m.CreatePool(poolName)
		if err != nil {
			return nil, err
		}
	}
	return p.acquire(ctx)
}

// WithClient acquires a handle, invokes fn with it, and releases the
// handle afterwards. The release runs even when fn panics.
func (m *Manager) WithClient(ctx context.Context, poolName string, fn func(*Handle) error) error {
	h, err := m.Get(ctx, poolName)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// Pool returns the named pool when it exists.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Metrics returns a snapshot of every pool keyed by name.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Metrics()
	}
	return out
}

// CheckHealth sweeps every pool and returns their health keyed by name.
func (m *Manager) CheckHealth() map[string]Health {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	out := make(map[string]Health, len(pools))
	for _, p := range pools {
		out[p.Name()] = p.CheckHealth()
	}
	return out
}

// Close closes every pool. Get and CreatePool fail afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		_ = p.Close()
	}
	m.logger.Info("Pool manager closed", "pools", len(pools))
	return nil
}
