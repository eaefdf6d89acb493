package instance

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/logger"
)

// HealthChange describes one health transition committed by the registry.
type HealthChange struct {
	InstanceID string
	From       Health
	To         Health
	At         time.Time
}

// Registry holds the authoritative table of instances keyed by id.
// All mutations are serialized under one mutex; list results are copy-out
// snapshots so callers can iterate without holding anything.
type Registry struct {
	cfg config.InstanceConfig

	mu        sync.Mutex
	instances map[string]*Instance
	order     []string

	handlerMu       sync.RWMutex
	onHealthChanged []func(HealthChange)

	logger logger.Logger
	nowFn  func() time.Time
}

// RegistryOption customizes registry construction.
type RegistryOption func(*Registry)

// WithNowFunc injects the clock used for creation stamps and transitions.
func WithNowFunc(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.nowFn = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.InstanceConfig, log logger.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = logger.Discard
	}
	r := &Registry{
		cfg:       cfg,
		instances: make(map[string]*Instance),
		logger:    log,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new instance in Starting state with Unknown health
// and the configured default weight. The health endpoint comes from the
// configured template with the instance id substituted in.
func (r *Registry) Create() *Instance {
	id := uuid.NewString()
	endpoint := ""
	if r.cfg.HealthEndpoint != "" {
		endpoint = fmt.Sprintf(r.cfg.HealthEndpoint, id)
	}
	inst := newInstance(id, endpoint, r.cfg.DefaultWeight, r.nowFn)

	r.mu.Lock()
	r.instances[id] = inst
	r.order = append(r.order, id)
	count := len(r.instances)
	r.mu.Unlock()

	r.logger.Info("Instance created", "instanceID", id, "weight", inst.Weight, "count", count)
	return inst
}

// Start transitions an instance to Running. Starting a Running instance is
// a no-op; Draining and Stopped instances cannot be started.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceNotFound, "instance %s not found", id).WithComponent("registry")
	}
	switch inst.Status() {
	case StatusRunning:
		r.mu.Unlock()
		return nil
	case StatusDraining:
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceDraining, "instance %s is draining", id).WithComponent("registry")
	case StatusStopped:
		r.mu.Unlock()
		return errors.Newf(errors.ErrInternal, "instance %s already stopped", id).WithComponent("registry")
	}
	inst.setStatus(StatusRunning)
	r.mu.Unlock()

	r.logger.Info("Instance started", "instanceID", id)
	return nil
}

// Drain stops intake for an instance; in-flight work finishes. Draining a
// Draining or Stopped instance is a no-op.
func (r *Registry) Drain(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceNotFound, "instance %s not found", id).WithComponent("registry")
	}
	switch inst.Status() {
	case StatusDraining, StatusStopped:
		r.mu.Unlock()
		return nil
	}
	inst.setStatus(StatusDraining)
	r.mu.Unlock()

	r.logger.Info("Instance draining", "instanceID", id)
	return nil
}

// Stop transitions an instance to Stopped regardless of its current state.
// Drain first for a graceful stop.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceNotFound, "instance %s not found", id).WithComponent("registry")
	}
	inst.setStatus(StatusStopped)
	r.mu.Unlock()

	r.logger.Info("Instance stopped", "instanceID", id)
	return nil
}

// Remove deletes a Stopped instance from the table.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceNotFound, "instance %s not found", id).WithComponent("registry")
	}
	if inst.Status() != StatusStopped {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInternal, "instance %s must be stopped before removal", id).WithComponent("registry")
	}
	delete(r.instances, id)
	r.order = lo.Without(r.order, id)
	count := len(r.instances)
	r.mu.Unlock()

	r.logger.Info("Instance removed", "instanceID", id, "count", count)
	return nil
}

// Get returns the instance with the given id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// List returns all instances in creation order.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Running returns the instances currently in Running state, in creation
// order.
func (r *Registry) Running() []*Instance {
	r.mu.Lock()
	out := r.listLocked()
	r.mu.Unlock()
	return lo.Filter(out, func(inst *Instance, _ int) bool {
		return inst.Status() == StatusRunning
	})
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// UpdateHealth commits a health verdict. Handlers registered with
// OnHealthChanged fire synchronously after commit, outside the mutex, and
// only when the verdict actually changed.
func (r *Registry) UpdateHealth(id string, h Health) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceNotFound, "instance %s not found", id).WithComponent("registry")
	}
	prev := inst.setHealth(h)
	at := r.nowFn()
	r.mu.Unlock()

	if prev == h {
		return nil
	}
	r.logger.Info("Instance health changed",
		"instanceID", id, "from", prev.String(), "to", h.String())
	r.fireHealthChanged(HealthChange{InstanceID: id, From: prev, To: h, At: at})
	return nil
}

// UpdateMetrics overwrites an instance's live metrics from an external
// source. The worker keeps refreshing the derived fields afterwards.
func (r *Registry) UpdateMetrics(id string, m Metrics) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrInstanceNotFound, "instance %s not found", id).WithComponent("registry")
	}
	inst.applyMetrics(m)
	r.mu.Unlock()
	return nil
}

// OnHealthChanged registers a synchronous observer for committed health
// transitions. Handlers must not block.
func (r *Registry) OnHealthChanged(fn func(HealthChange)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.onHealthChanged = append(r.onHealthChanged, fn)
}

// listLocked copies the table in creation order. Caller holds r.mu.
func (r *Registry) listLocked() []*Instance {
	out := make([]*Instance, 0, len(r.instances))
	for _, id := range r.order {
		if inst, ok := r.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Registry) fireHealthChanged(change HealthChange) {
	r.handlerMu.RLock()
	handlers := r.onHealthChanged
	r.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(change)
	}
}
