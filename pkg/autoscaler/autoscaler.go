// Package autoscaler sizes the instance pool. A periodic loop snapshots
// queue and instance metrics, runs the configured scaling policy, and
// executes at most one scaling action per evaluation. Every decision,
// including the ones that do nothing, is recorded with its reason and the
// metrics it was based on.
package autoscaler

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/queue"
)

// Action names the outcome of one evaluation.
type Action string

// Evaluation outcomes.
const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Decision records one evaluation: what was done, why, and the metrics
// snapshot it was based on.
type Decision struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Count     int       `json:"count"`
	Reason    string    `json:"reason"`
	Metrics   Snapshot  `json:"metrics"`
}

// decisionHistorySize bounds the retained decision ring.
const decisionHistorySize = 100

// Autoscaler evaluates the pool on a fixed interval and grows or shrinks
// it through the registry. Evaluations are serialized: a slow scale-down
// (waiting out in-flight work) delays the next evaluation rather than
// overlapping it.
type Autoscaler struct {
	cfg     config.AutoscalerConfig
	instCfg config.InstanceConfig

	queue    *queue.EventQueue
	registry *instance.Registry
	workers  *instance.WorkerPool
	logger   logger.Logger

	// evalMu serializes evaluation and execution; lastScaleUp,
	// lastScaleDown and the predictor are only touched under it.
	evalMu        sync.Mutex
	lastScaleUp   time.Time
	lastScaleDown time.Time
	predictor     *predictor

	decisions *decisionRing

	handlerMu  sync.RWMutex
	onDecision []func(Decision)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// Option customizes autoscaler construction.
type Option func(*Autoscaler)

// WithNowFunc injects the clock used for cooldowns and decision stamps.
func WithNowFunc(now func() time.Time) Option {
	return func(a *Autoscaler) { a.nowFn = now }
}

// New creates an autoscaler over the given queue, registry and worker
// pool. The policy name is validated here; the loop starts with Start.
func New(cfg config.AutoscalerConfig, instCfg config.InstanceConfig, q *queue.EventQueue, reg *instance.Registry, workers *instance.WorkerPool, log logger.Logger, opts ...Option) (*Autoscaler, error) {
	if log == nil {
		log = logger.Discard
	}
	switch cfg.PolicyType {
	case config.PolicyTargetTracking, config.PolicyStepScaling, config.PolicyPredictive:
	default:
		return nil, errors.Newf(errors.ErrInvalidConfig, "unknown scaling policy %q", cfg.PolicyType).
			WithComponent("autoscaler")
	}

	a := &Autoscaler{
		cfg:       cfg,
		instCfg:   instCfg,
		queue:     q,
		registry:  reg,
		workers:   workers,
		logger:    log,
		predictor: newPredictor(predictorWindow),
		decisions: newDecisionRing(decisionHistorySize),
		stopCh:    make(chan struct{}),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start launches the evaluation loop. A disabled autoscaler stays idle;
// EvaluateOnce still works for manual use.
func (a *Autoscaler) Start() {
	if !a.cfg.Enabled {
		a.logger.Info("Autoscaler disabled")
		return
	}
	a.wg.Add(1)
	go a.loop()
	a.logger.Info("Autoscaler started",
		"policy", a.cfg.PolicyType,
		"interval", a.cfg.EvaluationInterval(),
		"minInstances", a.instCfg.MinInstances,
		"maxInstances", a.instCfg.MaxInstances)
}

// Stop halts the evaluation loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Autoscaler) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.EvaluationInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.EvaluateOnce()
		case <-a.stopCh:
			return
		}
	}
}

// EvaluateOnce runs a single evaluation synchronously: snapshot, policy,
// at most one action. The returned decision is also recorded in the ring.
func (a *Autoscaler) EvaluateOnce() Decision {
	a.evalMu.Lock()
	now := a.nowFn()
	snap, view := a.observe()
	a.predictor.observe(now, snap)
	d := a.decide(now, snap, view)
	a.decisions.push(d)
	a.evalMu.Unlock()

	if d.Action == ActionNone {
		a.logger.Debug("Scaling evaluation", "action", string(d.Action), "reason", d.Reason,
			"activeInstances", snap.ActiveInstances, "queueDepth", snap.QueueDepth)
	} else {
		a.logger.Info("Scaling action",
			"action", string(d.Action), "count", d.Count, "reason", d.Reason,
			"activeInstances", snap.ActiveInstances, "queueDepth", snap.QueueDepth,
			"avgCpu", snap.AvgCPU)
		a.fireDecision(d)
	}
	return d
}

// Decisions returns up to limit recorded decisions, newest first. A
// non-positive limit returns the whole ring.
func (a *Autoscaler) Decisions(limit int) []Decision {
	return a.decisions.recent(limit)
}

// OnDecision registers a synchronous observer fired after each committed
// scaling action. Decisions without an action are recorded but not
// broadcast. Handlers must not block.
func (a *Autoscaler) OnDecision(fn func(Decision)) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.onDecision = append(a.onDecision, fn)
}

// decide applies preconditions, the scale-up policy and the shared
// scale-down rule, executing the chosen action. Caller holds evalMu.
func (a *Autoscaler) decide(now time.Time, snap Snapshot, view poolView) Decision {
	d := Decision{Timestamp: now, Action: ActionNone, Metrics: snap}

	if view.provisioned == 0 && view.draining > 0 {
		d.Reason = "all_draining"
		return d
	}

	add, upReason := a.planScaleUp(snap)
	if add > 0 {
		if room := a.instCfg.MaxInstances - view.provisioned; add > room {
			add = room
		}
		if add <= 0 {
			d.Reason = "at_max_instances"
			return d
		}
		if now.Sub(a.lastScaleUp) < a.cfg.ScaleUpCooldown() {
			d.Reason = "cooldown"
			return d
		}
		d.Action = ActionScaleUp
		d.Count = a.scaleUp(add)
		d.Reason = upReason
		a.lastScaleUp = now
		return d
	}

	remove, downReason := a.planScaleDown(snap, view)
	if remove > 0 {
		if now.Sub(a.lastScaleDown) < a.cfg.ScaleDownCooldown() {
			d.Reason = "cooldown"
			return d
		}
		d.Action = ActionScaleDown
		d.Count = a.scaleDown(remove)
		d.Reason = downReason
		a.lastScaleDown = now
		return d
	}

	d.Reason = upReason
	return d
}

// scaleUp creates and starts n instances and attaches their workers. A
// new instance carries Unknown health, so it joins the routable set (and
// the activeInstances count) only after the monitor's first healthy
// verdict.
func (a *Autoscaler) scaleUp(n int) int {
	added := 0
	for i := 0; i < n; i++ {
		inst := a.registry.Create()
		if err := a.registry.Start(inst.ID); err != nil {
			a.logger.Error("Failed to start scaled-up instance", "instanceID", inst.ID, "error", err)
			continue
		}
		if a.workers != nil {
			a.workers.Attach(inst)
		}
		added++
	}
	return added
}

// scaleDown drains the least busy instances, waits out their in-flight
// work up to the shutdown timeout, then stops and removes them.
func (a *Autoscaler) scaleDown(n int) int {
	victims := a.drainCandidates(n)
	removed := 0
	for _, inst := range victims {
		if err := a.registry.Drain(inst.ID); err != nil {
			a.logger.Error("Failed to drain instance", "instanceID", inst.ID, "error", err)
			continue
		}
		if a.workers != nil && !a.workers.WaitInstance(inst.ID, a.instCfg.ShutdownTimeout()) {
			a.logger.Warn("Instance still busy at shutdown deadline, stopping anyway",
				"instanceID", inst.ID, "timeout", a.instCfg.ShutdownTimeout())
		}
		if err := a.registry.Stop(inst.ID); err != nil {
			a.logger.Error("Failed to stop instance", "instanceID", inst.ID, "error", err)
			continue
		}
		if err := a.registry.Remove(inst.ID); err != nil {
			a.logger.Error("Failed to remove instance", "instanceID", inst.ID, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// drainCandidates returns up to n Running instances ordered by
// events-per-second ascending, so the least busy drain first.
func (a *Autoscaler) drainCandidates(n int) []*instance.Instance {
	type candidate struct {
		inst *instance.Instance
		eps  float64
	}
	cands := lo.Map(a.registry.Running(), func(inst *instance.Instance, _ int) candidate {
		return candidate{inst: inst, eps: inst.Metrics().EventsPerSecond}
	})
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].eps < cands[j].eps })
	if n > len(cands) {
		n = len(cands)
	}
	return lo.Map(cands[:n], func(c candidate, _ int) *instance.Instance { return c.inst })
}

func (a *Autoscaler) fireDecision(d Decision) {
	a.handlerMu.RLock()
	handlers := a.onDecision
	a.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(d)
	}
}

// decisionRing is a bounded FIFO of decisions with its own lock so reads
// never wait behind a running evaluation.
type decisionRing struct {
	mu      sync.Mutex
	entries []Decision
	cap     int
}

func newDecisionRing(capacity int) *decisionRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &decisionRing{cap: capacity}
}

func (r *decisionRing) push(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.cap {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, d)
}

// recent copies out up to limit decisions, newest first. A non-positive
// limit returns everything.
func (r *decisionRing) recent(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Decision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out
}
