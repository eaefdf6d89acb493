// Package balancer picks the processing instance that absorbs each
// dequeued event. Candidates are the Running and Healthy instances; the
// selection strategy is configured (round-robin, smooth weighted,
// least-busy, or sticky affinity with a TTL table).
package balancer

import (
	"context"

	"github.com/samber/lo"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/logger"
)

// Balancer selects a target instance per event. It implements
// instance.Picker for the worker loops.
type Balancer struct {
	registry *instance.Registry
	strat    strategy
	logger   logger.Logger
}

var _ instance.Picker = (*Balancer)(nil)

// New builds a balancer with the configured strategy. Sticky routing falls
// back to round-robin when an event has no affinity or no valid pin.
func New(cfg config.BalancerConfig, reg *instance.Registry, log logger.Logger) (*Balancer, error) {
	if log == nil {
		log = logger.Discard
	}

	var strat strategy
	switch cfg.Strategy {
	case config.StrategyRoundRobin, "":
		strat = &roundRobin{}
	case config.StrategyWeightedRoundRobin:
		strat = newWeightedRoundRobin()
	case config.StrategyLeastBusy:
		strat = leastBusy{}
	case config.StrategySticky:
		strat = newSticky(cfg.StickyTimeout(), &roundRobin{})
	default:
		return nil, errors.Newf(errors.ErrInvalidConfig, "unknown balancer strategy %q", cfg.Strategy).
			WithComponent("balancer")
	}

	log.Info("Load balancer created", "strategy", strat.name())
	return &Balancer{registry: reg, strat: strat, logger: log}, nil
}

// Strategy returns the active strategy name.
func (b *Balancer) Strategy() string {
	return b.strat.name()
}

// Pick returns a Running and Healthy instance for the event, or
// ErrNoCapacity when none qualifies.
func (b *Balancer) Pick(ctx context.Context, ev *event.Event) (*instance.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCancelled, "pick cancelled").WithComponent("balancer")
	}

	candidates := lo.Filter(b.registry.Running(), func(inst *instance.Instance, _ int) bool {
		return inst.Health() == instance.HealthHealthy
	})
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrNoCapacity, "no healthy running instance").WithComponent("balancer")
	}

	chosen := b.strat.pick(candidates, ev)
	if chosen == nil {
		return nil, errors.New(errors.ErrNoCapacity, "strategy produced no instance").WithComponent("balancer")
	}
	b.logger.Debug("Instance picked",
		"eventID", ev.ID, "instanceID", chosen.ID, "strategy", b.strat.name())
	return chosen, nil
}
