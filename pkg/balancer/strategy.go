package balancer

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/instance"
)

// strategy selects one instance from a non-empty candidate slice.
// Candidates arrive in creation order, which keeps the rotation of the
// counting strategies stable.
type strategy interface {
	pick(candidates []*instance.Instance, ev *event.Event) *instance.Instance
	name() string
}

// roundRobin rotates through candidates with a monotonic counter.
type roundRobin struct {
	counter atomic.Uint64
}

func (r *roundRobin) name() string { return config.StrategyRoundRobin }

func (r *roundRobin) pick(candidates []*instance.Instance, _ *event.Event) *instance.Instance {
	idx := (r.counter.Inc() - 1) % uint64(len(candidates))
	return candidates[idx]
}

// weightedRoundRobin is the smooth weighted algorithm: every turn each
// candidate gains its configured weight, the highest current weight wins
// and pays the total back. Heavier instances win proportionally more turns
// without ever bursting.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{current: make(map[string]int)}
}

func (w *weightedRoundRobin) name() string { return config.StrategyWeightedRoundRobin }

func (w *weightedRoundRobin) pick(candidates []*instance.Instance, _ *event.Event) *instance.Instance {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best *instance.Instance
	for _, inst := range candidates {
		w.current[inst.ID] += inst.Weight
		total += inst.Weight
		if best == nil || w.current[inst.ID] > w.current[best.ID] {
			best = inst
		}
	}
	if best == nil {
		return nil
	}
	w.current[best.ID] -= total

	// Instances churn; drop state for ids long gone.
	if len(w.current) > 2*len(candidates)+8 {
		alive := lo.SliceToMap(candidates, func(inst *instance.Instance) (string, struct{}) {
			return inst.ID, struct{}{}
		})
		for id := range w.current {
			if _, ok := alive[id]; !ok {
				delete(w.current, id)
			}
		}
	}
	return best
}

// leastBusy picks the shallowest queue, tie broken by the lowest average
// response time.
type leastBusy struct{}

func (leastBusy) name() string { return config.StrategyLeastBusy }

func (leastBusy) pick(candidates []*instance.Instance, _ *event.Event) *instance.Instance {
	return lo.MinBy(candidates, func(a, b *instance.Instance) bool {
		am, bm := a.Metrics(), b.Metrics()
		if am.QueueDepth != bm.QueueDepth {
			return am.QueueDepth < bm.QueueDepth
		}
		return am.AvgResponseTime < bm.AvgResponseTime
	})
}

// sticky pins an event's affinity key to an instance id for the configured
// TTL. Misses, expired pins and pins to instances no longer in the
// candidate set fall back to the base strategy, and the fresh pick re-pins
// the key.
type sticky struct {
	cache *gocache.Cache
	base  strategy
}

func newSticky(timeout time.Duration, base strategy) *sticky {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	// No janitor goroutine; expired entries fall out lazily on Get.
	return &sticky{cache: gocache.New(timeout, 0), base: base}
}

func (s *sticky) name() string { return config.StrategySticky }

func (s *sticky) pick(candidates []*instance.Instance, ev *event.Event) *instance.Instance {
	key, ok := ev.Affinity()
	if !ok {
		return s.base.pick(candidates, ev)
	}

	if pinned, found := s.cache.Get(key); found {
		id := pinned.(string)
		for _, inst := range candidates {
			if inst.ID == id {
				return inst
			}
		}
	}

	chosen := s.base.pick(candidates, ev)
	if chosen != nil {
		s.cache.SetDefault(key, chosen.ID)
	}
	return chosen
}
