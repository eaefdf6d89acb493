package health

import (
	"time"

	"github.com/kart-io/watchtower/pkg/instance"
)

// recentWindow is the span the ratio fallback of the overall-health rule
// looks at when neither consecutive counter is decisive.
const recentWindow = 5 * time.Minute

// Sample is one probe observation for one instance.
type Sample struct {
	InstanceID   string                 `json:"instance_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Healthy      bool                   `json:"healthy"`
	ResponseTime time.Duration          `json:"response_time"`
	HTTPStatus   int                    `json:"http_status,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// history keeps one instance's probe samples and the consecutive-outcome
// counters. Counters reset when the outcome flips; samples older than the
// retention window are pruned on every append.
type history struct {
	samples              []Sample
	consecutiveFailures  int
	consecutiveSuccesses int
}

// append records a sample, updates the consecutive counters and prunes
// entries older than retention.
func (h *history) append(s Sample, retention time.Duration) {
	if s.Healthy {
		h.consecutiveSuccesses++
		h.consecutiveFailures = 0
	} else {
		h.consecutiveFailures++
		h.consecutiveSuccesses = 0
	}

	h.samples = append(h.samples, s)
	cutoff := s.Timestamp.Add(-retention)
	i := 0
	for i < len(h.samples) && h.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.samples = append(h.samples[:0], h.samples[i:]...)
	}
}

// overall applies the health rule, in order: the failure streak wins, then
// the success streak, then the healthy ratio over the recent window.
func (h *history) overall(now time.Time, failureThreshold, successThreshold int) instance.Health {
	if h.consecutiveFailures >= failureThreshold {
		return instance.HealthUnhealthy
	}
	if h.consecutiveSuccesses >= successThreshold {
		return instance.HealthHealthy
	}

	cutoff := now.Add(-recentWindow)
	total, healthy := 0, 0
	for _, s := range h.samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if s.Healthy {
			healthy++
		}
	}
	if total == 0 {
		return instance.HealthUnknown
	}

	ratio := float64(healthy) / float64(total)
	switch {
	case ratio >= 0.8:
		return instance.HealthHealthy
	case ratio >= 0.5:
		return instance.HealthDegraded
	default:
		return instance.HealthUnhealthy
	}
}
