// Package sink delivers runtime telemetry to destinations outside the
// process: metric snapshots on every collector tick and discrete broadcast
// events (scaling actions, health transitions, dead letters, queue
// pressure) as they happen. Sinks are fail-open; a destination being down
// never stalls the runtime.
package sink

import (
	"context"
	"time"

	"github.com/kart-io/watchtower/pkg/metrics"
)

// Kind labels a broadcast event.
type Kind string

// Broadcast event kinds.
const (
	KindScalingDecision Kind = "scaling_decision"
	KindInstanceState   Kind = "instance_state"
	KindDeadLetter      Kind = "dead_letter"
	KindQueuePressure   Kind = "queue_pressure"
)

// Event is one discrete runtime occurrence. Payload carries the
// kind-specific detail: an autoscaler decision, a health transition, a
// dead-letter entry or a queue size change.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// BroadcastSink receives discrete runtime events.
type BroadcastSink interface {
	Broadcast(ctx context.Context, ev Event) error
}

// Both built-in sinks serve snapshots and broadcasts alike.
var (
	_ metrics.Sink  = (*LogSink)(nil)
	_ BroadcastSink = (*LogSink)(nil)
	_ metrics.Sink  = (*RedisSink)(nil)
	_ BroadcastSink = (*RedisSink)(nil)
)
