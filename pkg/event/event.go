// Package event defines the unit of work that flows through the Watchtower
// pipeline: ingested security events, their priorities, and the processing
// results reported by downstream processors.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Priority determines dequeue precedence. Higher values are served first;
// events of equal priority are served in arrival order.
type Priority int

// Priority levels
const (
	PriorityLow      Priority = 25
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 75
	PriorityCritical Priority = 100
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriority maps a configuration string to a Priority.
// Unknown values fall back to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Event is the immutable unit flowing through the pipeline. After enqueue
// only RetryCount and the processing timestamps may change; everything else
// is fixed at creation.
type Event struct {
	// ID uniquely identifies the event. Duplicate IDs are allowed at this
	// layer; dedup is an upstream concern.
	ID string `json:"id"`

	// Timestamp is the source-side occurrence time (RFC 3339 on the wire).
	Timestamp time.Time `json:"timestamp"`

	// Source names the ingestion origin (channel, tailer, forwarder).
	Source string `json:"source,omitempty"`

	// Priority determines dequeue precedence.
	Priority Priority `json:"priority"`

	// Payload is the opaque event body.
	Payload []byte `json:"payload,omitempty"`

	// Metadata carries structured fields the ingestion adapter attached.
	// The balancer reads the affinity key from here for sticky routing.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RetryCount is the number of processing attempts already consumed.
	RetryCount int `json:"retry_count"`

	// Queue lifecycle timestamps, set by the queue.
	EnqueuedAt          time.Time `json:"enqueued_at,omitempty"`
	DequeuedAt          time.Time `json:"dequeued_at,omitempty"`
	ProcessingStartedAt time.Time `json:"processing_started_at,omitempty"`
}

// AffinityKey is the metadata key sticky load balancing reads.
const AffinityKey = "affinity_key"

// New creates an event with a generated id and the current time.
func New(source string, priority Priority, payload []byte) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Priority:  priority,
		Payload:   payload,
	}
}

// Age returns how long the event has been enqueued as of now.
func (e *Event) Age(now time.Time) time.Duration {
	if e.EnqueuedAt.IsZero() {
		return 0
	}
	return now.Sub(e.EnqueuedAt)
}

// WaitTime returns the time the event spent queued before dequeue.
func (e *Event) WaitTime() time.Duration {
	if e.EnqueuedAt.IsZero() || e.DequeuedAt.IsZero() {
		return 0
	}
	return e.DequeuedAt.Sub(e.EnqueuedAt)
}

// Affinity returns the sticky-routing key, if the ingestion adapter set one.
func (e *Event) Affinity() (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	key, ok := e.Metadata[AffinityKey]
	return key, ok && key != ""
}
