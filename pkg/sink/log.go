package sink

import (
	"context"

	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/metrics"
)

// LogSink writes snapshots and broadcast events as structured log lines.
// It is the default destination when Redis publishing is disabled.
type LogSink struct {
	logger logger.Logger
}

// NewLogSink creates a sink writing through the given logger.
func NewLogSink(log logger.Logger) *LogSink {
	if log == nil {
		log = logger.Discard
	}
	return &LogSink{logger: log}
}

// Publish logs a one-line digest of the snapshot.
func (s *LogSink) Publish(_ context.Context, snap *metrics.Snapshot) error {
	s.logger.Info("Metrics snapshot",
		"queueSize", snap.Queue.CurrentSize,
		"utilization", snap.Queue.UtilizationPercent,
		"deadLetters", snap.Queue.DeadLetterSize,
		"instances", len(snap.Instances),
		"pools", len(snap.Pools),
		"goroutines", snap.Runtime.Goroutines)
	return nil
}

// Broadcast logs the event with its kind.
func (s *LogSink) Broadcast(_ context.Context, ev Event) error {
	s.logger.Info("Runtime event", "kind", ev.Kind, "payload", ev.Payload)
	return nil
}
