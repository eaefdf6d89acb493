package event

import "context"

// Outcome classifies the result of one processing attempt.
type Outcome int

const (
	// OutcomeSuccess means the event was fully processed.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the attempt failed but may succeed later;
	// the event returns to the queue with a bumped retry count.
	OutcomeRetryable
	// OutcomePermanent means further attempts are pointless;
	// the event is dead-lettered.
	OutcomePermanent
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomePermanent:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is what a processor reports for one attempt.
type Result struct {
	Outcome Outcome
	// Err carries the failure cause for non-success outcomes.
	Err error
	// Detail is an optional human-readable note recorded in metrics.
	Detail string
}

// Success returns a successful result.
func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Retryable returns a retryable-failure result.
func Retryable(err error) Result { return Result{Outcome: OutcomeRetryable, Err: err} }

// Permanent returns a permanent-failure result.
func Permanent(err error) Result { return Result{Outcome: OutcomePermanent, Err: err} }

// Processor consumes dequeued events. Implementations live outside the
// runtime (classification, correlation, enrichment backends) and must be
// idempotent under retry: the runtime may deliver the same event again
// after a retryable failure or cancellation.
type Processor interface {
	Process(ctx context.Context, ev *Event) Result
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, ev *Event) Result

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, ev *Event) Result {
	return f(ctx, ev)
}
