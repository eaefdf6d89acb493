// Package breaker implements the circuit breaker guarding outbound HTTP
// pools. The breaker trips open after a run of consecutive failures, holds
// requests off for a timeout, then admits a single probe to decide between
// closing again and re-opening.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit's admission mode.
type State int

const (
	// StateClosed admits every request.
	StateClosed State = iota
	// StateOpen rejects every request until the open hold elapses.
	StateOpen
	// StateHalfOpen admits exactly one probe request.
	StateHalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Counts is a snapshot of breaker accounting.
type Counts struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalFailures       int64     `json:"total_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
}

// CircuitBreaker fails fast after threshold consecutive failures. All
// methods are safe for concurrent use and never block; the Open→HalfOpen
// flip happens lazily inside CanExecute once the hold elapses.
type CircuitBreaker struct {
	threshold int
	timeout   time.Duration

	mu            sync.Mutex
	state         State
	consecutive   int
	successes     int64
	failures      int64
	lastFailureAt time.Time
	probeInFlight bool
	nowFn         func() time.Time

	handlerMu sync.RWMutex
	onChange  []func(from, to State)
}

// Option customizes breaker construction.
type Option func(*CircuitBreaker)

// WithNowFunc injects the clock used for the open hold.
func WithNowFunc(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.nowFn = now }
}

// New creates a breaker that opens after threshold consecutive failures and
// half-opens once timeout has passed since the last failure.
func New(threshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// OnStateChange registers a handler fired on every transition. Handlers run
// outside the breaker lock and must not block.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.handlerMu.Lock()
	defer cb.handlerMu.Unlock()
	cb.onChange = append(cb.onChange, fn)
}

// CanExecute reports whether a request may proceed. In the open state the
// hold is re-checked here, so the half-open flip needs no background timer;
// the half-open state admits exactly one caller until its probe reports.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true

	case StateOpen:
		if cb.nowFn().Sub(cb.lastFailureAt) >= cb.timeout {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			cb.mu.Unlock()
			cb.fireChange(StateOpen, StateHalfOpen)
			return true
		}
		cb.mu.Unlock()
		return false

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			return false
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		return true

	default:
		cb.mu.Unlock()
		return false
	}
}

// RecordSuccess reports a successful call. A half-open probe success closes
// the circuit and resets the failure run.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.successes++

	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.consecutive = 0
	case StateHalfOpen:
		cb.state = StateClosed
		cb.consecutive = 0
		cb.probeInFlight = false
	case StateOpen:
		// A call admitted before the trip finished late; count it only.
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.fireChange(from, to)
	}
}

// RecordFailure reports a failed call. The failure run grows in the closed
// state and trips the circuit at the threshold; a half-open probe failure
// re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.consecutive++
	cb.lastFailureAt = cb.nowFn()

	from := cb.state
	switch cb.state {
	case StateClosed:
		if cb.consecutive >= cb.threshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.probeInFlight = false
	case StateOpen:
		// Late failure extends the hold via lastFailureAt.
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.fireChange(from, to)
	}
}

// State returns the current admission mode.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns a snapshot of the breaker's accounting.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		ConsecutiveFailures: cb.consecutive,
		TotalSuccesses:      cb.successes,
		TotalFailures:       cb.failures,
		LastFailureAt:       cb.lastFailureAt,
	}
}

// Reset forces the breaker closed and zeroes all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutive = 0
	cb.successes = 0
	cb.failures = 0
	cb.probeInFlight = false
	cb.lastFailureAt = time.Time{}
	cb.mu.Unlock()

	if from != StateClosed {
		cb.fireChange(from, StateClosed)
	}
}

func (cb *CircuitBreaker) fireChange(from, to State) {
	cb.handlerMu.RLock()
	handlers := cb.onChange
	cb.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(from, to)
	}
}
