package errors

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines how operations should be retried
type RetryPolicy interface {
	// ShouldRetry determines if an error should be retried
	ShouldRetry(err error, attempt int) bool

	// RetryDelay calculates the delay before the next retry.
	// attempt is zero-based: attempt 0 is the delay before the first retry.
	RetryDelay(attempt int) time.Duration

	// MaxAttempts returns the maximum number of retry attempts
	MaxAttempts() int
}

// ExponentialBackoffPolicy implements exponential backoff with jitter.
// The delay for a zero-based attempt n is BaseDelay * Multiplier^n plus
// up to Jitter fraction of random spread, capped at MaxDelay.
type ExponentialBackoffPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts_ int
}

// NewExponentialBackoffPolicy creates a new exponential backoff policy
// with the conventional doubling multiplier and 10% jitter.
func NewExponentialBackoffPolicy(baseDelay, maxDelay time.Duration, maxAttempts int) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		BaseDelay:    baseDelay,
		MaxDelay:     maxDelay,
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts_: maxAttempts,
	}
}

// ShouldRetry determines if an error should be retried
func (p *ExponentialBackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts_ {
		return false
	}
	if procErr, ok := err.(*ProcError); ok {
		return procErr.IsRetryable()
	}
	return false
}

// RetryDelay calculates the delay before the next retry
func (p *ExponentialBackoffPolicy) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))

	// Jitter is applied as a positive spread so retries never fire early.
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}

	if time.Duration(delay) > p.MaxDelay {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}

// MaxAttempts returns the maximum number of retry attempts
func (p *ExponentialBackoffPolicy) MaxAttempts() int {
	return p.MaxAttempts_
}

// FixedDelayPolicy implements fixed delay between retries
type FixedDelayPolicy struct {
	Delay        time.Duration
	MaxAttempts_ int
}

// NewFixedDelayPolicy creates a new fixed delay policy
func NewFixedDelayPolicy(delay time.Duration, maxAttempts int) *FixedDelayPolicy {
	return &FixedDelayPolicy{
		Delay:        delay,
		MaxAttempts_: maxAttempts,
	}
}

// ShouldRetry determines if an error should be retried
func (p *FixedDelayPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts_ {
		return false
	}
	if procErr, ok := err.(*ProcError); ok {
		return procErr.IsRetryable()
	}
	return false
}

// RetryDelay calculates the delay before the next retry
func (p *FixedDelayPolicy) RetryDelay(int) time.Duration {
	return p.Delay
}

// MaxAttempts returns the maximum number of retry attempts
func (p *FixedDelayPolicy) MaxAttempts() int {
	return p.MaxAttempts_
}

// NoRetryPolicy never retries.
type NoRetryPolicy struct{}

// ShouldRetry always returns false
func (NoRetryPolicy) ShouldRetry(error, int) bool { return false }

// RetryDelay always returns zero
func (NoRetryPolicy) RetryDelay(int) time.Duration { return 0 }

// MaxAttempts returns zero
func (NoRetryPolicy) MaxAttempts() int { return 0 }
