package httppool

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/logger"
)

// ClientState describes a pooled client's availability.
type ClientState int

const (
	// StateAvailable means the client sits idle in the pool.
	StateAvailable ClientState = iota
	// StateInUse means the client is loaned out through a handle.
	StateInUse
	// StateUnhealthy means the client failed and will be discarded on return.
	StateUnhealthy
)

// String returns the lowercase name of the state.
func (s ClientState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PooledClient wraps one HTTP client with usage accounting. A client is
// loaned to exactly one handle at a time.
type PooledClient struct {
	ID        string
	PoolName  string
	CreatedAt time.Time

	httpClient     *http.Client
	defaultHeaders map[string]string

	mu              sync.Mutex
	state           ClientState
	lastUsedAt      time.Time
	requestCount    int64
	errorCount      int64
	avgResponseTime time.Duration
}

// ClientInfo is a point-in-time snapshot of one pooled client.
type ClientInfo struct {
	ID              string        `json:"id"`
	PoolName        string        `json:"pool_name"`
	State           string        `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
	LastUsedAt      time.Time     `json:"last_used_at"`
	RequestCount    int64         `json:"request_count"`
	ErrorCount      int64         `json:"error_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// State returns the client's current state.
func (c *PooledClient) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the client's accounting.
func (c *PooledClient) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:              c.ID,
		PoolName:        c.PoolName,
		State:           c.state.String(),
		CreatedAt:       c.CreatedAt,
		LastUsedAt:      c.lastUsedAt,
		RequestCount:    c.requestCount,
		ErrorCount:      c.errorCount,
		AvgResponseTime: c.avgResponseTime,
	}
}

func (c *PooledClient) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *PooledClient) markUnhealthy() {
	c.setState(StateUnhealthy)
}

// recordAttempt updates per-attempt accounting; retries count individually.
func (c *PooledClient) recordAttempt(elapsed time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsedAt = time.Now()
	c.requestCount++
	if failed {
		c.errorCount++
	}
	// Incremental mean stays stable for long-lived clients.
	c.avgResponseTime += (elapsed - c.avgResponseTime) / time.Duration(c.requestCount)
}

// do runs one logical request with the pool's retry policy: 408, 429, any
// 5xx, and transport errors retry with priority-banded backoff; other 4xx
// never retry. Retries clone the request and replay the body via GetBody.
func (c *PooledClient) do(req *http.Request, maxRetries int, log logger.Logger) (*http.Response, error) {
	base, ceiling := backoffBand(PriorityFromContext(req.Context()))
	policy := errors.NewExponentialBackoffPolicy(base, ceiling, maxRetries)

	c.applyDefaultHeaders(req)

	// A consumed body without GetBody cannot be replayed.
	if req.Body != nil && req.GetBody == nil {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		attemptReq := req
		if attempt > 0 {
			var cloneErr error
			attemptReq, cloneErr = cloneRequest(req)
			if cloneErr != nil {
				if lastErr == nil {
					lastErr = cloneErr
				}
				break
			}
		}

		start := time.Now()
		resp, err := c.httpClient.Do(attemptReq)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			c.recordAttempt(elapsed, true)
			if req.Context().Err() != nil {
				return nil, errors.Wrap(err, errors.ErrCancelled, "request cancelled").
					WithComponent("httppool")
			}
			lastErr = err

		case retryableStatus(resp.StatusCode):
			c.recordAttempt(elapsed, true)
			lastErr = nil
			if attempt >= maxRetries {
				// Out of retries; the response is surfaced as-is and the
				// pool records the breaker failure.
				return resp, nil
			}
			drain(resp)

		default:
			c.recordAttempt(elapsed, resp.StatusCode >= 400)
			return resp, nil
		}

		if attempt >= maxRetries {
			break
		}

		delay := policy.RetryDelay(attempt)
		log.Debug("Retrying request", "clientID", c.ID, "attempt", attempt+1, "delay", delay)
		select {
		case <-req.Context().Done():
			return nil, errors.Wrap(req.Context().Err(), errors.ErrCancelled, "request cancelled").
				WithComponent("httppool")
		case <-time.After(delay):
		}
	}

	code := errors.ErrInternal
	if isTimeoutErr(lastErr) {
		code = errors.ErrTimeout
	}
	return nil, errors.Wrap(lastErr, code, "request failed after retries").
		WithComponent("httppool").WithMetadata("client_id", c.ID)
}

func (c *PooledClient) applyDefaultHeaders(req *http.Request) {
	for k, v := range c.defaultHeaders {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
}

// retryableStatus reports whether an HTTP status warrants a retry.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cloneRequest copies the request and replays its body for a retry.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "replay request body").
				WithComponent("httppool")
		}
		clone.Body = body
	}
	return clone, nil
}

// drain discards a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// backoffBand returns the retry backoff base and cap for a priority.
// Critical work retries fast; low-priority work backs off hard.
func backoffBand(p event.Priority) (base, ceiling time.Duration) {
	switch p {
	case event.PriorityCritical:
		return 100 * time.Millisecond, time.Second
	case event.PriorityHigh:
		return 250 * time.Millisecond, 2500 * time.Millisecond
	case event.PriorityLow:
		return time.Second, 10 * time.Second
	default:
		return 500 * time.Millisecond, 5 * time.Second
	}
}

type priorityKey struct{}

// WithPriority tags ctx with the event priority that drives retry backoff
// for requests issued under it.
func WithPriority(ctx context.Context, p event.Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the tagged priority, defaulting to Normal.
func PriorityFromContext(ctx context.Context) event.Priority {
	if p, ok := ctx.Value(priorityKey{}).(event.Priority); ok {
		return p
	}
	return event.PriorityNormal
}
