package httppool

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kart-io/watchtower/pkg/breaker"
	"github.com/kart-io/watchtower/pkg/errors"
)

// Handle grants exclusive use of one pooled client until released.
type Handle struct {
	pool     *Pool
	client   *PooledClient
	released atomic.Bool
}

// Client returns the underlying pooled client.
func (h *Handle) Client() *PooledClient {
	return h.client
}

// Do issues a request through the pooled client, retrying per the pool's
// policy, and reports the outcome to the pool's circuit breaker.
func (h *Handle) Do(req *http.Request) (*http.Response, error) {
	if h.released.Load() {
		return nil, errors.New(errors.ErrInternal, "handle already released").
			WithComponent("httppool")
	}

	start := time.Now()
	resp, err := h.client.do(req, h.pool.cfg.MaxRetries, h.pool.logger)
	elapsed := time.Since(start)

	if err != nil {
		h.pool.recordResult(elapsed, true)
		if errors.IsCode(err, errors.ErrCancelled) {
			// Cancellation says nothing about the upstream, but a cancelled
			// half-open probe still has to report or the breaker wedges.
			if h.pool.breaker.State() == breaker.StateHalfOpen {
				h.pool.breaker.RecordFailure()
			}
			return nil, err
		}
		h.client.markUnhealthy()
		h.pool.breaker.RecordFailure()
		return nil, err
	}

	failed := retryableStatus(resp.StatusCode)
	h.pool.recordResult(elapsed, failed)
	if failed {
		h.pool.breaker.RecordFailure()
	} else {
		h.pool.breaker.RecordSuccess()
	}
	return resp, nil
}

// Release returns the client to the pool. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.pool.release(h.client)
}
