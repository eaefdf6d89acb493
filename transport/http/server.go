// Package http is the ops surface of a running supervisor: liveness,
// Prometheus metrics and queue/instance/scaling state for operators,
// plus a JSON ingestion endpoint adapting POST bodies onto Submit.
package http

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kart-io/watchtower/pkg/autoscaler"
	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/logger"
	"github.com/kart-io/watchtower/pkg/queue"
	"github.com/kart-io/watchtower/pkg/supervisor"
)

// Runtime is the supervisor surface the server exposes.
type Runtime interface {
	Submit(ctx context.Context, ev *event.Event) error
	Health() supervisor.HealthStatus
	QueueMetrics() queue.Metrics
	DeadLetters(limit int) []queue.DeadLetterEntry
	Instances() []instance.Snapshot
	ScalingDecisions(limit int) []autoscaler.Decision
	MetricsRegistry() *prometheus.Registry
}

var _ Runtime = (*supervisor.Supervisor)(nil)

// Server owns the listener and the route table. Construction is cheap;
// nothing binds until Start.
type Server struct {
	cfg     config.ServerConfig
	runtime Runtime
	logger  logger.Logger

	srv      *http.Server
	addr     string
	serveErr chan error
	wg       sync.WaitGroup
}

// NewServer builds the ops server around the given runtime.
func NewServer(cfg config.ServerConfig, rt Runtime, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8085"
	}
	return &Server{
		cfg:      cfg,
		runtime:  rt,
		logger:   log,
		serveErr: make(chan error, 1),
	}
}

// Start binds the configured address and serves in the background. A bind
// failure is returned synchronously; an error from the serve loop after a
// successful bind arrives on ServeErr.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, errors.ErrInternal, "listen on %s failed", s.cfg.Addr).
			WithComponent("server")
	}
	s.addr = ln.Addr().String()

	s.srv = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    s.cfg.ReadTimeout(),
		WriteTimeout:   s.cfg.WriteTimeout(),
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", "addr", s.addr, "error", err)
			select {
			case s.serveErr <- err:
			default:
			}
		}
	}()

	s.logger.Info("Ops server listening", "addr", s.addr)
	return nil
}

// Stop drains in-flight requests under ctx's deadline and closes the
// listener. Stopping a server that never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.Wrap(err, errors.ErrShutdown, "ops server shutdown").WithComponent("server")
	}
	s.logger.Info("Ops server stopped", "addr", s.addr)
	return nil
}

// Addr reports the bound listen address. It is set by Start, so a
// configured ":0" resolves to the real port.
func (s *Server) Addr() string {
	return s.addr
}

// ServeErr surfaces a serve-loop failure that happened after Start
// returned nil.
func (s *Server) ServeErr() <-chan error {
	return s.serveErr
}
