package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kart-io/watchtower/pkg/autoscaler"
	"github.com/kart-io/watchtower/pkg/errors"
	"github.com/kart-io/watchtower/pkg/event"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/queue"
	"github.com/kart-io/watchtower/pkg/supervisor"
)

// Default page sizes for the list endpoints; override with ?limit=, where
// 0 means everything retained.
const (
	defaultDeadLetterLimit = 100
	defaultDecisionLimit   = 50
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.runtime.MetricsRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/queue", s.handleQueue)
	mux.HandleFunc("/api/v1/queue/deadletter", s.handleDeadLetters)
	mux.HandleFunc("/api/v1/instances", s.handleInstances)
	mux.HandleFunc("/api/v1/scaling/decisions", s.handleScalingDecisions)
	mux.HandleFunc("/api/v1/events", s.handleSubmit)
	return requestLogger(s.logger, mux)
}

// handleHealthz reports the aggregate verdict. Degraded still answers 200
// so orchestrators keep routing while operators investigate; only
// unhealthy flips to 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hs := s.runtime.Health()
	code := http.StatusOK
	if hs.Status == supervisor.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hs)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.QueueMetrics())
}

type deadLetterResponse struct {
	Count   int                     `json:"count"`
	Entries []queue.DeadLetterEntry `json:"entries"`
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, ok := parseLimit(r, defaultDeadLetterLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	entries := s.runtime.DeadLetters(limit)
	writeJSON(w, http.StatusOK, deadLetterResponse{Count: len(entries), Entries: entries})
}

type instancesResponse struct {
	Count     int                 `json:"count"`
	Instances []instance.Snapshot `json:"instances"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snaps := s.runtime.Instances()
	writeJSON(w, http.StatusOK, instancesResponse{Count: len(snaps), Instances: snaps})
}

type decisionsResponse struct {
	Count     int                   `json:"count"`
	Decisions []autoscaler.Decision `json:"decisions"`
}

func (s *Server) handleScalingDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, ok := parseLimit(r, defaultDecisionLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	decisions := s.runtime.ScalingDecisions(limit)
	writeJSON(w, http.StatusOK, decisionsResponse{Count: len(decisions), Decisions: decisions})
}

// submitRequest is the ingestion payload. Priority takes the string levels
// low, normal, high, critical and defaults to normal when absent.
type submitRequest struct {
	Source   string            `json:"source"`
	Priority string            `json:"priority,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// handleSubmit adapts a JSON body onto Submit: 202 when queued, 400 on a
// bad payload, 429 when the queue is full, 503 once the queue has closed.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	prio := event.PriorityNormal
	if req.Priority != "" {
		prio = event.ParsePriority(req.Priority)
		if prio.String() != req.Priority {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
			return
		}
	}

	ev := event.New(req.Source, prio, []byte(req.Payload))
	if len(req.Metadata) > 0 {
		ev.Metadata = req.Metadata
	}

	switch err := s.runtime.Submit(r.Context(), ev); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResponse{EventID: ev.ID, Status: "accepted"})
	case errors.IsCode(err, errors.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.IsCode(err, errors.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func parseLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
