package api

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/scan-orchestrator/internal/errors"
)

// workerContext detaches a worker invocation from its caller. The chain
// drops its connection right after firing, which must not abort the work.
func (s *Server) workerContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.config.WorkerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
}

// handleRunWorker handles POST /api/worker - Process one queue item
func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.workerContext(r)
	defer cancel()

	result, err := s.worker.Run(ctx)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleRunSchedule handles POST /api/worker/schedule - Enqueue due
// scheduled scans, then start a worker for them
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.workerContext(r)
	defer cancel()

	result, err := s.scheduler.EnqueueDue(ctx)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if result.Enqueued > 0 && s.trigger != nil {
		s.trigger.Trigger(ctx)
	}
	respondJSON(w, http.StatusOK, result)
}

// handleLimits handles GET /api/worker/limits - Report the shared provider
// call budget and the circuit breakers of this process
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"enabled": s.limits != nil}
	if s.breakers != nil {
		resp["breakers"] = s.breakers()
	}
	if s.limits == nil {
		respondJSON(w, http.StatusOK, resp)
		return
	}

	report, err := s.limits(r.Context())
	if err != nil {
		respondServiceError(w, r, apperrors.NewServiceUnavailableError("provider budget", err))
		return
	}
	resp["report"] = report
	respondJSON(w, http.StatusOK, resp)
}
