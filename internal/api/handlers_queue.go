package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

// EnqueueRequest is the body of POST /api/queue
type EnqueueRequest struct {
	ProjectID string `json:"projectId"`
	Priority  int    `json:"priority"`
}

// EnqueueResponse is returned for a created queue item
type EnqueueResponse struct {
	QueueID string            `json:"queueId"`
	Status  types.QueueStatus `json:"status"`
}

// ProgressView is the progress of a queue item
type ProgressView struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// QueueItemView is the public view of a queue item
type QueueItemView struct {
	ID       string            `json:"id"`
	Status   types.QueueStatus `json:"status"`
	Progress ProgressView      `json:"progress"`
	ScanID   *string           `json:"scanId"`
	Error    *string           `json:"error"`
}

func newQueueItemView(item *models.QueueItem) *QueueItemView {
	return &QueueItemView{
		ID:     item.ID,
		Status: item.Status,
		Progress: ProgressView{
			Current: item.ProgressCurrent,
			Total:   item.ProgressTotal,
			Message: item.ProgressMessage,
		},
		ScanID: item.ScanID,
		Error:  item.Error,
	}
}

// handleEnqueue handles POST /api/queue - Queue a scan of a project
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidInput, "projectId is required", nil)
		return
	}

	item, err := s.queue.Enqueue(r.Context(), userFromContext(r.Context()), req.ProjectID, req.Priority, false)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, EnqueueResponse{QueueID: item.ID, Status: item.Status})
}

// handleQueueStatus handles GET /api/queue/{id} - Poll a queue item
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Status(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newQueueItemView(item))
}

// handleCancel handles POST /api/queue/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.queue.Cancel)
}

// handlePause handles POST /api/queue/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.queue.Pause)
}

// handleResume handles POST /api/queue/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.queue.Resume)
}

type transitionFunc func(ctx context.Context, userID, id string) (*models.QueueItem, error)

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	item, err := fn(r.Context(), userFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newQueueItemView(item))
}
