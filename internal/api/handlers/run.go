package handlers

import (
	"context"
	"net/http"

	"github.com/Harshitk-cp/agentruntime/internal/api/middleware"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// RunQueue is the execution queue as seen by the API.
type RunQueue interface {
	Submit(ctx context.Context, req domain.RunRequest) (*domain.AgentRun, error)
	Get(ctx context.Context, orgID, runID uuid.UUID) (*domain.AgentRun, error)
	Failures(ctx context.Context, orgID, runID uuid.UUID) ([]domain.FailureLog, error)
	Events(ctx context.Context, orgID, runID uuid.UUID) ([]domain.RunStatusEvent, error)
}

type RunHandler struct {
	queue RunQueue
}

func NewRunHandler(queue RunQueue) *RunHandler {
	return &RunHandler{queue: queue}
}

type failuresResponse struct {
	Failures []domain.FailureLog `json:"failures"`
	Count    int                 `json:"count"`
}

type eventsResponse struct {
	Events []domain.RunStatusEvent `json:"events"`
	Count  int                     `json:"count"`
}

func (h *RunHandler) Submit(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req domain.RunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.OrganizationID = org.ID

	run, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "failed to submit run")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	org, runID, ok := runScope(w, r)
	if !ok {
		return
	}

	run, err := h.queue.Get(r.Context(), org.ID, runID)
	if err != nil {
		writeServiceError(w, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunHandler) Failures(w http.ResponseWriter, r *http.Request) {
	org, runID, ok := runScope(w, r)
	if !ok {
		return
	}

	logs, err := h.queue.Failures(r.Context(), org.ID, runID)
	if err != nil {
		writeServiceError(w, err, "failed to list failures")
		return
	}
	if logs == nil {
		logs = []domain.FailureLog{}
	}
	writeJSON(w, http.StatusOK, failuresResponse{Failures: logs, Count: len(logs)})
}

func (h *RunHandler) Events(w http.ResponseWriter, r *http.Request) {
	org, runID, ok := runScope(w, r)
	if !ok {
		return
	}

	events, err := h.queue.Events(r.Context(), org.ID, runID)
	if err != nil {
		writeServiceError(w, err, "failed to list events")
		return
	}
	if events == nil {
		events = []domain.RunStatusEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}

func runScope(w http.ResponseWriter, r *http.Request) (*domain.Organization, uuid.UUID, bool) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, uuid.Nil, false
	}
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return nil, uuid.Nil, false
	}
	return org, runID, true
}
