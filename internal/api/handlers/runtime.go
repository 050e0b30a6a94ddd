package handlers

import (
	"context"
	"net/http"

	"github.com/Harshitk-cp/agentruntime/internal/api/middleware"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
)

type RuntimeController interface {
	GetOrganizationStatus(orgID uuid.UUID) (domain.RuntimeStatusView, error)
	PauseRuntime(ctx context.Context, orgID uuid.UUID) (*domain.OrganizationRuntime, error)
	ResumeRuntime(ctx context.Context, orgID uuid.UUID) (*domain.OrganizationRuntime, error)
}

type DashboardSource interface {
	OrganizationDashboard(ctx context.Context, orgID uuid.UUID) *domain.OrganizationDashboard
}

type RuntimeHandler struct {
	runtime RuntimeController
	metrics DashboardSource
}

func NewRuntimeHandler(runtime RuntimeController, metrics DashboardSource) *RuntimeHandler {
	return &RuntimeHandler{runtime: runtime, metrics: metrics}
}

func (h *RuntimeHandler) Status(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	view, err := h.runtime.GetOrganizationStatus(org.ID)
	if err != nil {
		writeServiceError(w, err, "failed to get runtime status")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RuntimeHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.runtime.PauseRuntime)
}

func (h *RuntimeHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.runtime.ResumeRuntime)
}

func (h *RuntimeHandler) setStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*domain.OrganizationRuntime, error)) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rt, err := fn(r.Context(), org.ID)
	if err != nil {
		writeServiceError(w, err, "failed to change runtime status")
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (h *RuntimeHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.OrganizationDashboard(r.Context(), org.ID))
}
