package handlers

import (
	"context"
	"net/http"

	"github.com/Harshitk-cp/agentruntime/internal/api/middleware"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
)

// AgentExecutor starts fire-and-continue executions.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, req domain.AgentExecutionRequest) (string, error)
}

type ExecutionHandler struct {
	runtime AgentExecutor
}

func NewExecutionHandler(runtime AgentExecutor) *ExecutionHandler {
	return &ExecutionHandler{runtime: runtime}
}

type executionAcceptedResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// Create admits an execution and returns before the webhook answers.
// Admission failures come back synchronously.
func (h *ExecutionHandler) Create(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req domain.AgentExecutionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.OrganizationID = org.ID

	id, err := h.runtime.ExecuteAgent(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "failed to start execution")
		return
	}

	writeJSON(w, http.StatusAccepted, executionAcceptedResponse{ExecutionID: id, Status: "accepted"})
}
