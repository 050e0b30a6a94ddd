package handlers

import (
	"context"
	"net/http"

	"github.com/Harshitk-cp/agentruntime/internal/api/middleware"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// MemoryAccessor reads and writes agent memory outside of executions.
type MemoryAccessor interface {
	RestoreMemory(ctx context.Context, orgID uuid.UUID, agentID string) (*domain.AgentMemoryState, error)
	StoreMemory(ctx context.Context, orgID uuid.UUID, agentID string, update *domain.MemoryUpdate) (*domain.AgentMemoryState, error)
}

type MemoryHandler struct {
	memory MemoryAccessor
}

func NewMemoryHandler(memory MemoryAccessor) *MemoryHandler {
	return &MemoryHandler{memory: memory}
}

func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	agentID := chi.URLParam(r, "agentID")

	st, err := h.memory.RestoreMemory(r.Context(), org.ID, agentID)
	if err != nil {
		writeServiceError(w, err, "failed to load memory")
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "no memory for agent")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *MemoryHandler) Put(w http.ResponseWriter, r *http.Request) {
	org := middleware.OrganizationFromContext(r.Context())
	if org == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	agentID := chi.URLParam(r, "agentID")

	var update domain.MemoryUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.Empty() {
		writeError(w, http.StatusBadRequest, "memory update is empty")
		return
	}

	st, err := h.memory.StoreMemory(r.Context(), org.ID, agentID, &update)
	if err != nil {
		writeServiceError(w, err, "failed to store memory")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
