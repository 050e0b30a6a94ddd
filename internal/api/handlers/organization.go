package handlers

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/Harshitk-cp/agentruntime/internal/api/middleware"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/Harshitk-cp/agentruntime/internal/store"
)

// OrganizationCreator is the part of the organization store used to
// bootstrap new organizations.
type OrganizationCreator interface {
	Create(ctx context.Context, o *domain.Organization) error
}

// AdminKeyHeader carries the operator key that unlocks paid tiers and custom
// limits on organization creation.
const AdminKeyHeader = "X-Admin-Key"

type OrganizationHandler struct {
	store        OrganizationCreator
	adminKeyHash string
}

// NewOrganizationHandler creates the bootstrap handler. Without an admin key
// only free organizations without custom limits can be created.
func NewOrganizationHandler(store OrganizationCreator, adminKey string) *OrganizationHandler {
	h := &OrganizationHandler{store: store}
	if adminKey != "" {
		h.adminKeyHash = middleware.HashAPIKey(adminKey)
	}
	return h
}

func (h *OrganizationHandler) isAdmin(r *http.Request) bool {
	key := r.Header.Get(AdminKeyHeader)
	if h.adminKeyHash == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(middleware.HashAPIKey(key)), []byte(h.adminKeyHash)) == 1
}

type createOrganizationRequest struct {
	Name             string                 `json:"name"`
	SubscriptionTier string                 `json:"subscription_tier"`
	CustomLimits     *domain.ResourceLimits `json:"custom_limits,omitempty"`
}

type createOrganizationResponse struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	SubscriptionTier domain.SubscriptionTier `json:"subscription_tier"`
	Limits           domain.ResourceLimits   `json:"limits"`
	APIKey           string                  `json:"api_key"`
}

func (h *OrganizationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	tier := domain.TierFree
	if req.SubscriptionTier != "" {
		if !domain.ValidTier(req.SubscriptionTier) {
			writeError(w, http.StatusBadRequest, "subscription_tier must be free, pro or enterprise")
			return
		}
		tier = domain.SubscriptionTier(req.SubscriptionTier)
	}
	if req.CustomLimits != nil {
		if err := req.CustomLimits.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if (tier != domain.TierFree || req.CustomLimits != nil) && !h.isAdmin(r) {
		writeError(w, http.StatusForbidden, "an admin key is required for paid tiers and custom limits")
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	org := &domain.Organization{
		Name:             req.Name,
		APIKeyHash:       middleware.HashAPIKey(apiKey),
		SubscriptionTier: tier,
		CustomLimits:     req.CustomLimits,
	}
	if err := h.store.Create(r.Context(), org); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "organization already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create organization")
		return
	}

	limits, _ := domain.LimitsForTier(tier)
	if org.CustomLimits != nil {
		limits = *org.CustomLimits
	}
	writeJSON(w, http.StatusCreated, createOrganizationResponse{
		ID:               org.ID.String(),
		Name:             org.Name,
		SubscriptionTier: org.SubscriptionTier,
		Limits:           limits,
		APIKey:           apiKey,
	})
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rk_" + hex.EncodeToString(b), nil
}
