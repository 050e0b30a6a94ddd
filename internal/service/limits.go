package service

import (
	"context"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LimitResolver turns an organization's subscription into resource limits.
// It never fails: anything it cannot resolve gets the fallback limits.
type LimitResolver struct {
	orgs   domain.OrganizationStore
	logger *zap.Logger
}

// NewLimitResolver resolves limits through the organization store.
func NewLimitResolver(orgs domain.OrganizationStore, logger *zap.Logger) *LimitResolver {
	return &LimitResolver{orgs: orgs, logger: logger}
}

// Resolve returns valid custom limits, else the tier's limits. A failed
// lookup yields the restrictive fallback limits.
func (r *LimitResolver) Resolve(ctx context.Context, orgID uuid.UUID) domain.ResourceLimits {
	org, err := r.orgs.GetByID(ctx, orgID)
	if err != nil {
		r.logger.Warn("subscription lookup failed, using fallback limits",
			zap.String("organization_id", orgID.String()),
			zap.Error(err))
		return domain.FallbackLimits()
	}

	if org.CustomLimits != nil {
		if err := org.CustomLimits.Validate(); err == nil {
			return *org.CustomLimits
		}
		r.logger.Warn("ignoring invalid custom limits",
			zap.String("organization_id", orgID.String()))
	}

	limits, ok := domain.LimitsForTier(org.SubscriptionTier)
	if !ok {
		r.logger.Warn("unknown subscription tier, using fallback limits",
			zap.String("organization_id", orgID.String()),
			zap.String("tier", string(org.SubscriptionTier)))
		return domain.FallbackLimits()
	}
	return limits
}
