package domain

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the unit of resource isolation. It doubles as the
// tenant/subscription source: SubscriptionTier and CustomLimits drive limit
// resolution for the organization's runtime.
type Organization struct {
	ID               uuid.UUID        `json:"id"`
	Name             string           `json:"name"`
	APIKeyHash       string           `json:"-"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
	CustomLimits     *ResourceLimits  `json:"custom_limits,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
