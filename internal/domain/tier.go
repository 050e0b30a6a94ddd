package domain

import (
	"errors"
	"time"
)

type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// ResourceLimits bound what one organization's runtime may consume. A runtime
// keeps the limits it was created with for its whole lifetime.
type ResourceLimits struct {
	MaxConcurrentAgents     int `json:"max_concurrent_agents"`
	MaxMemoryMB             int `json:"max_memory_mb"`
	MaxCPUPercent           int `json:"max_cpu_percent"` // advisory only
	MaxExecutionTimeSeconds int `json:"max_execution_time_seconds"`
	MaxQueueSize            int `json:"max_queue_size"`
	RateLimitPerMinute      int `json:"rate_limit_per_minute"`
}

var ErrInvalidLimits = errors.New("resource limits must all be positive")

var TierLimits = map[SubscriptionTier]ResourceLimits{
	TierFree: {
		MaxConcurrentAgents:     2,
		MaxMemoryMB:             256,
		MaxCPUPercent:           25,
		MaxExecutionTimeSeconds: 60,
		MaxQueueSize:            10,
		RateLimitPerMinute:      10,
	},
	TierPro: {
		MaxConcurrentAgents:     10,
		MaxMemoryMB:             1024,
		MaxCPUPercent:           50,
		MaxExecutionTimeSeconds: 300,
		MaxQueueSize:            100,
		RateLimitPerMinute:      100,
	},
	TierEnterprise: {
		MaxConcurrentAgents:     50,
		MaxMemoryMB:             4096,
		MaxCPUPercent:           100,
		MaxExecutionTimeSeconds: 900,
		MaxQueueSize:            1000,
		RateLimitPerMinute:      1000,
	},
}

// fallbackLimits sit below the free tier and are used whenever the tenant's
// tier cannot be resolved.
var fallbackLimits = ResourceLimits{
	MaxConcurrentAgents:     1,
	MaxMemoryMB:             128,
	MaxCPUPercent:           10,
	MaxExecutionTimeSeconds: 30,
	MaxQueueSize:            5,
	RateLimitPerMinute:      5,
}

func LimitsForTier(t SubscriptionTier) (ResourceLimits, bool) {
	l, ok := TierLimits[t]
	return l, ok
}

func FallbackLimits() ResourceLimits {
	return fallbackLimits
}

func ValidTier(t string) bool {
	switch SubscriptionTier(t) {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

func AllTiers() []SubscriptionTier {
	return []SubscriptionTier{TierFree, TierPro, TierEnterprise}
}

func (l ResourceLimits) Validate() error {
	if l.MaxConcurrentAgents <= 0 || l.MaxMemoryMB <= 0 || l.MaxCPUPercent <= 0 ||
		l.MaxExecutionTimeSeconds <= 0 || l.MaxQueueSize <= 0 || l.RateLimitPerMinute <= 0 {
		return ErrInvalidLimits
	}
	return nil
}

func (l ResourceLimits) MaxExecutionTime() time.Duration {
	return time.Duration(l.MaxExecutionTimeSeconds) * time.Second
}

// ContainerMemoryLimitMB is the per-container share of an organization's
// memory: a quarter of the total, capped at 256MB.
func ContainerMemoryLimitMB(maxMemoryMB int) int {
	limit := maxMemoryMB / 4
	if limit > 256 {
		limit = 256
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
