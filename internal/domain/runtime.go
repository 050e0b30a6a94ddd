package domain

import (
	"time"

	"github.com/google/uuid"
)

type RuntimeStatus string

const (
	RuntimeActive   RuntimeStatus = "active"
	RuntimePaused   RuntimeStatus = "paused"
	RuntimeShutdown RuntimeStatus = "shutdown"
)

// OrganizationRuntime is the per-organization execution environment. There is
// at most one per organization.
type OrganizationRuntime struct {
	OrganizationID uuid.UUID      `json:"organization_id"`
	RuntimeID      uuid.UUID      `json:"runtime_id"`
	Limits         ResourceLimits `json:"limits"`
	Status         RuntimeStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
}

type RuntimeStatusView struct {
	RuntimeID        uuid.UUID      `json:"runtime_id"`
	Status           RuntimeStatus  `json:"status"`
	Limits           ResourceLimits `json:"limits"`
	ActiveContainers int            `json:"active_containers"`
	TotalContainers  int            `json:"total_containers"`
	MemoryUsageMB    float64        `json:"memory_usage_mb"`
	MemoryPercent    float64        `json:"memory_percent"`
	LastActivity     time.Time      `json:"last_activity"`
}

// RuntimeSnapshot is a health sample pushed by the health-check loop.
type RuntimeSnapshot struct {
	OrganizationID   uuid.UUID `json:"organization_id"`
	RuntimeID        uuid.UUID `json:"runtime_id"`
	ActiveContainers int       `json:"active_containers"`
	TotalContainers  int       `json:"total_containers"`
	MemoryUsageMB    float64   `json:"memory_usage_mb"`
	MemoryPercent    float64   `json:"memory_percent"`
	AtCapacity       bool      `json:"at_capacity"`
	Timestamp        time.Time `json:"timestamp"`
}

type ContainerStatus string

const (
	ContainerIdle    ContainerStatus = "idle"
	ContainerRunning ContainerStatus = "running"
	ContainerError   ContainerStatus = "error"
)

type ContainerState struct {
	ContainerID    uuid.UUID       `json:"container_id"`
	AgentID        string          `json:"agent_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	MemoryLimitMB  int             `json:"memory_limit_mb"`
	TimeoutMs      int             `json:"timeout_ms"`
	Status         ContainerStatus `json:"status"`
	HealthScore    int             `json:"health_score"`
	ExecutionCount int64           `json:"execution_count"`
	LastUsed       time.Time       `json:"last_used"`
}
