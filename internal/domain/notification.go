package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifyAgentActivated NotificationType = "agent_activated"
	NotifyAgentSuccess   NotificationType = "agent_success"
	NotifyAgentFailed    NotificationType = "agent_failed"
)

type NotificationEvent struct {
	Type           NotificationType `json:"type"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	UserID         string           `json:"user_id,omitempty"`
	UserAgentID    string           `json:"user_agent_id"`
	RunID          uuid.UUID        `json:"run_id,omitempty"`
	Message        string           `json:"message,omitempty"`
	Data           map[string]any   `json:"data,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

type AgentHealthStatus string

const (
	AgentHealthy  AgentHealthStatus = "healthy"
	AgentCritical AgentHealthStatus = "critical"
)
