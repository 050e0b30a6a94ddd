package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type OrganizationStore interface {
	Create(ctx context.Context, o *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*Organization, error)
}

type RuntimeStore interface {
	Upsert(ctx context.Context, rt *OrganizationRuntime) error
	UpdateStatus(ctx context.Context, runtimeID uuid.UUID, status RuntimeStatus) error
	TouchActivity(ctx context.Context, runtimeID uuid.UUID, at time.Time) error
}

type MemoryStateStore interface {
	Upsert(ctx context.Context, s *AgentMemoryState) error
	// GetActive returns only a state whose expiry is after now.
	GetActive(ctx context.Context, poolID uuid.UUID, agentID string, now time.Time) (*AgentMemoryState, error)
	TouchAccess(ctx context.Context, poolID uuid.UUID, agentID string, at time.Time) error
	Delete(ctx context.Context, poolID uuid.UUID, agentID string) error
	DeleteExpired(ctx context.Context, poolID uuid.UUID, now time.Time) (int64, error)
	// SumActiveSize totals memory_size_mb over the pool's unexpired states.
	SumActiveSize(ctx context.Context, poolID uuid.UUID, now time.Time) (float64, error)
}

type RunStore interface {
	Create(ctx context.Context, r *AgentRun, ev RunStatusEvent) error
	// Update persists the run's current fields together with the transition
	// that produced them.
	Update(ctx context.Context, r *AgentRun, ev RunStatusEvent) error
	GetByID(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*AgentRun, error)
	ListUnfinished(ctx context.Context) ([]AgentRun, error)
	ListEvents(ctx context.Context, runID uuid.UUID) ([]RunStatusEvent, error)
}

type FailureLogStore interface {
	Append(ctx context.Context, f *FailureLog) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]FailureLog, error)
}

type MetricStore interface {
	Append(ctx context.Context, m *ExecutionMetric) error
	AggregateByOrganization(ctx context.Context, orgID uuid.UUID) (*MetricAggregate, error)
}

type AgentHealthStore interface {
	SetStatus(ctx context.Context, orgID uuid.UUID, userAgentID string, status AgentHealthStatus, at time.Time) error
}

// WebhookClient posts a JSON payload to an agent's webhook. Failures are
// returned as *ExecutionError.
type WebhookClient interface {
	Post(ctx context.Context, url string, payload map[string]any) (map[string]any, error)
}

type NotificationSink interface {
	Notify(ctx context.Context, ev NotificationEvent) error
}
