package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionMetric is written once per completed execution and never updated.
type ExecutionMetric struct {
	ID              uuid.UUID `json:"id"`
	AgentID         string    `json:"agent_id"`
	ExecutionID     string    `json:"execution_id"`
	OrganizationID  uuid.UUID `json:"organization_id"`
	RuntimeID       uuid.UUID `json:"runtime_id"`
	Success         bool      `json:"success"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	MemoryUsedMB    float64   `json:"memory_used_mb"`
	ErrorType       ErrorType `json:"error_type,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// FailureLog is the structured record of one failed attempt of a run.
type FailureLog struct {
	ID              uuid.UUID   `json:"id"`
	RunID           uuid.UUID   `json:"run_id"`
	OrganizationID  uuid.UUID   `json:"organization_id"`
	UserAgentID     string      `json:"user_agent_id"`
	Attempt         int         `json:"attempt"`
	ErrorType       ErrorType   `json:"error_type"`
	HTTPStatus      int         `json:"http_status,omitempty"`
	StatusClass     StatusClass `json:"status_class,omitempty"`
	Message         string      `json:"message"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	OccurredAt      time.Time   `json:"occurred_at"`
}

// MetricAggregate summarizes a set of execution metrics.
type MetricAggregate struct {
	TotalExecutions      int64               `json:"total_executions"`
	SuccessfulExecutions int64               `json:"successful_executions"`
	FailedExecutions     int64               `json:"failed_executions"`
	AvgExecutionTimeMs   float64             `json:"avg_execution_time_ms"`
	TotalMemoryUsedMB    float64             `json:"total_memory_used_mb"`
	ErrorsByType         map[ErrorType]int64 `json:"errors_by_type,omitempty"`
}

func (a MetricAggregate) SuccessRate() float64 {
	if a.TotalExecutions == 0 {
		return 0
	}
	return float64(a.SuccessfulExecutions) / float64(a.TotalExecutions)
}

type RuntimeDashboard struct {
	RuntimeID      uuid.UUID        `json:"runtime_id"`
	OrganizationID uuid.UUID        `json:"organization_id"`
	Executions     MetricAggregate  `json:"executions"`
	SuccessRate    float64          `json:"success_rate"`
	LastSnapshot   *RuntimeSnapshot `json:"last_snapshot,omitempty"`
}

type OrganizationDashboard struct {
	OrganizationID uuid.UUID          `json:"organization_id"`
	Executions     MetricAggregate    `json:"executions"`
	SuccessRate    float64            `json:"success_rate"`
	Runtimes       []RuntimeDashboard `json:"runtimes"`
	// Durable aggregate over the store, which survives restarts.
	Lifetime *MetricAggregate `json:"lifetime,omitempty"`
}
