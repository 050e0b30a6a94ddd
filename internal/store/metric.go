package store

import (
	"context"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.MetricStore = (*MetricStore)(nil)

type MetricStore struct {
	db *pgxpool.Pool
}

func NewMetricStore(db *pgxpool.Pool) *MetricStore {
	return &MetricStore{db: db}
}

func (s *MetricStore) Append(ctx context.Context, m *domain.ExecutionMetric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO execution_metrics
		   (id, agent_id, execution_id, organization_id, runtime_id, success,
		    execution_time_ms, memory_used_mb, error_type, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.AgentID, m.ExecutionID, m.OrganizationID, m.RuntimeID, m.Success,
		m.ExecutionTimeMs, m.MemoryUsedMB, string(m.ErrorType), m.Timestamp,
	)
	return err
}

func (s *MetricStore) AggregateByOrganization(ctx context.Context, orgID uuid.UUID) (*domain.MetricAggregate, error) {
	agg := &domain.MetricAggregate{ErrorsByType: map[domain.ErrorType]int64{}}
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE success),
		        COALESCE(AVG(execution_time_ms), 0),
		        COALESCE(SUM(memory_used_mb), 0)
		 FROM execution_metrics WHERE organization_id = $1`,
		orgID,
	).Scan(&agg.TotalExecutions, &agg.SuccessfulExecutions, &agg.AvgExecutionTimeMs, &agg.TotalMemoryUsedMB)
	if err != nil {
		return nil, err
	}
	agg.FailedExecutions = agg.TotalExecutions - agg.SuccessfulExecutions

	rows, err := s.db.Query(ctx,
		`SELECT error_type, COUNT(*) FROM execution_metrics
		 WHERE organization_id = $1 AND NOT success
		 GROUP BY error_type`,
		orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var errorType string
		var n int64
		if err := rows.Scan(&errorType, &n); err != nil {
			return nil, err
		}
		agg.ErrorsByType[domain.ErrorType(errorType)] = n
	}
	return agg, rows.Err()
}
