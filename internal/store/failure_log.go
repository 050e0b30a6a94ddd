package store

import (
	"context"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.FailureLogStore = (*FailureLogStore)(nil)

type FailureLogStore struct {
	db *pgxpool.Pool
}

func NewFailureLogStore(db *pgxpool.Pool) *FailureLogStore {
	return &FailureLogStore{db: db}
}

func (s *FailureLogStore) Append(ctx context.Context, f *domain.FailureLog) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO failure_logs
		   (id, run_id, organization_id, user_agent_id, attempt, error_type, http_status,
		    status_class, message, execution_time_ms, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.RunID, f.OrganizationID, f.UserAgentID, f.Attempt, string(f.ErrorType), f.HTTPStatus,
		string(f.StatusClass), f.Message, f.ExecutionTimeMs, f.OccurredAt,
	)
	return err
}

func (s *FailureLogStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.FailureLog, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, organization_id, user_agent_id, attempt, error_type, http_status,
		        status_class, message, execution_time_ms, occurred_at
		 FROM failure_logs WHERE run_id = $1 ORDER BY attempt ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.FailureLog
	for rows.Next() {
		var f domain.FailureLog
		var errorType, statusClass string
		if err := rows.Scan(&f.ID, &f.RunID, &f.OrganizationID, &f.UserAgentID, &f.Attempt, &errorType,
			&f.HTTPStatus, &statusClass, &f.Message, &f.ExecutionTimeMs, &f.OccurredAt); err != nil {
			return nil, err
		}
		f.ErrorType = domain.ErrorType(errorType)
		f.StatusClass = domain.StatusClass(statusClass)
		logs = append(logs, f)
	}
	return logs, rows.Err()
}
