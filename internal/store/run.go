package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.RunStore = (*RunStore)(nil)

type RunStore struct {
	db *pgxpool.Pool
}

func NewRunStore(db *pgxpool.Pool) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, organization_id, user_agent_id, user_id, webhook_url, input_payload, credentials,
	isolation, requires_memory, max_retries, timeout_ms, retry_count, status, output, last_error,
	error_type, execution_time_ms, next_attempt_at, created_at, updated_at, completed_at`

func (s *RunStore) Create(ctx context.Context, r *domain.AgentRun, ev domain.RunStatusEvent) error {
	input, creds, output, err := marshalRunJSON(r)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO agent_runs (`+runColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			r.ID, r.OrganizationID, r.UserAgentID, r.UserID, r.WebhookURL, input, creds,
			string(r.Isolation), r.RequiresMemory, r.MaxRetries, r.TimeoutMs, r.RetryCount, string(r.Status),
			output, r.LastError, string(r.ErrorType), r.ExecutionTimeMs, r.NextAttemptAt,
			r.CreatedAt, r.UpdatedAt, r.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return insertEvent(ctx, tx, ev)
	})
}

// Update refuses to touch a row that is already terminal, so a terminal run
// can never be rewritten.
func (s *RunStore) Update(ctx context.Context, r *domain.AgentRun, ev domain.RunStatusEvent) error {
	_, _, output, err := marshalRunJSON(r)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE agent_runs
			 SET retry_count = $2, status = $3, output = $4, last_error = $5, error_type = $6,
			     execution_time_ms = $7, next_attempt_at = $8, updated_at = $9, completed_at = $10
			 WHERE id = $1 AND status NOT IN ('success', 'failed')`,
			r.ID, r.RetryCount, string(r.Status), output, r.LastError, string(r.ErrorType),
			r.ExecutionTimeMs, r.NextAttemptAt, r.UpdatedAt, r.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (s *RunStore) GetByID(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*domain.AgentRun, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1 AND organization_id = $2`,
		id, orgID,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *RunStore) ListUnfinished(ctx context.Context) ([]domain.AgentRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE status IN ('pending', 'running')
		 ORDER BY next_attempt_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *RunStore) ListEvents(ctx context.Context, runID uuid.UUID) ([]domain.RunStatusEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, from_status, to_status, retry_count, message, occurred_at
		 FROM run_status_events WHERE run_id = $1 ORDER BY occurred_at ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RunStatusEvent
	for rows.Next() {
		var ev domain.RunStatusEvent
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.RunID, &from, &to, &ev.RetryCount, &ev.Message, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.From = domain.RunStatus(from)
		ev.To = domain.RunStatus(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.RunStatusEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO run_status_events (id, run_id, from_status, to_status, retry_count, message, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.RunID, string(ev.From), string(ev.To), ev.RetryCount, ev.Message, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert run status event: %w", err)
	}
	return nil
}

func marshalRunJSON(r *domain.AgentRun) (input, creds, output []byte, err error) {
	if input, err = json.Marshal(r.InputPayload); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal input_payload: %w", err)
	}
	if creds, err = json.Marshal(r.Credentials); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal credentials: %w", err)
	}
	if r.Output != nil {
		if output, err = json.Marshal(r.Output); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal output: %w", err)
		}
	}
	return input, creds, output, nil
}

func scanRun(row pgx.Row) (*domain.AgentRun, error) {
	r := &domain.AgentRun{}
	var isolation, status, errorType string
	var inputJSON, credsJSON, outputJSON []byte
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.UserAgentID, &r.UserID, &r.WebhookURL, &inputJSON, &credsJSON,
		&isolation, &r.RequiresMemory, &r.MaxRetries, &r.TimeoutMs, &r.RetryCount, &status, &outputJSON,
		&r.LastError, &errorType, &r.ExecutionTimeMs, &r.NextAttemptAt, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Isolation = domain.IsolationLevel(isolation)
	r.Status = domain.RunStatus(status)
	r.ErrorType = domain.ErrorType(errorType)

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &r.InputPayload); err != nil {
			return nil, fmt.Errorf("unmarshal input_payload: %w", err)
		}
	}
	if len(credsJSON) > 0 {
		if err := json.Unmarshal(credsJSON, &r.Credentials); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &r.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return r, nil
}
