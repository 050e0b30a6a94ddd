package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.RuntimeStore = (*RuntimeStore)(nil)

type RuntimeStore struct {
	db *pgxpool.Pool
}

func NewRuntimeStore(db *pgxpool.Pool) *RuntimeStore {
	return &RuntimeStore{db: db}
}

// Upsert records the runtime of an organization. A new runtime replaces any
// row left from a previous process for the same organization.
func (s *RuntimeStore) Upsert(ctx context.Context, rt *domain.OrganizationRuntime) error {
	limitsJSON, err := json.Marshal(rt.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO organization_runtimes (organization_id, runtime_id, limits, status, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (organization_id) DO UPDATE
		 SET runtime_id = EXCLUDED.runtime_id, limits = EXCLUDED.limits, status = EXCLUDED.status,
		     created_at = EXCLUDED.created_at, last_activity = EXCLUDED.last_activity`,
		rt.OrganizationID, rt.RuntimeID, limitsJSON, string(rt.Status), rt.CreatedAt, rt.LastActivity,
	)
	return err
}

func (s *RuntimeStore) UpdateStatus(ctx context.Context, runtimeID uuid.UUID, status domain.RuntimeStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE organization_runtimes SET status = $2 WHERE runtime_id = $1`,
		runtimeID, string(status),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RuntimeStore) TouchActivity(ctx context.Context, runtimeID uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE organization_runtimes SET last_activity = GREATEST(last_activity, $2) WHERE runtime_id = $1`,
		runtimeID, at,
	)
	return err
}
