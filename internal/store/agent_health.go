package store

import (
	"context"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.AgentHealthStore = (*AgentHealthStore)(nil)

type AgentHealthStore struct {
	db *pgxpool.Pool
}

func NewAgentHealthStore(db *pgxpool.Pool) *AgentHealthStore {
	return &AgentHealthStore{db: db}
}

func (s *AgentHealthStore) SetStatus(ctx context.Context, orgID uuid.UUID, userAgentID string, status domain.AgentHealthStatus, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO agent_health (organization_id, user_agent_id, status, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization_id, user_agent_id) DO UPDATE
		 SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		orgID, userAgentID, string(status), at,
	)
	return err
}
