package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ domain.MemoryStateStore = (*MemoryStateStore)(nil)

type MemoryStateStore struct {
	db *pgxpool.Pool
}

func NewMemoryStateStore(db *pgxpool.Pool) *MemoryStateStore {
	return &MemoryStateStore{db: db}
}

func (s *MemoryStateStore) Upsert(ctx context.Context, m *domain.AgentMemoryState) error {
	historyJSON, err := json.Marshal(m.ConversationHistory)
	if err != nil {
		return fmt.Errorf("marshal conversation_history: %w", err)
	}
	contextJSON, err := json.Marshal(m.ContextVariables)
	if err != nil {
		return fmt.Errorf("marshal context_variables: %w", err)
	}
	sessionJSON, err := json.Marshal(m.SessionData)
	if err != nil {
		return fmt.Errorf("marshal session_data: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO agent_memory_states
		   (pool_id, agent_id, conversation_history, context_variables, session_data,
		    last_access_time, expiry_time, memory_size_mb)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pool_id, agent_id) DO UPDATE
		 SET conversation_history = EXCLUDED.conversation_history,
		     context_variables = EXCLUDED.context_variables,
		     session_data = EXCLUDED.session_data,
		     last_access_time = EXCLUDED.last_access_time,
		     expiry_time = EXCLUDED.expiry_time,
		     memory_size_mb = EXCLUDED.memory_size_mb`,
		m.PoolID, m.AgentID, historyJSON, contextJSON, sessionJSON,
		m.LastAccessTime, m.ExpiryTime, m.MemorySizeMB,
	)
	return err
}

func (s *MemoryStateStore) GetActive(ctx context.Context, poolID uuid.UUID, agentID string, now time.Time) (*domain.AgentMemoryState, error) {
	m := &domain.AgentMemoryState{}
	var historyJSON, contextJSON, sessionJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT pool_id, agent_id, conversation_history, context_variables, session_data,
		        last_access_time, expiry_time, memory_size_mb
		 FROM agent_memory_states
		 WHERE pool_id = $1 AND agent_id = $2 AND expiry_time > $3`,
		poolID, agentID, now,
	).Scan(&m.PoolID, &m.AgentID, &historyJSON, &contextJSON, &sessionJSON,
		&m.LastAccessTime, &m.ExpiryTime, &m.MemorySizeMB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &m.ConversationHistory); err != nil {
			return nil, fmt.Errorf("unmarshal conversation_history: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &m.ContextVariables); err != nil {
			return nil, fmt.Errorf("unmarshal context_variables: %w", err)
		}
	}
	if len(sessionJSON) > 0 {
		if err := json.Unmarshal(sessionJSON, &m.SessionData); err != nil {
			return nil, fmt.Errorf("unmarshal session_data: %w", err)
		}
	}
	return m, nil
}

func (s *MemoryStateStore) TouchAccess(ctx context.Context, poolID uuid.UUID, agentID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agent_memory_states SET last_access_time = $3 WHERE pool_id = $1 AND agent_id = $2`,
		poolID, agentID, at,
	)
	return err
}

func (s *MemoryStateStore) Delete(ctx context.Context, poolID uuid.UUID, agentID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM agent_memory_states WHERE pool_id = $1 AND agent_id = $2`,
		poolID, agentID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStateStore) DeleteExpired(ctx context.Context, poolID uuid.UUID, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM agent_memory_states WHERE pool_id = $1 AND expiry_time <= $2`,
		poolID, now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *MemoryStateStore) SumActiveSize(ctx context.Context, poolID uuid.UUID, now time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(memory_size_mb), 0)::float8
		 FROM agent_memory_states
		 WHERE pool_id = $1 AND expiry_time > $2`,
		poolID, now,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}
