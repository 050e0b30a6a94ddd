package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMemoryTTL is how long an agent's session memory survives without
// being written again.
const DefaultMemoryTTL = 24 * time.Hour

type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentMemoryState is the persisted session memory of one agent within one
// organization's pool. (PoolID, AgentID) is unique.
type AgentMemoryState struct {
	PoolID              uuid.UUID          `json:"pool_id"`
	AgentID             string             `json:"agent_id"`
	ConversationHistory []ConversationTurn `json:"conversation_history"`
	ContextVariables    map[string]any     `json:"context_variables"`
	SessionData         map[string]any     `json:"session_data"`
	LastAccessTime      time.Time          `json:"last_access_time"`
	ExpiryTime          time.Time          `json:"expiry_time"`
	MemorySizeMB        float64            `json:"memory_size_mb"`
}

func (s *AgentMemoryState) Expired(now time.Time) bool {
	return !s.ExpiryTime.IsZero() && !now.Before(s.ExpiryTime)
}

// EstimateSizeMB approximates the footprint of the state as the size of its
// serialized content.
func (s *AgentMemoryState) EstimateSizeMB() float64 {
	b, err := json.Marshal(struct {
		H []ConversationTurn `json:"h"`
		C map[string]any     `json:"c"`
		S map[string]any     `json:"s"`
	}{s.ConversationHistory, s.ContextVariables, s.SessionData})
	if err != nil {
		return 0
	}
	return float64(len(b)) / (1024 * 1024)
}

// AgentMemoryPool is a point-in-time view of one organization's pool.
type AgentMemoryPool struct {
	PoolID         uuid.UUID `json:"pool_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	MaxMemoryMB    int       `json:"max_memory_mb"`
	CurrentUsageMB float64   `json:"current_usage_mb"`
	AgentCount     int       `json:"agent_count"`
}

func (p AgentMemoryPool) UsagePercent() float64 {
	if p.MaxMemoryMB <= 0 {
		return 0
	}
	return p.CurrentUsageMB / float64(p.MaxMemoryMB) * 100
}

// MemoryUpdate is the persistent state an agent hands back, either in the
// webhook response's "memory" object or on the execution request.
type MemoryUpdate struct {
	ConversationHistory []ConversationTurn `json:"conversation_history,omitempty"`
	ContextVariables    map[string]any     `json:"context_variables,omitempty"`
	SessionData         map[string]any     `json:"session_data,omitempty"`
}

func (u *MemoryUpdate) Empty() bool {
	return u == nil || (len(u.ConversationHistory) == 0 && len(u.ContextVariables) == 0 && len(u.SessionData) == 0)
}

// ApplyTo merges the update over prev (which may be nil): history is
// appended and maps are merged key by key. The result is a new state.
func (u *MemoryUpdate) ApplyTo(prev *AgentMemoryState, poolID uuid.UUID, agentID string, now time.Time, ttl time.Duration) *AgentMemoryState {
	next := &AgentMemoryState{
		PoolID:           poolID,
		AgentID:          agentID,
		ContextVariables: map[string]any{},
		SessionData:      map[string]any{},
		LastAccessTime:   now,
		ExpiryTime:       now.Add(ttl),
	}
	if prev != nil {
		next.ConversationHistory = append(next.ConversationHistory, prev.ConversationHistory...)
		for k, v := range prev.ContextVariables {
			next.ContextVariables[k] = v
		}
		for k, v := range prev.SessionData {
			next.SessionData[k] = v
		}
	}
	if u != nil {
		next.ConversationHistory = append(next.ConversationHistory, u.ConversationHistory...)
		for k, v := range u.ContextVariables {
			next.ContextVariables[k] = v
		}
		for k, v := range u.SessionData {
			next.SessionData[k] = v
		}
	}
	return next
}

// ParseMemoryUpdate extracts a MemoryUpdate from a webhook response's
// "memory" field. It returns nil when the field is absent or malformed.
func ParseMemoryUpdate(output map[string]any) *MemoryUpdate {
	raw, ok := output["memory"]
	if !ok || raw == nil {
		return nil
	}
	if _, isObj := raw.(map[string]any); !isObj {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var u MemoryUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return nil
	}
	if u.Empty() {
		return nil
	}
	return &u
}
