package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/Harshitk-cp/agentruntime/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrMemoryLimitExceeded = errors.New("memory pool limit exceeded")

// poolNamespace derives stable pool ids from organization ids, so a restarted
// process finds the memory states written by the previous one.
var poolNamespace = uuid.MustParse("6f1c9a52-3d0e-4f8a-9b7e-2a4c5d8e1f30")

// PoolIDFor derives the memory pool id of an organization.
func PoolIDFor(orgID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(poolNamespace, orgID[:])
}

// CleanupResult reports one expiry pass over a pool.
type CleanupResult struct {
	Removed        int     `json:"removed"`
	FreedMB        float64 `json:"freed_mb"`
	StoreDeleted   int64   `json:"store_deleted"`
	CurrentUsageMB float64 `json:"current_usage_mb"`
}

// agentLock is a refcounted per-agent mutex so idle agents don't leave
// entries behind.
type agentLock struct {
	mu   sync.Mutex
	refs int
}

// MemoryPool caches agent memory states for one organization and accounts
// for their size against the organization's memory budget. The durable store
// is written before the cache, so the store is always at least as new.
type MemoryPool struct {
	poolID uuid.UUID
	orgID  uuid.UUID
	maxMB  float64
	ttl    time.Duration
	store  domain.MemoryStateStore
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*domain.AgentMemoryState
	// usageMB is the sum of cached sizes; reservedMB covers growth whose
	// durable write is still in flight; durableMB is the size of live stored
	// states that are not cached yet.
	usageMB    float64
	reservedMB float64
	durableMB  float64

	locksMu sync.Mutex
	locks   map[string]*agentLock
}

// NewMemoryPool creates an empty pool for the organization. Call Load to
// account for states left in the store by an earlier process.
func NewMemoryPool(orgID uuid.UUID, maxMemoryMB int, ttl time.Duration, st domain.MemoryStateStore, logger *zap.Logger) *MemoryPool {
	if ttl <= 0 {
		ttl = domain.DefaultMemoryTTL
	}
	return &MemoryPool{
		poolID: PoolIDFor(orgID),
		orgID:  orgID,
		maxMB:  float64(maxMemoryMB),
		ttl:    ttl,
		store:  st,
		logger: logger,
		now:    time.Now,
		states: make(map[string]*domain.AgentMemoryState),
		locks:  make(map[string]*agentLock),
	}
}

// ID returns the pool id derived from the organization id.
func (p *MemoryPool) ID() uuid.UUID { return p.poolID }

// Load seeds the pool's usage with the live states in the durable store that
// are not cached.
func (p *MemoryPool) Load(ctx context.Context) error {
	total, err := p.store.SumActiveSize(ctx, p.poolID, p.now())
	if err != nil {
		return fmt.Errorf("sum stored memory: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	durable := total - p.usageMB
	if durable < 0 {
		durable = 0
	}
	p.durableMB = durable
	return nil
}

func (p *MemoryPool) lockAgent(agentID string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[agentID]
	if !ok {
		l = &agentLock{}
		p.locks[agentID] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, agentID)
		}
		p.locksMu.Unlock()
	}
}

// Restore returns the agent's live memory, or nil when there is none. An
// expired cache entry yields nil but stays cached until Cleanup removes it.
func (p *MemoryPool) Restore(ctx context.Context, agentID string) (*domain.AgentMemoryState, error) {
	unlock := p.lockAgent(agentID)
	defer unlock()
	return p.restoreLocked(ctx, agentID)
}

// restoreLocked requires the agent lock.
func (p *MemoryPool) restoreLocked(ctx context.Context, agentID string) (*domain.AgentMemoryState, error) {
	now := p.now()

	p.mu.Lock()
	cached, ok := p.states[agentID]
	if ok {
		if cached.Expired(now) {
			p.mu.Unlock()
			return nil, nil
		}
		cached.LastAccessTime = now
		out := cloneState(cached)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	st, err := p.store.GetActive(ctx, p.poolID, agentID, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load memory state: %w", err)
	}
	if st.MemorySizeMB == 0 {
		st.MemorySizeMB = st.EstimateSizeMB()
	}
	st.LastAccessTime = now
	if err := p.store.TouchAccess(ctx, p.poolID, agentID, now); err != nil {
		p.logger.Warn("failed to refresh memory access time",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A seeded state moves from the durable baseline into the cache.
	credit := st.MemorySizeMB
	if credit > p.durableMB {
		credit = p.durableMB
	}
	if p.usageMB+p.reservedMB+p.durableMB-credit+st.MemorySizeMB > p.maxMB {
		p.logger.Warn("stored memory state not cached, pool is full",
			zap.String("pool_id", p.poolID.String()),
			zap.String("agent_id", agentID),
			zap.Float64("size_mb", st.MemorySizeMB),
			zap.Float64("max_mb", p.maxMB))
		return cloneState(st), nil
	}
	p.durableMB -= credit
	p.states[agentID] = st
	p.usageMB += st.MemorySizeMB
	return cloneState(st), nil
}

// Store replaces the agent's memory. Storing the same agent twice accounts
// only for the size difference.
func (p *MemoryPool) Store(ctx context.Context, agentID string, state *domain.AgentMemoryState) error {
	unlock := p.lockAgent(agentID)
	defer unlock()
	return p.storeLocked(ctx, agentID, state)
}

// storeLocked requires the agent lock.
func (p *MemoryPool) storeLocked(ctx context.Context, agentID string, state *domain.AgentMemoryState) error {
	now := p.now()
	st := cloneState(state)
	st.PoolID = p.poolID
	st.AgentID = agentID
	st.LastAccessTime = now
	if st.ExpiryTime.IsZero() {
		st.ExpiryTime = now.Add(p.ttl)
	}
	if st.MemorySizeMB <= 0 {
		st.MemorySizeMB = st.EstimateSizeMB()
	}

	p.mu.Lock()
	prev, cached := p.states[agentID]
	needStored := !cached && p.durableMB > 0
	p.mu.Unlock()

	// An uncached agent may still own a stored state counted in durableMB.
	var storedSize float64
	if needStored {
		old, err := p.store.GetActive(ctx, p.poolID, agentID, now)
		switch {
		case err == nil:
			storedSize = old.MemorySizeMB
			if storedSize == 0 {
				storedSize = old.EstimateSizeMB()
			}
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("load memory state: %w", err)
		}
	}

	p.mu.Lock()
	prevSize := storedSize
	if cached {
		prevSize = prev.MemorySizeMB
	}
	delta := st.MemorySizeMB - prevSize
	used := p.usageMB + p.reservedMB + p.durableMB
	if delta > 0 && used+delta > p.maxMB {
		p.mu.Unlock()
		return fmt.Errorf("%w: %.2fMB + %.2fMB > %.0fMB", ErrMemoryLimitExceeded, used, delta, p.maxMB)
	}
	reserved := 0.0
	if delta > 0 {
		reserved = delta
		p.reservedMB += reserved
	}
	p.mu.Unlock()

	err := p.store.Upsert(ctx, st)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservedMB -= reserved
	if err != nil {
		return fmt.Errorf("persist memory state: %w", err)
	}
	if prev, ok := p.states[agentID]; ok {
		p.usageMB -= prev.MemorySizeMB
	} else if storedSize > 0 {
		p.durableMB -= storedSize
		if p.durableMB < 0 {
			p.durableMB = 0
		}
	}
	p.states[agentID] = st
	p.usageMB += st.MemorySizeMB
	return nil
}

// Apply merges an update into the agent's current memory and stores it. The
// read and the write happen under one agent lock, so concurrent updates for
// the same agent are never lost.
func (p *MemoryPool) Apply(ctx context.Context, agentID string, update *domain.MemoryUpdate) error {
	unlock := p.lockAgent(agentID)
	defer unlock()

	prev, err := p.restoreLocked(ctx, agentID)
	if err != nil {
		return err
	}
	next := update.ApplyTo(prev, p.poolID, agentID, p.now(), p.ttl)
	return p.storeLocked(ctx, agentID, next)
}

// Cleanup removes expired states from the cache and the store and
// reconciles usage with what remains.
func (p *MemoryPool) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := p.now()
	var res CleanupResult

	p.mu.Lock()
	for agentID, st := range p.states {
		if st.Expired(now) {
			delete(p.states, agentID)
			p.usageMB -= st.MemorySizeMB
			res.Removed++
			res.FreedMB += st.MemorySizeMB
		}
	}
	p.reconcileLocked()
	p.mu.Unlock()

	deleted, err := p.store.DeleteExpired(ctx, p.poolID, now)
	if err != nil {
		res.CurrentUsageMB = p.Usage().CurrentUsageMB
		return res, fmt.Errorf("delete expired memory states: %w", err)
	}
	res.StoreDeleted = deleted
	if deleted > 0 {
		if err := p.Load(ctx); err != nil {
			p.logger.Warn("failed to resync stored memory usage",
				zap.String("pool_id", p.poolID.String()),
				zap.Error(err))
		}
	}
	res.CurrentUsageMB = p.Usage().CurrentUsageMB
	return res, nil
}

func (p *MemoryPool) reconcileLocked() {
	var sum float64
	for _, st := range p.states {
		sum += st.MemorySizeMB
	}
	if diff := p.usageMB - sum; diff > 1e-9 || diff < -1e-9 {
		p.logger.Debug("memory pool usage drift reconciled",
			zap.String("pool_id", p.poolID.String()),
			zap.Float64("tracked_mb", p.usageMB),
			zap.Float64("actual_mb", sum))
	}
	if sum < 0 {
		sum = 0
	}
	p.usageMB = sum
}

// Usage reports the pool's budget and the memory it currently accounts for,
// cached and stored alike.
func (p *MemoryPool) Usage() domain.AgentMemoryPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	usage := p.usageMB + p.durableMB
	if usage < 0 {
		usage = 0
	}
	return domain.AgentMemoryPool{
		PoolID:         p.poolID,
		OrganizationID: p.orgID,
		MaxMemoryMB:    int(p.maxMB),
		CurrentUsageMB: usage,
		AgentCount:     len(p.states),
	}
}

// Clear drops the cache and its accounting without touching the store. A
// cleared pool needs Load before it accounts for stored states again.
func (p *MemoryPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = make(map[string]*domain.AgentMemoryState)
	p.usageMB = 0
	p.durableMB = 0
}

func cloneState(s *domain.AgentMemoryState) *domain.AgentMemoryState {
	if s == nil {
		return nil
	}
	c := *s
	c.ConversationHistory = append([]domain.ConversationTurn(nil), s.ConversationHistory...)
	c.ContextVariables = cloneMap(s.ContextVariables)
	c.SessionData = cloneMap(s.SessionData)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
