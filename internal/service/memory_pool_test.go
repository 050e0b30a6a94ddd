package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, maxMB int) (*MemoryPool, *fakeMemoryStateStore, *fakeClock) {
	t.Helper()
	st := newFakeMemoryStateStore()
	clock := newFakeClock()
	p := NewMemoryPool(uuid.New(), maxMB, time.Hour, st, zap.NewNop())
	p.now = clock.Now
	return p, st, clock
}

func TestPoolIDFor_Stable(t *testing.T) {
	orgID := uuid.New()
	assert.Equal(t, PoolIDFor(orgID), PoolIDFor(orgID))
	assert.NotEqual(t, PoolIDFor(orgID), PoolIDFor(uuid.New()))
}

func TestMemoryPool_StoreAccountsDelta(t *testing.T) {
	p, st, _ := newTestPool(t, 256)
	ctx := context.Background()

	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 10}))
	assert.InDelta(t, 10, p.Usage().CurrentUsageMB, 1e-9)

	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 15}))
	usage := p.Usage()
	assert.InDelta(t, 15, usage.CurrentUsageMB, 1e-9)
	assert.Equal(t, 1, usage.AgentCount)

	saved, ok := st.get(p.ID(), "agent-1")
	require.True(t, ok)
	assert.InDelta(t, 15, saved.MemorySizeMB, 1e-9)
	assert.False(t, saved.ExpiryTime.IsZero())
}

func TestMemoryPool_StoreRejectsOverLimit(t *testing.T) {
	p, st, _ := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 15}))

	err := p.Store(ctx, "agent-2", &domain.AgentMemoryState{MemorySizeMB: 10})
	assert.True(t, errors.Is(err, ErrMemoryLimitExceeded))
	assert.InDelta(t, 15, p.Usage().CurrentUsageMB, 1e-9)

	_, ok := st.get(p.ID(), "agent-2")
	assert.False(t, ok, "rejected state must not reach the store")

	// Shrinking is always allowed.
	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 5}))
	require.NoError(t, p.Store(ctx, "agent-2", &domain.AgentMemoryState{MemorySizeMB: 10}))
	assert.InDelta(t, 15, p.Usage().CurrentUsageMB, 1e-9)
}

func TestMemoryPool_StoreFailureKeepsUsage(t *testing.T) {
	p, st, _ := newTestPool(t, 256)
	st.err = errors.New("db down")

	err := p.Store(context.Background(), "agent-1", &domain.AgentMemoryState{MemorySizeMB: 10})
	require.Error(t, err)
	assert.Zero(t, p.Usage().CurrentUsageMB)

	st.err = nil
	require.NoError(t, p.Store(context.Background(), "agent-1", &domain.AgentMemoryState{MemorySizeMB: 250}))
}

func TestMemoryPool_RestoreFromStore(t *testing.T) {
	p, st, clock := newTestPool(t, 256)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, &domain.AgentMemoryState{
		PoolID:           p.ID(),
		AgentID:          "agent-1",
		ContextVariables: map[string]any{"topic": "billing"},
		ExpiryTime:       clock.Now().Add(time.Hour),
		MemorySizeMB:     3,
	}))

	got, err := p.Restore(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "billing", got.ContextVariables["topic"])
	assert.InDelta(t, 3, p.Usage().CurrentUsageMB, 1e-9)

	// The returned state is a copy.
	got.ContextVariables["topic"] = "changed"
	again, err := p.Restore(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "billing", again.ContextVariables["topic"])
}

func TestMemoryPool_RestoreMissing(t *testing.T) {
	p, _, _ := newTestPool(t, 256)
	got, err := p.Restore(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryPool_ExpiryAndCleanup(t *testing.T) {
	p, st, clock := newTestPool(t, 256)
	ctx := context.Background()

	require.NoError(t, p.Store(ctx, "old", &domain.AgentMemoryState{MemorySizeMB: 10}))
	clock.Advance(30 * time.Minute)
	require.NoError(t, p.Store(ctx, "fresh", &domain.AgentMemoryState{MemorySizeMB: 4}))
	clock.Advance(45 * time.Minute)

	got, err := p.Restore(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got, "expired memory is not returned")
	assert.InDelta(t, 14, p.Usage().CurrentUsageMB, 1e-9, "expired entry stays accounted until cleanup")

	res, err := p.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.InDelta(t, 10, res.FreedMB, 1e-9)
	assert.Equal(t, int64(1), res.StoreDeleted)
	assert.InDelta(t, 4, res.CurrentUsageMB, 1e-9)
	assert.InDelta(t, 4, p.Usage().CurrentUsageMB, 1e-9)

	_, ok := st.get(p.ID(), "old")
	assert.False(t, ok)
	_, ok = st.get(p.ID(), "fresh")
	assert.True(t, ok)
}

func TestMemoryPool_ApplyMerges(t *testing.T) {
	p, _, _ := newTestPool(t, 256)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, "agent-1", &domain.MemoryUpdate{
		ConversationHistory: []domain.ConversationTurn{{Role: "user", Content: "hi"}},
		ContextVariables:    map[string]any{"a": 1.0},
	}))
	require.NoError(t, p.Apply(ctx, "agent-1", &domain.MemoryUpdate{
		ConversationHistory: []domain.ConversationTurn{{Role: "assistant", Content: "hello"}},
		ContextVariables:    map[string]any{"b": 2.0},
	}))

	got, err := p.Restore(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, got.ConversationHistory, 2)
	assert.Equal(t, "hello", got.ConversationHistory[1].Content)
	assert.Equal(t, 1.0, got.ContextVariables["a"])
	assert.Equal(t, 2.0, got.ContextVariables["b"])
	assert.Greater(t, p.Usage().CurrentUsageMB, 0.0)
}

func TestMemoryPool_Clear(t *testing.T) {
	p, st, _ := newTestPool(t, 256)
	ctx := context.Background()
	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 8}))

	p.Clear()
	assert.Zero(t, p.Usage().CurrentUsageMB)
	_, ok := st.get(p.ID(), "agent-1")
	assert.True(t, ok, "clear leaves the store alone")
}

func TestMemoryPool_ConcurrentApplyKeepsEveryTurn(t *testing.T) {
	p, st, _ := newTestPool(t, 256)
	st.upsertDelay = 2 * time.Millisecond
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, p.Apply(ctx, "agent-1", &domain.MemoryUpdate{
				ConversationHistory: []domain.ConversationTurn{{Role: "user", Content: fmt.Sprintf("turn %d", i)}},
			}))
		}(i)
	}
	wg.Wait()

	got, err := p.Restore(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.ConversationHistory, n)

	saved, ok := st.get(p.ID(), "agent-1")
	require.True(t, ok)
	assert.Len(t, saved.ConversationHistory, n)
}

func storedState(p *MemoryPool, clock *fakeClock, agentID string, sizeMB float64) *domain.AgentMemoryState {
	return &domain.AgentMemoryState{
		PoolID:       p.ID(),
		AgentID:      agentID,
		ExpiryTime:   clock.Now().Add(time.Hour),
		MemorySizeMB: sizeMB,
	}
}

func TestMemoryPool_LoadCountsStoredStates(t *testing.T) {
	p, st, clock := newTestPool(t, 20)
	ctx := context.Background()

	// States written by an earlier process.
	require.NoError(t, st.Upsert(ctx, storedState(p, clock, "agent-old", 15)))
	expired := storedState(p, clock, "agent-gone", 50)
	expired.ExpiryTime = clock.Now().Add(-time.Minute)
	require.NoError(t, st.Upsert(ctx, expired))

	require.NoError(t, p.Load(ctx))
	assert.InDelta(t, 15, p.Usage().CurrentUsageMB, 1e-9)

	err := p.Store(ctx, "agent-new", &domain.AgentMemoryState{MemorySizeMB: 10})
	assert.True(t, errors.Is(err, ErrMemoryLimitExceeded))

	// Restoring moves the stored size into the cache without counting it twice.
	got, err := p.Restore(ctx, "agent-old")
	require.NoError(t, err)
	require.NotNil(t, got)
	usage := p.Usage()
	assert.InDelta(t, 15, usage.CurrentUsageMB, 1e-9)
	assert.Equal(t, 1, usage.AgentCount)

	require.NoError(t, p.Store(ctx, "agent-old", &domain.AgentMemoryState{MemorySizeMB: 5}))
	require.NoError(t, p.Store(ctx, "agent-new", &domain.AgentMemoryState{MemorySizeMB: 10}))
	assert.InDelta(t, 15, p.Usage().CurrentUsageMB, 1e-9)
}

func TestMemoryPool_StoreOverUncachedStoredState(t *testing.T) {
	p, st, clock := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, storedState(p, clock, "agent-1", 15)))
	require.NoError(t, p.Load(ctx))

	// Only the growth counts against the budget.
	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 18}))
	assert.InDelta(t, 18, p.Usage().CurrentUsageMB, 1e-9)
}

func TestMemoryPool_RestoreDoesNotOvercommit(t *testing.T) {
	p, st, clock := newTestPool(t, 20)
	ctx := context.Background()

	require.NoError(t, p.Store(ctx, "agent-1", &domain.AgentMemoryState{MemorySizeMB: 15}))
	// Written behind the pool's back, so it was never loaded.
	require.NoError(t, st.Upsert(ctx, storedState(p, clock, "agent-2", 10)))

	got, err := p.Restore(ctx, "agent-2")
	require.NoError(t, err)
	require.NotNil(t, got, "the state is still returned")
	usage := p.Usage()
	assert.InDelta(t, 15, usage.CurrentUsageMB, 1e-9)
	assert.Equal(t, 1, usage.AgentCount)
	assert.LessOrEqual(t, usage.CurrentUsageMB, float64(usage.MaxMemoryMB))
}

func TestMemoryPool_LoadError(t *testing.T) {
	p, st, _ := newTestPool(t, 20)
	st.err = errors.New("db down")
	assert.Error(t, p.Load(context.Background()))
	assert.Zero(t, p.Usage().CurrentUsageMB)
}
