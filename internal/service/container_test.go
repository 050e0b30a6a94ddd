package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func proLimits() domain.ResourceLimits {
	l, _ := domain.LimitsForTier(domain.TierPro)
	return l
}

func TestBuildPayload(t *testing.T) {
	orgID := uuid.New()
	runID := uuid.New()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := domain.ExecutionConfig{
		AgentID:      "agent-1",
		UserID:       "user-9",
		InputPayload: map[string]any{"question": "why?", "metadata": "overwritten"},
		Credentials:  map[string]any{"token": "secret"},
	}
	mem := &domain.AgentMemoryState{
		ConversationHistory: []domain.ConversationTurn{{Role: "user", Content: "hi"}},
		ContextVariables:    map[string]any{"k": "v"},
	}

	p := buildPayload(cfg, runID, orgID, "exec-1", mem, now)

	assert.Equal(t, "why?", p["question"])
	assert.Equal(t, map[string]any{"token": "secret"}, p["credentials"])

	meta, ok := p["metadata"].(map[string]any)
	require.True(t, ok, "reserved metadata key wins over input")
	assert.Equal(t, "agent-1", meta["userAgentId"])
	assert.Equal(t, "user-9", meta["userId"])
	assert.Equal(t, orgID.String(), meta["organizationId"])
	assert.Equal(t, runID.String(), meta["runId"])
	assert.Equal(t, "exec-1", meta["executionId"])
	assert.Equal(t, "2025-03-01T12:00:00Z", meta["timestamp"])
	require.Contains(t, meta, "memory")
}

func TestBuildPayload_MinimalEnvelope(t *testing.T) {
	p := buildPayload(domain.ExecutionConfig{AgentID: "a"}, uuid.Nil, uuid.New(), "e", nil, time.Now())

	assert.Equal(t, map[string]any{}, p["credentials"])
	meta := p["metadata"].(map[string]any)
	assert.NotContains(t, meta, "runId")
	assert.NotContains(t, meta, "userId")
	assert.NotContains(t, meta, "memory")
}

func TestContainer_RunSuccessParsesMemory(t *testing.T) {
	wh := &fakeWebhook{handle: func(ctx context.Context, _ int, _ map[string]any) (map[string]any, error) {
		return map[string]any{
			"answer": 42.0,
			"memory": map[string]any{"context_variables": map[string]any{"step": 2.0}},
		}, nil
	}}
	c := NewContainer(uuid.New(), "agent-1", proLimits(), wh, zap.NewNop())

	res := c.Run(context.Background(), uuid.New(), domain.ExecutionConfig{AgentID: "agent-1", WebhookURL: "http://agent", Timeout: time.Second}, nil)

	require.True(t, res.Success)
	assert.Nil(t, res.Err)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, 42.0, res.Output["answer"])
	require.NotNil(t, res.Memory)
	assert.Equal(t, 2.0, res.Memory.ContextVariables["step"])

	st := c.State()
	assert.Equal(t, domain.ContainerIdle, st.Status)
	assert.Equal(t, int64(1), st.ExecutionCount)
	assert.Equal(t, 256, st.MemoryLimitMB)
}

func TestContainer_RunTimeout(t *testing.T) {
	wh := &fakeWebhook{handle: blockUntilDone}
	c := NewContainer(uuid.New(), "agent-1", proLimits(), wh, zap.NewNop())

	start := time.Now()
	res := c.Run(context.Background(), uuid.Nil, domain.ExecutionConfig{WebhookURL: "http://agent", Timeout: 50 * time.Millisecond}, nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, domain.ErrorTypeTimeout, res.Err.Type)
	assert.True(t, errors.Is(res.Err, domain.ErrExecutionTimeout))
	assert.Equal(t, domain.ContainerError, c.State().Status)
}

func TestContainer_ExecuteCallsDoneOnce(t *testing.T) {
	wh := &fakeWebhook{handle: serverError}
	c := NewContainer(uuid.New(), "agent-1", proLimits(), wh, zap.NewNop())

	done := make(chan *domain.ExecutionResult, 2)
	id := c.Execute(context.Background(), uuid.Nil, domain.ExecutionConfig{WebhookURL: "http://agent", Timeout: time.Second}, nil,
		func(res *domain.ExecutionResult) { done <- res })

	select {
	case res := <-done:
		assert.Equal(t, id, res.ExecutionID)
		require.NotNil(t, res.Err)
		assert.Equal(t, 500, res.Err.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not called")
	}
	assert.Len(t, done, 0)
}

func TestContainer_HealthScore(t *testing.T) {
	c := NewContainer(uuid.New(), "agent-1", proLimits(), &fakeWebhook{}, zap.NewNop())
	limit := float64(c.State().MemoryLimitMB)

	// Full pressure costs 50 points.
	c.finish(&domain.ExecutionResult{Success: true, MemoryUsedMB: limit})
	assert.Equal(t, 50, c.State().HealthScore)

	// Low pressure recovers slowly.
	c.finish(&domain.ExecutionResult{Success: true, MemoryUsedMB: 0})
	assert.Equal(t, 55, c.State().HealthScore)
	assert.False(t, c.NeedsRecycle(DefaultHealthFloor))

	c.finish(&domain.ExecutionResult{Success: true, MemoryUsedMB: limit})
	assert.Equal(t, 5, c.State().HealthScore)
	assert.True(t, c.NeedsRecycle(DefaultHealthFloor))

	c.finish(&domain.ExecutionResult{Success: true, MemoryUsedMB: limit})
	assert.Equal(t, 0, c.State().HealthScore, "score is clamped at zero")

	for i := 0; i < 30; i++ {
		c.finish(&domain.ExecutionResult{Success: true})
	}
	assert.Equal(t, 100, c.State().HealthScore, "score is clamped at 100")
}
