package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	initialHealthScore   = 100
	DefaultHealthFloor   = 20
	healthRecoveryStep   = 5
	memoryPressureMarker = 0.5
)

// CompletionFunc receives the result of a fire-and-continue execution.
type CompletionFunc func(res *domain.ExecutionResult)

// Container is a logical execution slot for one agent of one organization.
// It is not an OS sandbox: isolation is the hard deadline on each webhook
// call plus the runtime's admission accounting.
type Container struct {
	webhook domain.WebhookClient
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	state domain.ContainerState
}

// NewContainer creates an idle container with full health for one agent.
func NewContainer(orgID uuid.UUID, agentID string, limits domain.ResourceLimits, webhook domain.WebhookClient, logger *zap.Logger) *Container {
	return &Container{
		webhook: webhook,
		logger:  logger,
		now:     time.Now,
		state: domain.ContainerState{
			ContainerID:    uuid.New(),
			AgentID:        agentID,
			OrganizationID: orgID,
			MemoryLimitMB:  domain.ContainerMemoryLimitMB(limits.MaxMemoryMB),
			TimeoutMs:      limits.MaxExecutionTimeSeconds * 1000,
			Status:         domain.ContainerIdle,
			HealthScore:    initialHealthScore,
			LastUsed:       time.Now(),
		},
	}
}

// State returns a copy of the container's state.
func (c *Container) State() domain.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether an execution is in progress.
func (c *Container) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status == domain.ContainerRunning
}

// NeedsRecycle reports whether the health score fell below floor.
func (c *Container) NeedsRecycle(floor int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.HealthScore < floor
}

// Execute starts the call in the background and returns its execution id.
// done is invoked exactly once with the outcome.
func (c *Container) Execute(ctx context.Context, runID uuid.UUID, cfg domain.ExecutionConfig, memory *domain.AgentMemoryState, done CompletionFunc) string {
	executionID := uuid.NewString()
	c.begin()
	go func() {
		res := c.invoke(ctx, executionID, runID, cfg, memory)
		c.finish(res)
		if done != nil {
			done(res)
		}
	}()
	return executionID
}

// Run performs the call synchronously.
func (c *Container) Run(ctx context.Context, runID uuid.UUID, cfg domain.ExecutionConfig, memory *domain.AgentMemoryState) *domain.ExecutionResult {
	executionID := uuid.NewString()
	c.begin()
	res := c.invoke(ctx, executionID, runID, cfg, memory)
	c.finish(res)
	return res
}

func (c *Container) begin() {
	c.mu.Lock()
	c.state.Status = domain.ContainerRunning
	c.state.LastUsed = c.now()
	c.mu.Unlock()
}

func (c *Container) finish(res *domain.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.ExecutionCount++
	c.state.LastUsed = c.now()
	if res.Success {
		c.state.Status = domain.ContainerIdle
	} else {
		c.state.Status = domain.ContainerError
	}

	pressure := res.MemoryUsedMB / float64(c.state.MemoryLimitMB)
	if pressure > memoryPressureMarker {
		c.state.HealthScore -= int((pressure - memoryPressureMarker) * 100)
	} else if c.state.HealthScore < initialHealthScore {
		c.state.HealthScore += healthRecoveryStep
	}
	if c.state.HealthScore > initialHealthScore {
		c.state.HealthScore = initialHealthScore
	}
	if c.state.HealthScore < 0 {
		c.state.HealthScore = 0
	}
}

func (c *Container) invoke(ctx context.Context, executionID string, runID uuid.UUID, cfg domain.ExecutionConfig, memory *domain.AgentMemoryState) *domain.ExecutionResult {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(c.state.TimeoutMs) * time.Millisecond
	}
	res := invokeWebhook(ctx, c.webhook, cfg, runID, c.state.OrganizationID, executionID, memory, c.now())
	if res.Err != nil {
		c.logger.Debug("container execution failed",
			zap.String("container_id", c.state.ContainerID.String()),
			zap.String("execution_id", executionID),
			zap.String("error_type", string(res.Err.Type)),
			zap.Int64("elapsed_ms", res.ExecutionTimeMs))
	}
	return res
}

// invokeWebhook makes one deadline-bounded webhook call and classifies the
// outcome. It never returns nil.
func invokeWebhook(ctx context.Context, client domain.WebhookClient, cfg domain.ExecutionConfig, runID, orgID uuid.UUID, executionID string, memory *domain.AgentMemoryState, now time.Time) *domain.ExecutionResult {
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	payload := buildPayload(cfg, runID, orgID, executionID, memory, now)

	start := time.Now()
	out, err := client.Post(callCtx, cfg.WebhookURL, payload)
	elapsed := time.Since(start)

	res := &domain.ExecutionResult{
		ExecutionID:     executionID,
		RunID:           runID,
		ExecutionTimeMs: elapsed.Milliseconds(),
		MemoryUsedMB:    payloadSizeMB(payload, out),
	}
	if err != nil {
		ee := domain.AsExecutionError(err)
		if ee.Type != domain.ErrorTypeTimeout && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			ee = &domain.ExecutionError{Type: domain.ErrorTypeTimeout, Message: err.Error()}
		}
		res.Err = ee
		return res
	}

	res.Success = true
	res.Output = out
	res.Memory = domain.ParseMemoryUpdate(out)
	return res
}

// buildPayload lays the runtime envelope over the caller's input. Reserved
// keys win over input keys of the same name.
func buildPayload(cfg domain.ExecutionConfig, runID, orgID uuid.UUID, executionID string, memory *domain.AgentMemoryState, now time.Time) map[string]any {
	payload := make(map[string]any, len(cfg.InputPayload)+3)
	for k, v := range cfg.InputPayload {
		payload[k] = v
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = map[string]any{}
	}
	payload["credentials"] = creds

	metadata := map[string]any{
		"userAgentId":    cfg.AgentID,
		"timestamp":      now.UTC().Format(time.RFC3339Nano),
		"organizationId": orgID.String(),
		"executionId":    executionID,
	}
	if runID != uuid.Nil {
		metadata["runId"] = runID.String()
	}
	if cfg.UserID != "" {
		metadata["userId"] = cfg.UserID
	}
	if memory != nil {
		metadata["memory"] = map[string]any{
			"conversation_history": memory.ConversationHistory,
			"context_variables":    memory.ContextVariables,
			"session_data":         memory.SessionData,
		}
	}
	payload["metadata"] = metadata
	return payload
}

// payloadSizeMB approximates the working set of a call from the size of what
// went over the wire.
func payloadSizeMB(in, out map[string]any) float64 {
	s := &domain.AgentMemoryState{SessionData: in, ContextVariables: out}
	return s.EstimateSizeMB()
}
