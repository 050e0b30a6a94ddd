package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrRuntimeShutdown = errors.New("runtime is shut down")
	ErrRuntimeNotFound = errors.New("runtime not found")
)

const (
	defaultHealthCheckInterval   = 60 * time.Second
	defaultMemoryCleanupInterval = 30 * time.Minute
	defaultShutdownGrace         = 60 * time.Second
	completionTimeout            = 30 * time.Second
	memoryWarnPercent            = 90
)

// FailureHandler takes over a failed first attempt of a fire-and-continue
// execution and schedules its retries.
type FailureHandler interface {
	HandleFailure(ctx context.Context, req domain.AgentExecutionRequest, res *domain.ExecutionResult)
}

// RuntimeConfig tunes the manager's loops. Zero fields take their defaults.
type RuntimeConfig struct {
	HealthCheckInterval   time.Duration
	MemoryCleanupInterval time.Duration
	MemoryTTL             time.Duration
	ShutdownGracePeriod   time.Duration
	HealthFloor           int
	EnforceCPULimit       bool
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanupInterval
	}
	if c.MemoryTTL <= 0 {
		c.MemoryTTL = domain.DefaultMemoryTTL
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = defaultShutdownGrace
	}
	if c.HealthFloor <= 0 {
		c.HealthFloor = DefaultHealthFloor
	}
	return c
}

// runtime is the in-process side of an OrganizationRuntime.
type runtime struct {
	mu         sync.Mutex
	info       domain.OrganizationRuntime
	containers map[string]*Container
	pool       *MemoryPool
	limiter    *rate.Limiter
	inFlight   int
}

// execSlot is one admitted, not yet released execution.
type execSlot struct {
	orgID       uuid.UUID
	agentID     string
	executionID string
	startedAt   time.Time
}

// RuntimeManager owns one runtime per organization and admits executions
// against the organization's limits.
type RuntimeManager struct {
	limits    *LimitResolver
	runtimes  domain.RuntimeStore
	memStates domain.MemoryStateStore
	webhook   domain.WebhookClient
	metrics   *MetricsCollector
	notifier  domain.NotificationSink
	failures  FailureHandler
	cfg       RuntimeConfig
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	byOrg   map[uuid.UUID]*runtime
	group   singleflight.Group
	closing atomic.Bool

	slotsMu sync.Mutex
	slots   map[*execSlot]struct{}
	active  sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	healthTask  *periodicTask
	cleanupTask *periodicTask
}

// NewRuntimeManager creates the manager. Runtimes are created lazily per
// organization; Start launches the background loops.
func NewRuntimeManager(
	limits *LimitResolver,
	runtimes domain.RuntimeStore,
	memStates domain.MemoryStateStore,
	webhook domain.WebhookClient,
	metrics *MetricsCollector,
	notifier domain.NotificationSink,
	cfg RuntimeConfig,
	logger *zap.Logger,
) *RuntimeManager {
	cfg = cfg.withDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())
	m := &RuntimeManager{
		limits:     limits,
		runtimes:   runtimes,
		memStates:  memStates,
		webhook:    webhook,
		metrics:    metrics,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		byOrg:      make(map[uuid.UUID]*runtime),
		slots:      make(map[*execSlot]struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	m.healthTask = newPeriodicTask("runtime health check", cfg.HealthCheckInterval, 30*time.Second, m.RunHealthCheck, logger)
	m.cleanupTask = newPeriodicTask("memory cleanup", cfg.MemoryCleanupInterval, 5*time.Minute, m.RunMemoryCleanup, logger)
	return m
}

// SetFailureHandler attaches the retry engine for failed fire-and-continue
// executions.
func (m *RuntimeManager) SetFailureHandler(h FailureHandler) {
	m.failures = h
}

// Start launches the health-check and memory-cleanup loops.
func (m *RuntimeManager) Start() {
	m.healthTask.Start()
	m.cleanupTask.Start()
}

// GetOrCreateRuntime returns the organization's runtime, creating it on first
// use. Concurrent first calls for one organization create exactly one.
func (m *RuntimeManager) GetOrCreateRuntime(ctx context.Context, orgID uuid.UUID) (*domain.OrganizationRuntime, error) {
	rt, err := m.getOrCreate(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	info := rt.info
	rt.mu.Unlock()
	return &info, nil
}

// LimitsFor returns the limits of the organization's runtime, creating the
// runtime on first use.
func (m *RuntimeManager) LimitsFor(ctx context.Context, orgID uuid.UUID) (domain.ResourceLimits, error) {
	rt, err := m.getOrCreate(ctx, orgID)
	if err != nil {
		return domain.ResourceLimits{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.info.Limits, nil
}

func (m *RuntimeManager) lookup(orgID uuid.UUID) (*runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.byOrg[orgID]
	return rt, ok
}

func (m *RuntimeManager) getOrCreate(ctx context.Context, orgID uuid.UUID) (*runtime, error) {
	if rt, ok := m.lookup(orgID); ok {
		return rt, nil
	}
	if m.closing.Load() {
		return nil, &domain.AdmissionError{Reason: domain.ReasonShuttingDown, OrganizationID: orgID}
	}

	v, err, _ := m.group.Do(orgID.String(), func() (any, error) {
		if rt, ok := m.lookup(orgID); ok {
			return rt, nil
		}

		limits := m.limits.Resolve(ctx, orgID)
		now := m.now()
		info := domain.OrganizationRuntime{
			OrganizationID: orgID,
			RuntimeID:      uuid.New(),
			Limits:         limits,
			Status:         domain.RuntimeActive,
			CreatedAt:      now,
			LastActivity:   now,
		}
		if err := m.runtimes.Upsert(ctx, &info); err != nil {
			m.logger.Error("failed to persist runtime",
				zap.String("organization_id", orgID.String()),
				zap.Error(err))
			return nil, &domain.RuntimeCreationError{OrganizationID: orgID, Err: err}
		}

		perSecond := rate.Limit(float64(limits.RateLimitPerMinute) / 60)
		rt := &runtime{
			info:       info,
			containers: make(map[string]*Container),
			pool:       NewMemoryPool(orgID, limits.MaxMemoryMB, m.cfg.MemoryTTL, m.memStates, m.logger),
			limiter:    rate.NewLimiter(perSecond, limits.RateLimitPerMinute),
		}
		if err := rt.pool.Load(ctx); err != nil {
			m.logger.Warn("failed to load stored memory usage",
				zap.String("organization_id", orgID.String()),
				zap.Error(err))
		}

		m.mu.Lock()
		if m.closing.Load() {
			rt.info.Status = domain.RuntimeShutdown
		}
		m.byOrg[orgID] = rt
		m.mu.Unlock()

		m.logger.Info("runtime created",
			zap.String("organization_id", orgID.String()),
			zap.String("runtime_id", info.RuntimeID.String()),
			zap.Int("max_concurrent_agents", limits.MaxConcurrentAgents),
			zap.Int("max_memory_mb", limits.MaxMemoryMB),
			zap.Int("rate_limit_per_minute", limits.RateLimitPerMinute))
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*runtime), nil
}

// admit reserves an execution slot. All checks and the reservation happen
// under the runtime lock, so concurrent admissions never overshoot a limit.
func (m *RuntimeManager) admit(ctx context.Context, orgID uuid.UUID, agentID string) (*runtime, *Container, *execSlot, error) {
	if m.closing.Load() {
		return nil, nil, nil, &domain.AdmissionError{Reason: domain.ReasonShuttingDown, OrganizationID: orgID}
	}
	rt, err := m.getOrCreate(ctx, orgID)
	if err != nil {
		return nil, nil, nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	limits := rt.info.Limits
	reject := func(reason domain.AdmissionReason, detail string) (*runtime, *Container, *execSlot, error) {
		m.logger.Debug("execution rejected",
			zap.String("organization_id", orgID.String()),
			zap.String("agent_id", agentID),
			zap.String("reason", string(reason)))
		return nil, nil, nil, &domain.AdmissionError{Reason: reason, OrganizationID: orgID, Detail: detail}
	}

	switch rt.info.Status {
	case domain.RuntimeActive:
	case domain.RuntimeShutdown:
		return reject(domain.ReasonShuttingDown, "")
	default:
		return reject(domain.ReasonRuntimeInactive, string(rt.info.Status))
	}
	if rt.inFlight >= limits.MaxConcurrentAgents {
		return reject(domain.ReasonConcurrencyLimit, "")
	}
	if rt.pool.Usage().CurrentUsageMB >= float64(limits.MaxMemoryMB) {
		return reject(domain.ReasonMemoryLimit, "")
	}
	if !rt.limiter.Allow() {
		return reject(domain.ReasonRateLimit, "")
	}

	c, ok := rt.containers[agentID]
	if ok && !c.Running() && c.NeedsRecycle(m.cfg.HealthFloor) {
		m.logger.Info("recycling unhealthy container",
			zap.String("organization_id", orgID.String()),
			zap.String("agent_id", agentID),
			zap.String("container_id", c.State().ContainerID.String()))
		ok = false
	}
	if !ok {
		c = NewContainer(orgID, agentID, limits, m.webhook, m.logger)
		rt.containers[agentID] = c
	}

	now := m.now()
	rt.inFlight++
	rt.info.LastActivity = now

	slot := &execSlot{orgID: orgID, agentID: agentID, startedAt: now}
	m.slotsMu.Lock()
	m.slots[slot] = struct{}{}
	m.slotsMu.Unlock()
	m.active.Add(1)

	return rt, c, slot, nil
}

func (m *RuntimeManager) release(rt *runtime, slot *execSlot) {
	rt.mu.Lock()
	rt.inFlight--
	rt.mu.Unlock()

	m.slotsMu.Lock()
	delete(m.slots, slot)
	m.slotsMu.Unlock()
	m.active.Done()
}

func (m *RuntimeManager) timeoutFor(limits domain.ResourceLimits, requestedMs int) time.Duration {
	ceiling := limits.MaxExecutionTime()
	if requestedMs <= 0 {
		requestedMs = domain.DefaultTimeoutMs
	}
	d := time.Duration(requestedMs) * time.Millisecond
	if d > ceiling {
		return ceiling
	}
	return d
}

// ExecuteAgent admits and starts one execution and returns its id without
// waiting for the webhook. Failures after admission go to the failure handler.
func (m *RuntimeManager) ExecuteAgent(ctx context.Context, req domain.AgentExecutionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	rt, c, slot, err := m.admit(ctx, req.OrganizationID, req.AgentID)
	if err != nil {
		return "", err
	}

	var mem *domain.AgentMemoryState
	if req.RequiresMemory {
		mem, err = rt.pool.Restore(ctx, req.AgentID)
		if err != nil {
			m.logger.Warn("memory restore failed, executing without memory",
				zap.String("organization_id", req.OrganizationID.String()),
				zap.String("agent_id", req.AgentID),
				zap.Error(err))
			mem = nil
		}
	}

	cfg := domain.ExecutionConfig{
		AgentID:      req.AgentID,
		UserID:       req.UserID,
		WebhookURL:   req.WebhookURL,
		InputPayload: req.InputPayload,
		Credentials:  req.Credentials,
		Timeout:      m.timeoutFor(rt.info.Limits, req.TimeoutMs),
	}

	m.slotsMu.Lock()
	executionID := c.Execute(m.baseCtx, uuid.Nil, cfg, mem, func(res *domain.ExecutionResult) {
		m.complete(rt, slot, req, res)
	})
	slot.executionID = executionID
	m.slotsMu.Unlock()

	m.logger.Info("agent execution started",
		zap.String("organization_id", req.OrganizationID.String()),
		zap.String("agent_id", req.AgentID),
		zap.String("execution_id", executionID))
	return executionID, nil
}

func (m *RuntimeManager) complete(rt *runtime, slot *execSlot, req domain.AgentExecutionRequest, res *domain.ExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	m.recordMetric(ctx, rt, req.AgentID, res)

	if res.Success {
		m.persistMemory(ctx, rt, req.AgentID, req.Memory, res.Memory)
	}
	m.release(rt, slot)

	if res.Success {
		m.notify(ctx, domain.NotificationEvent{
			Type:           domain.NotifyAgentSuccess,
			OrganizationID: req.OrganizationID,
			UserID:         req.UserID,
			UserAgentID:    req.AgentID,
			Message:        "agent execution completed",
			Data:           map[string]any{"execution_id": res.ExecutionID, "execution_time_ms": res.ExecutionTimeMs},
			OccurredAt:     m.now(),
		})
		return
	}

	m.logger.Warn("agent execution failed",
		zap.String("organization_id", req.OrganizationID.String()),
		zap.String("agent_id", req.AgentID),
		zap.String("execution_id", res.ExecutionID),
		zap.String("error_type", string(res.Err.Type)),
		zap.String("error", res.Err.Message))

	if m.failures != nil && !m.closing.Load() {
		m.failures.HandleFailure(ctx, req, res)
		return
	}
	m.notify(ctx, domain.NotificationEvent{
		Type:           domain.NotifyAgentFailed,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		UserAgentID:    req.AgentID,
		Message:        res.Err.Error(),
		OccurredAt:     m.now(),
	})
}

// Run executes one attempt of a queued run synchronously. Admission is
// evaluated on every call; a rejection comes back as *domain.AdmissionError.
func (m *RuntimeManager) Run(ctx context.Context, run *domain.AgentRun) (*domain.ExecutionResult, error) {
	rt, c, slot, err := m.admit(ctx, run.OrganizationID, run.UserAgentID)
	if err != nil {
		return nil, err
	}
	defer m.release(rt, slot)

	persist := run.Isolation.PersistsMemory()
	var mem *domain.AgentMemoryState
	if run.RequiresMemory && persist {
		mem, err = rt.pool.Restore(ctx, run.UserAgentID)
		if err != nil {
			m.logger.Warn("memory restore failed, executing without memory",
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
			mem = nil
		}
	}

	cfg := domain.ExecutionConfig{
		AgentID:      run.UserAgentID,
		UserID:       run.UserID,
		WebhookURL:   run.WebhookURL,
		InputPayload: run.InputPayload,
		Credentials:  run.Credentials,
		Timeout:      m.timeoutFor(rt.info.Limits, run.TimeoutMs),
	}
	res := c.Run(ctx, run.ID, cfg, mem)

	m.slotsMu.Lock()
	slot.executionID = res.ExecutionID
	m.slotsMu.Unlock()

	// The queue's context may already be gone when the call timed out.
	bg, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()
	m.recordMetric(bg, rt, run.UserAgentID, res)
	if res.Success && persist {
		m.persistMemory(bg, rt, run.UserAgentID, nil, res.Memory)
	}
	return res, nil
}

func (m *RuntimeManager) recordMetric(ctx context.Context, rt *runtime, agentID string, res *domain.ExecutionResult) {
	if m.metrics == nil {
		return
	}
	em := &domain.ExecutionMetric{
		AgentID:         agentID,
		ExecutionID:     res.ExecutionID,
		OrganizationID:  rt.info.OrganizationID,
		RuntimeID:       rt.info.RuntimeID,
		Success:         res.Success,
		ExecutionTimeMs: res.ExecutionTimeMs,
		MemoryUsedMB:    res.MemoryUsedMB,
		Timestamp:       m.now(),
	}
	if res.Err != nil {
		em.ErrorType = res.Err.Type
	}
	if err := m.metrics.RecordExecution(ctx, em); err != nil {
		m.logger.Error("failed to record execution metric",
			zap.String("execution_id", res.ExecutionID),
			zap.Error(err))
	}
}

func (m *RuntimeManager) persistMemory(ctx context.Context, rt *runtime, agentID string, updates ...*domain.MemoryUpdate) {
	for _, u := range updates {
		if u.Empty() {
			continue
		}
		if err := rt.pool.Apply(ctx, agentID, u); err != nil {
			m.logger.Warn("failed to store agent memory",
				zap.String("organization_id", rt.info.OrganizationID.String()),
				zap.String("agent_id", agentID),
				zap.Error(err))
			return
		}
	}
}

func (m *RuntimeManager) notify(ctx context.Context, ev domain.NotificationEvent) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.logger.Warn("failed to send notification",
			zap.String("type", string(ev.Type)),
			zap.String("organization_id", ev.OrganizationID.String()),
			zap.Error(err))
	}
}

// RestoreMemory reads an agent's memory outside of an execution.
func (m *RuntimeManager) RestoreMemory(ctx context.Context, orgID uuid.UUID, agentID string) (*domain.AgentMemoryState, error) {
	rt, err := m.getOrCreate(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return rt.pool.Restore(ctx, agentID)
}

// StoreMemory merges an update into an agent's memory outside of an execution.
func (m *RuntimeManager) StoreMemory(ctx context.Context, orgID uuid.UUID, agentID string, update *domain.MemoryUpdate) (*domain.AgentMemoryState, error) {
	rt, err := m.getOrCreate(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := rt.pool.Apply(ctx, agentID, update); err != nil {
		return nil, err
	}
	return rt.pool.Restore(ctx, agentID)
}

// PauseRuntime stops the organization's runtime from admitting executions.
// In-flight executions finish. The runtime is created if it does not exist.
func (m *RuntimeManager) PauseRuntime(ctx context.Context, orgID uuid.UUID) (*domain.OrganizationRuntime, error) {
	return m.setStatus(ctx, orgID, domain.RuntimePaused)
}

// ResumeRuntime makes a paused runtime admit executions again.
func (m *RuntimeManager) ResumeRuntime(ctx context.Context, orgID uuid.UUID) (*domain.OrganizationRuntime, error) {
	return m.setStatus(ctx, orgID, domain.RuntimeActive)
}

func (m *RuntimeManager) setStatus(ctx context.Context, orgID uuid.UUID, status domain.RuntimeStatus) (*domain.OrganizationRuntime, error) {
	rt, err := m.getOrCreate(ctx, orgID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	if rt.info.Status == domain.RuntimeShutdown {
		rt.mu.Unlock()
		return nil, ErrRuntimeShutdown
	}
	prev := rt.info.Status
	rt.info.Status = status
	info := rt.info
	rt.mu.Unlock()

	if err := m.runtimes.UpdateStatus(ctx, info.RuntimeID, status); err != nil {
		rt.mu.Lock()
		if rt.info.Status == status {
			rt.info.Status = prev
		}
		rt.mu.Unlock()
		return nil, err
	}

	m.logger.Info("runtime status changed",
		zap.String("organization_id", orgID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(status)))
	return &info, nil
}

func (m *RuntimeManager) statusView(rt *runtime) domain.RuntimeStatusView {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	usage := rt.pool.Usage()
	return domain.RuntimeStatusView{
		RuntimeID:        rt.info.RuntimeID,
		Status:           rt.info.Status,
		Limits:           rt.info.Limits,
		ActiveContainers: rt.inFlight,
		TotalContainers:  len(rt.containers),
		MemoryUsageMB:    usage.CurrentUsageMB,
		MemoryPercent:    usage.UsagePercent(),
		LastActivity:     rt.info.LastActivity,
	}
}

// GetRuntimeStatus returns a read-only view of every runtime.
func (m *RuntimeManager) GetRuntimeStatus() map[uuid.UUID]domain.RuntimeStatusView {
	m.mu.RLock()
	rts := make(map[uuid.UUID]*runtime, len(m.byOrg))
	for id, rt := range m.byOrg {
		rts[id] = rt
	}
	m.mu.RUnlock()

	out := make(map[uuid.UUID]domain.RuntimeStatusView, len(rts))
	for id, rt := range rts {
		out[id] = m.statusView(rt)
	}
	return out
}

// GetOrganizationStatus reports a started runtime, or ErrRuntimeNotFound when
// the organization has not executed anything in this process.
func (m *RuntimeManager) GetOrganizationStatus(orgID uuid.UUID) (domain.RuntimeStatusView, error) {
	rt, ok := m.lookup(orgID)
	if !ok {
		return domain.RuntimeStatusView{}, ErrRuntimeNotFound
	}
	return m.statusView(rt), nil
}

func (m *RuntimeManager) snapshotRuntimes() []*runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*runtime, 0, len(m.byOrg))
	for _, rt := range m.byOrg {
		out = append(out, rt)
	}
	return out
}

// RunHealthCheck samples every runtime, pushes the samples to the metrics
// collector and drops idle containers that need recycling.
func (m *RuntimeManager) RunHealthCheck(ctx context.Context) {
	now := m.now()
	for _, rt := range m.snapshotRuntimes() {
		rt.mu.Lock()
		limits := rt.info.Limits
		info := rt.info
		inFlight := rt.inFlight
		for agentID, c := range rt.containers {
			if !c.Running() && c.NeedsRecycle(m.cfg.HealthFloor) {
				delete(rt.containers, agentID)
			}
		}
		total := len(rt.containers)
		rt.mu.Unlock()

		usage := rt.pool.Usage()
		snap := domain.RuntimeSnapshot{
			OrganizationID:   info.OrganizationID,
			RuntimeID:        info.RuntimeID,
			ActiveContainers: inFlight,
			TotalContainers:  total,
			MemoryUsageMB:    usage.CurrentUsageMB,
			MemoryPercent:    usage.UsagePercent(),
			AtCapacity:       inFlight >= limits.MaxConcurrentAgents,
			Timestamp:        now,
		}

		if snap.MemoryPercent > memoryWarnPercent {
			m.logger.Warn("runtime memory usage high",
				zap.String("organization_id", info.OrganizationID.String()),
				zap.Float64("memory_percent", snap.MemoryPercent))
		}
		if snap.AtCapacity {
			m.logger.Warn("runtime at concurrency limit",
				zap.String("organization_id", info.OrganizationID.String()),
				zap.Int("active", inFlight),
				zap.Int("max", limits.MaxConcurrentAgents))
		}
		if m.cfg.EnforceCPULimit {
			// CPU is not measurable for remote webhooks; slot share stands in.
			share := float64(inFlight) / float64(limits.MaxConcurrentAgents) * 100
			if share > float64(limits.MaxCPUPercent) {
				m.logger.Warn("runtime above advisory cpu budget",
					zap.String("organization_id", info.OrganizationID.String()),
					zap.Float64("estimated_percent", share),
					zap.Int("max_cpu_percent", limits.MaxCPUPercent))
			}
		}

		if m.metrics != nil {
			m.metrics.RecordSnapshot(ctx, snap)
		}
		if err := m.runtimes.TouchActivity(ctx, info.RuntimeID, info.LastActivity); err != nil {
			m.logger.Warn("failed to persist runtime activity",
				zap.String("runtime_id", info.RuntimeID.String()),
				zap.Error(err))
		}
	}
}

// RunMemoryCleanup expires stale agent memory in every runtime.
func (m *RuntimeManager) RunMemoryCleanup(ctx context.Context) {
	for _, rt := range m.snapshotRuntimes() {
		res, err := rt.pool.Cleanup(ctx)
		if err != nil {
			m.logger.Error("memory cleanup failed",
				zap.String("organization_id", rt.info.OrganizationID.String()),
				zap.Error(err))
			continue
		}
		if res.Removed > 0 || res.StoreDeleted > 0 {
			m.logger.Info("expired agent memory removed",
				zap.String("organization_id", rt.info.OrganizationID.String()),
				zap.Int("cached", res.Removed),
				zap.Int64("stored", res.StoreDeleted),
				zap.Float64("freed_mb", res.FreedMB))
		}
	}
}

// Shutdown stops admissions, waits up to the grace period for in-flight
// executions and tears down every runtime. Executions still running after
// the grace period are logged and cancelled.
func (m *RuntimeManager) Shutdown(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("runtime manager shutting down")

	rts := m.snapshotRuntimes()
	for _, rt := range rts {
		rt.mu.Lock()
		rt.info.Status = domain.RuntimeShutdown
		runtimeID := rt.info.RuntimeID
		rt.mu.Unlock()
		if err := m.runtimes.UpdateStatus(ctx, runtimeID, domain.RuntimeShutdown); err != nil {
			m.logger.Warn("failed to persist runtime shutdown",
				zap.String("runtime_id", runtimeID.String()),
				zap.Error(err))
		}
	}

	m.healthTask.Stop()
	m.cleanupTask.Stop()

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.ShutdownGracePeriod)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		m.logAbandoned()
	case <-ctx.Done():
		m.logAbandoned()
	}
	m.cancelBase()

	for _, rt := range rts {
		rt.mu.Lock()
		rt.containers = make(map[string]*Container)
		rt.mu.Unlock()
		rt.pool.Clear()
	}
	m.logger.Info("runtime manager stopped")
	return nil
}

func (m *RuntimeManager) logAbandoned() {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	for slot := range m.slots {
		m.logger.Warn("abandoning in-flight execution",
			zap.String("organization_id", slot.orgID.String()),
			zap.String("agent_id", slot.agentID),
			zap.String("execution_id", slot.executionID),
			zap.Duration("running_for", m.now().Sub(slot.startedAt)))
	}
}
