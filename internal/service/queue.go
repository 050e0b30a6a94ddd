package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPollInterval      = time.Second
	defaultMaxConcurrentRuns = 10
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 30 * time.Second
	persistTimeout           = 10 * time.Second
)

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RetryAuthFailures keeps retrying 401/403 responses like any other
	// failure. When false they fail the run immediately.
	RetryAuthFailures bool
}

// DefaultRetryPolicy backs off from one second up to thirty and retries
// authentication failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:         defaultBaseDelay,
		MaxDelay:          defaultMaxDelay,
		RetryAuthFailures: true,
	}
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 32 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(retryCount)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retryable reports whether a failed attempt may be tried again. Only auth
// failures can be excluded.
func (p RetryPolicy) Retryable(err *domain.ExecutionError) bool {
	if err == nil {
		return false
	}
	if !p.RetryAuthFailures && err.IsAuthFailure() {
		return false
	}
	return true
}

// Executor performs one attempt of a run. A non-nil error means the attempt
// never reached the webhook (admission or runtime failure); webhook failures
// are reported in ExecutionResult.Err.
type Executor interface {
	Run(ctx context.Context, run *domain.AgentRun) (*domain.ExecutionResult, error)
}

// LimitsProvider yields the limits that apply to an organization's queue.
type LimitsProvider interface {
	LimitsFor(ctx context.Context, orgID uuid.UUID) (domain.ResourceLimits, error)
}

// DirectExecutor calls the webhook without a runtime: no admission, no
// memory. It serves runs submitted with basic isolation.
type DirectExecutor struct {
	webhook domain.WebhookClient
	now     func() time.Time
}

// NewDirectExecutor runs basic-isolation attempts straight against the
// webhook, outside any organization runtime.
func NewDirectExecutor(webhook domain.WebhookClient) *DirectExecutor {
	return &DirectExecutor{webhook: webhook, now: time.Now}
}

// Run posts one attempt. Webhook failures come back in the result, never as
// an error.
func (e *DirectExecutor) Run(ctx context.Context, run *domain.AgentRun) (*domain.ExecutionResult, error) {
	cfg := domain.ExecutionConfig{
		AgentID:      run.UserAgentID,
		UserID:       run.UserID,
		WebhookURL:   run.WebhookURL,
		InputPayload: run.InputPayload,
		Credentials:  run.Credentials,
		Timeout:      time.Duration(run.TimeoutMs) * time.Millisecond,
	}
	return invokeWebhook(ctx, e.webhook, cfg, run.ID, run.OrganizationID, uuid.NewString(), nil, e.now()), nil
}

// QueueConfig tunes dispatch and retries. Zero fields take their defaults.
type QueueConfig struct {
	PollInterval      time.Duration
	MaxConcurrentRuns int
	ShutdownGrace     time.Duration
	Retry             RetryPolicy
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = defaultBaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultMaxDelay
	}
	return c
}

// ExecutionQueue holds pending runs and retries failed attempts with
// exponential backoff. The run store is the source of truth: every state
// change is persisted before it takes effect in memory.
type ExecutionQueue struct {
	runs     domain.RunStore
	failures domain.FailureLogStore
	health   domain.AgentHealthStore
	limits   LimitsProvider
	managed  Executor
	direct   Executor
	notifier domain.NotificationSink
	cfg      QueueConfig
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]*domain.AgentRun
	running map[uuid.UUID]*domain.AgentRun
	perOrg  map[uuid.UUID]int
	closing bool
	started bool

	wake     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	attempts sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewExecutionQueue wires the queue to its stores and executors. managed
// runs enhanced and strict runs; direct runs basic ones. Zero config fields
// take their defaults. Call Start to begin dispatching.
func NewExecutionQueue(
	runs domain.RunStore,
	failures domain.FailureLogStore,
	health domain.AgentHealthStore,
	limits LimitsProvider,
	managed Executor,
	direct Executor,
	notifier domain.NotificationSink,
	cfg QueueConfig,
	logger *zap.Logger,
) *ExecutionQueue {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &ExecutionQueue{
		runs:       runs,
		failures:   failures,
		health:     health,
		limits:     limits,
		managed:    managed,
		direct:     direct,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
		pending:    make(map[uuid.UUID]*domain.AgentRun),
		running:    make(map[uuid.UUID]*domain.AgentRun),
		perOrg:     make(map[uuid.UUID]int),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Start runs the dispatcher in a background goroutine.
func (q *ExecutionQueue) Start() {
	q.mu.Lock()
	if q.started || q.closing {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()

		q.logger.Info("execution queue started",
			zap.Duration("poll_interval", q.cfg.PollInterval),
			zap.Int("max_concurrent_runs", q.cfg.MaxConcurrentRuns))

		for {
			q.dispatchReady()
			select {
			case <-ticker.C:
			case <-q.wake:
			case <-q.stopCh:
				q.logger.Info("execution queue stopped")
				return
			}
		}
	}()
}

func (q *ExecutionQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit validates and persists a new pending run.
func (q *ExecutionQueue) Submit(ctx context.Context, req domain.RunRequest) (*domain.AgentRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	closing := q.closing
	q.mu.Unlock()
	if closing {
		return nil, &domain.AdmissionError{Reason: domain.ReasonShuttingDown, OrganizationID: req.OrganizationID}
	}

	limits, err := q.limits.LimitsFor(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.perOrg[req.OrganizationID] >= limits.MaxQueueSize {
		q.mu.Unlock()
		return nil, &domain.AdmissionError{
			Reason:         domain.ReasonQueueFull,
			OrganizationID: req.OrganizationID,
			Detail:         fmt.Sprintf("max_queue_size %d", limits.MaxQueueSize),
		}
	}
	q.perOrg[req.OrganizationID]++
	q.mu.Unlock()

	now := q.now()
	run := req.NewRun(now)
	created := domain.RunStatusEvent{
		ID:         uuid.New(),
		RunID:      run.ID,
		To:         domain.RunPending,
		Message:    "submitted",
		OccurredAt: now,
	}
	if err := q.runs.Create(ctx, run, created); err != nil {
		q.mu.Lock()
		q.decrementOrgLocked(run.OrganizationID)
		q.mu.Unlock()
		return nil, fmt.Errorf("persist run: %w", err)
	}

	q.mu.Lock()
	q.pending[run.ID] = run
	out := *run
	q.mu.Unlock()

	q.logger.Info("run submitted",
		zap.String("run_id", run.ID.String()),
		zap.String("organization_id", run.OrganizationID.String()),
		zap.String("user_agent_id", run.UserAgentID),
		zap.String("isolation", string(run.Isolation)),
		zap.Int("max_retries", run.MaxRetries))

	q.notify(ctx, run, domain.NotifyAgentActivated, "agent run submitted", nil)
	q.signal()
	return &out, nil
}

func (q *ExecutionQueue) decrementOrgLocked(orgID uuid.UUID) {
	q.perOrg[orgID]--
	if q.perOrg[orgID] <= 0 {
		delete(q.perOrg, orgID)
	}
}

// dispatchReady starts every due run while capacity remains, earliest first.
func (q *ExecutionQueue) dispatchReady() {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}

	var ready []*domain.AgentRun
	for _, r := range q.pending {
		if !r.NextAttemptAt.After(now) {
			ready = append(ready, r)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})

	for _, r := range ready {
		if len(q.running) >= q.cfg.MaxConcurrentRuns {
			return
		}
		delete(q.pending, r.ID)
		q.running[r.ID] = r
		q.attempts.Add(1)
		go q.attempt(r)
	}
}

func (q *ExecutionQueue) attempt(run *domain.AgentRun) {
	defer q.attempts.Done()
	ctx := q.baseCtx

	ev, err := run.Transition(domain.RunRunning, "", q.now())
	if err != nil {
		q.logger.Error("dropping run with invalid state", zap.String("run_id", run.ID.String()), zap.Error(err))
		q.forget(run)
		return
	}
	if err := q.persist(run, ev); err != nil {
		q.logger.Error("failed to mark run running, will retry dispatch",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		run.Status = domain.RunPending
		run.NextAttemptAt = q.now().Add(q.cfg.PollInterval)
		q.requeue(run)
		return
	}

	res, err := q.executorFor(run).Run(ctx, run)
	if ctx.Err() != nil {
		// Shut down mid-attempt; the run stays running in the store and is
		// picked up again by Recover.
		q.logger.Warn("run abandoned at shutdown", zap.String("run_id", run.ID.String()))
		q.forget(run)
		return
	}
	if err != nil {
		if errors.Is(err, domain.ErrAdmission) {
			q.deferForAdmission(run, err)
			return
		}
		res = &domain.ExecutionResult{Err: domain.AsExecutionError(err)}
	}

	if res.Success {
		q.succeed(ctx, run, res)
		return
	}
	q.fail(ctx, run, res)
}

func (q *ExecutionQueue) executorFor(run *domain.AgentRun) Executor {
	if run.Isolation.RuntimeManaged() && q.managed != nil {
		return q.managed
	}
	return q.direct
}

// deferForAdmission puts a run back without consuming a retry.
func (q *ExecutionQueue) deferForAdmission(run *domain.AgentRun, cause error) {
	now := q.now()
	ev, err := run.Transition(domain.RunPending, cause.Error(), now)
	if err != nil {
		q.logger.Error("failed to requeue run", zap.String("run_id", run.ID.String()), zap.Error(err))
		q.forget(run)
		return
	}
	run.NextAttemptAt = now.Add(q.cfg.PollInterval)
	if err := q.persist(run, ev); err != nil {
		q.logger.Warn("failed to persist deferred run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	q.logger.Debug("run deferred by admission",
		zap.String("run_id", run.ID.String()),
		zap.String("reason", cause.Error()))
	q.requeue(run)
}

// fail records the failed attempt and either schedules a retry or ends the
// run. The failure log entry is written before any retry decision.
func (q *ExecutionQueue) fail(ctx context.Context, run *domain.AgentRun, res *domain.ExecutionResult) {
	ee := res.Err
	if ee == nil {
		ee = &domain.ExecutionError{Type: domain.ErrorTypeUnknown, Message: "execution failed without error detail"}
	}
	now := q.now()

	entry := &domain.FailureLog{
		ID:              uuid.New(),
		RunID:           run.ID,
		OrganizationID:  run.OrganizationID,
		UserAgentID:     run.UserAgentID,
		Attempt:         run.RetryCount + 1,
		ErrorType:       ee.Type,
		HTTPStatus:      ee.StatusCode,
		StatusClass:     ee.StatusClass,
		Message:         ee.Message,
		ExecutionTimeMs: res.ExecutionTimeMs,
		OccurredAt:      now,
	}
	logCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := q.failures.Append(logCtx, entry); err != nil {
		q.logger.Error("failed to append failure log",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}
	cancel()

	run.LastError = ee.Message
	run.ErrorType = ee.Type
	run.ExecutionTimeMs = res.ExecutionTimeMs

	if run.RetryCount >= run.MaxRetries || !q.cfg.Retry.Retryable(ee) {
		q.finishFailed(ctx, run, ee)
		return
	}

	delay := q.cfg.Retry.Backoff(run.RetryCount)
	run.RetryCount++
	run.NextAttemptAt = now.Add(delay)
	ev, err := run.Transition(domain.RunPending, fmt.Sprintf("retry %d/%d in %s: %s", run.RetryCount, run.MaxRetries, delay, ee.Type), now)
	if err != nil {
		q.logger.Error("failed to schedule retry", zap.String("run_id", run.ID.String()), zap.Error(err))
		q.forget(run)
		return
	}
	if err := q.persist(run, ev); err != nil {
		q.logger.Error("failed to persist retry", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	q.logger.Info("run attempt failed, retrying",
		zap.String("run_id", run.ID.String()),
		zap.String("error_type", string(ee.Type)),
		zap.Int("http_status", ee.StatusCode),
		zap.Int("retry_count", run.RetryCount),
		zap.Duration("delay", delay))
	q.requeue(run)
}

func (q *ExecutionQueue) finishFailed(ctx context.Context, run *domain.AgentRun, ee *domain.ExecutionError) {
	ev, err := run.Transition(domain.RunFailed, ee.Message, q.now())
	if err != nil {
		q.logger.Error("failed to mark run failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		q.forget(run)
		return
	}
	if err := q.persist(run, ev); err != nil {
		q.logger.Error("failed to persist failed run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	q.setHealth(run, domain.AgentCritical)

	q.logger.Warn("run failed",
		zap.String("run_id", run.ID.String()),
		zap.String("organization_id", run.OrganizationID.String()),
		zap.String("error_type", string(ee.Type)),
		zap.Int("attempts", run.RetryCount+1),
		zap.String("error", ee.Message))

	q.notify(ctx, run, domain.NotifyAgentFailed, ee.Message, map[string]any{
		"error_type":  string(ee.Type),
		"http_status": ee.StatusCode,
		"attempts":    run.RetryCount + 1,
	})
	q.forget(run)
}

func (q *ExecutionQueue) succeed(ctx context.Context, run *domain.AgentRun, res *domain.ExecutionResult) {
	run.Output = res.Output
	run.ExecutionTimeMs = res.ExecutionTimeMs
	run.LastError = ""
	run.ErrorType = ""

	ev, err := run.Transition(domain.RunSuccess, "", q.now())
	if err != nil {
		q.logger.Error("failed to mark run successful", zap.String("run_id", run.ID.String()), zap.Error(err))
		q.forget(run)
		return
	}
	if err := q.persist(run, ev); err != nil {
		q.logger.Error("failed to persist successful run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	q.setHealth(run, domain.AgentHealthy)

	q.logger.Info("run succeeded",
		zap.String("run_id", run.ID.String()),
		zap.String("organization_id", run.OrganizationID.String()),
		zap.Int64("execution_time_ms", res.ExecutionTimeMs),
		zap.Int("attempts", run.RetryCount+1))

	q.notify(ctx, run, domain.NotifyAgentSuccess, "agent run completed", map[string]any{
		"execution_time_ms": res.ExecutionTimeMs,
	})
	q.forget(run)
}

func (q *ExecutionQueue) persist(run *domain.AgentRun, ev domain.RunStatusEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return q.runs.Update(ctx, run, ev)
}

func (q *ExecutionQueue) setHealth(run *domain.AgentRun, status domain.AgentHealthStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := q.health.SetStatus(ctx, run.OrganizationID, run.UserAgentID, status, q.now()); err != nil {
		q.logger.Warn("failed to record agent health",
			zap.String("user_agent_id", run.UserAgentID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (q *ExecutionQueue) requeue(run *domain.AgentRun) {
	q.mu.Lock()
	delete(q.running, run.ID)
	q.pending[run.ID] = run
	q.mu.Unlock()
}

func (q *ExecutionQueue) forget(run *domain.AgentRun) {
	q.mu.Lock()
	delete(q.running, run.ID)
	delete(q.pending, run.ID)
	q.decrementOrgLocked(run.OrganizationID)
	q.mu.Unlock()
	q.signal()
}

func (q *ExecutionQueue) notify(ctx context.Context, run *domain.AgentRun, typ domain.NotificationType, msg string, data map[string]any) {
	if q.notifier == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ev := domain.NotificationEvent{
		Type:           typ,
		OrganizationID: run.OrganizationID,
		UserID:         run.UserID,
		UserAgentID:    run.UserAgentID,
		RunID:          run.ID,
		Message:        msg,
		Data:           data,
		OccurredAt:     q.now(),
	}
	if err := q.notifier.Notify(ctx, ev); err != nil {
		q.logger.Warn("failed to send notification",
			zap.String("type", string(typ)),
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}
}

// HandleFailure turns a failed fire-and-continue execution into a run whose
// first attempt is already recorded, so the normal retry path takes over.
func (q *ExecutionQueue) HandleFailure(ctx context.Context, req domain.AgentExecutionRequest, res *domain.ExecutionResult) {
	rr := req.RunRequest()
	if err := rr.Validate(); err != nil {
		q.logger.Error("cannot retry execution with invalid request", zap.Error(err))
		return
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		q.logger.Warn("dropping failed execution at shutdown",
			zap.String("execution_id", res.ExecutionID))
		return
	}
	q.mu.Unlock()

	now := q.now()
	run := rr.NewRun(now)

	limits, err := q.limits.LimitsFor(ctx, run.OrganizationID)
	if err != nil {
		q.logger.Error("cannot retry failed execution without limits",
			zap.String("execution_id", res.ExecutionID),
			zap.Error(err))
		q.dropFailure(ctx, run, res, err.Error())
		return
	}
	q.mu.Lock()
	if q.perOrg[run.OrganizationID] >= limits.MaxQueueSize {
		q.mu.Unlock()
		q.logger.Warn("queue full, failed execution not retried",
			zap.String("execution_id", res.ExecutionID),
			zap.String("organization_id", run.OrganizationID.String()),
			zap.Int("max_queue_size", limits.MaxQueueSize))
		q.dropFailure(ctx, run, res, fmt.Sprintf("queue full: max_queue_size %d", limits.MaxQueueSize))
		return
	}
	q.perOrg[run.OrganizationID]++
	q.mu.Unlock()

	created := domain.RunStatusEvent{
		ID:         uuid.New(),
		RunID:      run.ID,
		To:         domain.RunPending,
		Message:    "execution " + res.ExecutionID,
		OccurredAt: now,
	}
	if err := q.runs.Create(ctx, run, created); err != nil {
		q.mu.Lock()
		q.decrementOrgLocked(run.OrganizationID)
		q.mu.Unlock()
		q.logger.Error("failed to persist run for failed execution",
			zap.String("execution_id", res.ExecutionID),
			zap.Error(err))
		return
	}
	ev, err := run.Transition(domain.RunRunning, "", now)
	if err == nil {
		err = q.persist(run, ev)
	}
	if err != nil {
		q.logger.Error("failed to record first attempt", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	q.mu.Lock()
	q.running[run.ID] = run
	q.mu.Unlock()

	q.fail(ctx, run, res)
}

// dropFailure reports a failed execution that will not be retried. No run
// was persisted, so only the notification carries it.
func (q *ExecutionQueue) dropFailure(ctx context.Context, run *domain.AgentRun, res *domain.ExecutionResult, reason string) {
	data := map[string]any{
		"execution_id": res.ExecutionID,
		"reason":       reason,
	}
	msg := "execution failed"
	if res.Err != nil {
		msg = res.Err.Message
		data["error_type"] = string(res.Err.Type)
		data["http_status"] = res.Err.StatusCode
	}
	q.notify(ctx, run, domain.NotifyAgentFailed, msg, data)
}

// Recover reloads unfinished runs after a restart. Runs that were running
// when the previous process stopped go back to pending.
func (q *ExecutionQueue) Recover(ctx context.Context) (int, error) {
	runs, err := q.runs.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}

	now := q.now()
	recovered := 0
	for i := range runs {
		run := &runs[i]
		if run.Status == domain.RunRunning {
			ev, err := run.Transition(domain.RunPending, "recovered after restart", now)
			if err != nil {
				continue
			}
			run.NextAttemptAt = now
			if err := q.runs.Update(ctx, run, ev); err != nil {
				q.logger.Warn("failed to persist recovered run", zap.String("run_id", run.ID.String()), zap.Error(err))
			}
		}

		q.mu.Lock()
		if _, ok := q.pending[run.ID]; !ok {
			if _, busy := q.running[run.ID]; !busy {
				q.pending[run.ID] = run
				q.perOrg[run.OrganizationID]++
				recovered++
			}
		}
		q.mu.Unlock()
	}

	if recovered > 0 {
		q.logger.Info("recovered unfinished runs", zap.Int("count", recovered))
		q.signal()
	}
	return recovered, nil
}

// Get returns the run if it belongs to the organization, else
// store.ErrNotFound.
func (q *ExecutionQueue) Get(ctx context.Context, orgID, runID uuid.UUID) (*domain.AgentRun, error) {
	return q.runs.GetByID(ctx, runID, orgID)
}

// Failures lists the run's failure logs in attempt order.
func (q *ExecutionQueue) Failures(ctx context.Context, orgID, runID uuid.UUID) ([]domain.FailureLog, error) {
	if _, err := q.runs.GetByID(ctx, runID, orgID); err != nil {
		return nil, err
	}
	return q.failures.ListByRun(ctx, runID)
}

// Events lists the run's status transitions, oldest first.
func (q *ExecutionQueue) Events(ctx context.Context, orgID, runID uuid.UUID) ([]domain.RunStatusEvent, error) {
	if _, err := q.runs.GetByID(ctx, runID, orgID); err != nil {
		return nil, err
	}
	return q.runs.ListEvents(ctx, runID)
}

// QueueStats counts the runs this process holds in memory.
type QueueStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Stats returns the current pending and running counts.
func (q *ExecutionQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Pending: len(q.pending), Running: len(q.running)}
}

// Shutdown stops dispatching, waits up to the grace period for attempts in
// progress and then cancels them. Pending runs stay in the store.
func (q *ExecutionQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return nil
	}
	q.closing = true
	started := q.started
	q.mu.Unlock()

	if started {
		close(q.stopCh)
		q.wg.Wait()
	}

	done := make(chan struct{})
	go func() {
		q.attempts.Wait()
		close(done)
	}()

	timer := time.NewTimer(q.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		q.logAbandoned()
	case <-ctx.Done():
		q.logAbandoned()
	}
	q.cancelBase()

	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	q.logger.Info("execution queue shut down", zap.Int("pending_runs_left", pending))
	return nil
}

func (q *ExecutionQueue) logAbandoned() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, run := range q.running {
		q.logger.Warn("abandoning run attempt",
			zap.String("run_id", id.String()),
			zap.String("organization_id", run.OrganizationID.String()),
			zap.Int("retry_count", run.RetryCount))
	}
}
