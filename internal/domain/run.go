package domain

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 3
	DefaultTimeoutMs  = 30000
)

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// IsolationLevel selects the execution path of a run. Basic calls the webhook
// directly; enhanced goes through the organization runtime with memory;
// strict goes through the runtime with memory persistence disabled.
type IsolationLevel string

const (
	IsolationBasic    IsolationLevel = "basic"
	IsolationEnhanced IsolationLevel = "enhanced"
	IsolationStrict   IsolationLevel = "strict"
)

func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationBasic, IsolationEnhanced, IsolationStrict:
		return true
	}
	return false
}

func (l IsolationLevel) RuntimeManaged() bool {
	return l == IsolationEnhanced || l == IsolationStrict
}

func (l IsolationLevel) PersistsMemory() bool {
	return l == IsolationEnhanced
}

type AgentRun struct {
	ID              uuid.UUID      `json:"id"`
	OrganizationID  uuid.UUID      `json:"organization_id"`
	UserAgentID     string         `json:"user_agent_id"`
	UserID          string         `json:"user_id,omitempty"`
	WebhookURL      string         `json:"webhook_url"`
	InputPayload    map[string]any `json:"input_payload,omitempty"`
	Credentials     map[string]any `json:"-"`
	Isolation       IsolationLevel `json:"isolation"`
	RequiresMemory  bool           `json:"requires_memory"`
	MaxRetries      int            `json:"max_retries"`
	TimeoutMs       int            `json:"timeout_ms"`
	RetryCount      int            `json:"retry_count"`
	Status          RunStatus      `json:"status"`
	Output          map[string]any `json:"output,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	ErrorType       ErrorType      `json:"error_type,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	NextAttemptAt   time.Time      `json:"next_attempt_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

type RunStatusEvent struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	From       RunStatus `json:"from"`
	To         RunStatus `json:"to"`
	RetryCount int       `json:"retry_count"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Transition moves the run to the given status and returns the event to
// persist. Terminal runs never change again.
func (r *AgentRun) Transition(to RunStatus, msg string, now time.Time) (RunStatusEvent, error) {
	if r.Status.Terminal() {
		return RunStatusEvent{}, fmt.Errorf("%w: run %s is %s", ErrTerminalState, r.ID, r.Status)
	}
	ok := false
	switch r.Status {
	case RunPending:
		ok = to == RunRunning || to == RunFailed
	case RunRunning:
		ok = to == RunSuccess || to == RunFailed || to == RunPending
	}
	if !ok {
		return RunStatusEvent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	ev := RunStatusEvent{
		ID:         uuid.New(),
		RunID:      r.ID,
		From:       r.Status,
		To:         to,
		RetryCount: r.RetryCount,
		Message:    msg,
		OccurredAt: now,
	}
	r.Status = to
	r.UpdatedAt = now
	if to.Terminal() {
		t := now
		r.CompletedAt = &t
	}
	return ev, nil
}

// RunRequest is the caller-facing submission. Zero MaxRetries is honoured,
// so it is a pointer to distinguish "unset".
type RunRequest struct {
	OrganizationID uuid.UUID      `json:"-"`
	UserAgentID    string         `json:"user_agent_id"`
	UserID         string         `json:"user_id,omitempty"`
	WebhookURL     string         `json:"webhook_url"`
	InputPayload   map[string]any `json:"input_payload,omitempty"`
	Credentials    map[string]any `json:"credentials,omitempty"`
	Isolation      IsolationLevel `json:"isolation,omitempty"`
	RequiresMemory bool           `json:"requires_memory,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty"`
}

var (
	ErrMissingUserAgent = errors.New("user_agent_id is required")
	ErrMissingWebhook   = errors.New("webhook_url is required")
	ErrInvalidWebhook   = errors.New("webhook_url must be an absolute http(s) URL")
	ErrInvalidRetries   = errors.New("max_retries must not be negative")
	ErrInvalidTimeout   = errors.New("timeout_ms must not be negative")
	ErrInvalidIsolation = errors.New("isolation must be basic, enhanced or strict")
)

func (r *RunRequest) Validate() error {
	if r.UserAgentID == "" {
		return ErrMissingUserAgent
	}
	if r.WebhookURL == "" {
		return ErrMissingWebhook
	}
	if err := ValidateWebhookURL(r.WebhookURL); err != nil {
		return err
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if r.TimeoutMs < 0 {
		return ErrInvalidTimeout
	}
	if r.Isolation != "" && !r.Isolation.Valid() {
		return ErrInvalidIsolation
	}
	return nil
}

func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidWebhook
	}
	return nil
}

// NewRun builds a pending run from a validated request with defaults applied.
func (r *RunRequest) NewRun(now time.Time) *AgentRun {
	maxRetries := DefaultMaxRetries
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	timeout := r.TimeoutMs
	if timeout == 0 {
		timeout = DefaultTimeoutMs
	}
	isolation := r.Isolation
	if isolation == "" {
		isolation = IsolationEnhanced
	}
	return &AgentRun{
		ID:             uuid.New(),
		OrganizationID: r.OrganizationID,
		UserAgentID:    r.UserAgentID,
		UserID:         r.UserID,
		WebhookURL:     r.WebhookURL,
		InputPayload:   r.InputPayload,
		Credentials:    r.Credentials,
		Isolation:      isolation,
		RequiresMemory: r.RequiresMemory,
		MaxRetries:     maxRetries,
		TimeoutMs:      timeout,
		Status:         RunPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AgentExecutionRequest asks the runtime manager for a single fire-and-continue
// execution.
type AgentExecutionRequest struct {
	OrganizationID uuid.UUID      `json:"-"`
	AgentID        string         `json:"agent_id"`
	UserID         string         `json:"user_id,omitempty"`
	WebhookURL     string         `json:"webhook_url"`
	InputPayload   map[string]any `json:"input_payload,omitempty"`
	Credentials    map[string]any `json:"credentials,omitempty"`
	RequiresMemory bool           `json:"requires_memory,omitempty"`
	Memory         *MemoryUpdate  `json:"memory,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
}

func (r *AgentExecutionRequest) Validate() error {
	if r.AgentID == "" {
		return ErrMissingUserAgent
	}
	if r.WebhookURL == "" {
		return ErrMissingWebhook
	}
	if r.TimeoutMs < 0 {
		return ErrInvalidTimeout
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	return ValidateWebhookURL(r.WebhookURL)
}

// RunRequest converts the execution request into a queue submission used
// when a first attempt fails and needs backoff retries.
func (r *AgentExecutionRequest) RunRequest() RunRequest {
	return RunRequest{
		OrganizationID: r.OrganizationID,
		UserAgentID:    r.AgentID,
		UserID:         r.UserID,
		WebhookURL:     r.WebhookURL,
		InputPayload:   r.InputPayload,
		Credentials:    r.Credentials,
		Isolation:      IsolationEnhanced,
		RequiresMemory: r.RequiresMemory,
		MaxRetries:     r.MaxRetries,
		TimeoutMs:      r.TimeoutMs,
	}
}

// ExecutionConfig is what a container needs to make one webhook call.
type ExecutionConfig struct {
	AgentID      string
	UserID       string
	WebhookURL   string
	InputPayload map[string]any
	Credentials  map[string]any
	Timeout      time.Duration
}

type ExecutionResult struct {
	ExecutionID     string          `json:"execution_id"`
	RunID           uuid.UUID       `json:"run_id"`
	Success         bool            `json:"success"`
	Output          map[string]any  `json:"output,omitempty"`
	Memory          *MemoryUpdate   `json:"memory,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	MemoryUsedMB    float64         `json:"memory_used_mb"`
	Err             *ExecutionError `json:"-"`
}
