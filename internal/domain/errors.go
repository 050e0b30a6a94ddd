package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrAdmission         = errors.New("admission rejected")
	ErrRuntimeCreation   = errors.New("runtime creation failed")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrHTTP              = errors.New("webhook returned an error response")
	ErrNetwork           = errors.New("webhook unreachable")
	ErrTerminalState     = errors.New("run is in a terminal state")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

type AdmissionReason string

const (
	ReasonConcurrencyLimit AdmissionReason = "concurrency_limit"
	ReasonMemoryLimit      AdmissionReason = "memory_limit"
	ReasonRateLimit        AdmissionReason = "rate_limit"
	ReasonQueueFull        AdmissionReason = "queue_full"
	ReasonRuntimeInactive  AdmissionReason = "runtime_inactive"
	ReasonShuttingDown     AdmissionReason = "shutting_down"
)

// AdmissionError is returned synchronously when a request would exceed the
// organization's limits. It is never retried by the caller that produced it.
type AdmissionError struct {
	Reason         AdmissionReason
	OrganizationID uuid.UUID
	Detail         string
}

func (e *AdmissionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("admission rejected for organization %s: %s (%s)", e.OrganizationID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("admission rejected for organization %s: %s", e.OrganizationID, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmission }

type RuntimeCreationError struct {
	OrganizationID uuid.UUID
	Err            error
}

func (e *RuntimeCreationError) Error() string {
	return fmt.Sprintf("create runtime for organization %s: %v", e.OrganizationID, e.Err)
}

func (e *RuntimeCreationError) Unwrap() []error { return []error{ErrRuntimeCreation, e.Err} }

type ErrorType string

const (
	ErrorTypeTimeout ErrorType = "timeout"
	ErrorTypeHTTP    ErrorType = "http_error"
	ErrorTypeNetwork ErrorType = "network_error"
	ErrorTypeUnknown ErrorType = "unknown"
)

type StatusClass string

const (
	StatusUnauthorized StatusClass = "unauthorized"
	StatusForbidden    StatusClass = "forbidden"
	StatusNotFound     StatusClass = "not_found"
	StatusRateLimited  StatusClass = "rate_limited"
	StatusServerError  StatusClass = "server_error"
	StatusClientError  StatusClass = "client_error"
	// StatusInvalidBody marks a 2xx response whose body was not valid JSON or
	// exceeded the response size limit.
	StatusInvalidBody StatusClass = "invalid_response"
)

func ClassifyHTTPStatus(code int) StatusClass {
	switch {
	case code == 401:
		return StatusUnauthorized
	case code == 403:
		return StatusForbidden
	case code == 404:
		return StatusNotFound
	case code == 429:
		return StatusRateLimited
	case code >= 500:
		return StatusServerError
	case code >= 400:
		return StatusClientError
	}
	return ""
}

// ExecutionError is the classified failure of one webhook attempt.
type ExecutionError struct {
	Type        ErrorType
	StatusCode  int
	StatusClass StatusClass
	Message     string
}

func (e *ExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d %s): %s", e.Type, e.StatusCode, e.StatusClass, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrExecutionTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrHTTP:
		return e.Type == ErrorTypeHTTP
	case ErrNetwork:
		return e.Type == ErrorTypeNetwork
	}
	return false
}

// IsAuthFailure reports whether the target rejected the call's credentials.
func (e *ExecutionError) IsAuthFailure() bool {
	return e.StatusClass == StatusUnauthorized || e.StatusClass == StatusForbidden
}

// AsExecutionError classifies any error as an ExecutionError, falling back to
// ErrorTypeUnknown for errors that were not produced by the webhook client.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExecutionError{Type: ErrorTypeUnknown, Message: err.Error()}
}
