package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/Harshitk-cp/agentruntime/internal/service"
	"github.com/Harshitk-cp/agentruntime/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type admissionErrorResponse struct {
	Error  string                 `json:"error"`
	Reason domain.AdmissionReason `json:"reason"`
}

var validationErrors = []error{
	domain.ErrMissingUserAgent,
	domain.ErrMissingWebhook,
	domain.ErrInvalidWebhook,
	domain.ErrInvalidRetries,
	domain.ErrInvalidTimeout,
	domain.ErrInvalidIsolation,
	domain.ErrInvalidLimits,
}

// writeServiceError maps errors from the runtime services to HTTP statuses.
// Unknown errors become a 500 with the fallback message.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var admErr *domain.AdmissionError
	if errors.As(err, &admErr) {
		status := http.StatusTooManyRequests
		if admErr.Reason == domain.ReasonShuttingDown {
			status = http.StatusServiceUnavailable
		}
		if admErr.Reason == domain.ReasonRuntimeInactive {
			status = http.StatusConflict
		}
		if status != http.StatusConflict {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, status, admissionErrorResponse{Error: admErr.Error(), Reason: admErr.Reason})
		return
	}

	for _, v := range validationErrors {
		if errors.Is(err, v) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	switch {
	case errors.Is(err, domain.ErrRuntimeCreation):
		writeError(w, http.StatusServiceUnavailable, "runtime unavailable")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrRuntimeNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrRuntimeShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrMemoryLimitExceeded):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
