package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type orgLookup map[string]*domain.Organization

func (l orgLookup) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.Organization, error) {
	if o, ok := l[hash]; ok {
		return o, nil
	}
	return nil, errors.New("not found")
}

func TestAPIKeyAuth(t *testing.T) {
	org := &domain.Organization{ID: uuid.New(), Name: "acme"}
	lookup := orgLookup{HashAPIKey("rk_good"): org}

	var seen *domain.Organization
	h := APIKeyAuth(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OrganizationFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic rk_good", http.StatusUnauthorized},
		{"unknown key", "Bearer rk_bad", http.StatusUnauthorized},
		{"valid key", "Bearer rk_good", http.StatusNoContent},
		{"case-insensitive scheme", "bearer rk_good", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/runtime", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, org.ID, seen.ID)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestLoggingIncludesOrganization(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	org := &domain.Organization{ID: uuid.New()}
	lookup := orgLookup{HashAPIKey("rk_good"): org}

	h := RequestID(Logging(zap.New(core))(APIKeyAuth(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))))

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer rk_good")
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, org.ID.String(), fields["organization_id"])
	assert.Equal(t, "req-123", fields["request_id"])
	assert.Equal(t, int64(http.StatusAccepted), fields["status"])
}

func TestRequestIDReplacesInvalidHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"oversized", strings.Repeat("x", maxRequestIDLen+1)},
		{"control characters", "abc\x1b[31m"},
		{"whitespace", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header[RequestIDHeader] = []string{tt.header}
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			_, err := uuid.Parse(got)
			assert.NoError(t, err)
			assert.Equal(t, got, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	h := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "10.0.0.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "clients are limited independently")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(15 * time.Minute)
	rl.Allow("new")

	assert.Equal(t, 1, rl.Cleanup(10*time.Minute))
	assert.Equal(t, 1, rl.Len())
}

func TestRequestCounters(t *testing.T) {
	c := &RequestCounters{}
	status := http.StatusOK
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	for _, s := range []int{http.StatusOK, http.StatusBadRequest, http.StatusTooManyRequests} {
		status = s
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, int64(3), c.Requests.Load())
	assert.Equal(t, int64(2), c.Errors.Load())
	assert.Equal(t, int64(1), c.Rejected.Load())
	assert.Zero(t, c.InFlight.Load())
}
