package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "agentruntime/")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	out, err := New().Post(context.Background(), srv.URL, map[string]any{"task": "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["result"])
	assert.Equal(t, "summarize", got["task"])
}

func TestPost_HTTPErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		class  domain.StatusClass
	}{
		{http.StatusUnauthorized, domain.StatusUnauthorized},
		{http.StatusForbidden, domain.StatusForbidden},
		{http.StatusNotFound, domain.StatusNotFound},
		{http.StatusTooManyRequests, domain.StatusRateLimited},
		{http.StatusBadGateway, domain.StatusServerError},
		{http.StatusBadRequest, domain.StatusClientError},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := New().Post(context.Background(), srv.URL, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrHTTP))

			var ee *domain.ExecutionError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.status, ee.StatusCode)
			assert.Equal(t, tt.class, ee.StatusClass)
			assert.Contains(t, ee.Message, "nope")
		})
	}
}

func TestPost_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	_, err := New().Post(context.Background(), srv.URL, nil)
	var ee *domain.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.ErrorTypeHTTP, ee.Type)
	assert.Equal(t, domain.StatusInvalidBody, ee.StatusClass)
}

func TestPost_NonObjectBodyIsWrapped(t *testing.T) {
	tests := []struct {
		name string
		body string
		want any
	}{
		{"array", `[{"ok":true}]`, []any{map[string]any{"ok": true}}},
		{"string", `"done"`, "done"},
		{"number", `42`, 42.0},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out, err := New().Post(context.Background(), srv.URL, nil)
			require.NoError(t, err)
			require.Contains(t, out, "result")
			assert.Equal(t, tt.want, out["result"])
		})
	}
}

func TestPost_ErrorBodyCutOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", 400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	_, err := New().Post(context.Background(), srv.URL, nil)
	var ee *domain.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.True(t, utf8.ValidString(ee.Message), "message must stay valid UTF-8")
	assert.True(t, strings.HasSuffix(ee.Message, "é..."))
	assert.Less(t, len(ee.Message), len(body))
}

func TestPost_ResponseOverLimitIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"this body is longer than the limit"}`))
	}))
	defer srv.Close()

	_, err := New(WithMaxResponseBytes(16)).Post(context.Background(), srv.URL, nil)
	var ee *domain.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.StatusInvalidBody, ee.StatusClass)
	assert.Contains(t, ee.Message, "exceeds 16 bytes")

	out, err := New(WithMaxResponseBytes(1024)).Post(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out["result"])
}

func TestPost_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New().Post(ctx, srv.URL, nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, errors.Is(err, domain.ErrExecutionTimeout), "got %v", err)
}

func TestPost_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New().Post(context.Background(), url, nil)
	var ee *domain.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.ErrorTypeNetwork, ee.Type)
	assert.NotEmpty(t, ee.Message)
}

func TestPost_CustomHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Agent-Runtime"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := New(WithHeader("X-Agent-Runtime", "yes")).Post(context.Background(), srv.URL, nil)
	require.NoError(t, err)
}
