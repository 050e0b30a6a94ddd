package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/Harshitk-cp/agentruntime/internal/buildconfig"
	"github.com/Harshitk-cp/agentruntime/internal/domain"
)

const (
	defaultMaxResponseBytes = 10 << 20
	errorSnippetBytes       = 512
)

var _ domain.WebhookClient = (*Client)(nil)

type (
	// Option configures the webhook client.
	Option func(*Client)

	// Client posts agent payloads to user webhooks. It has no timeout of its
	// own: every call is bounded by the deadline on the caller's context.
	Client struct {
		http     *http.Client
		headers  http.Header
		maxBytes int64
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxBytes = n
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{},
		headers:  make(http.Header),
		maxBytes: defaultMaxResponseBytes,
	}
	c.headers.Set("User-Agent", buildconfig.UserAgent())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends payload as JSON and returns the decoded JSON response. A body
// that is not a JSON object comes back under the "result" key.
// Every failure is a *domain.ExecutionError.
func (c *Client) Post(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &domain.ExecutionError{Type: domain.ErrorTypeUnknown, Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ExecutionError{Type: domain.ErrorTypeNetwork, Message: err.Error()}
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	overLimit := int64(len(respBody)) > c.maxBytes
	if overLimit {
		respBody = respBody[:c.maxBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.ExecutionError{
			Type:        domain.ErrorTypeHTTP,
			StatusCode:  resp.StatusCode,
			StatusClass: domain.ClassifyHTTPStatus(resp.StatusCode),
			Message:     fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, snippet(respBody)),
		}
	}

	if overLimit {
		return nil, &domain.ExecutionError{
			Type:        domain.ErrorTypeHTTP,
			StatusCode:  resp.StatusCode,
			StatusClass: domain.StatusInvalidBody,
			Message:     fmt.Sprintf("webhook response exceeds %d bytes", c.maxBytes),
		}
	}

	var v any
	if err := json.Unmarshal(respBody, &v); err != nil {
		return nil, &domain.ExecutionError{
			Type:        domain.ErrorTypeHTTP,
			StatusCode:  resp.StatusCode,
			StatusClass: domain.StatusInvalidBody,
			Message:     fmt.Sprintf("webhook response is not valid JSON: %v", err),
		}
	}
	if out, ok := v.(map[string]any); ok {
		return out, nil
	}
	// Arrays, scalars and null are wrapped so the output is always an object.
	return map[string]any{"result": v}, nil
}

func classifyTransportError(ctx context.Context, err error) *domain.ExecutionError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.ExecutionError{Type: domain.ErrorTypeTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.ExecutionError{Type: domain.ErrorTypeTimeout, Message: err.Error()}
	}
	return &domain.ExecutionError{Type: domain.ErrorTypeNetwork, Message: err.Error()}
}

// snippet cuts an error body to errorSnippetBytes without splitting a rune.
func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= errorSnippetBytes {
		return s
	}
	cut := errorSnippetBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
