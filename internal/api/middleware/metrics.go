package middleware

import (
	"net/http"
	"sync/atomic"
)

// RequestCounters counts HTTP traffic for the /metrics endpoint.
type RequestCounters struct {
	Requests atomic.Int64
	Errors   atomic.Int64
	Rejected atomic.Int64
	InFlight atomic.Int64
}

// Middleware counts requests, 4xx/5xx responses and 429 rejections.
func (c *RequestCounters) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Requests.Add(1)
		c.InFlight.Add(1)
		defer c.InFlight.Add(-1)

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		if rw.statusCode >= 400 {
			c.Errors.Add(1)
		}
		if rw.statusCode == http.StatusTooManyRequests {
			c.Rejected.Add(1)
		}
	})
}
