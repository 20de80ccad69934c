// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// contextKey scopes context values owned by this package.
type contextKey int

const correlationIDKey contextKey = iota

// ContextWithCorrelationID returns a context carrying the correlation ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation ID stored in ctx, or ""
// when none was set.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// ResponseRecorder wraps an http.ResponseWriter to capture the status code
// and body size for access logging.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

// NewResponseRecorder wraps w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w}
}

// WriteHeader records the first status code written.
func (r *ResponseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

// Write counts body bytes, defaulting the status to 200 like net/http.
func (r *ResponseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Status returns the recorded status code, defaulting to 200.
func (r *ResponseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// BytesWritten returns the number of response body bytes written.
func (r *ResponseRecorder) BytesWritten() int { return r.bytes }

// HTTPMiddleware logs one line per request: method, matched route pattern,
// status, size, duration, and the correlation ID when the context carries
// one. Client errors log at warn, server errors at error.
type HTTPMiddleware struct {
	logger  *slog.Logger
	observe func(route string, status int, elapsed time.Duration)
}

// NewHTTPMiddleware creates the request-logging middleware.
func NewHTTPMiddleware(logger *slog.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{logger: logger}
}

// OnComplete registers a callback invoked after every request with the
// matched route pattern, response status, and elapsed time. Lets request
// metrics ride the same response recorder instead of a second wrapper.
func (m *HTTPMiddleware) OnComplete(fn func(route string, status int, elapsed time.Duration)) {
	m.observe = fn
}

// Handler wraps next with request logging.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		// ServeMux fills r.Pattern in place during dispatch, so the
		// matched route is visible here after the handler returns.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", rec.Status()),
			slog.Int("bytes", rec.BytesWritten()),
			slog.Int64(DurationKey, elapsed.Milliseconds()),
			slog.String("remote", r.RemoteAddr),
		}
		if id := CorrelationIDFromContext(r.Context()); id != "" {
			attrs = append(attrs, slog.String("correlation_id", id))
		}

		level := slog.LevelInfo
		switch {
		case rec.Status() >= 500:
			level = slog.LevelError
		case rec.Status() >= 400:
			level = slog.LevelWarn
		}
		m.logger.Log(r.Context(), level, "http request", attrs...)

		if m.observe != nil {
			m.observe(route, rec.Status(), elapsed)
		}
	})
}
