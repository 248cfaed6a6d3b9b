// Package middleware provides HTTP middleware for the extraction API
package middleware

import (
	"net/http"
	"time"

	"github.com/equipe-eprev/cnis-extractor-api/internal/httputil"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
)

// TracingMiddleware adds trace ID to all requests
type TracingMiddleware struct {
	// TrustProxyHeaders takes the logged client address from X-Forwarded-For.
	TrustProxyHeaders bool

	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewTracingMiddleware creates a new tracing middleware. Requests to skipPaths
// still get a trace id but are not logged.
func NewTracingMiddleware(logger *logging.Logger, skipPaths ...string) *TracingMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &TracingMiddleware{
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Generate or extract trace ID
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 128 {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(r.Context(), traceID)
		ctx = logging.WithClientIP(ctx, httputil.ClientIP(r, m.TrustProxyHeaders))

		w.Header().Set("X-Trace-ID", traceID)

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()

		next.ServeHTTP(rw, r.WithContext(ctx))

		if m.skipPaths[r.URL.Path] {
			return
		}
		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// Note: responseWriter type is defined in metrics.go
