package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// responseRecorder wraps http.ResponseWriter to capture the status code.
// It also forwards Flush so the SSE handler still streams through it.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingMiddleware logs every request and records the HTTP metrics.
// It takes the next handler and returns a new one that runs around it.
// Python equivalent: a decorator that wraps a Flask route
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		metricPath := routePattern(r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.statusCode,
			"latency_ms", duration.Milliseconds(),
			"client_ip", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		httpRequestsTotal.WithLabelValues(
			r.Method,
			metricPath,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		httpRequestDuration.WithLabelValues(r.Method, metricPath).Observe(duration.Seconds())
	})
}

// routePattern returns the matched chi route ("/api/inventory/{id}").
// chi fills the pattern in while routing, so this is only meaningful after
// next.ServeHTTP returns. Unmatched requests share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// rateLimitMiddleware rejects requests beyond the limiter's budget with 429.
// A nil limiter lets everything through.
//
// It returns a function rather than being one because chi's r.Use wants a
// func(http.Handler) http.Handler; the outer call captures the limiter.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				rateLimitedTotal.Inc()
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, apiError{
					Code:    "RATE_LIMITED",
					Message: "too many inventory changes, slow down",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
