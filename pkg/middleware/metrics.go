// Package middleware provides the HTTP middleware chain shared by the
// service: request IDs, CORS, rate limiting, Prometheus metrics and request
// timeouts.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/anxiangsir/kbretrieval/pkg/metrics"
)

// knownPaths bounds the path label; anything else is recorded as "other".
var knownPaths = map[string]bool{
	"/api/v1/retrieve":         true,
	"/api/v1/cache/stats":      true,
	"/api/v1/cache/invalidate": true,
	"/api/v1/analytics":        true,
	"/api/chat":                true,
	"/api/chat-log":            true,
	"/api/sessions":            true,
	"/health/live":             true,
	"/health/ready":            true,
}

// Metrics records request count, latency and the in-flight gauge.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := normalizePath(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
