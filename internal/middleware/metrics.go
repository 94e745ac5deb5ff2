// Package middleware provides HTTP middleware for the FM and DO services.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "federation_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Federation protocol metrics
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_runs_total",
			Help: "Total federation runs by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	bidsObservedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "federation_bids_observed_total",
			Help: "Total bids observed across all consumer runs",
		},
	)

	deploymentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "federation_deployments_total",
			Help: "Total provider-side container deployments",
		},
	)

	// Error metrics
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)
)

// Metrics returns a middleware that records Prometheus metrics.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := wrapResponseWriter(w)
			path := normalizePath(r)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.status)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)

			if wrapped.status >= 400 {
				errorType := "client_error"
				if wrapped.status >= 500 {
					errorType = "server_error"
				}
				errorsTotal.WithLabelValues(errorType).Inc()
			}
		})
	}
}

// normalizePath normalizes URL paths to prevent cardinality explosion.
func normalizePath(r *http.Request) string {
	// Get route pattern from chi if available
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	// Fallback: collapse service ids (service<unix>-<domain>) into a placeholder
	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, "service") && strings.Contains(seg, "-") {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// RecordRun increments the run counter for a role/outcome pair.
func RecordRun(role, outcome string) {
	runsTotal.WithLabelValues(role, outcome).Inc()
}

// RecordBidObserved increments the observed-bid counter.
func RecordBidObserved() {
	bidsObservedTotal.Inc()
}

// RecordDeployment increments the deployments counter.
func RecordDeployment() {
	deploymentsTotal.Inc()
}
