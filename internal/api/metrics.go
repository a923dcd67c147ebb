package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

// Submission outcomes.
const (
	submitAccepted = "accepted"
	submitInvalid  = "invalid"
	submitShutdown = "shutdown"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pymw_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pymw_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern, excluding blocking result and log routes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	taskSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pymw_http_task_submissions_total",
			Help: "Task submissions received over HTTP by outcome.",
		},
		[]string{"outcome"},
	)

	resultWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pymw_http_result_wait_seconds",
			Help:    "Time a result request blocked before its task was terminal, by final state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"state"},
	)

	logStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pymw_http_log_streams_active",
			Help: "Open server-sent event streams of task stderr.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, taskSubmissionsTotal, resultWaitDuration, logStreamsActive)
}

// longLivedRoutes block until a task finishes, so their duration measures the
// task rather than the server.
var longLivedRoutes = map[string]bool{
	"/v1/tasks/{id}/result": true,
	"/v1/tasks/{id}/logs":   true,
}

// metricsMiddleware counts every request by chi route pattern, keeping label
// cardinality bounded by the route table.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !longLivedRoutes[route] {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
