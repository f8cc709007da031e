// Package metrics provides Prometheus metrics for bookvore.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP API
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookvore_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookvore_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Catalog
	feedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookvore_feed_fetches_total",
			Help: "Total number of OPDS feed fetches",
		},
		[]string{"result"},
	)

	feedFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookvore_feed_fetch_duration_seconds",
			Help:    "OPDS feed fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Downloads
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookvore_downloads_total",
			Help: "Total number of finished downloads by final status",
		},
		[]string{"status"},
	)

	downloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookvore_download_bytes_total",
			Help: "Total bytes written by downloads",
		},
	)

	downloadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookvore_downloads_active",
			Help: "Number of transfers currently in progress",
		},
	)

	// Auth
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookvore_auth_attempts_total",
			Help: "Total number of sign-in attempts",
		},
		[]string{"result"},
	)

	// SSE
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookvore_sse_connections_active",
			Help: "Number of open download event streams",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordFeedFetch records one feed fetch.
func RecordFeedFetch(duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	feedFetchesTotal.WithLabelValues(result).Inc()
	feedFetchDuration.Observe(duration.Seconds())
}

// RecordDownload records a download reaching a terminal status.
func RecordDownload(status string) {
	downloadsTotal.WithLabelValues(status).Inc()
}

// AddDownloadBytes adds n written bytes.
func AddDownloadBytes(n int64) {
	if n > 0 {
		downloadBytes.Add(float64(n))
	}
}

// DownloadStarted increments the active transfer gauge and returns the
// matching decrement.
func DownloadStarted() func() {
	downloadsActive.Inc()
	return downloadsActive.Dec
}

// RecordAuthAttempt records a sign-in attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SSEConnected increments the open stream gauge and returns the matching
// decrement.
func SSEConnected() func() {
	sseConnectionsActive.Inc()
	return sseConnectionsActive.Dec
}

// Middleware returns HTTP middleware that records request metrics. Routes are
// labelled by their chi pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
