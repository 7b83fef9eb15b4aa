// Package metrics exposes Prometheus collectors for the scrape relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	taskSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraperelay_task_submissions_total",
			Help: "Total scrape submissions, labeled by outcome (cached, inflight, created).",
		},
		[]string{"outcome"},
	)

	taskDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraperelay_task_dispatch_total",
			Help: "Total attempts to push a new task to an extension, labeled by result.",
		},
		[]string{"result"},
	)

	taskClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraperelay_task_claims_total",
			Help: "Total claim calls, labeled by result (claimed, empty).",
		},
		[]string{"result"},
	)

	taskResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraperelay_task_resolutions_total",
			Help: "Total task resolutions, labeled by terminal status.",
		},
		[]string{"status"},
	)

	taskWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraperelay_task_wait_seconds",
			Help:    "Histogram of time spent waiting for a task to resolve, labeled by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	wsConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scraperelay_ws_connections",
			Help: "Live WebSocket connections, labeled by mode (human, extension).",
		},
		[]string{"mode"},
	)

	relayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraperelay_relay_events_total",
			Help: "Resolution events received from other instances, labeled by result.",
		},
		[]string{"result"},
	)

	archiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraperelay_archive_writes_total",
			Help: "Result archive writes, labeled by result (ok, error).",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission records how a submission was served.
func ObserveSubmission(outcome string) {
	taskSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records whether a new task reached an extension.
func ObserveDispatch(assigned bool) {
	result := "unreachable"
	if assigned {
		result = "assigned"
	}
	taskDispatchTotal.WithLabelValues(result).Inc()
}

// ObserveClaim records a claim attempt.
func ObserveClaim(claimed bool) {
	result := "empty"
	if claimed {
		result = "claimed"
	}
	taskClaimsTotal.WithLabelValues(result).Inc()
}

// ObserveResolution counts a task reaching a terminal status.
func ObserveResolution(status string) {
	taskResolutionsTotal.WithLabelValues(status).Inc()
}

// ObserveWait records how long a caller waited and how the wait ended.
func ObserveWait(outcome string, d time.Duration) {
	taskWaitSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncConnections increments the live connection gauge for mode.
func IncConnections(mode string) {
	wsConnections.WithLabelValues(mode).Inc()
}

// DecConnections decrements the live connection gauge for mode.
func DecConnections(mode string) {
	wsConnections.WithLabelValues(mode).Dec()
}

// ObserveRelayEvent counts an event received over the cross-instance relay.
func ObserveRelayEvent(result string) {
	relayEventsTotal.WithLabelValues(result).Inc()
}

// ObserveArchiveWrite counts a result archive write.
func ObserveArchiveWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	archiveWritesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
