// Package metrics provides Prometheus metrics for filebridge.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Provider metrics
	providerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_provider_operations_total",
			Help: "Total number of provider calls",
		},
		[]string{"provider", "operation", "status"},
	)

	providerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebridge_provider_operation_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// Transfer metrics
	transferJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_transfer_jobs_total",
			Help: "Total number of finished transfer jobs",
		},
		[]string{"op", "state"},
	)

	transferItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_transfer_items_total",
			Help: "Total number of transfer items by final state",
		},
		[]string{"state"},
	)

	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_transfer_bytes_total",
			Help: "Total bytes written to the destination side",
		},
		[]string{"direction"},
	)

	transferJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filebridge_transfer_job_duration_seconds",
			Help:    "Transfer job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	transferJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filebridge_transfer_jobs_active",
			Help: "Number of transfer jobs currently running",
		},
	)

	// Watch metrics
	watchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_watch_flushes_total",
			Help: "Total number of watch flushes",
		},
		[]string{"status"},
	)

	watchChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebridge_watch_changes_total",
			Help: "Total number of coalesced changes flushed",
		},
	)

	watchRegistrationsDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebridge_watch_registrations_disabled_total",
			Help: "Total number of registrations disabled after repeated failures",
		},
	)

	// Event metrics
	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebridge_events_dropped_total",
			Help: "Events dropped because a subscriber was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
}

// RecordProviderOperation records one call into a provider backend.
func RecordProviderOperation(provider, operation string, duration time.Duration, success bool) {
	providerOperationDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	providerOperationsTotal.WithLabelValues(provider, operation, status(success)).Inc()
}

// RecordJob records a finished transfer job.
func RecordJob(op, state string, duration time.Duration) {
	transferJobsTotal.WithLabelValues(op, state).Inc()
	transferJobDuration.Observe(duration.Seconds())
}

func RecordItem(state string) {
	transferItemsTotal.WithLabelValues(state).Inc()
}

// RecordBytes counts bytes written, direction being "upload", "download" or
// "local"/"remote" for same-side copies.
func RecordBytes(direction string, n int64) {
	transferBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func JobStarted() {
	transferJobsActive.Inc()
}

func JobFinished() {
	transferJobsActive.Dec()
}

// RecordWatchFlush records one flush of coalesced changes.
func RecordWatchFlush(changes int, success bool) {
	watchFlushesTotal.WithLabelValues(status(success)).Inc()
	watchChangesTotal.Add(float64(changes))
}

func RecordWatchDisabled() {
	watchRegistrationsDisabled.Inc()
}

func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}
