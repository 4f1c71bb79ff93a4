package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopify_http_requests_total",
			Help: "Total number of outbound HTTP requests to the platform.",
		},
		[]string{"method", "endpoint", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopify_http_request_duration_seconds",
			Help:    "Histogram of outbound HTTP request durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "endpoint", "status"},
	)
	graphqlRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopify_graphql_retries_total",
			Help: "GraphQL attempts that were retried, by classification.",
		},
		[]string{"class"},
	)
	bulkLockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopify_bulk_lock_total",
			Help: "Bulk lock acquisition outcomes.",
		},
		[]string{"outcome"},
	)
	bulkTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopify_bulk_operations_terminal_total",
			Help: "Bulk operations observed in a terminal status.",
		},
		[]string{"kind", "status"},
	)
	stagedUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopify_staged_uploads_total",
			Help: "Staged upload attempts by HTTP status class.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(graphqlRetriesTotal)
	prometheus.MustRegister(bulkLockTotal)
	prometheus.MustRegister(bulkTerminalTotal)
	prometheus.MustRegister(stagedUploadsTotal)
}

// RecordRequest records one outbound HTTP request. A statusCode of 0 means
// the request never produced a response.
func RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := classifyStatus(statusCode)
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// RecordRetry counts a retried GraphQL attempt.
func RecordRetry(class string) {
	graphqlRetriesTotal.WithLabelValues(class).Inc()
}

// RecordLock counts a lock acquisition outcome: acquired, busy or error.
func RecordLock(outcome string) {
	bulkLockTotal.WithLabelValues(outcome).Inc()
}

// RecordTerminal counts a bulk operation that reached a terminal status.
// kind is "query" or "mutation".
func RecordTerminal(kind, status string) {
	bulkTerminalTotal.WithLabelValues(kind, status).Inc()
}

// RecordStagedUpload counts a staged upload response.
func RecordStagedUpload(statusCode int) {
	stagedUploadsTotal.WithLabelValues(classifyStatus(statusCode)).Inc()
}

// classifyStatus buckets a status code; 429 gets its own bucket.
func classifyStatus(statusCode int) string {
	switch {
	case statusCode == 0:
		return "network_error"
	case statusCode == 429:
		return "429"
	case statusCode >= 200 && statusCode < 600:
		return fmt.Sprintf("%dxx", statusCode/100)
	}
	return "unknown"
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
