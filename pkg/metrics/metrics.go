// Package metrics exposes the Prometheus registry used by the web client.
// All metrics are defined in their respective packages (cache, client,
// retry, session) to maintain modularity and avoid circular dependencies.
//
// This package provides the scrape handler and a reference of all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the web client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Storage Cache Metrics (pkg/cache):
//   - webclient_cache_hits_total (Counter): Reads that found a live entry
//   - webclient_cache_misses_total (Counter): Reads that returned the default
//   - webclient_cache_sets_total{persisted} (Counter): Writes by snapshot outcome
//   - webclient_cache_expired_total{path} (Counter): Expired entries removed (lazy, sweep, load)
//   - webclient_cache_snapshot_bytes (Gauge): Size of the last durable snapshot
//   - webclient_cache_persist_errors_total{operation} (Counter): Durable tier failures
//   - webclient_cache_observer_errors_total (Counter): Observers that panicked
//
// Request Metrics (pkg/client):
//   - webclient_requests_total{method, status} (Counter): Requests by HTTP status or failure kind
//   - webclient_request_duration_seconds{method} (Histogram): Request duration, retries included
//   - webclient_errors_total{kind} (Counter): Failed requests by error kind
//
// Retry Metrics (pkg/retry):
//   - webclient_retries_total (Counter): Retry attempts
//   - webclient_retry_backoff_seconds (Histogram): Delay waited before a retry
//   - webclient_retry_exhausted_total (Counter): Operations that failed on every attempt
//
// Session Metrics (pkg/session):
//   - webclient_session_expired_total (Counter): 401 responses that cleared the cached session
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(webclient_cache_hits_total[5m])) /
//   (sum(rate(webclient_cache_hits_total[5m])) + sum(rate(webclient_cache_misses_total[5m])))
//
//   # Timeout Rate
//   rate(webclient_errors_total{kind="timeout"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(webclient_request_duration_seconds_bucket[5m]))
