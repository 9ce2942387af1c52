// Package metrics provides the centralized Prometheus registry for fitpull.
// All metrics are defined in their respective packages (fetch, quota) via
// promauto to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by fitpull. All metrics
// are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Quota Metrics (pkg/quota):
//   - fitpull_quota_window_used (Gauge): Requests consumed in the current quota window
//   - fitpull_quota_rejections_total (Counter): Consume attempts rejected at the window budget
//
// Request Metrics (pkg/fetch):
//   - fitpull_requests_total{resource, status} (Counter): API requests by resource and HTTP status
//   - fitpull_request_duration_seconds{resource} (Histogram): Request duration by resource
//   - fitpull_errors_total{class} (Counter): Failed attempts by error class
//
// Orchestrator Metrics (pkg/fetch):
//   - fitpull_units_total{result} (Counter): Fetch units processed by result (done, skipped, failed)
//   - fitpull_retries_total{class} (Counter): Retry attempts by error class
//   - fitpull_quota_waits_total (Counter): Times the loop blocked for a window reset
//
// Example Prometheus Queries:
//
//   # Quota headroom
//   fitpull_quota_window_used
//
//   # Unit failure rate over a run
//   rate(fitpull_units_total{result="failed"}[15m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(fitpull_request_duration_seconds_bucket[5m]))
