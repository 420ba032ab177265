// Package metrics provides the Prometheus registry and scrape handler for the
// record queue. All metrics are defined in their respective packages (queue,
// ratelimit, redisdb) via promauto to avoid circular dependencies.
//
// This package documents every available metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the record queue.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler that exposes every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Queue Metrics (pkg/queue):
//   - recordqueue_enqueued_total{kind, tier} (Counter): New pending entries (duplicates not counted)
//   - recordqueue_batches_total{kind, tier, outcome} (Counter): Completed batches by outcome
//     (success, partial_failure, rate_limited, error)
//   - recordqueue_batch_size{kind} (Histogram): Keys per submitted batch
//   - recordqueue_batch_duration_seconds{kind, tier} (Histogram): Submission to completion
//   - recordqueue_remaining{kind, tier} (Gauge): Pending plus in-flight keys
//   - recordqueue_completions_total{kind, outcome} (Counter): Completions invoked (ok, error)
//   - recordqueue_drained_total{kind} (Counter): Keys failed without an item report
//   - recordqueue_quota_exceeded (Gauge): 1 once any save hit the storage quota
//
// Rate Limit Metrics (pkg/ratelimit):
//   - recordqueue_rate_limited_total{class} (Counter): rate_limited / resource_busy signals
//   - recordqueue_backoff_seconds (Histogram): Length of opened backoff windows
//   - recordqueue_retry_not_before_timestamp_seconds (Gauge): End of the current window
//
// Redis Binding Metrics (pkg/redisdb):
//   - recordqueue_redisdb_cache_hits_total{layer} (Counter): Reads served by layer (memory, redis)
//   - recordqueue_redisdb_misses_total (Counter): Reads of records that do not exist
//   - recordqueue_redisdb_record_bytes (Histogram): Encoded size of saved records
//   - recordqueue_redisdb_rejections_total{reason} (Counter): Budget and quota refusals
//   - recordqueue_redisdb_errors_total{operation} (Counter): Redis operation errors
//
// Example Prometheus Queries:
//
//   # Backlog per lane
//   sum by (kind, tier) (recordqueue_remaining)
//
//   # Share of batches that were rate limited
//   sum(rate(recordqueue_batches_total{outcome="rate_limited"}[5m])) /
//   sum(rate(recordqueue_batches_total[5m]))
//
//   # Memory cache hit rate
//   sum(rate(recordqueue_redisdb_cache_hits_total{layer="memory"}[5m])) /
//   sum(rate(recordqueue_redisdb_cache_hits_total[5m]))
//
//   # P95 batch latency
//   histogram_quantile(0.95, rate(recordqueue_batch_duration_seconds_bucket[5m]))
