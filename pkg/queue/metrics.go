package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for queue operations.
var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordqueue_enqueued_total",
		Help: "Total new pending entries by kind and tier (duplicates are not counted)",
	}, []string{"kind", "tier"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordqueue_batches_total",
		Help: "Total completed batches by kind, tier and outcome",
	}, []string{"kind", "tier", "outcome"})

	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordqueue_batch_size",
		Help:    "Number of keys per submitted batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
	}, []string{"kind"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordqueue_batch_duration_seconds",
		Help:    "Time from batch submission to batch completion",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind", "tier"})

	remainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recordqueue_remaining",
		Help: "Pending plus in-flight keys by kind and tier",
	}, []string{"kind", "tier"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordqueue_completions_total",
		Help: "Total completions invoked by kind and outcome",
	}, []string{"kind", "outcome"})

	drainedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordqueue_drained_total",
		Help: "Keys failed by the fallback drain after a batch error",
	}, []string{"kind"})

	quotaExceededGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recordqueue_quota_exceeded",
		Help: "1 once any save reported a quota exceeded condition",
	})
)

// Batch outcome labels.
const (
	outcomeSuccess        = "success"
	outcomePartialFailure = "partial_failure"
	outcomeRateLimited    = "rate_limited"
	outcomeError          = "error"
)
