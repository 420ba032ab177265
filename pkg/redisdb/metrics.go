package redisdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks read cache hits by layer (memory, redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordqueue_redisdb_cache_hits_total",
			Help: "Total number of record reads served by layer",
		},
		[]string{"layer"}, // "memory", "redis"
	)

	// CacheMisses tracks reads of records that do not exist
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recordqueue_redisdb_misses_total",
			Help: "Total number of reads for records that do not exist",
		},
	)

	// RecordBytes tracks the encoded size of written records
	RecordBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordqueue_redisdb_record_bytes",
			Help:    "Encoded size of saved records in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	// Rejections tracks batches or items refused by the budget or quota
	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordqueue_redisdb_rejections_total",
			Help: "Total number of requests refused by the request budget or record quota",
		},
		[]string{"reason"}, // "rate_limited", "quota_exceeded"
	)

	// Errors tracks Redis operation errors
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordqueue_redisdb_errors_total",
			Help: "Total number of Redis operation errors",
		},
		[]string{"operation"}, // "fetch", "save", "delete", "budget"
	)
)
