package syshealth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retry pressure inputs
	Headroom = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_sync_retry_headroom",
		Help: "Indexing headroom left on the host (0-100)",
	})

	IOWaitPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_io_wait_percent",
		Help: "System I/O wait percentage",
	})

	CPULoadAvg = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_cpu_load_avg",
		Help: "System CPU load average",
	}, []string{"period"})

	MemoryUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_utilization_percent",
		Help: "System memory utilization percentage",
	})

	DBPoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_db_pool_utilization_percent",
		Help: "Database connection pool utilization percentage",
	})

	// Worker concurrency metrics
	WorkerConcurrency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalog_sync_worker_current_concurrency",
		Help: "Current concurrency level for a worker",
	}, []string{"worker_type"})

	WorkerAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_worker_concurrency_adjustments_total",
		Help: "Total number of concurrency adjustments performed",
	}, []string{"worker_type", "direction", "pressure"})

	// Indexing metrics
	IndexAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_index_attempts_total",
		Help: "Search index writes by operation and result",
	}, []string{"op", "result"})

	RetryQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalog_sync_retry_queue_depth",
		Help: "Retry queue rows by status",
	}, []string{"status"})

	RetryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_retry_outcomes_total",
		Help: "Processed retry queue entries by outcome",
	}, []string{"outcome"})

	ReindexPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_reindex_pages_total",
		Help: "Reindex pages written",
	}, []string{"collection"})

	ReindexRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_reindex_rows_total",
		Help: "Reindex rows by result",
	}, []string{"collection", "result"})

	EmbeddingUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_embedding_updates_total",
		Help: "Embedding refreshes by result",
	}, []string{"result"})

	VectorSearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_sync_vector_search_duration_seconds",
		Help:    "Vector search latency",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_sync_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})

	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_sync_db_query_duration_seconds",
		Help:    "Database query latency by operation and result",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3, 10},
	}, []string{"op", "result"})

	LineageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_sync_lineage_duration_seconds",
		Help:    "Lineage traversal latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"truncated"})
)
