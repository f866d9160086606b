// Package metrics provides Prometheus metrics for the fern engine.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "fern"

var (
	// WorkerPairsTotal tracks pair evaluations by status
	WorkerPairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pairs_total",
			Help:      "Total number of evaluated pairs by status",
		},
		[]string{"pipeline", "status"},
	)

	// WorkerChunkDuration tracks how long one worker takes for its chunk
	WorkerChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of a worker's chunk in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"pipeline"},
	)

	// SinkBatchesTotal tracks batch writes by status
	SinkBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "batches_total",
			Help:      "Total number of result batches by status",
		},
		[]string{"status"},
	)

	// SinkRecordsTotal tracks records handled by the sink by status
	SinkRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "records_total",
			Help:      "Total number of match records by status",
		},
		[]string{"status"},
	)

	// DistributorWorkersTotal tracks worker outcomes
	DistributorWorkersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "distributor",
			Name:      "workers_total",
			Help:      "Total number of finished workers by status",
		},
		[]string{"status"},
	)

	// RunDuration tracks the duration of full runs
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "distributor",
			Name:      "run_duration_seconds",
			Help:      "Duration of matching runs in seconds",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		},
		[]string{"pipeline"},
	)

	// IndexBuildDuration tracks the similarity index build and publish
	IndexBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "similarity",
			Name:      "build_duration_seconds",
			Help:      "Duration of the similarity index build in seconds",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 300, 900},
		},
	)

	// SelectorTargetsTotal tracks best-match selection by status
	SelectorTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "targets_total",
			Help:      "Total number of targets handled by the selector by status",
		},
		[]string{"status"},
	)

	// SelectorInFlight tracks selector lookups currently running
	SelectorInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "lookups_in_flight",
			Help:      "Number of best-match lookups currently running",
		},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// HTTPRequestDuration tracks API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// RedisOperationDuration tracks Redis operation duration
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"operation"},
	)
)

// RecordPair records one pair evaluation
func RecordPair(pipeline, status string) {
	WorkerPairsTotal.WithLabelValues(pipeline, status).Inc()
}

// RecordBatch records a sink batch write
func RecordBatch(status string) {
	SinkBatchesTotal.WithLabelValues(status).Inc()
}

// RecordRecords records n sink records with the given status
func RecordRecords(status string, n int) {
	if n > 0 {
		SinkRecordsTotal.WithLabelValues(status).Add(float64(n))
	}
}

// RecordWorker records a finished worker
func RecordWorker(status string) {
	DistributorWorkersTotal.WithLabelValues(status).Inc()
}

// RecordSelection records a selector outcome
func RecordSelection(status string) {
	SelectorTargetsTotal.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an API request metric
func RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// ObserveQuery records the duration of a database operation since start
func ObserveQuery(operation string, start time.Time) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveRedis records the duration of a Redis operation since start
func ObserveRedis(operation string, start time.Time) {
	RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Push sends every registered metric to a Pushgateway. Short-lived processes
// call it before exiting. An empty url is a no-op.
func Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if url == "" {
		return nil
	}
	pusher := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	return pusher.AddContext(ctx)
}
