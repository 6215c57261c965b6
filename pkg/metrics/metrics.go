package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Escrow operations by outcome: ok, or the domain error kind, or "error".
	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Escrow operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Sum of all released amounts, in token units.
	FundingReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_funding_released_total",
			Help: "Total funding released across all projects",
		},
	)

	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events by publish outcome",
		},
		[]string{"routing_key", "status"},
	)
)

func RecordEscrowOperation(operation, result string) {
	EscrowOperations.WithLabelValues(operation, result).Inc()
}

func AddFundingReleased(amount uint64) {
	FundingReleased.Add(float64(amount))
}

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery counts a slow query. The SQL itself is only logged.
func IncrementSlowQuery() {
	SlowQueries.Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func RecordOutboxPublish(routingKey, status string) {
	OutboxPublished.WithLabelValues(routingKey, status).Inc()
}
