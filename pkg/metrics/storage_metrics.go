package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage metrics for the chat log, call history and signaling stores
var (
	CassandraQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cassandra_query_duration_seconds",
		Help:    "Cassandra query latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation", "table"})

	CassandraQueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cassandra_query_total",
		Help: "Total number of Cassandra queries executed",
	}, []string{"operation", "table", "status"})

	DBQueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_query_total",
		Help: "Total number of CockroachDB queries executed",
	}, []string{"operation", "table", "status"})

	SignalingOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_operations_total",
		Help: "Total number of signaling store operations",
	}, []string{"backend", "operation", "status"})

	RedisAvailableGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_available",
		Help: "Whether Redis is available (1) or unavailable (0)",
	})
)

// RecordCassandraQuery records a Cassandra query execution and its latency
func RecordCassandraQuery(operation, table string, seconds float64, err error) {
	CassandraQueryDuration.WithLabelValues(operation, table).Observe(seconds)
	CassandraQueryTotal.WithLabelValues(operation, table, statusLabel(err)).Inc()
}

// RecordDBQuery records a CockroachDB query execution
func RecordDBQuery(operation, table string, err error) {
	DBQueryTotal.WithLabelValues(operation, table, statusLabel(err)).Inc()
}

// RecordSignalingOp records a signaling store operation
func RecordSignalingOp(backend, operation string, err error) {
	SignalingOpsTotal.WithLabelValues(backend, operation, statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
