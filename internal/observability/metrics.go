package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_redis_errors_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records repository query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// ConversationsCreated counts newly persisted conversations by type.
	ConversationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_conversations_created_total",
		Help: "Total number of conversations created",
	}, []string{"type"})

	// MessagesSent counts persisted messages by message type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_messages_sent_total",
		Help: "Total number of messages sent",
	}, []string{"message_type"})

	// CacheInvalidations counts cache scope invalidations by scope kind.
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_cache_invalidations_total",
		Help: "Total number of cache scope invalidations",
	}, []string{"scope"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
