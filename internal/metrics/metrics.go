package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "takurabid_store_operations_total",
			Help: "Total number of store operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "takurabid_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	FeedDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "takurabid_feed_deliveries_total",
			Help: "Total number of notifications handed to subscribers",
		},
	)

	FeedDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "takurabid_feed_decode_failures_total",
			Help: "Total number of change-feed payloads skipped because they could not be decoded",
		},
	)

	FeedSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "takurabid_feed_subscriptions_active",
			Help: "Number of live change-feed subscriptions",
		},
	)

	StreamDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "takurabid_stream_events_dropped_total",
			Help: "Total number of events dropped because a stream client was too slow",
		},
	)
)

// ObserveStore records the outcome of one store operation.
func ObserveStore(operation string, seconds float64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	StoreOperations.WithLabelValues(operation, outcome).Inc()
	StoreOperationDuration.WithLabelValues(operation).Observe(seconds)
}
