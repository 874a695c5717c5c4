// Package metrics exposes the Prometheus instruments for the order
// lifecycle: processing latency, the live per-status population, and
// processing error counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cw07/omsflow/pkg/oms/model"
)

var (
	orderProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_processing_seconds",
		Help:    "Time spent processing orders from intake to outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"order_type", "status"})

	orderStatusTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "order_status_total",
		Help: "Number of orders by status",
	}, []string{"status"})

	orderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_errors_total",
		Help: "Number of order processing errors",
	}, []string{"error_type"})
)

// ObserveProcessing records the intake-to-outcome latency of one order.
func ObserveProcessing(orderType model.OrderType, status model.OrderStatus, d time.Duration) {
	orderProcessingSeconds.WithLabelValues(string(orderType), string(status)).Observe(d.Seconds())
}

// TrackStatusChange moves an order between status buckets in the population
// gauge. An empty from admits a new order without decrementing anything.
func TrackStatusChange(from, to model.OrderStatus) {
	if from != "" {
		orderStatusTotal.WithLabelValues(string(from)).Dec()
	}
	orderStatusTotal.WithLabelValues(string(to)).Inc()
}

// CountError bumps the error counter for the given kind.
func CountError(kind string) {
	orderErrorsTotal.WithLabelValues(kind).Inc()
}
