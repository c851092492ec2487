// Package metrics exposes the broker's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics contains the queue engine metrics.
type EngineMetrics struct {
	EnqueuedTotal  *prometheus.CounterVec
	DequeuedTotal  *prometheus.CounterVec
	AckedTotal     *prometheus.CounterVec
	NackedTotal    *prometheus.CounterVec
	ReapedTotal    *prometheus.CounterVec
	AnomaliesTotal *prometheus.CounterVec

	DequeueDuration prometheus.Histogram
	ClaimLatency    prometheus.Histogram
}

// NewEngineMetrics creates and registers the engine metrics.
func NewEngineMetrics(serviceName string) *EngineMetrics {
	return &EngineMetrics{
		EnqueuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_enqueued_total",
				Help: "Total number of messages enqueued",
			},
			[]string{"queue"},
		),
		DequeuedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_dequeued_total",
				Help: "Total number of messages claimed",
			},
			[]string{"queue"},
		),
		AckedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_acked_total",
				Help: "Total number of messages acknowledged",
			},
			[]string{"queue"},
		),
		NackedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_nacked_total",
				Help: "Total number of messages nacked, by outcome",
			},
			[]string{"queue", "outcome"},
		),
		ReapedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_reaped_total",
				Help: "Total number of overdue messages reaped, by outcome",
			},
			[]string{"outcome"},
		),
		AnomaliesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_anomalies_total",
				Help: "Total number of anomalies detected, by type",
			},
			[]string{"type"},
		),
		DequeueDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_dequeue_wait_seconds",
				Help:    "Time a dequeue call waited for a claim",
				Buckets: prometheus.DefBuckets,
			},
		),
		ClaimLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_message_queue_latency_seconds",
				Help:    "Time between enqueue and claim",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
			},
		),
	}
}

// RecordDequeue records a successful claim.
func (m *EngineMetrics) RecordDequeue(queue string, waited, timeInQueue time.Duration) {
	m.DequeuedTotal.WithLabelValues(queue).Inc()
	m.DequeueDuration.Observe(waited.Seconds())
	m.ClaimLatency.Observe(timeInQueue.Seconds())
}
