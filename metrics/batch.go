// Package metrics exposes Prometheus collectors for batch processing and the
// realtime channel. All Record and Set methods are safe on a nil receiver so
// components can run without a registry wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all module metrics.
	Namespace = "zhiyue"

	// BatchSubsystem is the subsystem for batch scheduler metrics.
	BatchSubsystem = "batch"
)

// BatchMetrics holds Prometheus metrics for the batch scheduler.
type BatchMetrics struct {
	RunsStarted    prometheus.Counter
	RunsFinished   *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	ItemsProcessed *prometheus.CounterVec
	ItemAttempts   prometheus.Histogram
	RetriesTotal   prometheus.Counter
	ItemsInFlight  prometheus.Gauge
	ChunkDuration  prometheus.Histogram
}

// NewBatchMetrics creates and registers the batch collectors.
func NewBatchMetrics(reg prometheus.Registerer) *BatchMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &BatchMetrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "runs_started_total",
			Help:      "Total number of batch runs submitted",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "runs_finished_total",
			Help:      "Total number of batch runs finished",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of batch runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~55min
		}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "items_processed_total",
			Help:      "Total number of items settled",
		}, []string{"outcome"}),
		ItemAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "item_attempts",
			Help:      "Attempts used per settled item",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "retries_total",
			Help:      "Total number of item retries scheduled",
		}),
		ItemsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "items_in_flight",
			Help:      "Items currently being processed",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: BatchSubsystem,
			Name:      "chunk_duration_seconds",
			Help:      "Duration of chunk execution",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~102s
		}),
	}
}

// RecordRunStarted counts a submitted run.
func (m *BatchMetrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

// RecordRun counts a finished run and observes its duration.
func (m *BatchMetrics) RecordRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// RecordItem counts a settled item and its attempt usage.
func (m *BatchMetrics) RecordItem(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.ItemAttempts.Observe(float64(attempts))
	}
}

// RecordRetry counts one scheduled retry.
func (m *BatchMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncInFlight increments the in-flight gauge.
func (m *BatchMetrics) IncInFlight() {
	if m == nil {
		return
	}
	m.ItemsInFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func (m *BatchMetrics) DecInFlight() {
	if m == nil {
		return
	}
	m.ItemsInFlight.Dec()
}

// ObserveChunk records a chunk execution duration.
func (m *BatchMetrics) ObserveChunk(duration time.Duration) {
	if m == nil {
		return
	}
	m.ChunkDuration.Observe(duration.Seconds())
}
