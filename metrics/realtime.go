package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RealtimeSubsystem is the subsystem for realtime channel metrics.
const RealtimeSubsystem = "realtime"

// RealtimeMetrics holds Prometheus metrics for the realtime connection.
type RealtimeMetrics struct {
	ConnectionState  prometheus.Gauge
	ReconnectsTotal  prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	DroppedTotal     prometheus.Counter
	HeartbeatRTT     prometheus.Histogram
}

// NewRealtimeMetrics creates and registers the realtime collectors.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &RealtimeMetrics{
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "connection_state",
			Help:      "Current connection state code",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "messages_sent_total",
			Help:      "Total messages written to the channel",
		}, []string{"kind"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "messages_received_total",
			Help:      "Total messages read from the channel",
		}, []string{"kind"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "queue_depth",
			Help:      "Outbound messages waiting in the queue",
		}),
		DroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "messages_dropped_total",
			Help:      "Messages evicted from a full outbound queue",
		}),
		HeartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: RealtimeSubsystem,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round trip time between heartbeat and acknowledgement",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
	}
}

// SetState records the current connection state code.
func (m *RealtimeMetrics) SetState(code int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(code))
}

// RecordReconnect counts one reconnect attempt.
func (m *RealtimeMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// RecordSent counts one outbound message.
func (m *RealtimeMetrics) RecordSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
}

// RecordReceived counts one inbound message.
func (m *RealtimeMetrics) RecordReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

// SetQueueDepth records the current outbound queue depth.
func (m *RealtimeMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordDropped counts one evicted outbound message.
func (m *RealtimeMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.DroppedTotal.Inc()
}

// ObserveHeartbeatRTT records a heartbeat round trip.
func (m *RealtimeMetrics) ObserveHeartbeatRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatRTT.Observe(rtt.Seconds())
}
