package progress

import (
	"time"
)

// Severity grades how urgently an alert needs attention.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// String returns the wire value.
func (s Severity) String() string {
	return string(s)
}

// Metrics the threshold rules can evaluate.
const (
	// MetricErrorRate is failed items over processed items, 0..1.
	MetricErrorRate = "error_rate"
	// MetricThroughput is the sampled processing rate in items per minute.
	MetricThroughput = "throughput"
)

// Alert records one threshold breach. Alerts are only ever mutated to flip
// Resolved; cleanup happens in bulk via ClearResolved.
type Alert struct {
	ID          string
	RunID       string
	Metric      string
	Severity    Severity
	Threshold   float64
	ActualValue float64
	Timestamp   time.Time
	Resolved    bool
}

// Rule is a fixed threshold evaluated against every accepted snapshot.
type Rule struct {
	Metric    string
	Threshold float64
	Severity  Severity
	// Above breaches when the value exceeds the threshold; otherwise the
	// rule breaches when the value falls below it.
	Above bool
}

// ErrorRateCeiling builds a rule that fires when the failure ratio exceeds
// max.
func ErrorRateCeiling(max float64, severity Severity) Rule {
	return Rule{Metric: MetricErrorRate, Threshold: max, Severity: severity, Above: true}
}

// ThroughputFloor builds a rule that fires when the processing rate drops
// below min items per minute.
func ThroughputFloor(min float64, severity Severity) Rule {
	return Rule{Metric: MetricThroughput, Threshold: min, Severity: severity}
}

// breached reports whether value violates the rule.
func (r Rule) breached(value float64) bool {
	if r.Above {
		return value > r.Threshold
	}
	return value < r.Threshold
}

// metricValue extracts the rule metric from a snapshot. The second return
// is false when the snapshot does not carry enough data to judge, which
// neither raises nor resolves.
func metricValue(snap Snapshot, metric string) (float64, bool) {
	switch metric {
	case MetricErrorRate:
		if snap.Processed == 0 {
			return 0, false
		}
		return float64(snap.Failed) / float64(snap.Processed), true
	case MetricThroughput:
		if snap.RatePerMinute <= 0 {
			return 0, false
		}
		return snap.RatePerMinute, true
	default:
		return 0, false
	}
}
