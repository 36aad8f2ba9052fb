package protocol

import (
	"encoding/json"
	"time"
)

// Alert severities carried by quality_alert payloads.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ConnectionEstablishedPayload is sent by the peer once a session is accepted.
type ConnectionEstablishedPayload struct {
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// HeartbeatPayload keeps the channel warm and carries a sequence number so
// acknowledgements can be matched to sends.
type HeartbeatPayload struct {
	Seq    int64     `json:"seq"`
	SentAt time.Time `json:"sent_at"`
}

// ProgressUpdatePayload mirrors a progress snapshot for one batch run.
type ProgressUpdatePayload struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	Percent       int       `json:"percent"`
	Processed     int       `json:"processed"`
	Total         int       `json:"total"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	RatePerMinute float64   `json:"rate_per_minute"`
	ETAMinutes    float64   `json:"eta_minutes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TaskProgressPayload is the server-side task progress shape. It carries the
// same counts as a progress update plus a human-readable stage message.
type TaskProgressPayload struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchCompletedPayload announces a terminal batch run.
type BatchCompletedPayload struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	FinishedAt time.Time `json:"finished_at"`
}

// ErrorNotificationPayload reports a failure the operator should see.
type ErrorNotificationPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Source   string `json:"source,omitempty"`
}

// UserActionPayload records an operator action relayed over the channel.
type UserActionPayload struct {
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
}

// NotificationPayload is a free-form message for the dashboard feed.
type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Level string `json:"level"`
}

// SystemStatusPayload summarises the health of the grading backend.
type SystemStatusPayload struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components,omitempty"`
	At         time.Time         `json:"at"`
}

// ServiceStatusPayload reports one backend service.
type ServiceStatusPayload struct {
	Service   string  `json:"service"`
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// QualityAlertPayload raises a grading quality threshold breach.
type QualityAlertPayload struct {
	AlertID     string    `json:"alert_id"`
	RunID       string    `json:"run_id,omitempty"`
	Metric      string    `json:"metric"`
	Severity    string    `json:"severity"`
	Threshold   float64   `json:"threshold"`
	ActualValue float64   `json:"actual_value"`
	At          time.Time `json:"at"`
}

// AlertResolvedPayload clears a previously raised alert.
type AlertResolvedPayload struct {
	AlertID    string    `json:"alert_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// RealtimeDataPayload is an opaque topic/value pair for ad-hoc streams.
type RealtimeDataPayload struct {
	Topic string          `json:"topic"`
	Value json.RawMessage `json:"value"`
}

// NewHeartbeat builds a heartbeat envelope with the given sequence number.
func NewHeartbeat(seq int64) (Envelope, error) {
	return Encode(KindHeartbeat, HeartbeatPayload{Seq: seq, SentAt: time.Now().UTC()})
}
