// Package protocol defines the JSON message envelope exchanged between the
// grading dashboard core and the backend realtime channel, and the router
// that dispatches inbound envelopes to handlers.
package protocol

// Kind identifies the message type on the wire.
type Kind string

// Message kinds.
const (
	KindConnectionEstablished Kind = "connection_established"
	KindHeartbeat             Kind = "heartbeat"
	KindProgressUpdate        Kind = "progress_update"
	KindTaskProgress          Kind = "task_progress"
	KindBatchCompleted        Kind = "batch_completed"
	KindErrorNotification     Kind = "error_notification"
	KindUserAction            Kind = "user_action"
	KindNotification          Kind = "notification"
	KindSystemStatus          Kind = "system_status"
	KindServiceStatus         Kind = "service_status"
	KindQualityAlert          Kind = "quality_alert"
	KindAlertResolved         Kind = "alert_resolved"
	KindRealtimeData          Kind = "realtime_data"
)

var knownKinds = map[Kind]struct{}{
	KindConnectionEstablished: {},
	KindHeartbeat:             {},
	KindProgressUpdate:        {},
	KindTaskProgress:          {},
	KindBatchCompleted:        {},
	KindErrorNotification:     {},
	KindUserAction:            {},
	KindNotification:          {},
	KindSystemStatus:          {},
	KindServiceStatus:         {},
	KindQualityAlert:          {},
	KindAlertResolved:         {},
	KindRealtimeData:          {},
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// String returns the wire value.
func (k Kind) String() string {
	return string(k)
}

// KnownKinds returns every kind this build understands.
func KnownKinds() []Kind {
	kinds := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	return kinds
}
