package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the wire frame for every message, inbound and outbound.
// Timestamps are ISO-8601. CorrelationID is opaque: it is carried through
// unchanged and never interpreted.
type Envelope struct {
	Type          Kind            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DecodeError reports an inbound frame that could not be parsed into an
// Envelope. The channel drops the frame and keeps running.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode envelope: " + e.Reason
	}
	return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying parse error, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is a DecodeError anywhere in its chain.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Encode wraps a payload in an envelope. A zero timestamp is stamped with
// the current time in UTC.
func Encode(kind Kind, payload any) (Envelope, error) {
	env := Envelope{
		Type:      kind,
		Timestamp: time.Now().UTC(),
	}

	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// Marshal renders the envelope as wire JSON.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// DecodePayload unmarshals the envelope data into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return &DecodeError{Reason: fmt.Sprintf("%s envelope has no data", e.Type)}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("bad %s payload", e.Type), Err: err}
	}
	return nil
}

// Decode parses a raw frame. Malformed JSON or a missing type yields a
// DecodeError; an unknown type does not, so new peer message kinds pass
// through to the router, which drops what it does not know.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Reason: "missing type"}
	}
	return env, nil
}
