// Package wire defines the JSON envelope exchanged with the controller.
//
// Every message is a single Envelope. Typed payload structs live next to the
// envelope so both directions share one vocabulary.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type identifies the envelope kind.
type Type string

const (
	// TypeHandshake opens (or resumes) a session.
	TypeHandshake Type = "handshake"
	// TypeHeartbeat is a device-originated liveness probe.
	TypeHeartbeat Type = "heartbeat"
	// TypeCommand is a controller-originated command.
	TypeCommand Type = "command"
	// TypeResult carries the outcome of a command.
	TypeResult Type = "result"
	// TypeAck acknowledges a heartbeat or a command.
	TypeAck Type = "ack"
	// TypeTelemetry carries periodic device counters.
	TypeTelemetry Type = "telemetry"
	// TypeFrame carries one chunk of a captured frame.
	TypeFrame Type = "frame"
	// TypeReplay asks the controller to resend from a sequence number.
	TypeReplay Type = "replay"
)

// Valid reports whether t is a known envelope type.
func (t Type) Valid() bool {
	switch t {
	case TypeHandshake, TypeHeartbeat, TypeCommand, TypeResult, TypeAck,
		TypeTelemetry, TypeFrame, TypeReplay:
		return true
	default:
		return false
	}
}

// Envelope is the outer message shape.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Seq       int64           `json:"seq"`
	CommandID string          `json:"commandId,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeError reports a malformed inbound message.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

// Unwrap returns the underlying parse error, if any.
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses and validates a raw envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, &DecodeError{Reason: "empty message"}
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if !env.Type.Valid() {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
	if env.Seq < 0 {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("negative seq %d", env.Seq)}
	}
	if env.Type == TypeCommand && strings.TrimSpace(env.CommandID) == "" {
		return Envelope{}, &DecodeError{Reason: "command without commandId"}
	}
	return env, nil
}

// Encode marshals an envelope.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("encode: unknown type %q", env.Type)
	}
	return json.Marshal(env)
}

// New builds an envelope with payload marshaled from v. A nil v leaves the
// payload empty.
func New(t Type, sessionID string, seq int64, v any) (Envelope, error) {
	env := Envelope{Type: t, SessionID: sessionID, Seq: seq}
	if v == nil {
		return env, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return &DecodeError{Reason: fmt.Sprintf("%s without payload", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("invalid %s payload", e.Type), Err: err}
	}
	return nil
}
