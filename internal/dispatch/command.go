package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bhandras/devicelink/internal/wire"
)

// Kind names a command action.
type Kind string

const (
	// KindScanQR scans for a QR code and returns its payload.
	KindScanQR Kind = "scan_qr"
	// KindCaptureFrame captures one frame and ships it as frame chunks.
	KindCaptureFrame Kind = "capture_frame"
	// KindStreamFrames streams frames until a count is reached or cancelled.
	KindStreamFrames Kind = "stream_frames"
	// KindPing answers with a nonce and the device clock.
	KindPing Kind = "ping"
	// KindReportStatus answers with a telemetry snapshot.
	KindReportStatus Kind = "report_status"
	// KindCancel cancels another in-flight command.
	KindCancel Kind = "cancel"
)

// Action is the closed set of decoded command payloads.
type Action interface {
	isAction()
}

// ScanQR requests a QR scan.
type ScanQR struct {
	// Attempts overrides the number of frames tried (0 = default).
	Attempts int `json:"attempts,omitempty"`
}

// CaptureFrame requests one frame.
type CaptureFrame struct {
	// ChunkSize overrides the frame chunk size in bytes (0 = default).
	ChunkSize int `json:"chunkSize,omitempty"`
}

// StreamFrames requests a bounded or open-ended frame stream.
type StreamFrames struct {
	Count      int   `json:"count,omitempty"`
	IntervalMs int64 `json:"intervalMs,omitempty"`
	ChunkSize  int   `json:"chunkSize,omitempty"`
}

// Ping is a round-trip probe.
type Ping struct {
	Nonce string `json:"nonce,omitempty"`
}

// ReportStatus requests a status snapshot.
type ReportStatus struct{}

// Cancel targets another command.
type Cancel struct {
	TargetID string `json:"commandId"`
}

// Unsupported is an unknown kind. It still gets a Failed result.
type Unsupported struct {
	Kind string
}

// Malformed is a known kind whose payload did not parse.
type Malformed struct {
	Reason string
}

func (ScanQR) isAction()       {}
func (CaptureFrame) isAction() {}
func (StreamFrames) isAction() {}
func (Ping) isAction()         {}
func (ReportStatus) isAction() {}
func (Cancel) isAction()       {}
func (Unsupported) isAction()  {}
func (Malformed) isAction()    {}

// Command is an immutable decoded inbound command.
type Command struct {
	ID     string
	Kind   Kind
	Action Action
	// Seq is the inbound envelope sequence number.
	Seq        int64
	ReceivedAt time.Time
}

// DecodeError reports an inbound message that is not a usable command.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command decode: %s: %v", e.Reason, e.Err)
	}
	return "command decode: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses raw bytes into a Command.
//
// Envelope-level problems (bad JSON, wrong type, no command id) are a
// *DecodeError. A known kind with a bad payload decodes to a Malformed action
// so the controller still receives a result for its command id.
func Decode(data []byte, receivedAt time.Time) (Command, error) {
	env, err := wire.Decode(data)
	if err != nil {
		var we *wire.DecodeError
		if errors.As(err, &we) {
			return Command{}, &DecodeError{Reason: we.Reason, Err: we.Err}
		}
		return Command{}, &DecodeError{Reason: "envelope", Err: err}
	}
	return FromEnvelope(env, receivedAt)
}

// FromEnvelope converts an already validated envelope into a Command.
func FromEnvelope(env wire.Envelope, receivedAt time.Time) (Command, error) {
	if env.Type != wire.TypeCommand {
		return Command{}, &DecodeError{Reason: fmt.Sprintf("not a command: %s", env.Type)}
	}
	id := strings.TrimSpace(env.CommandID)
	if id == "" {
		return Command{}, &DecodeError{Reason: "command without commandId"}
	}
	kind := Kind(strings.TrimSpace(env.Kind))
	if kind == "" {
		return Command{}, &DecodeError{Reason: "command without kind"}
	}
	return Command{
		ID:         id,
		Kind:       kind,
		Action:     decodeAction(kind, env.Payload),
		Seq:        env.Seq,
		ReceivedAt: receivedAt,
	}, nil
}

func decodeAction(kind Kind, payload json.RawMessage) Action {
	switch kind {
	case KindScanQR:
		var a ScanQR
		return unmarshalAction(payload, &a, func() Action { return a })
	case KindCaptureFrame:
		var a CaptureFrame
		return unmarshalAction(payload, &a, func() Action { return a })
	case KindStreamFrames:
		var a StreamFrames
		return unmarshalAction(payload, &a, func() Action {
			if a.Count < 0 || a.IntervalMs < 0 {
				return Malformed{Reason: "negative count or interval"}
			}
			return a
		})
	case KindPing:
		var a Ping
		return unmarshalAction(payload, &a, func() Action { return a })
	case KindReportStatus:
		return ReportStatus{}
	case KindCancel:
		var a Cancel
		return unmarshalAction(payload, &a, func() Action {
			a.TargetID = strings.TrimSpace(a.TargetID)
			if a.TargetID == "" {
				return Malformed{Reason: "cancel without target commandId"}
			}
			return a
		})
	default:
		return Unsupported{Kind: string(kind)}
	}
}

// unmarshalAction decodes payload into out and returns build(). An absent
// payload leaves out zero-valued.
func unmarshalAction(payload json.RawMessage, out any, build func() Action) Action {
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, out); err != nil {
			return Malformed{Reason: "invalid payload: " + err.Error()}
		}
	}
	return build()
}
