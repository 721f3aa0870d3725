package outbound

import (
	"time"

	"github.com/bhandras/devicelink/internal/wire"
)

// Kind classifies outbound items.
type Kind int

const (
	// KindAck acknowledges an accepted command.
	KindAck Kind = iota
	// KindResult carries a command outcome.
	KindResult
	// KindTelemetry carries a counter snapshot.
	KindTelemetry
	// KindFrameChunk carries one chunk of a captured frame.
	KindFrameChunk
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindResult:
		return "result"
	case KindTelemetry:
		return "telemetry"
	case KindFrameChunk:
		return "frame"
	default:
		return "unknown"
	}
}

// Priority is a drain lane. Lower values drain first.
type Priority int

const (
	// PriorityHigh holds acks and results.
	PriorityHigh Priority = iota
	// PriorityNormal holds telemetry.
	PriorityNormal
	// PriorityLow holds frame chunks.
	PriorityLow

	numLanes = 3
)

// Priority returns the lane an item of kind k is queued on.
func (k Kind) Priority() Priority {
	switch k {
	case KindAck, KindResult:
		return PriorityHigh
	case KindTelemetry:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// WireType returns the envelope type used for kind k.
func (k Kind) WireType() wire.Type {
	switch k {
	case KindAck:
		return wire.TypeAck
	case KindResult:
		return wire.TypeResult
	case KindTelemetry:
		return wire.TypeTelemetry
	default:
		return wire.TypeFrame
	}
}

// Item is one queued outbound message. The queue owns it from Enqueue until it
// is written to a channel.
type Item struct {
	Kind      Kind
	CommandID string
	// Payload is marshaled into the envelope payload.
	Payload any

	// Seq is assigned by the queue at enqueue time.
	Seq int64
	// EnqueuedAt is stamped by the queue.
	EnqueuedAt time.Time
}

// Envelope renders the item for sessionID.
func (it Item) Envelope(sessionID string) (wire.Envelope, error) {
	env, err := wire.New(it.Kind.WireType(), sessionID, it.Seq, it.Payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	env.CommandID = it.CommandID
	return env, nil
}

// frameKey identifies the frame a chunk belongs to.
type frameKey struct {
	command string
	seq     uint64
}

func (it Item) framePayload() (wire.FramePayload, bool) {
	switch p := it.Payload.(type) {
	case wire.FramePayload:
		return p, true
	case *wire.FramePayload:
		if p != nil {
			return *p, true
		}
	}
	return wire.FramePayload{}, false
}

func (it Item) frameKey() frameKey {
	p, _ := it.framePayload()
	return frameKey{command: it.CommandID, seq: p.FrameSeq}
}

// finalChunk reports whether it ends its frame. Chunks without a frame
// payload count as whole frames.
func (it Item) finalChunk() bool {
	p, ok := it.framePayload()
	return !ok || p.Final
}
