package session

import (
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/internal/wire"
)

// FSMState is the session lifecycle state.
type FSMState string

const (
	// StateDisconnected is the initial state before Start.
	StateDisconnected FSMState = "disconnected"
	// StateConnecting means the first session handshake is in progress.
	StateConnecting FSMState = "connecting"
	// StateActive means a granted session is running over a live channel.
	StateActive FSMState = "active"
	// StateResuming means the channel dropped and a resume is in progress.
	StateResuming FSMState = "resuming"
	// StateTerminated is final: stopped, rejected, or out of retries.
	StateTerminated FSMState = "terminated"
)

// Timer names.
const (
	timerHandshake    = "handshake"
	timerHeartbeat    = "heartbeat"
	timerHeartbeatAck = "heartbeat-ack"
)

// State is the loop-owned session record. Only the reducer changes it.
type State struct {
	FSM FSMState

	SessionID string

	// LastSeenSeq is the contiguous inbound watermark: every seq up to and
	// including it has been seen. It is what a resume token carries.
	LastSeenSeq int64

	// HighestSeenSeq is the largest inbound seq seen, possibly past a gap.
	HighestSeenSeq int64

	// ahead holds seqs seen above LastSeenSeq, ascending. Treat as immutable.
	ahead []int64

	CreatedAtMs      int64
	LastActivityAtMs int64

	// Established is set once a grant has been received in this process.
	// From then on the session id may not change.
	Established bool

	// ChannelGen increments per dial. Runtime events carry it so events from a
	// dead channel are ignored.
	ChannelGen int64

	// HandshakePending is set between dial success and grant.
	HandshakePending bool

	// Attempt counts consecutive failed connection attempts.
	Attempt int

	AwaitingHeartbeatAck bool
	MissedHeartbeats     int

	Reconnects     int64
	ReplayRequests int64
	LastDisconnect string
	TerminalErr    error
}

// Snapshot is an immutable view of the session handed to observers.
type Snapshot struct {
	State            FSMState
	SessionID        string
	LastSeenSeq      int64
	HighestSeenSeq   int64
	CreatedAt        time.Time
	LastActivityAt   time.Time
	Attempt          int
	Reconnects       int64
	MissedHeartbeats int
	LastDisconnect   string
	// Err is set once the session is terminated.
	Err error
}

func snapshotOf(s State) Snapshot {
	snap := Snapshot{
		State:            s.FSM,
		SessionID:        s.SessionID,
		LastSeenSeq:      s.LastSeenSeq,
		HighestSeenSeq:   s.HighestSeenSeq,
		Attempt:          s.Attempt,
		Reconnects:       s.Reconnects,
		MissedHeartbeats: s.MissedHeartbeats,
		LastDisconnect:   s.LastDisconnect,
		Err:              s.TerminalErr,
	}
	if s.CreatedAtMs > 0 {
		snap.CreatedAt = time.UnixMilli(s.CreatedAtMs)
	}
	if s.LastActivityAtMs > 0 {
		snap.LastActivityAt = time.UnixMilli(s.LastActivityAtMs)
	}
	return snap
}

// sameObservable reports whether two snapshots differ only in activity time.
func sameObservable(a, b Snapshot) bool {
	return a.State == b.State &&
		a.SessionID == b.SessionID &&
		a.LastSeenSeq == b.LastSeenSeq &&
		a.HighestSeenSeq == b.HighestSeenSeq &&
		a.Attempt == b.Attempt &&
		a.Reconnects == b.Reconnects &&
		a.MissedHeartbeats == b.MissedHeartbeats &&
		a.LastDisconnect == b.LastDisconnect &&
		a.Err == b.Err
}

// Inputs

type cmdStart struct {
	actor.InputBase
	NowMs int64
	Reply chan error
}

type cmdStop struct {
	actor.InputBase
	Reply chan struct{}
}

type evDialed struct {
	actor.InputBase
	Gen   int64
	Err   error
	NowMs int64
}

type evEnvelope struct {
	actor.InputBase
	Gen   int64
	Env   wire.Envelope
	Raw   []byte
	NowMs int64
}

type evChannelFailed struct {
	actor.InputBase
	Gen    int64
	Reason string
	NowMs  int64
}

type evTimerFired struct {
	actor.InputBase
	Name  string
	Gen   int64
	NowMs int64
}

// Effects

type effDial struct {
	actor.EffectBase
	Gen     int64
	DelayMs int64
}

type effSendHandshake struct {
	actor.EffectBase
	Gen    int64
	Resume *wire.ResumeToken
}

type effSendHeartbeat struct {
	actor.EffectBase
	Gen       int64
	SessionID string
}

type effRequestReplay struct {
	actor.EffectBase
	Gen       int64
	SessionID string
	From      int64
}

type effStartTimer struct {
	actor.EffectBase
	Name    string
	Gen     int64
	AfterMs int64
}

type effCancelTimer struct {
	actor.EffectBase
	Name string
}

type effAttachDrain struct {
	actor.EffectBase
	Gen       int64
	SessionID string
}

type effCloseChannel struct {
	actor.EffectBase
	Gen int64
}

type effDeliver struct {
	actor.EffectBase
	Data []byte
}

type effNotifyConnected struct {
	actor.EffectBase
	Info ConnectedInfo
}

type effNotifyDisconnected struct {
	actor.EffectBase
	Reason string
}

type effIgnored struct {
	actor.EffectBase
	Type   wire.Type
	Reason string
}

type effReplyStart struct {
	actor.EffectBase
	Reply chan error
	Err   error
}

type effReplyStop struct {
	actor.EffectBase
	Reply chan struct{}
}

// ConnectedInfo describes a granted session.
type ConnectedInfo struct {
	SessionID string
	// Resumed is true when an existing session continued on a new channel.
	Resumed bool
	// ReplayFrom is the first inbound seq the device asked to be replayed.
	ReplayFrom int64
}
