package dispatch

import (
	"github.com/bhandras/devicelink/internal/actor"
)

// State is the loop-owned dispatcher state.
type State struct {
	// InFlight maps command ids to their running execution.
	InFlight map[string]inFlight
	// Completed remembers recently finished ids for duplicate suppression.
	Completed []completedRecord

	// NextToken identifies executions. Runtime events carry the token so a
	// late completion of a timed-out handler is ignored.
	NextToken uint64

	// Stopping is set by CancelAll. New commands are refused afterwards.
	Stopping bool

	IdleWaiters []chan struct{}

	Accepted   uint64
	Duplicates uint64
	Refused    uint64
}

type inFlight struct {
	Token       uint64
	Kind        Kind
	StartedAtMs int64
	Cancelling  bool
}

type completedRecord struct {
	id   string
	atMs int64
}

// Snapshot is a read-only view of dispatcher counters.
type Snapshot struct {
	InFlight   int
	Remembered int
	Accepted   uint64
	Duplicates uint64
	Refused    uint64
	Stopping   bool
}

// Inputs

type cmdDispatch struct {
	actor.InputBase
	Cmd   Command
	NowMs int64
}

type cmdCancel struct {
	actor.InputBase
	ID     string
	Reason string
}

type cmdCancelAll struct {
	actor.InputBase
}

type cmdWaitIdle struct {
	actor.InputBase
	Reply chan struct{}
}

type cmdSnapshot struct {
	actor.InputBase
	Reply chan Snapshot
}

type evHandlerDone struct {
	actor.InputBase
	ID     string
	Token  uint64
	Status Status
	Reason string
	Data   any
	NowMs  int64
}

type evTimeout struct {
	actor.InputBase
	ID    string
	Token uint64
	NowMs int64
}

type evGraceExpired struct {
	actor.InputBase
	ID    string
	Token uint64
	NowMs int64
}

// Effects

type effAccepted struct {
	actor.EffectBase
	Cmd Command
}

type effRunHandler struct {
	actor.EffectBase
	Cmd       Command
	Token     uint64
	TimeoutMs int64
}

type effCancelHandler struct {
	actor.EffectBase
	ID      string
	Token   uint64
	GraceMs int64
}

type effRelease struct {
	actor.EffectBase
	Token uint64
}

type effEmitResult struct {
	actor.EffectBase
	Result Result
}

type effDuplicate struct {
	actor.EffectBase
	Cmd      Command
	InFlight bool
}

type effRefused struct {
	actor.EffectBase
	Cmd Command
}

type effNotifyIdle struct {
	actor.EffectBase
	Waiters []chan struct{}
}
