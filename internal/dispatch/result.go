package dispatch

import (
	"github.com/bhandras/devicelink/internal/wire"
)

// Status is the outcome of a command.
type Status int

const (
	// StatusOK means the handler succeeded.
	StatusOK Status = iota
	// StatusFailed means the handler failed, timed out, or the kind is
	// unsupported.
	StatusFailed
	// StatusCancelled means the command was cancelled before finishing.
	StatusCancelled
)

// String returns the wire form of s.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return wire.ResultOK
	case StatusFailed:
		return wire.ResultFailed
	case StatusCancelled:
		return wire.ResultCancelled
	default:
		return "unknown"
	}
}

// Failure reasons produced by the dispatcher itself.
const (
	ReasonUnsupported = "unsupported"
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonStopGrace   = "handler did not stop in time"
)

// Result is the single outcome produced for a dispatched command.
type Result struct {
	CommandID string
	Kind      Kind
	Status    Status
	Reason    string
	Data      any
	// DurationMs is the time between acceptance and completion.
	DurationMs int64
}

// Payload renders the result for the wire.
func (r Result) Payload() wire.ResultPayload {
	return wire.ResultPayload{Status: r.Status.String(), Reason: r.Reason, Data: r.Data}
}

// Sink receives dispatcher output. Calls come from the dispatcher loop and
// must not block.
type Sink interface {
	// Accepted is called once a command has been admitted for execution.
	Accepted(cmd Command)
	// Completed is called exactly once per admitted command.
	Completed(res Result)
}

// DuplicateObserver is optionally implemented by a Sink that wants to see
// suppressed duplicates. err wraps ErrDuplicateCommand.
type DuplicateObserver interface {
	Duplicate(cmd Command, err error)
}
