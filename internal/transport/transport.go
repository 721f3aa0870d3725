// Package transport wraps the socket library behind a narrow Channel
// interface.
//
// A Channel is one physical connection. It never reconnects on its own; the
// session layer dials a fresh Channel after a failure so each physical link has
// a clean lifecycle.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when operating on a channel that has shut down.
	ErrClosed = errors.New("transport: channel closed")
	// ErrNotConnected is returned by Send before the channel is writable.
	ErrNotConnected = errors.New("transport: not connected")
)

// Error is a connect/send/receive failure.
type Error struct {
	// Op is the failing operation ("connect", "send", "receive").
	Op  string
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// EventKind enumerates channel lifecycle events.
type EventKind int

const (
	// EventConnected fires once the channel becomes writable.
	EventConnected EventKind = iota
	// EventDisconnected fires when the link drops.
	EventDisconnected
	// EventError reports a non-fatal transport error.
	EventError
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification.
type Event struct {
	Kind   EventKind
	Reason string
	Err    error
}

// Credentials identify the device to the controller at connect time.
type Credentials struct {
	DeviceID string
	Token    string
}

// Channel is one physical, bidirectional message link.
type Channel interface {
	// Send writes one message.
	Send(ctx context.Context, data []byte) error
	// Receive yields inbound messages in wire order. It is never closed; watch
	// Done for the end of the channel.
	Receive() <-chan []byte
	// Events yields lifecycle notifications. Delivery is best-effort.
	Events() <-chan Event
	// Ready returns a channel that is closed once the link can take a write.
	// Callers ask again before each write; a link that has backed up hands
	// out an open channel until it drains.
	Ready() <-chan struct{}
	// Done is closed when the channel is dead (dropped or closed).
	Done() <-chan struct{}
	// Err returns why the channel died, or nil while it is alive.
	Err() error
	// Close releases the channel. It is idempotent.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds Credentials) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, creds Credentials) (Channel, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, endpoint string, creds Credentials) (Channel, error) {
	return f(ctx, endpoint, creds)
}
