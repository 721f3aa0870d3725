package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bhandras/devicelink/pkg/logger"
	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

const (
	// DefaultSocketPath is the Socket.IO path the controller serves.
	DefaultSocketPath = "/v1/devices"
	// DefaultMessageEvent is the event that carries envelopes both ways.
	DefaultMessageEvent = "message"

	receiveBuffer = 256
	eventBuffer   = 16

	// writeHighWater is the number of packets buffered in the engine above
	// which the channel reports itself not ready.
	writeHighWater = 32
)

// SocketDialer dials Socket.IO channels.
type SocketDialer struct {
	// Path is the Socket.IO endpoint path.
	Path string
	// Event is the event name used for envelopes.
	Event string
	// WebSocketOnly skips the long-polling transport.
	WebSocketOnly bool
}

// NewSocketDialer returns a dialer with default path and event names.
func NewSocketDialer() *SocketDialer {
	return &SocketDialer{Path: DefaultSocketPath, Event: DefaultMessageEvent}
}

// Dial implements Dialer. It blocks until the socket connects, fails, or ctx
// is done.
func (d *SocketDialer) Dial(ctx context.Context, endpoint string, creds Credentials) (Channel, error) {
	path := d.Path
	if path == "" {
		path = DefaultSocketPath
	}
	event := d.Event
	if event == "" {
		event = DefaultMessageEvent
	}

	opts := socket.DefaultOptions()
	opts.SetPath(path)
	if d.WebSocketOnly {
		opts.SetTransports(types.NewSet(socket.WebSocket))
	} else {
		opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	}
	// Reconnects are driven by the session layer, one Channel per link.
	opts.SetReconnection(false)
	opts.SetAuth(map[string]any{
		"deviceId":   creds.DeviceID,
		"token":      creds.Token,
		"clientType": "device-scoped",
	})

	logger.Debugf("Dialing Socket.IO %s (path: %s)", endpoint, path)
	sock, err := socket.Connect(endpoint, opts)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	ch := newSocketChannel(sock, event)
	ch.wire()

	select {
	case <-ch.up:
		logger.Debugf("Socket.IO connected: %s", sock.Id())
		return ch, nil
	case <-ch.Done():
		err := ch.Err()
		_ = ch.Close()
		return nil, &Error{Op: "connect", Err: err}
	case <-ctx.Done():
		_ = ch.Close()
		return nil, &Error{Op: "connect", Err: ctx.Err()}
	}
}

// socketChannel adapts a Socket.IO client socket to Channel.
type socketChannel struct {
	sock  *socket.Socket
	event string

	incoming chan []byte
	events   chan Event

	// up is closed on the first connect; ready gates each write.
	up        chan struct{}
	upOnce    sync.Once
	ready     *readyGate
	drainOnce sync.Once

	mu        sync.Mutex
	connected bool
	done      chan struct{}
	doneOnce  sync.Once
	err       error
}

func newSocketChannel(sock *socket.Socket, event string) *socketChannel {
	c := &socketChannel{
		sock:     sock,
		event:    event,
		incoming: make(chan []byte, receiveBuffer),
		events:   make(chan Event, eventBuffer),
		up:       make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.ready = newReadyGate(c.writable)
	return c
}

// writable reports whether a write would go out without piling up behind
// earlier ones. A dead channel counts as writable so Send can report why.
func (c *socketChannel) writable() bool {
	select {
	case <-c.done:
		return true
	default:
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return false
	}
	if c.sock.SendBuffer().Len() > 0 {
		return false
	}
	if eng := c.sock.Io().Engine(); eng != nil && eng.WriteBuffer().Len() >= writeHighWater {
		return false
	}
	return true
}

// watchDrain wakes readiness waiters whenever the engine flushes its write
// buffer. The engine only exists once the socket has opened.
func (c *socketChannel) watchDrain() {
	c.drainOnce.Do(func() {
		eng := c.sock.Io().Engine()
		if eng == nil {
			return
		}
		eng.On(types.EventName("drain"), func(...any) { c.ready.wake() })
	})
}

// wire registers socket handlers. The connect event may already have fired, so
// the connected flag is checked once after registration.
func (c *socketChannel) wire() {
	c.sock.On(types.EventName("connect"), func(args ...any) {
		c.markConnected()
	})
	c.sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := "disconnect"
		if len(args) > 0 {
			if r, ok := args[0].(string); ok && r != "" {
				reason = r
			}
		}
		c.die(&Error{Op: "receive", Err: errors.New(reason)}, reason)
	})
	c.sock.On(types.EventName("connect_error"), func(args ...any) {
		err := errors.New("connect error")
		if len(args) > 0 {
			if e, ok := args[0].(error); ok {
				err = e
			} else {
				err = fmt.Errorf("connect error: %v", args[0])
			}
		}
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if !connected {
			c.die(err, "connect_error")
			return
		}
		c.notify(Event{Kind: EventError, Err: err})
	})
	c.sock.On(types.EventName(c.event), func(args ...any) {
		if len(args) == 0 {
			return
		}
		data, err := payloadBytes(args[0])
		if err != nil {
			logger.Warnf("Dropping unreadable %s event: %v", c.event, err)
			return
		}
		select {
		case c.incoming <- data:
		case <-c.done:
		}
	})

	if c.sock.Connected() {
		c.markConnected()
	}
}

func payloadBytes(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case map[string]any:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported payload type %T", arg)
	}
}

func (c *socketChannel) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.upOnce.Do(func() { close(c.up) })
	c.watchDrain()
	c.ready.wake()
	c.notify(Event{Kind: EventConnected})
}

func (c *socketChannel) die(err error, reason string) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.ready.wake()
		c.notify(Event{Kind: EventDisconnected, Reason: reason, Err: err})
	})
}

func (c *socketChannel) notify(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Send implements Channel.
func (c *socketChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	if err := c.sock.Emit(c.event, string(data)); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Receive implements Channel.
func (c *socketChannel) Receive() <-chan []byte { return c.incoming }

// Events implements Channel.
func (c *socketChannel) Events() <-chan Event { return c.events }

// Ready implements Channel. The returned channel is already closed when the
// socket is connected and its buffers are below writeHighWater; otherwise it
// closes on the next connect or engine drain.
func (c *socketChannel) Ready() <-chan struct{} { return c.ready.wait() }

// Done implements Channel.
func (c *socketChannel) Done() <-chan struct{} { return c.done }

// Err implements Channel.
func (c *socketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Channel.
func (c *socketChannel) Close() error {
	c.die(ErrClosed, "closed")
	c.sock.Disconnect()
	return nil
}
