// Package transporttest provides scripted Channel and Dialer fakes.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bhandras/devicelink/internal/transport"
	"github.com/bhandras/devicelink/internal/wire"
)

// FakeChannel is an in-memory Channel. Tests push inbound messages with
// Inject and inspect outbound traffic with Sent.
type FakeChannel struct {
	// OnSend, when set, is called synchronously for each successful Send. It
	// lets a test act as the controller, e.g. granting handshakes.
	OnSend func(ch *FakeChannel, data []byte)

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	err     error

	incoming  chan []byte
	events    chan transport.Event
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// NewFakeChannel returns a ready channel.
func NewFakeChannel() *FakeChannel {
	ch := NewPendingChannel()
	ch.SetReady()
	return ch
}

// NewPendingChannel returns a channel that is not yet writable.
func NewPendingChannel() *FakeChannel {
	return &FakeChannel{
		incoming: make(chan []byte, 64),
		events:   make(chan transport.Event, 16),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetReady marks the channel writable.
func (c *FakeChannel) SetReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// SetSendError makes subsequent sends fail with err (nil restores success).
func (c *FakeChannel) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Inject delivers an inbound message.
func (c *FakeChannel) Inject(data []byte) {
	select {
	case c.incoming <- append([]byte(nil), data...):
	case <-c.done:
	}
}

// InjectEnvelope encodes and delivers env.
func (c *FakeChannel) InjectEnvelope(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	c.Inject(data)
	return nil
}

// Fail kills the channel as if the link dropped.
func (c *FakeChannel) Fail(err error) {
	if err == nil {
		err = errors.New("link dropped")
	}
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Sent returns a copy of every message sent so far.
func (c *FakeChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentEnvelopes decodes every sent message. Undecodable ones are skipped.
func (c *FakeChannel) SentEnvelopes() []wire.Envelope {
	var out []wire.Envelope
	for _, data := range c.Sent() {
		env, err := wire.Decode(data)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// SentOfType filters SentEnvelopes by type.
func (c *FakeChannel) SentOfType(t wire.Type) []wire.Envelope {
	var out []wire.Envelope
	for _, env := range c.SentEnvelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Closed reports whether Close or Fail was called.
func (c *FakeChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send implements transport.Channel.
func (c *FakeChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return &transport.Error{Op: "send", Err: transport.ErrClosed}
	}
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return &transport.Error{Op: "send", Err: err}
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(c, data)
	}
	return nil
}

// Receive implements transport.Channel.
func (c *FakeChannel) Receive() <-chan []byte { return c.incoming }

// Events implements transport.Channel.
func (c *FakeChannel) Events() <-chan transport.Event { return c.events }

// Ready implements transport.Channel.
func (c *FakeChannel) Ready() <-chan struct{} { return c.ready }

// Done implements transport.Channel.
func (c *FakeChannel) Done() <-chan struct{} { return c.done }

// Err implements transport.Channel.
func (c *FakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements transport.Channel.
func (c *FakeChannel) Close() error {
	c.Fail(transport.ErrClosed)
	return nil
}

// FakeDialer hands out channels in order. When the script runs out it
// creates fresh ready channels wired with Controller.
type FakeDialer struct {
	// Controller, when set, becomes OnSend for channels the dialer creates.
	Controller func(ch *FakeChannel, data []byte)

	mu       sync.Mutex
	script   []dialStep
	dialed   []*FakeChannel
	creds    []transport.Credentials
	dialedCh chan *FakeChannel
}

type dialStep struct {
	ch  *FakeChannel
	err error
}

// NewFakeDialer returns an empty dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dialedCh: make(chan *FakeChannel, 64)}
}

// QueueChannel makes a future Dial return ch.
func (d *FakeDialer) QueueChannel(ch *FakeChannel) {
	d.mu.Lock()
	d.script = append(d.script, dialStep{ch: ch})
	d.mu.Unlock()
}

// QueueError makes a future Dial fail with err.
func (d *FakeDialer) QueueError(err error) {
	d.mu.Lock()
	d.script = append(d.script, dialStep{err: err})
	d.mu.Unlock()
}

// Dialed returns every channel handed out so far.
func (d *FakeDialer) Dialed() []*FakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeChannel, len(d.dialed))
	copy(out, d.dialed)
	return out
}

// Credentials returns the credentials of every dial attempt.
func (d *FakeDialer) Credentials() []transport.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transport.Credentials, len(d.creds))
	copy(out, d.creds)
	return out
}

// Next waits for the next successfully dialed channel.
func (d *FakeDialer) Next(ctx context.Context) (*FakeChannel, error) {
	select {
	case ch := <-d.dialedCh:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial implements transport.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, endpoint string, creds transport.Credentials) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.creds = append(d.creds, creds)
	var step dialStep
	if len(d.script) > 0 {
		step = d.script[0]
		d.script = d.script[1:]
	} else {
		step = dialStep{ch: NewFakeChannel()}
		step.ch.OnSend = d.Controller
	}
	if step.err != nil {
		d.mu.Unlock()
		return nil, &transport.Error{Op: "connect", Err: step.err}
	}
	d.dialed = append(d.dialed, step.ch)
	d.mu.Unlock()

	select {
	case d.dialedCh <- step.ch:
	default:
	}
	return step.ch, nil
}

// GrantingController answers every handshake with a grant for sessionID and
// acks every heartbeat. Use it as FakeDialer.Controller.
func GrantingController(sessionID string) func(ch *FakeChannel, data []byte) {
	return func(ch *FakeChannel, data []byte) {
		env, err := wire.Decode(data)
		if err != nil {
			return
		}
		switch env.Type {
		case wire.TypeHandshake:
			sid := sessionID
			var req wire.HandshakeRequest
			if err := env.DecodePayload(&req); err == nil && req.Resume != nil {
				sid = req.Resume.SessionID
			}
			resp, _ := wire.New(wire.TypeHandshake, sid, 0, wire.HandshakeResponse{
				Status: wire.HandshakeGranted,
			})
			go func() { _ = ch.InjectEnvelope(resp) }()
		case wire.TypeHeartbeat:
			ack, _ := wire.New(wire.TypeAck, env.SessionID, 0, wire.AckPayload{
				Of:  wire.AckOfHeartbeat,
				Seq: env.Seq,
			})
			go func() { _ = ch.InjectEnvelope(ack) }()
		}
	}
}

// DecodeData is a helper for tests unwrapping result data.
func DecodeData(env wire.Envelope, out any) error {
	var res wire.ResultPayload
	if err := env.DecodePayload(&res); err != nil {
		return err
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
