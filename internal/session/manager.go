// Package session keeps one logical controller session alive over a sequence
// of physical channels.
//
// The session record is owned by an actor loop. The reducer decides dials,
// handshakes, heartbeats and backoff; the runtime carries them out and
// reports back with generation-tagged events so late events from a dead
// channel are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/internal/outbound"
	"github.com/bhandras/devicelink/internal/transport"
	"github.com/bhandras/devicelink/pkg/logger"
)

// Config controls session timing.
type Config struct {
	Endpoint string
	DeviceID string

	HandshakeTimeout    time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int

	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BackoffJitter is the +/- fraction applied to each backoff delay.
	BackoffJitter float64
	// MaxAttempts bounds consecutive failed reconnects. Zero is unbounded.
	MaxAttempts int

	// Resume continues a session persisted by an earlier run.
	Resume *Resume

	MailboxSize int
}

// Resume is the minimal record needed to resume a session.
type Resume struct {
	SessionID   string
	LastSeenSeq int64
}

// DefaultConfig returns default timings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    10 * time.Second,
		HeartbeatInterval:   15 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		MaxMissedHeartbeats: 3,
		BackoffBase:         500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
		BackoffJitter:       0.2,
		MailboxSize:         512,
	}
}

func (c Config) validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("session: endpoint is required")
	case c.DeviceID == "":
		return errors.New("session: device id is required")
	case c.HandshakeTimeout <= 0:
		return errors.New("session: handshake timeout must be positive")
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return errors.New("session: heartbeat interval and timeout must be positive")
	case c.MaxMissedHeartbeats <= 0:
		return errors.New("session: max missed heartbeats must be positive")
	case c.BackoffJitter < 0 || c.BackoffJitter >= 1:
		return errors.New("session: backoff jitter must be in [0, 1)")
	case c.MaxAttempts < 0:
		return errors.New("session: max attempts must not be negative")
	}
	return nil
}

// TokenSource supplies the bearer token presented on each dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns itself.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Outbound is the queue drained into each active channel.
type Outbound interface {
	DrainTo(ctx context.Context, sink outbound.Sink, sessionID string) error
	// LastSeq is the outbound watermark carried by control envelopes.
	LastSeq() int64
}

// Observer receives session notifications on the session loop. Calls must
// not block.
type Observer interface {
	OnConnected(info ConnectedInfo)
	OnDisconnected(reason string)
	OnMessage(data []byte)
	OnStateChanged(snap Snapshot)
}

// NopObserver ignores every notification.
type NopObserver struct{}

// OnConnected implements Observer.
func (NopObserver) OnConnected(ConnectedInfo) {}

// OnDisconnected implements Observer.
func (NopObserver) OnDisconnected(string) {}

// OnMessage implements Observer.
func (NopObserver) OnMessage([]byte) {}

// OnStateChanged implements Observer.
func (NopObserver) OnStateChanged(Snapshot) {}

// Deps are the manager collaborators.
type Deps struct {
	Dialer   transport.Dialer
	Tokens   TokenSource
	Outbound Outbound
	Observer Observer
	// Clock defaults to the wall clock.
	Clock actor.Clock
	// Rand returns values in [0, 1) for backoff jitter.
	Rand func() float64
}

// Manager owns the session.
type Manager struct {
	clock actor.Clock
	loop  *actor.Actor[State]
}

// New validates cfg and returns a stopped manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	rt := newRuntime(cfg, deps)
	observer := rt.observer

	m := &Manager{clock: rt.clock}
	rc := newReducerConfig(cfg)
	m.loop = actor.New(newInitialState(cfg.Resume), rc.reduce, rt,
		actor.WithMailboxSize[State](cfg.MailboxSize),
		actor.WithHooks(actor.Hooks[State]{
			OnTransition: func(prev, next State, _ actor.Input) {
				if prev.FSM != next.FSM {
					logger.Infof("Session %s -> %s", prev.FSM, next.FSM)
				}
				a, b := snapshotOf(prev), snapshotOf(next)
				if !sameObservable(a, b) {
					observer.OnStateChanged(b)
				}
			},
			OnDropped: func(in actor.Input) {
				logger.Debugf("Session loop stopped, discarding %T", in)
			},
			OnPanic: func(r any) {
				logger.Errorf("Session loop panicked: %v", r)
			},
		}),
	)
	rt.inbound = m.loop.EnqueueWait
	return m, nil
}

// Start begins connecting. It returns ErrAlreadyStarted on a second call.
func (m *Manager) Start() error {
	m.loop.Start()
	reply := make(chan error, 1)
	if err := m.loop.TryEnqueue(cmdStart{NowMs: m.clock.Now().UnixMilli(), Reply: reply}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	select {
	case err := <-reply:
		return err
	case <-m.loop.Done():
		return actor.ErrStopped
	}
}

// Stop terminates the session and releases the channel, from any state. It is
// idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.loop.Start()
	reply := make(chan struct{})
	err := m.loop.EnqueueWait(ctx, cmdStop{Reply: reply})
	if errors.Is(err, actor.ErrStopped) {
		return nil
	}
	if err != nil {
		m.loop.Stop()
		return err
	}

	var waitErr error
	select {
	case <-reply:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	m.loop.Stop()
	select {
	case <-m.loop.Done():
	case <-ctx.Done():
		if waitErr == nil {
			waitErr = ctx.Err()
		}
	}
	return waitErr
}

// State returns the current session snapshot.
func (m *Manager) State() Snapshot {
	return snapshotOf(m.loop.State())
}

// Done is closed once the session loop has exited after Stop.
func (m *Manager) Done() <-chan struct{} { return m.loop.Done() }
