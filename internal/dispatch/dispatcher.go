// Package dispatch decodes inbound commands and runs each one at most once.
//
// The in-flight table and the completed-id window live in an actor reducer.
// Handlers run on their own goroutines and report back through the actor
// event backlog, so a slow command never blocks dispatch of others and a
// completion is never lost to a full mailbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/pkg/logger"
)

// ErrDuplicateCommand marks a command id that is in flight or was recently
// completed. Duplicates are dropped without a result.
var ErrDuplicateCommand = errors.New("duplicate command")

// Config controls dedupe and timeouts.
type Config struct {
	// DedupeTTL is how long completed ids are remembered.
	DedupeTTL time.Duration
	// DedupeMax bounds the number of remembered ids.
	DedupeMax int
	// CommandTimeout bounds handler execution. Zero disables it.
	CommandTimeout time.Duration
	// KindTimeouts overrides CommandTimeout per kind.
	KindTimeouts map[Kind]time.Duration
	// StopGrace is how long a cancelled handler may take before a Cancelled
	// result is synthesized for it.
	StopGrace time.Duration
	// MailboxSize bounds queued inputs.
	MailboxSize int
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{
		DedupeTTL:      10 * time.Minute,
		DedupeMax:      1024,
		CommandTimeout: 30 * time.Second,
		KindTimeouts: map[Kind]time.Duration{
			KindStreamFrames: 10 * time.Minute,
		},
		StopGrace:   2 * time.Second,
		MailboxSize: 1024,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(c actor.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// Dispatcher routes commands to handlers.
type Dispatcher struct {
	clock   actor.Clock
	runtime *runtime
	loop    *actor.Actor[State]
}

// New returns a dispatcher with the given handlers. Kinds without a handler
// are answered with Failed("unsupported").
func New(cfg Config, handlers map[Kind]Handler, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{clock: actor.RealClock{}}
	for _, opt := range opts {
		opt(d)
	}

	handled := make(map[Kind]bool, len(handlers))
	hs := make(map[Kind]Handler, len(handlers))
	for k, h := range handlers {
		if h == nil {
			continue
		}
		handled[k] = true
		hs[k] = h
	}

	d.runtime = newRuntime(hs, sink, d.clock)
	rc := newReducerConfig(cfg, handled)
	d.loop = actor.New(newInitialState(), rc.reduce, d.runtime,
		actor.WithMailboxSize[State](cfg.MailboxSize),
		actor.WithHooks(actor.Hooks[State]{
			OnDropped: func(in actor.Input) {
				logger.Debugf("Dispatcher stopped, discarding %T", in)
			},
			OnPanic: func(r any) {
				logger.Errorf("Dispatcher loop panicked: %v", r)
			},
		}),
	)
	return d
}

// Start launches the dispatcher loop.
func (d *Dispatcher) Start() { d.loop.Start() }

// Dispatch admits cmd without blocking. The outcome arrives on the Sink.
func (d *Dispatcher) Dispatch(cmd Command) error {
	if err := d.loop.TryEnqueue(cmdDispatch{Cmd: cmd, NowMs: d.clock.Now().UnixMilli()}); err != nil {
		return fmt.Errorf("dispatch %s: %w", cmd.ID, err)
	}
	return nil
}

// DispatchRaw decodes data and admits it, waiting while the mailbox is full.
// Decode failures are returned as *DecodeError and nothing is dispatched.
func (d *Dispatcher) DispatchRaw(ctx context.Context, data []byte) error {
	cmd, err := Decode(data, d.clock.Now())
	if err != nil {
		return err
	}
	in := cmdDispatch{Cmd: cmd, NowMs: d.clock.Now().UnixMilli()}
	if err := d.loop.EnqueueWait(ctx, in); err != nil {
		return fmt.Errorf("dispatch %s: %w", cmd.ID, err)
	}
	return nil
}

// Cancel requests cancellation of an in-flight command. It is never lost to
// a full mailbox.
func (d *Dispatcher) Cancel(id string) {
	_ = d.loop.Post(cmdCancel{ID: id})
}

// CancelAll cancels every in-flight command and refuses new ones.
func (d *Dispatcher) CancelAll() {
	_ = d.loop.Post(cmdCancelAll{})
}

// Idle returns a channel closed once no command is in flight.
func (d *Dispatcher) Idle(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{})
	if err := d.loop.EnqueueWait(ctx, cmdWaitIdle{Reply: ch}); err != nil {
		return nil, err
	}
	return ch, nil
}

// Snapshot returns the current counters.
func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := d.loop.EnqueueWait(ctx, cmdSnapshot{Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-d.loop.Done():
		return Snapshot{}, actor.ErrStopped
	}
}

// Stop cancels every in-flight command, waits until each one has produced its
// result (handlers past the stop grace get a synthesized Cancelled), then
// stops the loop. It is idempotent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var waitErr error
	if err := d.loop.Post(cmdCancelAll{}); err == nil {
		idle, err := d.Idle(ctx)
		if err == nil {
			select {
			case <-idle:
			case <-ctx.Done():
				waitErr = ctx.Err()
			}
		} else if !errors.Is(err, actor.ErrStopped) {
			waitErr = err
		}
	} else if !errors.Is(err, actor.ErrStopped) {
		waitErr = err
	}
	d.loop.Stop()
	return waitErr
}
