// Package actor runs a pure state reducer on a single goroutine and hands the
// effects it returns to a runtime, which reports back by emitting inputs.
//
// Session state and the command in-flight table are both owned this way, so no
// other goroutine ever mutates them.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when an input is offered to a stopped actor.
var ErrStopped = errors.New("actor stopped")

// ErrMailboxFull is returned by TryEnqueue when the mailbox has no room.
var ErrMailboxFull = errors.New("actor mailbox full")

// Input is anything the loop can reduce: a caller request or an observation
// emitted by the runtime.
type Input interface {
	isActorInput()
}

// Effect describes work for the runtime to perform. Reducers return effects
// instead of doing I/O themselves.
type Effect interface {
	isActorEffect()
}

// ReducerFunc computes the next state for an input. It must not block, start
// goroutines, or read clocks and randomness; those arrive as inputs.
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime performs effects on behalf of the loop.
type Runtime interface {
	// HandleEffects is called on the loop goroutine and must return promptly.
	// Results are reported through emit, which is safe from any goroutine.
	// Nothing should be emitted after ctx is cancelled.
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))

	// Stop ends background work. It may be called more than once.
	Stop()
}

// Hooks observe the loop. Every field is optional.
type Hooks[S any] struct {
	// OnInput sees each input just before it is reduced.
	OnInput func(input Input)
	// OnTransition is called after reducing, once the next state is applied.
	OnTransition func(prev S, next S, input Input)
	// OnDropped is called when the runtime emits an input after the actor has
	// stopped. Emits on a running actor are never dropped.
	OnDropped func(input Input)
	// OnPanic is called when the loop panics. If nil, panics propagate.
	OnPanic func(recovered any)
}

// Actor owns a value of type S and changes it only on its loop goroutine.
//
// Two queues feed the loop. The bounded mailbox carries caller inputs and
// applies backpressure. The event backlog carries inputs emitted by the
// runtime and is unbounded; it only grows with work the reducer itself
// started, and the loop always drains it before taking from the mailbox.
type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	mu    sync.Mutex
	state S

	mailbox chan Input

	backlogMu sync.Mutex
	backlog   []Input
	wake      chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once
}

// Option customizes New.
type Option[S any] func(*Actor[S])

// WithHooks installs hooks.
func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

// WithMailboxSize sets the capacity of the caller mailbox.
func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n > 0 {
			a.mailbox = make(chan Input, n)
		}
	}
}

// New returns a stopped actor holding initial. Call Start to run it.
func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		mailbox: make(chan Input, 256),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the actor loop in its own goroutine. It is idempotent.
func (a *Actor[S]) Start() {
	a.started.Do(func() { go a.loop() })
}

// Stop ends the loop and tells the runtime to stop.
//
// Stop is safe to call multiple times. Anything still queued is discarded.
func (a *Actor[S]) Stop() {
	a.cancel()
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

// Done is closed after the loop goroutine returns.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

func (a *Actor[S]) stopped() bool {
	return a.ctx.Err() != nil
}

// Enqueue offers an input to the mailbox without blocking and reports whether
// it was accepted.
func (a *Actor[S]) Enqueue(input Input) bool {
	return a.TryEnqueue(input) == nil
}

// TryEnqueue offers an input to the mailbox without blocking. It fails with
// ErrStopped or ErrMailboxFull.
func (a *Actor[S]) TryEnqueue(input Input) error {
	switch {
	case input == nil:
		return nil
	case a.stopped():
		return ErrStopped
	}
	select {
	case a.mailbox <- input:
		return nil
	default:
		return ErrMailboxFull
	}
}

// EnqueueWait blocks until the mailbox takes the input, the actor stops, or
// ctx is done.
func (a *Actor[S]) EnqueueWait(ctx context.Context, input Input) error {
	switch {
	case input == nil:
		return nil
	case a.stopped():
		return ErrStopped
	}
	select {
	case a.mailbox <- input:
		return nil
	case <-a.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues an input on the event backlog. It never blocks and never fails
// on a running actor, so it is reserved for inputs whose loss would wedge the
// reducer, such as completions, timer expiries, and cancellations. It returns
// ErrStopped once the actor is stopped.
func (a *Actor[S]) Post(input Input) error {
	if input == nil {
		return nil
	}
	a.backlogMu.Lock()
	if a.stopped() {
		a.backlogMu.Unlock()
		return ErrStopped
	}
	a.backlog = append(a.backlog, input)
	a.backlogMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// State returns the state as of the last reduced input.
//
// Callers must treat the snapshot as read-only; maps and slices inside S are
// shared with the loop.
func (a *Actor[S]) State() S {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// popBacklog removes the oldest emitted input, if any.
func (a *Actor[S]) popBacklog() (Input, bool) {
	a.backlogMu.Lock()
	defer a.backlogMu.Unlock()
	if len(a.backlog) == 0 {
		return nil, false
	}
	in := a.backlog[0]
	a.backlog[0] = nil
	a.backlog = a.backlog[1:]
	if len(a.backlog) == 0 {
		a.backlog = nil
	}
	return in, true
}

// next returns the input the loop should reduce next. Emitted inputs win over
// the mailbox. ok is false once the actor is stopped.
func (a *Actor[S]) next() (Input, bool) {
	for {
		if a.stopped() {
			return nil, false
		}
		if in, ok := a.popBacklog(); ok {
			return in, true
		}
		select {
		case <-a.ctx.Done():
			return nil, false
		case <-a.wake:
		case in := <-a.mailbox:
			return in, true
		}
	}
}

func (a *Actor[S]) emit(in Input) {
	if err := a.Post(in); err != nil && a.hooks.OnDropped != nil {
		a.hooks.OnDropped(in)
	}
}

func (a *Actor[S]) step(in Input) {
	if a.hooks.OnInput != nil {
		a.hooks.OnInput(in)
	}

	a.mu.Lock()
	prev := a.state
	a.mu.Unlock()

	next, effects := a.reduce(prev, in)

	a.mu.Lock()
	a.state = next
	a.mu.Unlock()

	if a.hooks.OnTransition != nil {
		a.hooks.OnTransition(prev, next, in)
	}
	if a.runtime != nil && len(effects) > 0 {
		a.runtime.HandleEffects(a.ctx, effects, a.emit)
	}
}

func (a *Actor[S]) loop() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			if a.hooks.OnPanic == nil {
				panic(r)
			}
			a.hooks.OnPanic(r)
		}
	}()

	for {
		in, ok := a.next()
		if !ok {
			return
		}
		if in != nil {
			a.step(in)
		}
	}
}
