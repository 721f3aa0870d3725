package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/pkg/logger"
)

// Handler executes one command kind. It must observe ctx cancellation and
// return promptly once ctx is done.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (any, error) {
	return f(ctx, cmd)
}

// execution is one running handler.
type execution struct {
	cancel    context.CancelFunc
	timeout   *time.Timer
	grace     *time.Timer
	cancelled bool
}

// runtime interprets dispatcher effects. It never touches reducer state.
type runtime struct {
	handlers map[Kind]Handler
	sink     Sink
	clock    actor.Clock

	mu      sync.Mutex
	running map[uint64]*execution
	wg      sync.WaitGroup
}

func newRuntime(handlers map[Kind]Handler, sink Sink, clock actor.Clock) *runtime {
	return &runtime{
		handlers: handlers,
		sink:     sink,
		clock:    clock,
		running:  make(map[uint64]*execution),
	}
}

func (r *runtime) nowMs() int64 { return r.clock.Now().UnixMilli() }

// HandleEffects implements actor.Runtime.
func (r *runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case effAccepted:
			if r.sink != nil {
				r.sink.Accepted(e.Cmd)
			}
		case effRunHandler:
			r.run(ctx, e, emit)
		case effCancelHandler:
			r.cancel(ctx, e, emit)
		case effRelease:
			r.release(e.Token)
		case effEmitResult:
			logger.Debugf("Command %s (%s) finished: %s %s", e.Result.CommandID, e.Result.Kind, e.Result.Status, e.Result.Reason)
			if r.sink != nil {
				r.sink.Completed(e.Result)
			}
		case effDuplicate:
			err := fmt.Errorf("%w %s: already completed", ErrDuplicateCommand, e.Cmd.ID)
			if e.InFlight {
				err = fmt.Errorf("%w %s: still in flight", ErrDuplicateCommand, e.Cmd.ID)
			}
			logger.Infof("Ignoring command: %v", err)
			if obs, ok := r.sink.(DuplicateObserver); ok {
				obs.Duplicate(e.Cmd, err)
			}
		case effRefused:
			logger.Warnf("Command %s (%s) refused: dispatcher stopping", e.Cmd.ID, e.Cmd.Kind)
		case effNotifyIdle:
			for _, ch := range e.Waiters {
				close(ch)
			}
		}
	}
}

func (r *runtime) run(ctx context.Context, eff effRunHandler, emit func(actor.Input)) {
	h := r.handlers[eff.Cmd.Kind]
	hctx, cancel := context.WithCancel(ctx)
	exec := &execution{cancel: cancel}

	id, token := eff.Cmd.ID, eff.Token
	if eff.TimeoutMs > 0 {
		exec.timeout = time.AfterFunc(msToDuration(eff.TimeoutMs), func() {
			logger.Warnf("Command %s timed out after %dms", id, eff.TimeoutMs)
			emit(evTimeout{ID: id, Token: token, NowMs: r.nowMs()})
		})
	}

	r.mu.Lock()
	r.running[token] = exec
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		status, reason, data := r.invoke(hctx, h, eff.Cmd)
		emit(evHandlerDone{
			ID:     id,
			Token:  token,
			Status: status,
			Reason: reason,
			Data:   data,
			NowMs:  r.nowMs(),
		})
	}()
}

// invoke runs h and converts its outcome, including panics, into a status.
func (r *runtime) invoke(ctx context.Context, h Handler, cmd Command) (status Status, reason string, data any) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Command %s (%s) handler panicked: %v", cmd.ID, cmd.Kind, rec)
			status, reason, data = StatusFailed, fmt.Sprintf("panic: %v", rec), nil
		}
	}()

	if h == nil {
		return StatusFailed, ReasonUnsupported, nil
	}
	out, err := h.Handle(ctx, cmd)
	switch {
	case err == nil:
		return StatusOK, "", out
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return StatusCancelled, ReasonCancelled, nil
	default:
		return StatusFailed, err.Error(), nil
	}
}

func (r *runtime) cancel(ctx context.Context, eff effCancelHandler, emit func(actor.Input)) {
	r.mu.Lock()
	exec := r.running[eff.Token]
	if exec == nil || exec.cancelled {
		r.mu.Unlock()
		return
	}
	exec.cancelled = true
	if exec.timeout != nil {
		exec.timeout.Stop()
	}
	if eff.GraceMs > 0 {
		id, token := eff.ID, eff.Token
		exec.grace = time.AfterFunc(msToDuration(eff.GraceMs), func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			emit(evGraceExpired{ID: id, Token: token, NowMs: r.nowMs()})
		})
	}
	r.mu.Unlock()

	exec.cancel()
}

func (r *runtime) release(token uint64) {
	r.mu.Lock()
	exec := r.running[token]
	delete(r.running, token)
	r.mu.Unlock()
	if exec == nil {
		return
	}
	if exec.timeout != nil {
		exec.timeout.Stop()
	}
	if exec.grace != nil {
		exec.grace.Stop()
	}
	exec.cancel()
}

// Stop implements actor.Runtime.
func (r *runtime) Stop() {
	r.mu.Lock()
	running := r.running
	r.running = make(map[uint64]*execution)
	r.mu.Unlock()
	for _, exec := range running {
		if exec.timeout != nil {
			exec.timeout.Stop()
		}
		if exec.grace != nil {
			exec.grace.Stop()
		}
		exec.cancel()
	}
}
