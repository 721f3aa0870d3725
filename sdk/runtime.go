// Package sdk composes the session, dispatcher, outbound queue and frame
// source into a single CommandRuntime with an explicit start/stop lifecycle.
//
// Runtime is the only object a UI layer needs. Listener callbacks are
// delivered on a dedicated goroutine, one at a time, in the order the
// underlying events happened.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/internal/dispatch"
	"github.com/bhandras/devicelink/internal/frames"
	"github.com/bhandras/devicelink/internal/outbound"
	"github.com/bhandras/devicelink/internal/session"
	"github.com/bhandras/devicelink/internal/storage"
	"github.com/bhandras/devicelink/internal/transport"
	"github.com/bhandras/devicelink/internal/wire"
	"github.com/bhandras/devicelink/pkg/logger"
)

// ErrNotStarted is returned by operations that need a started runtime.
var ErrNotStarted = errors.New("sdk: runtime not started")

// Listener is the UI-facing callback surface. Calls never overlap.
type Listener interface {
	OnStateChanged(snap session.Snapshot)
	OnCommandResult(res dispatch.Result)
	// OnCaptureActive reports when the camera starts and stops being used.
	OnCaptureActive(active bool)
}

// NopListener ignores every callback.
type NopListener struct{}

// OnStateChanged implements Listener.
func (NopListener) OnStateChanged(session.Snapshot) {}

// OnCommandResult implements Listener.
func (NopListener) OnCommandResult(dispatch.Result) {}

// OnCaptureActive implements Listener.
func (NopListener) OnCaptureActive(bool) {}

// Config groups the per-component settings.
type Config struct {
	Session  session.Config
	Dispatch dispatch.Config
	Outbound outbound.Config
	Frames   frames.Config

	// ChunkSize is the default frame chunk size in bytes.
	ChunkSize int
	// TelemetryInterval is the telemetry period. Zero disables telemetry.
	TelemetryInterval time.Duration
	// StopFlushTimeout bounds how long Stop waits for queued results to reach
	// an active channel before closing it.
	StopFlushTimeout time.Duration
}

// DefaultConfig returns defaults for everything except the session endpoint
// and device id.
func DefaultConfig() Config {
	return Config{
		Session:           session.DefaultConfig(),
		Dispatch:          dispatch.DefaultConfig(),
		Outbound:          outbound.DefaultConfig(),
		Frames:            frames.DefaultConfig(),
		ChunkSize:         32 * 1024,
		TelemetryInterval: 30 * time.Second,
		StopFlushTimeout:  time.Second,
	}
}

// Deps are the external collaborators.
type Deps struct {
	Dialer  transport.Dialer
	Tokens  session.TokenSource
	Camera  frames.Camera
	Decoder frames.Decoder
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithListener sets the UI listener.
func WithListener(l Listener) Option {
	return func(r *Runtime) {
		if l != nil {
			r.listener = l
		}
	}
}

// WithResumeStore persists the resume record. Without it the record lives in
// memory only.
func WithResumeStore(s storage.ResumeStore) Option {
	return func(r *Runtime) {
		if s != nil {
			r.store = s
		}
	}
}

// WithClock overrides the time source.
func WithClock(c actor.Clock) Option {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRand overrides the backoff jitter source.
func WithRand(fn func() float64) Option {
	return func(r *Runtime) { r.rand = fn }
}

// Runtime is the CommandRuntime.
type Runtime struct {
	cfg      Config
	clock    actor.Clock
	rand     func() float64
	listener Listener
	store    storage.ResumeStore

	queue      *outbound.Queue
	source     *frames.Source
	dispatcher *dispatch.Dispatcher
	session    *session.Manager
	callbacks  *callbackQueue

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// life is cancelled by Stop and bounds waits on inbound backpressure.
	life       context.Context
	cancelLife context.CancelFunc
}

// New wires a stopped runtime. A stored resume record, if any, is applied so
// the first handshake resumes the previous session and outbound seqs continue
// past the stored watermark.
func New(cfg Config, deps Deps, opts ...Option) (*Runtime, error) {
	if deps.Camera == nil {
		return nil, errors.New("sdk: camera is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}

	r := &Runtime{
		cfg:      cfg,
		clock:    actor.RealClock{},
		listener: NopListener{},
		store:    storage.NewMemoryResumeStore(),
		stopCh:   make(chan struct{}),
	}
	r.life, r.cancelLife = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}

	r.queue = outbound.New(cfg.Outbound, outbound.WithNow(r.clock.Now))
	if rec, ok, err := r.store.Load(); err != nil {
		logger.Warnf("Ignoring unreadable resume record: %v", err)
	} else if ok {
		logger.Infof("Resuming session %s (lastSeen=%d lastSent=%d)", rec.SessionID, rec.LastSeenSeq, rec.LastSentSeq)
		cfg.Session.Resume = &session.Resume{SessionID: rec.SessionID, LastSeenSeq: rec.LastSeenSeq}
		r.queue.Restore(rec.LastSentSeq)
	}

	r.callbacks = newCallbackQueue()
	r.source = frames.NewSource(deps.Camera, deps.Decoder, cfg.Frames,
		frames.WithNow(r.clock.Now),
		frames.WithOnActive(r.captureActive),
	)
	r.dispatcher = dispatch.New(cfg.Dispatch, r.handlers(), resultSink{r: r},
		dispatch.WithClock(r.clock),
	)

	mgr, err := session.New(cfg.Session, session.Deps{
		Dialer:   deps.Dialer,
		Tokens:   deps.Tokens,
		Outbound: r.queue,
		Observer: sessionObserver{r: r},
		Clock:    r.clock,
		Rand:     r.rand,
	})
	if err != nil {
		_ = r.callbacks.close(context.Background())
		return nil, fmt.Errorf("sdk: %w", err)
	}
	r.session = mgr
	return r, nil
}

// Start connects to the controller and begins accepting commands.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return session.ErrStopped
	}
	if r.started {
		r.mu.Unlock()
		return session.ErrAlreadyStarted
	}
	r.started = true
	r.startedAt = r.clock.Now()
	r.mu.Unlock()

	r.dispatcher.Start()
	if err := r.session.Start(); err != nil {
		return err
	}
	if r.cfg.TelemetryInterval > 0 {
		r.wg.Add(1)
		go r.telemetryLoop(r.cfg.TelemetryInterval)
	}
	return nil
}

// Stop cancels every in-flight command and the active capture, gives the
// resulting Cancelled answers a chance to reach the controller, then ends the
// session and releases the channel. It is idempotent and safe before Start.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopCh)
	r.cancelLife()
	r.mu.Unlock()

	// Stop waits on the loops, so they must be running even if Start never was.
	r.dispatcher.Start()
	var errs []error
	if err := r.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}
	// Handlers release the source as they observe cancellation. This catches a
	// request that outlived the stop grace.
	r.source.Cancel()
	r.flush(ctx)
	if err := r.session.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	r.wg.Wait()

	snap := r.session.State()
	r.callbacks.do(func() { r.persist(snap) })
	if err := r.callbacks.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain callbacks: %w", err))
	}
	if n := r.queue.Len(); n > 0 {
		logger.Warnf("Discarding %d unsent outbound items", n)
	}
	return errors.Join(errs...)
}

// flush waits for the queue to empty while the session is active.
func (r *Runtime) flush(ctx context.Context) {
	if r.cfg.StopFlushTimeout <= 0 || r.queue.Len() == 0 {
		return
	}
	deadline := time.NewTimer(r.cfg.StopFlushTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for r.queue.Len() > 0 && r.session.State().State == session.StateActive {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// State returns the current session snapshot.
func (r *Runtime) State() session.Snapshot { return r.session.State() }

// Status gathers the counters reported by telemetry and report_status.
func (r *Runtime) Status(ctx context.Context) wire.TelemetryPayload {
	snap := r.session.State()
	qs := r.queue.Stats()

	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()

	st := wire.TelemetryPayload{
		State:         string(snap.State),
		Reconnects:    snap.Reconnects,
		QueueDepth:    qs.Depth(),
		FramesDropped: qs.FramesDropped,
		TelemetryLost: qs.TelemetryEvicted,
		CaptureActive: r.source.Active(),
	}
	if !startedAt.IsZero() {
		st.UptimeMs = r.clock.Now().Sub(startedAt).Milliseconds()
	}

	qctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if ds, err := r.dispatcher.Snapshot(qctx); err == nil {
		st.CommandsActive = ds.InFlight
	}
	return st
}

func (r *Runtime) telemetryLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
		if r.session.State().State != session.StateActive {
			continue
		}
		r.queue.Enqueue(outbound.Item{
			Kind:    outbound.KindTelemetry,
			Payload: r.Status(context.Background()),
		})
	}
}

func (r *Runtime) captureActive(active bool) {
	r.callbacks.do(func() { r.listener.OnCaptureActive(active) })
}

// persist records the resume point, or forgets it once the controller has
// refused the session.
func (r *Runtime) persist(snap session.Snapshot) {
	if snap.State == session.StateTerminated && errors.Is(snap.Err, session.ErrHandshakeRejected) {
		if err := r.store.Clear(); err != nil {
			logger.Warnf("Failed to clear resume record: %v", err)
		}
		return
	}
	if snap.SessionID == "" {
		return
	}
	err := r.store.Save(storage.ResumeRecord{
		SessionID:   snap.SessionID,
		LastSeenSeq: snap.LastSeenSeq,
		LastSentSeq: r.queue.LastSeq(),
	})
	if err != nil {
		logger.Warnf("Failed to save resume record: %v", err)
	}
}

// sessionObserver adapts session notifications. It runs on the session loop
// and only hands work off.
type sessionObserver struct{ r *Runtime }

func (o sessionObserver) OnConnected(info session.ConnectedInfo) {}

func (o sessionObserver) OnDisconnected(reason string) {}

// OnMessage blocks while the dispatcher mailbox is full, which in turn holds
// the session read loop and slows the peer down.
func (o sessionObserver) OnMessage(data []byte) {
	err := o.r.dispatcher.DispatchRaw(o.r.life, data)
	var decErr *dispatch.DecodeError
	switch {
	case err == nil:
	case errors.As(err, &decErr):
		logger.Warnf("Discarding inbound message: %v", err)
	case errors.Is(err, context.Canceled), errors.Is(err, actor.ErrStopped):
		logger.Debugf("Runtime stopping, not dispatching: %v", err)
	default:
		logger.Errorf("Failed to dispatch command: %v", err)
	}
}

func (o sessionObserver) OnStateChanged(snap session.Snapshot) {
	r := o.r
	r.callbacks.do(func() {
		r.persist(snap)
		r.listener.OnStateChanged(snap)
	})
}

// resultSink turns dispatcher output into outbound acks and results.
type resultSink struct{ r *Runtime }

func (s resultSink) Accepted(cmd dispatch.Command) {
	s.r.queue.Enqueue(outbound.Item{
		Kind:      outbound.KindAck,
		CommandID: cmd.ID,
		Payload:   wire.AckPayload{Of: wire.AckOfCommand},
	})
}

func (s resultSink) Completed(res dispatch.Result) {
	s.r.queue.Enqueue(outbound.Item{
		Kind:      outbound.KindResult,
		CommandID: res.CommandID,
		Payload:   res.Payload(),
	})
	s.r.callbacks.do(func() { s.r.listener.OnCommandResult(res) })
}

func (s resultSink) Duplicate(cmd dispatch.Command, err error) {
	logger.Debugf("Duplicate %s command dropped: %v", cmd.Kind, err)
}
