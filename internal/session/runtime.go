package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/internal/transport"
	"github.com/bhandras/devicelink/internal/wire"
	"github.com/bhandras/devicelink/pkg/logger"
)

const (
	dialTimerName = "dial"
	sendTimeout   = 10 * time.Second
)

// link is one dialed channel.
type link struct {
	gen    int64
	ch     transport.Channel
	token  string
	ctx    context.Context
	cancel context.CancelFunc
}

// runtime interprets session effects. It owns channels and timers but never
// the session record.
type runtime struct {
	endpoint    string
	deviceID    string
	dialTimeout time.Duration
	jitter      float64

	dialer   transport.Dialer
	tokens   TokenSource
	outbound Outbound
	observer Observer
	clock    actor.Clock
	rand     func() float64

	// inbound hands peer envelopes to the session mailbox, blocking while it
	// is full so a fast peer is slowed down rather than dropped.
	inbound func(ctx context.Context, in actor.Input) error

	mu      sync.Mutex
	links   map[int64]*link
	timers  map[string]*time.Timer
	stopped bool
}

func newRuntime(cfg Config, deps Deps) *runtime {
	r := &runtime{
		endpoint:    cfg.Endpoint,
		deviceID:    cfg.DeviceID,
		dialTimeout: cfg.HandshakeTimeout,
		jitter:      cfg.BackoffJitter,
		dialer:      deps.Dialer,
		tokens:      deps.Tokens,
		outbound:    deps.Outbound,
		observer:    deps.Observer,
		clock:       deps.Clock,
		rand:        deps.Rand,
		links:       make(map[int64]*link),
		timers:      make(map[string]*time.Timer),
	}
	if r.clock == nil {
		r.clock = actor.RealClock{}
	}
	if r.rand == nil {
		r.rand = rand.Float64
	}
	if r.observer == nil {
		r.observer = NopObserver{}
	}
	return r
}

func (r *runtime) nowMs() int64 { return r.clock.Now().UnixMilli() }

func (r *runtime) watermark() int64 {
	if r.outbound == nil {
		return 0
	}
	return r.outbound.LastSeq()
}

// HandleEffects implements actor.Runtime.
func (r *runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case effDial:
			r.scheduleDial(ctx, e, emit)
		case effSendHandshake:
			r.sendHandshake(e, emit)
		case effSendHeartbeat:
			r.sendControl(e.Gen, wire.TypeHeartbeat, e.SessionID, nil, emit)
		case effRequestReplay:
			logger.Infof("Inbound gap detected, requesting replay from seq=%d", e.From)
			r.sendControl(e.Gen, wire.TypeReplay, e.SessionID, wire.ReplayRequest{From: e.From}, emit)
		case effStartTimer:
			r.startTimer(ctx, e, emit)
		case effCancelTimer:
			r.cancelTimer(e.Name)
		case effAttachDrain:
			r.attachDrain(e, emit)
		case effCloseChannel:
			r.closeLink(e.Gen)
		case effDeliver:
			r.observer.OnMessage(e.Data)
		case effNotifyConnected:
			if e.Info.Resumed {
				logger.Infof("Session %s resumed (replay from seq=%d)", e.Info.SessionID, e.Info.ReplayFrom)
			} else {
				logger.Infof("Session %s granted", e.Info.SessionID)
			}
			r.observer.OnConnected(e.Info)
		case effNotifyDisconnected:
			logger.Warnf("Session disconnected: %s", e.Reason)
			r.observer.OnDisconnected(e.Reason)
		case effIgnored:
			logger.Debugf("Ignoring inbound %s: %s", e.Type, e.Reason)
		case effReplyStart:
			if e.Reply != nil {
				select {
				case e.Reply <- e.Err:
				default:
				}
			}
		case effReplyStop:
			if e.Reply != nil {
				close(e.Reply)
			}
		}
	}
}

// scheduleDial dials after the backoff delay with jitter applied.
func (r *runtime) scheduleDial(ctx context.Context, eff effDial, emit func(actor.Input)) {
	delay := time.Duration(eff.DelayMs) * time.Millisecond
	if delay > 0 && r.jitter > 0 {
		factor := 1 + r.jitter*(2*r.rand()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay <= 0 {
		go r.dial(ctx, eff.Gen, emit)
		return
	}
	logger.Infof("Reconnecting in %s", delay.Round(time.Millisecond))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if prev := r.timers[dialTimerName]; prev != nil {
		prev.Stop()
	}
	r.timers[dialTimerName] = time.AfterFunc(delay, func() { r.dial(ctx, eff.Gen, emit) })
}

func (r *runtime) dial(ctx context.Context, gen int64, emit func(actor.Input)) {
	if ctx.Err() != nil {
		return
	}
	token := ""
	if r.tokens != nil {
		t, err := r.tokens.Token(ctx)
		if err != nil {
			emit(evDialed{Gen: gen, Err: fmt.Errorf("token: %w", err), NowMs: r.nowMs()})
			return
		}
		token = t
	}

	dctx := ctx
	if r.dialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, r.dialTimeout)
		defer cancel()
	}
	ch, err := r.dialer.Dial(dctx, r.endpoint, transport.Credentials{DeviceID: r.deviceID, Token: token})
	if err != nil {
		emit(evDialed{Gen: gen, Err: err, NowMs: r.nowMs()})
		return
	}

	lctx, lcancel := context.WithCancel(ctx)
	l := &link{gen: gen, ch: ch, token: token, ctx: lctx, cancel: lcancel}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		lcancel()
		_ = ch.Close()
		return
	}
	r.links[gen] = l
	r.mu.Unlock()

	emit(evDialed{Gen: gen, NowMs: r.nowMs()})
	go r.readLoop(l, emit)
}

// readLoop forwards inbound envelopes until the channel or link ends.
func (r *runtime) readLoop(l *link, emit func(actor.Input)) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.ch.Done():
			reason := "channel closed"
			if err := l.ch.Err(); err != nil {
				reason = err.Error()
			}
			emit(evChannelFailed{Gen: l.gen, Reason: reason, NowMs: r.nowMs()})
			return
		case ev := <-l.ch.Events():
			logger.Debugf("Channel %d event: %s %s", l.gen, ev.Kind, ev.Reason)
		case data := <-l.ch.Receive():
			env, err := wire.Decode(data)
			if err != nil {
				logger.Warnf("Discarding inbound message: %v", err)
				continue
			}
			ev := evEnvelope{Gen: l.gen, Env: env, Raw: data, NowMs: r.nowMs()}
			if r.inbound == nil {
				emit(ev)
				continue
			}
			if err := r.inbound(l.ctx, ev); err != nil {
				return
			}
		}
	}
}

func (r *runtime) linkFor(gen int64) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[gen]
}

func (r *runtime) sendHandshake(eff effSendHandshake, emit func(actor.Input)) {
	l := r.linkFor(eff.Gen)
	if l == nil {
		return
	}
	req := wire.HandshakeRequest{DeviceID: r.deviceID, Token: l.token, Resume: eff.Resume}
	sid := ""
	if eff.Resume != nil {
		sid = eff.Resume.SessionID
	}
	r.send(l, wire.TypeHandshake, sid, req, emit)
}

func (r *runtime) sendControl(gen int64, t wire.Type, sessionID string, payload any, emit func(actor.Input)) {
	l := r.linkFor(gen)
	if l == nil {
		return
	}
	r.send(l, t, sessionID, payload, emit)
}

// send writes a control envelope on its own goroutine. Control envelopes
// carry the outbound watermark and do not consume a sequence number.
func (r *runtime) send(l *link, t wire.Type, sessionID string, payload any, emit func(actor.Input)) {
	env, err := wire.New(t, sessionID, r.watermark(), payload)
	if err != nil {
		logger.Errorf("Build %s envelope: %v", t, err)
		return
	}
	data, err := wire.Encode(env)
	if err != nil {
		logger.Errorf("Encode %s envelope: %v", t, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, sendTimeout)
		defer cancel()
		if err := l.ch.Send(ctx, data); err != nil {
			if l.ctx.Err() != nil {
				return
			}
			emit(evChannelFailed{Gen: l.gen, Reason: fmt.Sprintf("send %s: %v", t, err), NowMs: r.nowMs()})
		}
	}()
}

func (r *runtime) attachDrain(eff effAttachDrain, emit func(actor.Input)) {
	if r.outbound == nil {
		return
	}
	l := r.linkFor(eff.Gen)
	if l == nil {
		return
	}
	go func() {
		err := r.outbound.DrainTo(l.ctx, l.ch, eff.SessionID)
		if err == nil || l.ctx.Err() != nil {
			return
		}
		emit(evChannelFailed{Gen: l.gen, Reason: "drain: " + err.Error(), NowMs: r.nowMs()})
	}()
}

func (r *runtime) closeLink(gen int64) {
	r.mu.Lock()
	l := r.links[gen]
	delete(r.links, gen)
	r.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	if err := l.ch.Close(); err != nil {
		logger.Debugf("Close channel %d: %v", gen, err)
	}
}

func (r *runtime) startTimer(ctx context.Context, eff effStartTimer, emit func(actor.Input)) {
	if eff.Name == "" || eff.AfterMs <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if prev := r.timers[eff.Name]; prev != nil {
		prev.Stop()
	}
	after := time.Duration(eff.AfterMs) * time.Millisecond
	r.timers[eff.Name] = time.AfterFunc(after, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		emit(evTimerFired{Name: eff.Name, Gen: eff.Gen, NowMs: r.nowMs()})
	})
}

func (r *runtime) cancelTimer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.timers[name]; t != nil {
		t.Stop()
	}
	delete(r.timers, name)
}

// Stop implements actor.Runtime. It closes every channel and timer.
func (r *runtime) Stop() {
	r.mu.Lock()
	r.stopped = true
	links := r.links
	r.links = make(map[int64]*link)
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
	r.mu.Unlock()

	for _, l := range links {
		l.cancel()
		_ = l.ch.Close()
	}
}
