package session

import (
	"fmt"
	"slices"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/internal/wire"
)

// reducerConfig carries the timing knobs the reducer needs, in milliseconds.
type reducerConfig struct {
	handshakeTimeoutMs  int64
	heartbeatIntervalMs int64
	heartbeatTimeoutMs  int64
	maxMissedHeartbeats int
	backoffBaseMs       int64
	backoffMaxMs        int64
	maxAttempts         int
}

func newReducerConfig(cfg Config) reducerConfig {
	return reducerConfig{
		handshakeTimeoutMs:  cfg.HandshakeTimeout.Milliseconds(),
		heartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
		heartbeatTimeoutMs:  cfg.HeartbeatTimeout.Milliseconds(),
		maxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		backoffBaseMs:       cfg.BackoffBase.Milliseconds(),
		backoffMaxMs:        cfg.BackoffMax.Milliseconds(),
		maxAttempts:         cfg.MaxAttempts,
	}
}

func newInitialState(resume *Resume) State {
	state := State{FSM: StateDisconnected}
	if resume != nil && resume.SessionID != "" {
		state.SessionID = resume.SessionID
		if resume.LastSeenSeq > 0 {
			state.LastSeenSeq = resume.LastSeenSeq
			state.HighestSeenSeq = resume.LastSeenSeq
		}
	}
	return state
}

func (rc reducerConfig) reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case cmdStart:
		return rc.reduceStart(state, in)
	case cmdStop:
		return rc.reduceStop(state, in)
	case evDialed:
		return rc.reduceDialed(state, in)
	case evEnvelope:
		return rc.reduceEnvelope(state, in)
	case evChannelFailed:
		if in.Gen != state.ChannelGen {
			return state, nil
		}
		return rc.fail(state, in.Reason)
	case evTimerFired:
		return rc.reduceTimerFired(state, in)
	default:
		return state, nil
	}
}

func (rc reducerConfig) reduceStart(state State, cmd cmdStart) (State, []actor.Effect) {
	if state.FSM != StateDisconnected {
		return state, []actor.Effect{effReplyStart{Reply: cmd.Reply, Err: ErrAlreadyStarted}}
	}
	state.FSM = StateConnecting
	state.ChannelGen++
	return state, []actor.Effect{
		effReplyStart{Reply: cmd.Reply},
		effDial{Gen: state.ChannelGen},
	}
}

func (rc reducerConfig) reduceStop(state State, cmd cmdStop) (State, []actor.Effect) {
	if state.FSM == StateTerminated {
		return state, []actor.Effect{effReplyStop{Reply: cmd.Reply}}
	}
	next, effects := rc.terminate(state, ErrStopped)
	return next, append(effects, effReplyStop{Reply: cmd.Reply})
}

func (rc reducerConfig) reduceDialed(state State, ev evDialed) (State, []actor.Effect) {
	if ev.Gen != state.ChannelGen || state.FSM == StateTerminated {
		if ev.Err == nil {
			return state, []actor.Effect{effCloseChannel{Gen: ev.Gen}}
		}
		return state, nil
	}
	if ev.Err != nil {
		return rc.fail(state, "dial: "+ev.Err.Error())
	}

	state.HandshakePending = true
	var resume *wire.ResumeToken
	if state.SessionID != "" {
		resume = &wire.ResumeToken{
			SessionID:   state.SessionID,
			LastSeenSeq: state.LastSeenSeq,
			ReplayFrom:  state.LastSeenSeq + 1,
		}
	}
	return state, []actor.Effect{
		effSendHandshake{Gen: ev.Gen, Resume: resume},
		effStartTimer{Name: timerHandshake, Gen: ev.Gen, AfterMs: rc.handshakeTimeoutMs},
	}
}

func (rc reducerConfig) reduceEnvelope(state State, ev evEnvelope) (State, []actor.Effect) {
	if ev.Gen != state.ChannelGen || state.FSM == StateTerminated {
		return state, nil
	}
	if ev.NowMs > state.LastActivityAtMs {
		state.LastActivityAtMs = ev.NowMs
	}

	env := ev.Env
	switch env.Type {
	case wire.TypeHandshake:
		if !state.HandshakePending {
			return state, []actor.Effect{effIgnored{Type: env.Type, Reason: "no handshake pending"}}
		}
		return rc.reduceGrant(state, ev)

	case wire.TypeAck:
		var ack wire.AckPayload
		if err := env.DecodePayload(&ack); err != nil || ack.Of != wire.AckOfHeartbeat {
			return state, []actor.Effect{effIgnored{Type: env.Type, Reason: "not a heartbeat ack"}}
		}
		state.AwaitingHeartbeatAck = false
		state.MissedHeartbeats = 0
		return state, []actor.Effect{effCancelTimer{Name: timerHeartbeatAck}}

	case wire.TypeCommand:
		if state.FSM != StateActive {
			return state, []actor.Effect{effIgnored{Type: env.Type, Reason: "session not active"}}
		}
		if env.SessionID != "" && env.SessionID != state.SessionID {
			return state, []actor.Effect{effIgnored{
				Type:   env.Type,
				Reason: fmt.Sprintf("addressed to session %s, active is %s", env.SessionID, state.SessionID),
			}}
		}
		return rc.reduceInbound(state, ev)

	default:
		return state, []actor.Effect{effIgnored{Type: env.Type, Reason: "unexpected from controller"}}
	}
}

func (rc reducerConfig) reduceGrant(state State, ev evEnvelope) (State, []actor.Effect) {
	state.HandshakePending = false
	cancel := effCancelTimer{Name: timerHandshake}

	var resp wire.HandshakeResponse
	if err := ev.Env.DecodePayload(&resp); err != nil {
		next, effects := rc.fail(state, "bad handshake response: "+err.Error())
		return next, append([]actor.Effect{cancel}, effects...)
	}
	switch resp.Status {
	case wire.HandshakeGranted:
	case wire.HandshakeRejected:
		next, effects := rc.terminate(state, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Reason))
		return next, append([]actor.Effect{cancel}, effects...)
	default:
		next, effects := rc.fail(state, fmt.Sprintf("unknown handshake status %q", resp.Status))
		return next, append([]actor.Effect{cancel}, effects...)
	}

	sid := ev.Env.SessionID
	if sid == "" {
		next, effects := rc.fail(state, "grant without session id")
		return next, append([]actor.Effect{cancel}, effects...)
	}

	resumed := false
	switch {
	case state.SessionID == "":
		state.CreatedAtMs = ev.NowMs
	case state.SessionID == sid:
		resumed = true
	case state.Established:
		next, effects := rc.terminate(state, fmt.Errorf("%w: had %s, granted %s", ErrSessionMismatch, state.SessionID, sid))
		return next, append([]actor.Effect{cancel}, effects...)
	default:
		// A restored record the controller no longer knows: start over.
		state.LastSeenSeq = 0
		state.HighestSeenSeq = 0
		state.ahead = nil
		state.CreatedAtMs = ev.NowMs
	}
	if resumed && state.Established {
		state.Reconnects++
	}
	if state.CreatedAtMs == 0 {
		state.CreatedAtMs = ev.NowMs
	}

	state.SessionID = sid
	state.Established = true
	state.FSM = StateActive
	state.Attempt = 0
	state.MissedHeartbeats = 0
	state.AwaitingHeartbeatAck = false

	info := ConnectedInfo{SessionID: sid, Resumed: resumed}
	if resumed {
		info.ReplayFrom = state.LastSeenSeq + 1
	}
	return state, []actor.Effect{
		cancel,
		effStartTimer{Name: timerHeartbeat, Gen: state.ChannelGen, AfterMs: rc.heartbeatIntervalMs},
		effAttachDrain{Gen: state.ChannelGen, SessionID: sid},
		effNotifyConnected{Info: info},
	}
}

// reduceInbound tracks sequence numbers and hands the message to the observer.
// A replay is requested once per newly opened gap.
func (rc reducerConfig) reduceInbound(state State, ev evEnvelope) (State, []actor.Effect) {
	var effects []actor.Effect
	if seq := ev.Env.Seq; seq > 0 {
		if seq > state.HighestSeenSeq+1 && seq > state.LastSeenSeq+1 {
			state.ReplayRequests++
			effects = append(effects, effRequestReplay{
				Gen:       state.ChannelGen,
				SessionID: state.SessionID,
				From:      state.LastSeenSeq + 1,
			})
		}
		state = state.observe(seq)
	}
	return state, append(effects, effDeliver{Data: ev.Raw})
}

// maxAhead bounds how many seqs past a gap are remembered. Seqs beyond it are
// delivered but will be replayed again.
const maxAhead = 1024

// observe records seq, advancing the contiguous watermark over any seqs that
// were already seen ahead of it.
func (s State) observe(seq int64) State {
	if seq > s.HighestSeenSeq {
		s.HighestSeenSeq = seq
	}
	switch {
	case seq <= s.LastSeenSeq:
	case seq == s.LastSeenSeq+1:
		s.LastSeenSeq = seq
		ahead := s.ahead
		for len(ahead) > 0 && ahead[0] <= s.LastSeenSeq+1 {
			if ahead[0] == s.LastSeenSeq+1 {
				s.LastSeenSeq++
			}
			ahead = ahead[1:]
		}
		if len(ahead) == 0 {
			ahead = nil
		}
		s.ahead = ahead
	default:
		i, found := slices.BinarySearch(s.ahead, seq)
		if !found && len(s.ahead) < maxAhead {
			s.ahead = slices.Insert(slices.Clone(s.ahead), i, seq)
		}
	}
	return s
}

func (rc reducerConfig) reduceTimerFired(state State, ev evTimerFired) (State, []actor.Effect) {
	if ev.Gen != state.ChannelGen || state.FSM == StateTerminated {
		return state, nil
	}
	switch ev.Name {
	case timerHandshake:
		if !state.HandshakePending {
			return state, nil
		}
		return rc.fail(state, "handshake timeout")

	case timerHeartbeat:
		if state.FSM != StateActive {
			return state, nil
		}
		if state.AwaitingHeartbeatAck {
			// The previous heartbeat was never acked before this tick.
			state.MissedHeartbeats++
			if state.MissedHeartbeats >= rc.maxMissedHeartbeats {
				return rc.fail(state, fmt.Sprintf("missed %d heartbeat acks", state.MissedHeartbeats))
			}
		}
		state.AwaitingHeartbeatAck = true
		return state, []actor.Effect{
			effSendHeartbeat{Gen: state.ChannelGen, SessionID: state.SessionID},
			effStartTimer{Name: timerHeartbeatAck, Gen: state.ChannelGen, AfterMs: rc.heartbeatTimeoutMs},
			effStartTimer{Name: timerHeartbeat, Gen: state.ChannelGen, AfterMs: rc.heartbeatIntervalMs},
		}

	case timerHeartbeatAck:
		if state.FSM != StateActive || !state.AwaitingHeartbeatAck {
			return state, nil
		}
		state.AwaitingHeartbeatAck = false
		state.MissedHeartbeats++
		if state.MissedHeartbeats >= rc.maxMissedHeartbeats {
			return rc.fail(state, fmt.Sprintf("missed %d heartbeat acks", state.MissedHeartbeats))
		}
		return state, nil

	default:
		return state, nil
	}
}

func cancelAllTimers() []actor.Effect {
	return []actor.Effect{
		effCancelTimer{Name: timerHandshake},
		effCancelTimer{Name: timerHeartbeat},
		effCancelTimer{Name: timerHeartbeatAck},
	}
}

// fail tears down the current channel and schedules a redial with backoff.
func (rc reducerConfig) fail(state State, reason string) (State, []actor.Effect) {
	switch state.FSM {
	case StateTerminated, StateDisconnected:
		return state, nil
	}

	effects := cancelAllTimers()
	effects = append(effects,
		effCloseChannel{Gen: state.ChannelGen},
		effNotifyDisconnected{Reason: reason},
	)

	state.HandshakePending = false
	state.AwaitingHeartbeatAck = false
	state.LastDisconnect = reason
	if state.Established {
		state.FSM = StateResuming
	} else {
		state.FSM = StateConnecting
	}

	state.Attempt++
	if rc.maxAttempts > 0 && state.Attempt > rc.maxAttempts {
		next, more := rc.terminate(state, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, rc.maxAttempts, reason))
		return next, append(effects, more...)
	}

	state.ChannelGen++
	return state, append(effects, effDial{
		Gen:     state.ChannelGen,
		DelayMs: backoffMs(state.Attempt, rc.backoffBaseMs, rc.backoffMaxMs),
	})
}

// terminate moves to the final state. Every live resource is released.
func (rc reducerConfig) terminate(state State, err error) (State, []actor.Effect) {
	prev := state.FSM
	state.FSM = StateTerminated
	state.TerminalErr = err
	state.HandshakePending = false
	state.AwaitingHeartbeatAck = false

	effects := cancelAllTimers()
	effects = append(effects, effCloseChannel{Gen: state.ChannelGen})
	if prev == StateActive {
		effects = append(effects, effNotifyDisconnected{Reason: err.Error()})
	}
	return state, effects
}

// backoffMs returns base * 2^(attempt-1), capped at max.
func backoffMs(attempt int, baseMs, maxMs int64) int64 {
	if attempt <= 0 || baseMs <= 0 {
		return 0
	}
	if attempt > 30 {
		return maxMs
	}
	delay := baseMs << uint(attempt-1)
	if maxMs > 0 && (delay > maxMs || delay <= 0) {
		delay = maxMs
	}
	return delay
}
