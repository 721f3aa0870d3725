package dispatch

import (
	"time"

	"github.com/bhandras/devicelink/internal/actor"
)

// reducerConfig is the static part of the reducer. It is captured by value
// so the reducer stays pure.
type reducerConfig struct {
	dedupeTTLMs  int64
	dedupeMax    int
	timeoutMs    int64
	kindTimeouts map[Kind]int64
	graceMs      int64
	handled      map[Kind]bool
}

func newReducerConfig(cfg Config, handled map[Kind]bool) reducerConfig {
	rc := reducerConfig{
		dedupeTTLMs:  cfg.DedupeTTL.Milliseconds(),
		dedupeMax:    cfg.DedupeMax,
		timeoutMs:    cfg.CommandTimeout.Milliseconds(),
		kindTimeouts: make(map[Kind]int64, len(cfg.KindTimeouts)),
		graceMs:      cfg.StopGrace.Milliseconds(),
		handled:      handled,
	}
	for k, d := range cfg.KindTimeouts {
		rc.kindTimeouts[k] = d.Milliseconds()
	}
	return rc
}

func (rc reducerConfig) timeoutFor(kind Kind) int64 {
	if ms, ok := rc.kindTimeouts[kind]; ok {
		return ms
	}
	return rc.timeoutMs
}

func newInitialState() State {
	return State{InFlight: make(map[string]inFlight)}
}

func (rc reducerConfig) reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case cmdDispatch:
		return rc.reduceDispatch(state, in)
	case cmdCancel:
		return rc.reduceCancel(state, in.ID)
	case cmdCancelAll:
		return rc.reduceCancelAll(state)
	case cmdWaitIdle:
		if len(state.InFlight) == 0 {
			return state, []actor.Effect{effNotifyIdle{Waiters: []chan struct{}{in.Reply}}}
		}
		state.IdleWaiters = append(state.IdleWaiters, in.Reply)
		return state, nil
	case cmdSnapshot:
		select {
		case in.Reply <- snapshotOf(state):
		default:
		}
		return state, nil
	case evHandlerDone:
		return rc.reduceHandlerDone(state, in)
	case evTimeout:
		return rc.reduceTimeout(state, in)
	case evGraceExpired:
		return rc.reduceGraceExpired(state, in)
	default:
		return state, nil
	}
}

func snapshotOf(state State) Snapshot {
	return Snapshot{
		InFlight:   len(state.InFlight),
		Remembered: len(state.Completed),
		Accepted:   state.Accepted,
		Duplicates: state.Duplicates,
		Refused:    state.Refused,
		Stopping:   state.Stopping,
	}
}

func (rc reducerConfig) reduceDispatch(state State, in cmdDispatch) (State, []actor.Effect) {
	cmd := in.Cmd
	state = rc.pruneCompleted(state, in.NowMs)

	if state.Stopping {
		state.Refused++
		return state, []actor.Effect{effRefused{Cmd: cmd}}
	}
	if _, ok := state.InFlight[cmd.ID]; ok {
		state.Duplicates++
		return state, []actor.Effect{effDuplicate{Cmd: cmd, InFlight: true}}
	}
	if state.isCompleted(cmd.ID) {
		state.Duplicates++
		return state, []actor.Effect{effDuplicate{Cmd: cmd}}
	}

	state.Accepted++

	switch a := cmd.Action.(type) {
	case Unsupported:
		return rc.answerNow(state, cmd, in.NowMs, StatusFailed, ReasonUnsupported, nil)
	case Malformed:
		return rc.answerNow(state, cmd, in.NowMs, StatusFailed, a.Reason, nil)
	case Cancel:
		next, effects := rc.reduceCancel(state, a.TargetID)
		_, found := state.InFlight[a.TargetID]
		next, answer := rc.answerNow(next, cmd, in.NowMs, StatusOK, "", map[string]any{
			"target":    a.TargetID,
			"cancelled": found,
		})
		return next, append(effects, answer...)
	}

	if !rc.handled[cmd.Kind] {
		return rc.answerNow(state, cmd, in.NowMs, StatusFailed, ReasonUnsupported, nil)
	}

	state.NextToken++
	token := state.NextToken
	state.InFlight = copyInFlight(state.InFlight)
	state.InFlight[cmd.ID] = inFlight{Token: token, Kind: cmd.Kind, StartedAtMs: in.NowMs}

	return state, []actor.Effect{
		effAccepted{Cmd: cmd},
		effRunHandler{Cmd: cmd, Token: token, TimeoutMs: rc.timeoutFor(cmd.Kind)},
	}
}

// answerNow completes a command that never reaches a handler.
func (rc reducerConfig) answerNow(state State, cmd Command, nowMs int64, status Status, reason string, data any) (State, []actor.Effect) {
	state = rc.rememberCompleted(state, cmd.ID, nowMs)
	return state, []actor.Effect{
		effAccepted{Cmd: cmd},
		effEmitResult{Result: Result{
			CommandID: cmd.ID,
			Kind:      cmd.Kind,
			Status:    status,
			Reason:    reason,
			Data:      data,
		}},
	}
}

func (rc reducerConfig) reduceCancel(state State, id string) (State, []actor.Effect) {
	entry, ok := state.InFlight[id]
	if !ok || entry.Cancelling {
		return state, nil
	}
	entry.Cancelling = true
	state.InFlight = copyInFlight(state.InFlight)
	state.InFlight[id] = entry
	return state, []actor.Effect{effCancelHandler{ID: id, Token: entry.Token, GraceMs: rc.graceMs}}
}

func (rc reducerConfig) reduceCancelAll(state State) (State, []actor.Effect) {
	state.Stopping = true
	var effects []actor.Effect
	for id := range state.InFlight {
		var more []actor.Effect
		state, more = rc.reduceCancel(state, id)
		effects = append(effects, more...)
	}
	return state, effects
}

func (rc reducerConfig) reduceHandlerDone(state State, ev evHandlerDone) (State, []actor.Effect) {
	entry, ok := state.InFlight[ev.ID]
	if !ok || entry.Token != ev.Token {
		// Already answered by a timeout or the stop grace.
		return state, []actor.Effect{effRelease{Token: ev.Token}}
	}
	status, reason := ev.Status, ev.Reason
	if entry.Cancelling && status == StatusFailed {
		status, reason = StatusCancelled, ReasonCancelled
	}
	return rc.finish(state, ev.ID, entry, ev.NowMs, status, reason, ev.Data)
}

func (rc reducerConfig) reduceTimeout(state State, ev evTimeout) (State, []actor.Effect) {
	entry, ok := state.InFlight[ev.ID]
	if !ok || entry.Token != ev.Token || entry.Cancelling {
		return state, nil
	}
	return rc.finish(state, ev.ID, entry, ev.NowMs, StatusFailed, ReasonTimeout, nil)
}

func (rc reducerConfig) reduceGraceExpired(state State, ev evGraceExpired) (State, []actor.Effect) {
	entry, ok := state.InFlight[ev.ID]
	if !ok || entry.Token != ev.Token {
		return state, nil
	}
	return rc.finish(state, ev.ID, entry, ev.NowMs, StatusCancelled, ReasonStopGrace, nil)
}

// finish removes an in-flight entry and produces its one result.
func (rc reducerConfig) finish(state State, id string, entry inFlight, nowMs int64, status Status, reason string, data any) (State, []actor.Effect) {
	state.InFlight = copyInFlight(state.InFlight)
	delete(state.InFlight, id)
	state = rc.rememberCompleted(state, id, nowMs)

	var durationMs int64
	if nowMs > entry.StartedAtMs {
		durationMs = nowMs - entry.StartedAtMs
	}
	effects := []actor.Effect{
		effRelease{Token: entry.Token},
		effEmitResult{Result: Result{
			CommandID:  id,
			Kind:       entry.Kind,
			Status:     status,
			Reason:     reason,
			Data:       data,
			DurationMs: durationMs,
		}},
	}
	if len(state.InFlight) == 0 && len(state.IdleWaiters) > 0 {
		effects = append(effects, effNotifyIdle{Waiters: state.IdleWaiters})
		state.IdleWaiters = nil
	}
	return state, effects
}

func (state State) isCompleted(id string) bool {
	for _, rec := range state.Completed {
		if rec.id == id {
			return true
		}
	}
	return false
}

func (rc reducerConfig) rememberCompleted(state State, id string, nowMs int64) State {
	completed := make([]completedRecord, 0, len(state.Completed)+1)
	completed = append(completed, state.Completed...)
	completed = append(completed, completedRecord{id: id, atMs: nowMs})
	if rc.dedupeMax > 0 && len(completed) > rc.dedupeMax {
		completed = completed[len(completed)-rc.dedupeMax:]
	}
	state.Completed = completed
	return state
}

// pruneCompleted drops remembered ids older than the dedupe TTL.
func (rc reducerConfig) pruneCompleted(state State, nowMs int64) State {
	if rc.dedupeTTLMs <= 0 || nowMs <= 0 || len(state.Completed) == 0 {
		return state
	}
	cutoff := nowMs - rc.dedupeTTLMs
	i := 0
	for i < len(state.Completed) && state.Completed[i].atMs < cutoff {
		i++
	}
	if i > 0 {
		state.Completed = append([]completedRecord(nil), state.Completed[i:]...)
	}
	return state
}

func copyInFlight(in map[string]inFlight) map[string]inFlight {
	out := make(map[string]inFlight, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
