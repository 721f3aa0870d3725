package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/bhandras/devicelink/internal/actor/actortest"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	actor.InputBase
	n int
}

type testEffect struct {
	actor.EffectBase
	n int
}

func sumReducer(state int, input actor.Input) (int, []actor.Effect) {
	ev, ok := input.(testEvent)
	if !ok {
		return state, nil
	}
	return state + ev.n, []actor.Effect{testEffect{n: ev.n}}
}

func TestActorProcessesInputsSequentially(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](0, sumReducer, rt)
	a.Start()
	defer a.Stop()

	for i := 1; i <= 5; i++ {
		require.True(t, a.Enqueue(testEvent{n: i}))
	}

	require.Eventually(t, func() bool { return a.State() == 15 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(rt.Effects()) == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestActorEmitFeedsBackIntoMailbox(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{
		EmitFn: func(_ context.Context, eff actor.Effect, emit func(actor.Input)) {
			if e, ok := eff.(testEffect); ok && e.n == 1 {
				emit(testEvent{n: 10})
			}
		},
	}
	a := actor.New[int](0, sumReducer, rt)
	a.Start()
	defer a.Stop()

	require.True(t, a.Enqueue(testEvent{n: 1}))
	require.Eventually(t, func() bool { return a.State() == 11 }, 2*time.Second, 10*time.Millisecond)
}

func TestActorStopRejectsInputs(t *testing.T) {
	t.Parallel()

	rt := &actortest.FakeRuntime{}
	a := actor.New[int](0, sumReducer, rt)
	a.Start()
	a.Stop()
	a.Stop()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor loop did not exit")
	}
	require.False(t, a.Enqueue(testEvent{n: 1}))
	require.ErrorIs(t, a.EnqueueWait(context.Background(), testEvent{n: 1}), actor.ErrStopped)
	require.Equal(t, 2, rt.StopCalls())
}

func TestActorMailboxFull(t *testing.T) {
	t.Parallel()

	// Not started, so nothing drains the mailbox.
	a := actor.New[int](0, sumReducer, nil, actor.WithMailboxSize[int](1))
	defer a.Stop()

	require.NoError(t, a.TryEnqueue(testEvent{n: 1}))
	require.ErrorIs(t, a.TryEnqueue(testEvent{n: 2}), actor.ErrMailboxFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.EnqueueWait(ctx, testEvent{n: 3}), context.DeadlineExceeded)
}

func TestReplayFoldsInputs(t *testing.T) {
	t.Parallel()

	state, effects := actor.Replay(0, sumReducer, testEvent{n: 2}, testEvent{n: 3})
	require.Equal(t, 5, state)
	require.Len(t, effects, 2)
}

func TestActorEmitSurvivesFullMailbox(t *testing.T) {
	t.Parallel()

	const fanout = 200

	// Every input with n == 1 makes the runtime emit fanout follow-ups from
	// a separate goroutine while the one-slot mailbox is kept busy.
	rt := &actortest.FakeRuntime{
		EmitFn: func(_ context.Context, eff actor.Effect, emit func(actor.Input)) {
			e, ok := eff.(testEffect)
			if !ok || e.n != 1 {
				return
			}
			go func() {
				for i := 0; i < fanout; i++ {
					emit(testEvent{n: 2})
				}
			}()
		},
	}
	var dropped int
	a := actor.New[int](0, sumReducer, rt,
		actor.WithMailboxSize[int](1),
		actor.WithHooks(actor.Hooks[int]{
			OnDropped: func(actor.Input) { dropped++ },
		}),
	)
	a.Start()
	defer a.Stop()

	require.NoError(t, a.EnqueueWait(context.Background(), testEvent{n: 1}))
	for i := 0; i < 50; i++ {
		require.NoError(t, a.EnqueueWait(context.Background(), testEvent{n: 0}))
	}

	want := 1 + 2*fanout
	require.Eventually(t, func() bool { return a.State() == want }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, dropped)
}

func TestActorPostAfterStop(t *testing.T) {
	t.Parallel()

	a := actor.New[int](0, sumReducer, nil)
	a.Start()
	require.NoError(t, a.Post(testEvent{n: 4}))
	require.Eventually(t, func() bool { return a.State() == 4 }, 2*time.Second, 10*time.Millisecond)

	a.Stop()
	<-a.Done()
	require.ErrorIs(t, a.Post(testEvent{n: 1}), actor.ErrStopped)
	require.Equal(t, 4, a.State())
}

func TestActorBacklogBeforeMailbox(t *testing.T) {
	t.Parallel()

	var order []int
	rec := func(state int, input actor.Input) (int, []actor.Effect) {
		if ev, ok := input.(testEvent); ok {
			order = append(order, ev.n)
		}
		return state + 1, nil
	}

	// Not started yet, so both queues fill before the loop looks at them.
	a := actor.New[int](0, rec, nil)
	require.NoError(t, a.TryEnqueue(testEvent{n: 1}))
	require.NoError(t, a.Post(testEvent{n: 2}))
	a.Start()
	defer a.Stop()

	require.Eventually(t, func() bool { return a.State() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []int{2, 1}, order)
}
