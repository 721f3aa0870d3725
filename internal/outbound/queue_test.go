package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/devicelink/internal/wire"
	"github.com/stretchr/testify/require"
)

// recordingSink is a Sink that is always ready unless told otherwise.
type recordingSink struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	failN   int
	ready   chan struct{}
	onSend  func(n int)
	sendErr error
}

func newReadySink() *recordingSink {
	ready := make(chan struct{})
	close(ready)
	return &recordingSink{ready: ready}
}

func (s *recordingSink) Ready() <-chan struct{} { return s.ready }

func (s *recordingSink) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	if s.failN > 0 {
		s.failN--
		s.mu.Unlock()
		return s.sendErr
	}
	env, err := wire.Decode(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, env)
	n := len(s.sent)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *recordingSink) envelopes() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Envelope(nil), s.sent...)
}

func frame(i int) Item {
	return Item{Kind: KindFrameChunk, CommandID: "stream", Payload: wire.FramePayload{FrameSeq: uint64(i), Final: true}}
}

// chunked splits frame seq into n chunk items.
func chunked(seq uint64, n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Kind: KindFrameChunk, CommandID: "stream", Payload: wire.FramePayload{
			FrameSeq: seq, Index: i, Final: i == n-1,
		}}
	}
	return items
}

// laneFrames pops everything and returns the frame seq of each chunk.
func laneFrames(q *Queue) []uint64 {
	var out []uint64
	for {
		it, ok := q.pop()
		if !ok {
			return out
		}
		p, _ := it.framePayload()
		out = append(out, p.FrameSeq)
	}
}

func TestFrameEvictionDropsWholeFrames(t *testing.T) {
	t.Parallel()

	q := New(Config{FrameCapacity: 6})
	for seq := uint64(1); seq <= 3; seq++ {
		evicted, err := q.EnqueueFrame(chunked(seq, 2))
		require.NoError(t, err)
		require.Zero(t, evicted)
	}

	// Three chunks need room: frames 1 and 2 go, never half of one.
	evicted, err := q.EnqueueFrame(chunked(4, 3))
	require.NoError(t, err)
	require.Equal(t, 2, evicted)

	st := q.Stats()
	require.Equal(t, uint64(2), st.FramesDropped)
	require.Equal(t, uint64(4), st.ChunksDropped)
	require.Equal(t, []uint64{3, 3, 4, 4, 4}, laneFrames(q))
}

func TestOversizedFrameRejected(t *testing.T) {
	t.Parallel()

	q := New(Config{FrameCapacity: 4})
	_, err := q.EnqueueFrame(chunked(1, 2))
	require.NoError(t, err)
	before := q.LastSeq()

	// 40 bytes in 4-byte chunks is ten chunks.
	evicted, err := q.EnqueueFrame(chunked(2, 10))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, evicted)
	require.Equal(t, before, q.LastSeq(), "rejected frame must not consume seqs")

	st := q.Stats()
	require.Equal(t, uint64(1), st.FramesDropped)
	require.Equal(t, uint64(10), st.ChunksDropped)
	require.Equal(t, []uint64{1, 1}, laneFrames(q))
}

func TestPartlySentFrameEvictedLast(t *testing.T) {
	t.Parallel()

	q := New(Config{FrameCapacity: 4})
	_, err := q.EnqueueFrame(chunked(1, 2))
	require.NoError(t, err)
	_, err = q.EnqueueFrame(chunked(2, 2))
	require.NoError(t, err)

	// Frame 1 is half on the wire.
	it, ok := q.pop()
	require.True(t, ok)
	require.False(t, it.finalChunk())

	evicted, err := q.EnqueueFrame(chunked(3, 2))
	require.NoError(t, err)
	require.Equal(t, 1, evicted)
	require.Equal(t, []uint64{1, 3, 3}, laneFrames(q))
}

func TestFrameLaneKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	q := New(Config{FrameCapacity: 3})
	for i := 1; i <= 10; i++ {
		accepted := q.Enqueue(frame(i))
		if i <= 3 {
			require.True(t, accepted, "frame %d", i)
		} else {
			require.False(t, accepted, "frame %d", i)
		}
	}
	require.Equal(t, 3, q.Len())
	require.Equal(t, uint64(7), q.Stats().FramesDropped)

	var seqs []int64
	for {
		it, ok := q.pop()
		if !ok {
			break
		}
		seqs = append(seqs, it.Seq)
	}
	require.Equal(t, []int64{8, 9, 10}, seqs)
}

func TestTelemetryEvictedAtHardCeiling(t *testing.T) {
	t.Parallel()

	q := New(Config{HighCapacity: 1, NormalCapacity: 1, HardCeiling: 3})
	require.True(t, q.Enqueue(Item{Kind: KindTelemetry, Payload: wire.TelemetryPayload{UptimeMs: 1}}))
	require.True(t, q.Enqueue(Item{Kind: KindTelemetry, Payload: wire.TelemetryPayload{UptimeMs: 2}}))
	require.True(t, q.Enqueue(Item{Kind: KindAck, CommandID: "C1", Payload: wire.AckPayload{Of: wire.AckOfCommand}}))
	require.True(t, q.Enqueue(Item{Kind: KindResult, CommandID: "C1", Payload: wire.ResultPayload{Status: wire.ResultOK}}))

	st := q.Stats()
	require.Equal(t, uint64(1), st.TelemetryEvicted)
	require.Equal(t, 2, st.High)
	require.Equal(t, 1, st.Normal)

	// Acks and results are never evicted, even when no telemetry is left.
	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(Item{Kind: KindAck, CommandID: "C2", Payload: wire.AckPayload{Of: wire.AckOfCommand}}))
	}
	st = q.Stats()
	require.Equal(t, 7, st.High)
	require.Equal(t, 0, st.Normal)
	require.Equal(t, uint64(2), st.TelemetryEvicted)
}

func TestSeqStrictlyIncreasingAndRestored(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	q.Restore(41)
	q.Enqueue(Item{Kind: KindAck})
	require.Equal(t, int64(42), q.LastSeq())

	q.Restore(10)
	q.Enqueue(Item{Kind: KindAck})
	require.Equal(t, int64(43), q.LastSeq(), "restore must not rewind")
}

func TestDrainPriorityOrder(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	q.Enqueue(frame(1))
	q.Enqueue(Item{Kind: KindTelemetry, Payload: wire.TelemetryPayload{}})
	q.Enqueue(Item{Kind: KindResult, CommandID: "C1", Payload: wire.ResultPayload{Status: wire.ResultOK}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newReadySink()
	sink.onSend = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	err := q.DrainTo(ctx, sink, "S1")
	require.ErrorIs(t, err, context.Canceled)

	got := sink.envelopes()
	require.Len(t, got, 3)
	require.Equal(t, wire.TypeResult, got[0].Type)
	require.Equal(t, "C1", got[0].CommandID)
	require.Equal(t, wire.TypeTelemetry, got[1].Type)
	require.Equal(t, wire.TypeFrame, got[2].Type)
	for _, env := range got {
		require.Equal(t, "S1", env.SessionID)
	}
	require.Equal(t, uint64(3), q.Stats().Sent)
}

func TestDrainRequeuesOnSendFailure(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	q.Enqueue(Item{Kind: KindAck, CommandID: "C1", Payload: wire.AckPayload{Of: wire.AckOfCommand}})
	q.Enqueue(Item{Kind: KindResult, CommandID: "C1", Payload: wire.ResultPayload{Status: wire.ResultOK}})

	sink := newReadySink()
	sink.failN = 1
	sink.sendErr = errors.New("link down")

	err := q.DrainTo(context.Background(), sink, "S1")
	require.EqualError(t, err, "link down")
	require.Equal(t, 2, q.Len())
	require.Equal(t, uint64(1), q.Stats().Requeued)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.onSend = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	require.ErrorIs(t, q.DrainTo(ctx, sink, "S1"), context.Canceled)

	got := sink.envelopes()
	require.Len(t, got, 2)
	require.Equal(t, wire.TypeAck, got[0].Type)
	require.Equal(t, int64(1), got[0].Seq)
	require.Equal(t, wire.TypeResult, got[1].Type)
	require.Equal(t, int64(2), got[1].Seq)
}

func TestDrainWaitsForReadiness(t *testing.T) {
	t.Parallel()

	q := New(Config{ReadyTimeout: 10 * time.Millisecond})
	q.Enqueue(Item{Kind: KindAck, CommandID: "C1", Payload: wire.AckPayload{Of: wire.AckOfCommand}})

	sink := &recordingSink{ready: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.DrainTo(ctx, sink, "S1") }()

	require.Eventually(t, func() bool {
		return q.Stats().ReadyTimeouts >= 2
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, sink.envelopes())
	require.Equal(t, 1, q.Len())

	sink.onSend = func(int) { cancel() }
	close(sink.ready)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("drain did not finish")
	}
	require.Len(t, sink.envelopes(), 1)
}

func TestDrainWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	q := New(Config{})
	sink := newReadySink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.onSend = func(int) { cancel() }

	done := make(chan error, 1)
	go func() { done <- q.DrainTo(ctx, sink, "S1") }()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(Item{Kind: KindTelemetry, Payload: wire.TelemetryPayload{State: "active"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("drain did not wake")
	}
	require.Len(t, sink.envelopes(), 1)
}
