package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/devicelink/internal/actor/actortest"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu         sync.Mutex
	accepted   []string
	results    []Result
	duplicates []string
	resultCh   chan Result
}

func newRecordingSink() *recordingSink {
	return &recordingSink{resultCh: make(chan Result, 64)}
}

func (s *recordingSink) Accepted(cmd Command) {
	s.mu.Lock()
	s.accepted = append(s.accepted, cmd.ID)
	s.mu.Unlock()
}

func (s *recordingSink) Completed(res Result) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.resultCh <- res
}

func (s *recordingSink) Duplicate(cmd Command, err error) {
	s.mu.Lock()
	s.duplicates = append(s.duplicates, cmd.ID)
	s.mu.Unlock()
}

func (s *recordingSink) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-s.resultCh:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func (s *recordingSink) resultsFor(id string) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, r := range s.results {
		if r.CommandID == id {
			out = append(out, r)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = time.Second
	cfg.StopGrace = 100 * time.Millisecond
	return cfg
}

func TestDuplicateCommandProducesOneResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	running, maxRunning := 0, 0

	handlers := map[Kind]Handler{
		KindScanQR: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				running--
				mu.Unlock()
			}()
			select {
			case <-release:
				return "URL123", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	}

	sink := newRecordingSink()
	d := New(testConfig(), handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	raw := []byte(`{"type":"command","seq":1,"commandId":"C2","kind":"scan_qr"}`)
	require.NoError(t, d.DispatchRaw(context.Background(), raw))
	require.NoError(t, d.DispatchRaw(context.Background(), raw))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.duplicates) == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	res := sink.waitResult(t)
	require.Equal(t, "C2", res.CommandID)
	require.Equal(t, StatusOK, res.Status)

	// A replayed copy after completion is also suppressed.
	require.NoError(t, d.DispatchRaw(context.Background(), raw))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.duplicates) == 2
	}, time.Second, 5*time.Millisecond)

	require.Len(t, sink.resultsFor("C2"), 1)
	mu.Lock()
	require.Equal(t, 1, maxRunning)
	mu.Unlock()

	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Duplicates)
	require.Equal(t, uint64(1), snap.Accepted)
}

func TestHandlerOutcomes(t *testing.T) {
	t.Parallel()

	handlers := map[Kind]Handler{
		KindPing: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			return map[string]string{"nonce": cmd.Action.(Ping).Nonce}, nil
		}),
		KindCaptureFrame: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			return nil, errors.New("frames: source busy")
		}),
		KindReportStatus: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			panic("status exploded")
		}),
	}
	sink := newRecordingSink()
	d := New(testConfig(), handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	require.NoError(t, d.Dispatch(Command{ID: "P1", Kind: KindPing, Action: Ping{Nonce: "n"}}))
	res := sink.waitResult(t)
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, map[string]string{"nonce": "n"}, res.Data)

	require.NoError(t, d.Dispatch(Command{ID: "F1", Kind: KindCaptureFrame, Action: CaptureFrame{}}))
	res = sink.waitResult(t)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, "frames: source busy", res.Reason)

	require.NoError(t, d.Dispatch(Command{ID: "S1", Kind: KindReportStatus, Action: ReportStatus{}}))
	res = sink.waitResult(t)
	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Reason, "panic: status exploded")

	require.NoError(t, d.Dispatch(Command{ID: "U1", Kind: "teleport", Action: Unsupported{Kind: "teleport"}}))
	res = sink.waitResult(t)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, ReasonUnsupported, res.Reason)

	// The dispatcher survived the panic.
	require.NoError(t, d.Dispatch(Command{ID: "P2", Kind: KindPing, Action: Ping{}}))
	require.Equal(t, StatusOK, sink.waitResult(t).Status)
}

func TestCommandTimeoutFreesSlot(t *testing.T) {
	t.Parallel()

	observedCancel := make(chan struct{})
	handlers := map[Kind]Handler{
		KindScanQR: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			<-ctx.Done()
			close(observedCancel)
			return nil, ctx.Err()
		}),
	}
	cfg := testConfig()
	cfg.CommandTimeout = 30 * time.Millisecond
	sink := newRecordingSink()
	d := New(cfg, handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	require.NoError(t, d.Dispatch(scanCmd("T1")))
	res := sink.waitResult(t)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, ReasonTimeout, res.Reason)

	select {
	case <-observedCancel:
	case <-time.After(time.Second):
		t.Fatalf("handler context was not cancelled after timeout")
	}

	require.Eventually(t, func() bool {
		snap, err := d.Snapshot(context.Background())
		return err == nil && snap.InFlight == 0
	}, time.Second, 5*time.Millisecond)
	require.Len(t, sink.resultsFor("T1"), 1)
}

func TestCancelCommandCancelsTarget(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	handlers := map[Kind]Handler{
		KindStreamFrames: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	sink := newRecordingSink()
	d := New(testConfig(), handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	require.NoError(t, d.Dispatch(Command{ID: "ST1", Kind: KindStreamFrames, Action: StreamFrames{}}))
	<-started
	require.NoError(t, d.Dispatch(Command{ID: "X1", Kind: KindCancel, Action: Cancel{TargetID: "ST1"}}))

	got := map[string]Result{}
	for i := 0; i < 2; i++ {
		r := sink.waitResult(t)
		got[r.CommandID] = r
	}
	require.Equal(t, StatusOK, got["X1"].Status)
	require.Equal(t, StatusCancelled, got["ST1"].Status)
}

func TestStopSynthesizesCancelledForStuckHandler(t *testing.T) {
	t.Parallel()

	stuck := make(chan struct{})
	defer close(stuck)
	handlers := map[Kind]Handler{
		KindScanQR: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			<-stuck
			return "late", nil
		}),
		KindPing: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	sink := newRecordingSink()
	d := New(testConfig(), handlers, sink)
	d.Start()

	require.NoError(t, d.Dispatch(scanCmd("C1")))
	require.NoError(t, d.Dispatch(Command{ID: "P1", Kind: KindPing, Action: Ping{}}))
	require.Eventually(t, func() bool {
		snap, err := d.Snapshot(context.Background())
		return err == nil && snap.InFlight == 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	c1 := sink.resultsFor("C1")
	require.Len(t, c1, 1)
	require.Equal(t, StatusCancelled, c1[0].Status)
	require.Equal(t, ReasonStopGrace, c1[0].Reason)

	p1 := sink.resultsFor("P1")
	require.Len(t, p1, 1)
	require.Equal(t, StatusCancelled, p1[0].Status)

	require.Error(t, d.Dispatch(scanCmd("C9")))
	require.NoError(t, d.Stop(context.Background()), "stop is idempotent")
}

func TestDedupeWindowExpires(t *testing.T) {
	t.Parallel()

	clock := actortest.NewFakeClock(time.Unix(1_700_000_000, 0))
	handlers := map[Kind]Handler{
		KindPing: HandlerFunc(func(context.Context, Command) (any, error) { return "pong", nil }),
	}
	cfg := testConfig()
	cfg.DedupeTTL = time.Minute

	sink := newRecordingSink()
	d := New(cfg, handlers, sink, WithClock(clock))
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	cmd := Command{ID: "C", Kind: KindPing, Action: Ping{}}
	require.NoError(t, d.Dispatch(cmd))
	sink.waitResult(t)

	require.NoError(t, d.Dispatch(cmd))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.duplicates) == 1
	}, 2*time.Second, time.Millisecond)

	clock.Advance(2 * time.Minute)
	require.NoError(t, d.Dispatch(cmd))
	sink.waitResult(t)
	require.Len(t, sink.resultsFor("C"), 2)
}
