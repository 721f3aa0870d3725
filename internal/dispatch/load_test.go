package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhandras/devicelink/internal/actor"
	"github.com/stretchr/testify/require"
)

// countingSink tallies outcomes without ever blocking the dispatcher.
type countingSink struct {
	mu        sync.Mutex
	completed map[string]int
	dupes     int
}

func newCountingSink() *countingSink {
	return &countingSink{completed: make(map[string]int)}
}

func (s *countingSink) Accepted(Command) {}

func (s *countingSink) Completed(res Result) {
	s.mu.Lock()
	s.completed[res.CommandID]++
	s.mu.Unlock()
}

func (s *countingSink) Duplicate(Command, error) {
	s.mu.Lock()
	s.dupes++
	s.mu.Unlock()
}

func (s *countingSink) counts() (ids, total, dupes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.completed {
		total += n
	}
	return len(s.completed), total, s.dupes
}

func TestFloodedMailboxCompletesEveryCommand(t *testing.T) {
	t.Parallel()

	const n = 500

	cfg := testConfig()
	cfg.MailboxSize = 8
	cfg.CommandTimeout = 0

	handlers := map[Kind]Handler{
		KindPing: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			return nil, nil
		}),
	}
	sink := newCountingSink()
	d := New(cfg, handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	for i := 0; i < n; i++ {
		cmd := Command{ID: fmt.Sprintf("P%d", i), Kind: KindPing, Action: Ping{}}
		for {
			err := d.Dispatch(cmd)
			if err == nil {
				break
			}
			if !errors.Is(err, actor.ErrMailboxFull) {
				t.Fatalf("dispatch %s: %v", cmd.ID, err)
			}
			time.Sleep(time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		ids, total, _ := sink.counts()
		return ids == n && total == n
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := d.Snapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, snap.InFlight)
	require.Equal(t, uint64(n), snap.Accepted)
}

func TestDispatchRawWaitsForRoom(t *testing.T) {
	t.Parallel()

	const n = 200

	cfg := testConfig()
	cfg.MailboxSize = 2
	cfg.CommandTimeout = 0

	handlers := map[Kind]Handler{
		KindPing: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			return nil, nil
		}),
	}
	sink := newCountingSink()
	d := New(cfg, handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		raw := fmt.Sprintf(`{"type":"command","seq":%d,"commandId":"R%d","kind":"ping"}`, i+1, i)
		require.NoError(t, d.DispatchRaw(ctx, []byte(raw)))
	}

	require.Eventually(t, func() bool {
		ids, total, _ := sink.counts()
		return ids == n && total == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSameIDStormRunsHandlerOnce(t *testing.T) {
	t.Parallel()

	const senders = 32

	var (
		entered, active, peak atomic.Int32
		release               = make(chan struct{})
	)
	handlers := map[Kind]Handler{
		KindPing: HandlerFunc(func(ctx context.Context, cmd Command) (any, error) {
			entered.Add(1)
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			defer active.Add(-1)
			<-release
			return nil, nil
		}),
	}
	sink := newCountingSink()
	d := New(testConfig(), handlers, sink)
	d.Start()
	defer func() { _ = d.Stop(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw := []byte(`{"type":"command","seq":1,"commandId":"SAME","kind":"ping"}`)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := d.DispatchRaw(ctx, raw); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Eventually(t, func() bool {
		_, _, dupes := sink.counts()
		return dupes == senders-1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		_, total, _ := sink.counts()
		return total == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), entered.Load())
	require.Equal(t, int32(1), peak.Load())
}
