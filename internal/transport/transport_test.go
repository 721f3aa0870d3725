package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &Error{Op: "send", Err: ErrClosed}
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, "transport send: transport: channel closed", err.Error())

	var te *Error
	require.True(t, errors.As(error(err), &te))
	require.Equal(t, "send", te.Op)
}

func TestPayloadBytes(t *testing.T) {
	t.Parallel()

	got, err := payloadBytes(`{"type":"ack"}`)
	require.NoError(t, err)
	require.Equal(t, `{"type":"ack"}`, string(got))

	raw := []byte(`{"type":"command"}`)
	got, err = payloadBytes(raw)
	require.NoError(t, err)
	require.Equal(t, raw, got)
	raw[0] = 'x'
	require.Equal(t, byte('{'), got[0], "payload must be copied")

	got, err = payloadBytes(map[string]any{"type": "heartbeat"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"heartbeat"}`, string(got))

	_, err = payloadBytes(42)
	require.Error(t, err)
}

func TestEventKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "connected", EventConnected.String())
	require.Equal(t, "disconnected", EventDisconnected.String())
	require.Equal(t, "error", EventError.String())
	require.Equal(t, "unknown", EventKind(99).String())
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestReadyGateTracksWritability(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		writable bool
	)
	set := func(v bool) {
		mu.Lock()
		writable = v
		mu.Unlock()
	}
	g := newReadyGate(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return writable
	})

	parked := g.wait()
	require.False(t, isClosed(parked))

	// Becoming writable is only noticed on wake, as on a drain event.
	set(true)
	require.False(t, isClosed(parked))
	g.wake()
	require.True(t, isClosed(parked))
	require.True(t, isClosed(g.wait()))

	// Backing up again gates the next wait.
	set(false)
	next := g.wait()
	require.False(t, isClosed(next))
	require.NotEqual(t, parked, next)

	set(true)
	g.wake()
	select {
	case <-next:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
