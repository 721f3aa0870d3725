package sdk

import (
	"context"
	"sync"

	"github.com/bhandras/devicelink/pkg/logger"
)

// callbackQueue runs listener and persistence work on one goroutine, in
// submission order. Producers never block: the session and dispatcher loops
// submit from inside their reducers' effect handlers.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// do schedules fn. It reports false once the queue is closed.
func (q *callbackQueue) do(fn func()) bool {
	if fn == nil {
		return true
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			q.invoke(fn)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-q.notify
		}
	}
}

func (q *callbackQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Listener callback panicked: %v", r)
		}
	}()
	fn()
}

// close stops accepting work and waits until everything already submitted
// has run, or ctx is done.
func (q *callbackQueue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
