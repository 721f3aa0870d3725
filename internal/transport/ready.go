package transport

import "sync"

var closedReady = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// readyGate hands out channels that close once a link can take a write. The
// writable check runs on every wait, so a link that backs up is reported as
// not ready again until wake is called.
type readyGate struct {
	writable func() bool

	mu     sync.Mutex
	waiter chan struct{}
}

func newReadyGate(writable func() bool) *readyGate {
	return &readyGate{writable: writable}
}

func (g *readyGate) wait() <-chan struct{} {
	if g.writable() {
		return closedReady
	}

	g.mu.Lock()
	if g.waiter == nil {
		g.waiter = make(chan struct{})
	}
	w := g.waiter
	g.mu.Unlock()

	// A wake between the first check and parking the waiter would be lost.
	if g.writable() {
		g.wake()
	}
	return w
}

// wake releases current waiters so they re-check writability.
func (g *readyGate) wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiter != nil {
		close(g.waiter)
		g.waiter = nil
	}
}
