package actor

import "time"

// Clock provides a testable time source.
//
// Reducers must not call a Clock directly. Runtimes read it and inject
// timestamps via events.
type Clock interface {
	Now() time.Time
}

// RealClock is a Clock backed by time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }
