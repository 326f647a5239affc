// Package clock abstracts time so that store timestamps, retry timers and
// the liveness sweeper can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source injected into the store, the subscription
// engine and the lifecycle sweeper.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (real) or
	// synchronously from Advance (fake). The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer cancels a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop prevents the call from firing. It returns false if the call
// already fired or was already stopped.
func (t *Timer) Stop() bool {
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
