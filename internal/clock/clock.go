// Package clock abstracts wall time and timers so delays can be driven by tests.
package clock

import "time"

// Timer is a pending callback created by AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call stopped the timer.
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a Clock backed by the time package.
type Real struct{}

// Now returns the current wall time.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc calls f in its own goroutine after d elapses.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
