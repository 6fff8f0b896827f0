// Package clock abstracts the time source used by the protocol driver so
// timing-sensitive behavior can be tested deterministically.
package clock

import "time"

// Clock provides the time operations the driver depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)

	// After waits for the duration to elapse and then sends the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall-clock implementation backed by the time package.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// Since returns the wall-clock time elapsed since t.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Sleep pauses for at least d.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// After waits for d and delivers the current time on the channel.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// System is the default clock used when none is injected.
var System Clock = Real{}

// Ensure Real implements the Clock interface.
var _ Clock = Real{}
