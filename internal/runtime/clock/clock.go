// Package clock abstracts wall-clock time so retry waits, pool sweeps and
// lock-expiry releases can be driven deterministically in tests.
// Tests use clockwork.NewFakeClockAt.
package clock

import "github.com/jonboulle/clockwork"

type (
	Clock  = clockwork.Clock
	Timer  = clockwork.Timer
	Ticker = clockwork.Ticker
)

// Real returns a Clock backed by the time package.
func Real() Clock { return clockwork.NewRealClock() }

// OrReal returns c, or the real clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
