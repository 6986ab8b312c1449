// Package clock defines the time sources used by onboarding sessions so tests
// can drive the pacing ticker by hand.
package clock

import "time"

// Clock reports the current wall time.
type Clock interface {
	Now() time.Time
}

// Ticker is a cancellable periodic timer.
type Ticker interface {
	// C delivers one value per period until Stop is called.
	C() <-chan time.Time
	// Stop releases the timer. It is safe to call more than once.
	Stop()
}

// TickerFactory creates tickers with the given period.
type TickerFactory interface {
	NewTicker(period time.Duration) Ticker
}
