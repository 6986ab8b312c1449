// Package system provides the real clock and ticker implementations.
package system

import (
	"sync"
	"time"

	"github.com/JakeFAU/mailbox-onboarding/internal/clock"
)

// Clock implements clock.Clock and clock.TickerFactory on top of package time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// NewTicker starts a time.Ticker with the given period.
func (Clock) NewTicker(period time.Duration) clock.Ticker {
	return &ticker{t: time.NewTicker(period)}
}

type ticker struct {
	t    *time.Ticker
	once sync.Once
}

func (t *ticker) C() <-chan time.Time {
	return t.t.C
}

func (t *ticker) Stop() {
	t.once.Do(t.t.Stop)
}
