// Package manual provides a hand-driven clock for tests and simulations.
package manual

import (
	"sync"
	"time"

	"github.com/JakeFAU/mailbox-onboarding/internal/clock"
)

// Clock hands out Tickers that only fire when told to.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*Ticker
}

// New creates a Clock frozen at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Tickers keep their own time.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewTicker records and returns a manual ticker.
func (c *Clock) NewTicker(period time.Duration) clock.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Ticker{
		period: period,
		c:      make(chan time.Time),
		stopCh: make(chan struct{}),
		now:    c.now,
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Tickers returns every ticker created so far.
func (c *Clock) Tickers() []*Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Ticker(nil), c.tickers...)
}

// Last returns the most recently created ticker, or nil.
func (c *Clock) Last() *Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

// Ticker fires on demand. Its channel is unbuffered, so a successful Fire
// means the receiver has taken the value.
type Ticker struct {
	period time.Duration
	c      chan time.Time
	stopCh chan struct{}
	once   sync.Once

	mu  sync.Mutex
	now time.Time
}

// C implements clock.Ticker.
func (t *Ticker) C() <-chan time.Time {
	return t.c
}

// Stop implements clock.Ticker.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// Stopped reports whether Stop has been called.
func (t *Ticker) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Period returns the period the ticker was created with.
func (t *Ticker) Period() time.Duration {
	return t.period
}

// Fire delivers one tick, blocking until it is received. It returns false if
// the ticker was stopped first.
func (t *Ticker) Fire() bool {
	t.mu.Lock()
	t.now = t.now.Add(t.period)
	now := t.now
	t.mu.Unlock()
	select {
	case <-t.stopCh:
		return false
	default:
	}
	select {
	case t.c <- now:
		return true
	case <-t.stopCh:
		return false
	}
}
