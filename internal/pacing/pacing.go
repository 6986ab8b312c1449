// Package pacing decides when an onboarding session should move its visible
// cursor forward. It is driven purely by accumulated tick time and never looks
// at verification results.
package pacing

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Default bounds for the pause between two advances.
const (
	DefaultMinInterval = 250 * time.Millisecond
	DefaultMaxInterval = 2250 * time.Millisecond
)

// IntervalSource yields the wait before the next advance.
type IntervalSource interface {
	Next() time.Duration
}

// Uniform draws intervals uniformly from [Min, Max).
type Uniform struct {
	min, max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewUniform builds a Uniform source seeded with seed. A zero seed picks a
// random one.
func NewUniform(minInterval, maxInterval time.Duration, seed uint64) (*Uniform, error) {
	if minInterval <= 0 {
		return nil, fmt.Errorf("min interval must be > 0, got %s", minInterval)
	}
	if maxInterval <= minInterval {
		return nil, fmt.Errorf("max interval %s must exceed min interval %s", maxInterval, minInterval)
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Uniform{
		min: minInterval,
		max: maxInterval,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Next returns a duration in [min, max).
func (u *Uniform) Next() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.min + time.Duration(u.rng.Int64N(int64(u.max-u.min)))
}

// Fixed replays a list of intervals, repeating the last one once exhausted.
type Fixed struct {
	mu        sync.Mutex
	intervals []time.Duration
	pos       int
}

// NewFixed returns a source that yields intervals in order.
func NewFixed(intervals ...time.Duration) *Fixed {
	return &Fixed{intervals: append([]time.Duration(nil), intervals...)}
}

// Next implements IntervalSource.
func (f *Fixed) Next() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.intervals) == 0 {
		return DefaultMinInterval
	}
	if f.pos >= len(f.intervals) {
		return f.intervals[len(f.intervals)-1]
	}
	d := f.intervals[f.pos]
	f.pos++
	return d
}

// Policy holds the pacing state of one session. It is not safe for concurrent
// use; the owning session goroutine is its only caller.
type Policy struct {
	source        IntervalSource
	elapsed       time.Duration
	lastAdvanceAt time.Duration
	nextInterval  time.Duration
}

// NewPolicy creates a Policy and draws the wait before the first advance.
func NewPolicy(source IntervalSource) *Policy {
	return &Policy{
		source:       source,
		nextInterval: source.Next(),
	}
}

// Tick adds delta to the elapsed counter and reports whether an advance is due.
func (p *Policy) Tick(delta time.Duration) bool {
	if delta > 0 {
		p.elapsed += delta
	}
	return p.elapsed >= p.lastAdvanceAt+p.nextInterval
}

// Advanced records that an advance happened at the current elapsed time and
// draws a fresh interval.
func (p *Policy) Advanced() {
	p.lastAdvanceAt = p.elapsed
	p.nextInterval = p.source.Next()
}

// Elapsed returns the accumulated tick time.
func (p *Policy) Elapsed() time.Duration { return p.elapsed }

// LastAdvanceAt returns the elapsed time of the most recent advance.
func (p *Policy) LastAdvanceAt() time.Duration { return p.lastAdvanceAt }

// NextInterval returns the current wait before the next advance.
func (p *Policy) NextInterval() time.Duration { return p.nextInterval }
