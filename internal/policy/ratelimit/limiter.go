// Package ratelimit implements per-key token buckets used to throttle how
// often a single user may mount onboarding sessions.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/mailbox-onboarding/internal/clock"
	"github.com/JakeFAU/mailbox-onboarding/internal/clock/system"
)

const defaultMaxKeys = 10000

// Config holds rate limiter configuration.
//   - PerKeyRPS: sustained rate per key; <= 0 disables limiting.
//   - Burst: bucket size (default 1).
//   - MaxKeys: number of buckets kept before idle ones are pruned (default 10000).
//   - IdleTTL: how long an untouched bucket survives pruning (default 10m).
type Config struct {
	PerKeyRPS float64
	Burst     int
	MaxKeys   int
	IdleTTL   time.Duration
	Clock     clock.Clock
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-key rate limits.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	maxKeys int
	idleTTL time.Duration
	clock   clock.Clock
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerKeyRPS)
	if cfg.PerKeyRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		maxKeys: maxKeys,
		idleTTL: ttl,
		clock:   clk,
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.rate == rate.Inf {
		return true
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.pruneLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// pruneLocked drops idle buckets; if none are idle it drops the oldest one.
func (l *Limiter) pruneLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, k)
			continue
		}
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = k, b.lastSeen
		}
	}
	if len(l.buckets) >= l.maxKeys && oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}
