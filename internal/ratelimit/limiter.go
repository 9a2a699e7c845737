// Package ratelimit throttles dispatch requests per client with token
// buckets. The HTTP API consults it before starting a turn so a single caller
// cannot saturate the upstream provider quota.
package ratelimit

import (
	"sync"
	"time"
)

// Config sets the steady rate and burst of each client bucket. A zero
// RequestsPerSecond disables limiting.
type Config struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst" json:"burst,omitempty"`
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// bucket is a token bucket. Callers hold the owning Limiter's lock.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter keeps one bucket per key. Idle buckets are dropped once MaxKeys is
// reached.
//
// Thread Safety: all methods are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	maxKeys int
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxKeys bounds the number of tracked clients.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// New returns a limiter for cfg, or nil when cfg is disabled. A nil
// *Limiter allows everything.
func New(cfg Config, opts ...Option) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    cfg.RequestsPerSecond,
		burst:   float64(burst),
		maxKeys: 10000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve takes one token for key. When none is available it returns false
// and how long until one will be.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.prune(now)
		}
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Allow is Reserve without the wait hint.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.lastSeen = now
	if elapsed <= 0 {
		return
	}
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
}

// prune drops buckets that have refilled completely; they carry no state a
// fresh bucket would not.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.buckets, key)
		}
	}
}
