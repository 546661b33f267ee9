// Package ratelimit keeps one token bucket per key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nvcstack.local/facilitator/internal/apperr"
)

const defaultIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter allows perMinute events per key with a burst of the same size.
// A zero or negative rate disables limiting.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithBurst(burst int) Option {
	return func(l *Limiter) {
		if burst > 0 {
			l.burst = burst
		}
	}
}

func New(perMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		burst:   perMinute,
		idle:    defaultIdle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	if perMinute > 0 {
		l.limit = rate.Limit(float64(perMinute) / 60)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow consumes one token for key or returns a RateLimitError carrying the
// wait until the next token.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	l.pruneLocked(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return apperr.RateLimited(time.Minute)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return apperr.RateLimited(delay)
	}
	return nil
}

func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.idle {
		return
	}
	l.lastPrune = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
}
