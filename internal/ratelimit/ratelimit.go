package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Keyed hands out one Limiter per key (a connection id, a client address).
type Keyed struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	now      func() time.Time
	mu       sync.RWMutex
}

type Option func(*Keyed)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(k *Keyed) { k.now = now }
}

func NewKeyed(rate float64, burst int, opts ...Option) *Keyed {
	k := &Keyed{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

func (k *Keyed) Get(key string) *Limiter {
	k.mu.RLock()
	limiter, ok := k.limiters[key]
	k.mu.RUnlock()

	if ok {
		return limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if limiter, ok := k.limiters[key]; ok {
		return limiter
	}

	limiter = newLimiter(k.rate, k.burst, k.now)
	k.limiters[key] = limiter
	return limiter
}

func (k *Keyed) Remove(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

func (k *Keyed) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.limiters)
}

// Prune forgets limiters untouched for longer than idle. An idle bucket is
// full again, so dropping it changes nothing for the key.
func (k *Keyed) Prune(idle time.Duration) int {
	cutoff := k.now().Add(-idle)

	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for key, limiter := range k.limiters {
		if limiter.idleSince().Before(cutoff) {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Run prunes idle limiters every interval until ctx is done.
func (k *Keyed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Prune(interval)
		}
	}
}
