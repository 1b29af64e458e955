package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Scope identifies which quota tier rejected or admitted a request.
type Scope string

const (
	ScopeSession  Scope = "session"
	ScopeCustomer Scope = "customer"
	ScopeGlobal   Scope = "global"
)

// Config holds per-scope quotas. Per-minute rates refill continuously.
type Config struct {
	SessionPerMinute int
	GlobalPerMinute  int

	// CustomerShare is the fraction of the global per-minute budget any
	// single customer may consume (e.g. 0.2 = 20%).
	CustomerShare float64

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

// Error converts a rejecting decision into the error surfaced to callers.
func (d Decision) Error() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{Scope: d.Scope, RetryAfter: d.RetryAfter}
}

// LimitError reports a rate-limit rejection with a scope-specific retry hint.
type LimitError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s scope), retry after %s", e.Scope, e.RetryAfter)
}

// Limiter enforces hierarchical token-bucket quotas: session, customer,
// global. A request is admitted only when every scope has tokens, and
// consumption across scopes is all-or-nothing.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	session  map[string]*bucket
	customer map[string]*bucket
	global   *bucket
}

type bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
}

// New creates a limiter. Zero or negative quotas fall back to defaults:
// session 10/min, global 300/min, customer share 20%.
func New(cfg Config) *Limiter {
	if cfg.SessionPerMinute <= 0 {
		cfg.SessionPerMinute = 10
	}
	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = 300
	}
	if cfg.CustomerShare <= 0 || cfg.CustomerShare > 1 {
		cfg.CustomerShare = 0.2
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		cfg:      cfg,
		now:      now,
		session:  make(map[string]*bucket),
		customer: make(map[string]*bucket),
	}
	l.global = newBucket(float64(cfg.GlobalPerMinute), now())
	return l
}

func newBucket(perMinute float64, now time.Time) *bucket {
	return &bucket{
		capacity: perMinute,
		rate:     perMinute / 60.0,
		tokens:   perMinute,
		last:     now,
	}
}

// AudioCost returns the token cost for an audio-bearing request: the
// estimated duration rounded up to whole minutes, at least one token.
func AudioCost(d time.Duration) float64 {
	minutes := math.Ceil(d.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// Allow checks session, customer, and global scopes in that fixed order and
// consumes cost tokens from all three, or from none on rejection.
func (l *Limiter) Allow(sessionID, customerID string, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := l.now()

	sb := l.bucketFor(l.session, sessionID, float64(l.cfg.SessionPerMinute), now)
	cb := l.bucketFor(l.customer, customerID, l.cfg.CustomerShare*float64(l.cfg.GlobalPerMinute), now)
	gb := l.global

	// Fixed lock order prevents deadlock between concurrent checks.
	sb.mu.Lock()
	defer sb.mu.Unlock()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	gb.mu.Lock()
	defer gb.mu.Unlock()

	sb.refill(now)
	cb.refill(now)
	gb.refill(now)

	checks := []struct {
		scope Scope
		b     *bucket
	}{
		{ScopeSession, sb},
		{ScopeCustomer, cb},
		{ScopeGlobal, gb},
	}
	for _, c := range checks {
		if c.b.tokens < cost {
			return Decision{
				Allowed:    false,
				Scope:      c.scope,
				RetryAfter: c.b.retryAfter(cost),
			}
		}
	}

	sb.tokens -= cost
	cb.tokens -= cost
	gb.tokens -= cost
	return Decision{Allowed: true}
}

// Purge drops idle buckets. A bucket refilled back to capacity has seen no
// traffic for at least one full refill interval, so it carries no state.
func (l *Limiter) Purge() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	purgeIdle(l.session, now)
	purgeIdle(l.customer, now)
}

// Len reports the number of live session and customer buckets.
func (l *Limiter) Len() (sessions, customers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.session), len(l.customer)
}

func (l *Limiter) bucketFor(m map[string]*bucket, key string, perMinute float64, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := m[key]; ok {
		return b
	}
	b := newBucket(perMinute, now)
	m[key] = b
	return b
}

func purgeIdle(m map[string]*bucket, now time.Time) {
	for k, b := range m {
		b.mu.Lock()
		b.refill(now)
		full := b.tokens >= b.capacity
		b.mu.Unlock()
		if full {
			delete(m, k)
		}
	}
}

// refill advances the bucket clock, crediting tokens at the configured rate
// and clamping to capacity. Caller must hold b.mu.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}

// retryAfter estimates how long until cost tokens become available.
// Caller must hold b.mu.
func (b *bucket) retryAfter(cost float64) time.Duration {
	needed := cost - b.tokens
	if needed <= 0 {
		return 0
	}
	seconds := needed / b.rate
	return time.Duration(math.Ceil(seconds)) * time.Second
}
