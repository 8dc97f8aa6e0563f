// Package ratelimit implements token-bucket admission for inbound messages.
// Two buckets are checked per message: one for the (config, user) pair and
// one for the config across all users. Both refill continuously over a
// sliding window and fail closed when either is empty.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	// UserCapacity is the per-(config,user) bucket size.
	UserCapacity = 20
	// ConfigCapacity is the per-config bucket size across all users.
	ConfigCapacity = 60
	// Window is the refill window: a bucket goes from empty to full in one window.
	Window = 60 * time.Second

	minRetryAfter = time.Second
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is a dual token-bucket admission limiter. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	users   map[string]*bucket // key: configID + "\x00" + userID
	configs map[string]*bucket // key: configID
	now     func() time.Time   // injectable clock for tests
}

// New creates a Limiter.
func New() *Limiter {
	return &Limiter{
		users:   make(map[string]*bucket),
		configs: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Check admits or rejects one message for (configID, userID). Both buckets
// are refilled first; admission consumes one token from each. On rejection
// RetryAfter reports when the emptier bucket will hold a full token again,
// floored at one second.
func (l *Limiter) Check(configID, userID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	user := l.refill(l.users, configID+"\x00"+userID, UserCapacity, now)
	cfg := l.refill(l.configs, configID, ConfigCapacity, now)

	if user.tokens < 1 {
		return Result{RetryAfter: retryAfter(user.tokens, UserCapacity)}
	}
	if cfg.tokens < 1 {
		return Result{RetryAfter: retryAfter(cfg.tokens, ConfigCapacity)}
	}

	user.tokens--
	cfg.tokens--
	return Result{Allowed: true}
}

func (l *Limiter) refill(m map[string]*bucket, key string, capacity float64, now time.Time) *bucket {
	b, ok := m[key]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		m[key] = b
		return b
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed.Seconds()/Window.Seconds()*capacity)
		b.lastRefill = now
	}
	return b
}

func retryAfter(tokens, capacity float64) time.Duration {
	d := time.Duration(math.Ceil((1 - tokens) / capacity * float64(Window)))
	if d < minRetryAfter {
		d = minRetryAfter
	}
	return d
}

// Cleanup drops buckets idle for more than twice the window. Safe to call
// concurrently with Check.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * Window)
	for key, b := range l.users {
		if b.lastRefill.Before(cutoff) {
			delete(l.users, key)
		}
	}
	for key, b := range l.configs {
		if b.lastRefill.Before(cutoff) {
			delete(l.configs, key)
		}
	}
}
