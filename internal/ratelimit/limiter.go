// Package ratelimit tracks authentication failures per (scope, address)
// pair and locks out sources that fail too often.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Config configures the failure limiter.
type Config struct {
	// Window is the sliding window over which failures are counted.
	Window time.Duration `yaml:"window"`
	// Threshold is the failure count that triggers a lockout.
	Threshold int `yaml:"threshold"`
	// Lockout is how long a locked-out pair stays blocked.
	Lockout time.Duration `yaml:"lockout"`
	// ExemptLoopback skips limiting for loopback addresses.
	ExemptLoopback bool `yaml:"exempt_loopback"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Window:         time.Minute,
		Threshold:      20,
		Lockout:        5 * time.Minute,
		ExemptLoopback: true,
	}
}

// Decision is the outcome of a Check call.
type Decision struct {
	Blocked    bool
	RetryAfter time.Duration
}

const maxTrackedKeys = 10000

type window struct {
	failures    []time.Time
	lockedUntil time.Time
}

// Limiter is a sliding-window failure tracker keyed by (scope, address).
type Limiter struct {
	mu      sync.Mutex
	config  Config
	windows map[string]*window
}

// NewLimiter creates a failure limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Threshold <= 0 {
		config.Threshold = 20
	}
	if config.Lockout <= 0 {
		config.Lockout = 5 * time.Minute
	}
	return &Limiter{
		config:  config,
		windows: make(map[string]*window),
	}
}

// Check reports whether the (scope, address) pair is currently locked out.
func (l *Limiter) Check(addr, scope string) Decision {
	return l.checkAt(addr, scope, time.Now())
}

func (l *Limiter) checkAt(addr, scope string, now time.Time) Decision {
	if l.exempt(addr) {
		return Decision{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key(addr, scope)]
	if !ok {
		return Decision{}
	}
	if now.Before(w.lockedUntil) {
		return Decision{Blocked: true, RetryAfter: w.lockedUntil.Sub(now)}
	}
	return Decision{}
}

// RecordFailure adds a failure for the pair and starts a lockout once the
// threshold is crossed within the window.
func (l *Limiter) RecordFailure(addr, scope string) {
	l.recordFailureAt(addr, scope, time.Now())
}

func (l *Limiter) recordFailureAt(addr, scope string, now time.Time) {
	if l.exempt(addr) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(addr, scope)
	w, ok := l.windows[k]
	if !ok {
		if len(l.windows) >= maxTrackedKeys {
			l.pruneLocked(now)
		}
		w = &window{}
		l.windows[k] = w
	}

	cutoff := now.Add(-l.config.Window)
	kept := w.failures[:0]
	for _, ts := range w.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.failures = append(kept, now)

	if len(w.failures) >= l.config.Threshold {
		w.lockedUntil = now.Add(l.config.Lockout)
		w.failures = w.failures[:0]
	}
}

// Reset clears all state for the pair, called on successful auth.
func (l *Limiter) Reset(addr, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key(addr, scope))
}

// Prune drops expired windows. Called from the maintenance sweep; holds
// the lock only for the map walk.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(time.Now())
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	for k, w := range l.windows {
		if now.Before(w.lockedUntil) {
			continue
		}
		live := false
		for _, ts := range w.failures {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, k)
		}
	}
}

// Size returns the number of tracked pairs.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) exempt(addr string) bool {
	if !l.config.ExemptLoopback {
		return false
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func key(addr, scope string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return scope + ":" + host
}
