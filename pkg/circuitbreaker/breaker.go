// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker prevents cascading failures by tracking consecutive failures
// and temporarily blocking requests to failing services.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked until the cooldown elapses
//   - HalfOpen: Testing if service recovered, a single probe request allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after a breaker changes state. key is the
// registry key, empty for breakers created with New.
type StateChangeFunc func(key string, from, to State)

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold     int             // Failures before circuit opens (default: 5)
	Cooldown      time.Duration   // Time before half-open (default: 30s)
	OnStateChange StateChangeFunc // Optional, called outside the breaker lock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu        sync.Mutex
	key       string
	state     State
	failures  int           // consecutive failures
	threshold int           // failures before opening
	openedAt  time.Time     // when the circuit last opened
	probeAt   time.Time     // when the half-open probe was let through, zero if none
	cooldown  time.Duration // how long to wait before half-open
	onChange  StateChangeFunc
	now       func() time.Time
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newBreaker("", cfg)
}

func newBreaker(key string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		key:       key,
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		onChange:  cfg.OnStateChange,
		now:       time.Now,
	}
}

// Allow returns true if a request should be attempted. In the half-open
// state only one probe is let through at a time; a probe whose outcome is
// never recorded stops blocking others after one cooldown.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := b.allowLocked()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

func (b *Breaker) allowLocked() bool {
	now := b.now()
	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probeAt = now
		return true

	case HalfOpen:
		if !b.probeAt.IsZero() && now.Sub(b.probeAt) < b.cooldown {
			return false
		}
		b.probeAt = now
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.state = Closed
	b.probeAt = time.Time{}
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	switch {
	case b.state == HalfOpen, b.state == Open:
		// A failed probe, or a request admitted before the circuit opened.
		b.state = Open
		b.openedAt = b.now()
		b.probeAt = time.Time{}
	case b.failures >= b.threshold:
		b.state = Open
		b.openedAt = b.now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryAfter returns how long until an open circuit admits a probe,
// or zero if requests may be attempted now.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(b.cooldown-b.now().Sub(b.openedAt), 0)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.key, from, to)
	}
}
