// Package circuitbreaker keeps the Control Plane Client from hammering a
// dead or slow sidecar. It does not retry — all retry and backoff policy
// belongs to the speculative loop — it only tracks recent failures and
// short-circuits calls once the sidecar looks unhealthy, so a broadcast-work
// or poll-result call fails fast instead of waiting out its full timeout
// every time.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in the closed → open → half-open cycle.
type State int

const (
	// StateClosed passes requests through and counts failures.
	StateClosed State = iota
	// StateOpen rejects requests outright until the cool-off expires.
	StateOpen
	// StateHalfOpen admits a small number of probe requests; success closes
	// the breaker, any failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the wrapped call while the breaker is
// open, or when the half-open probe quota is already spoken for.
var ErrOpen = errors.New("circuitbreaker: open")

// Config tunes one breaker.
type Config struct {
	// Name appears in state-change log lines.
	Name string
	// MaxProbes caps concurrent-generation requests in half-open state, and
	// doubles as the consecutive-success count needed to close again.
	MaxProbes uint32
	// Interval resets the closed-state failure window; 0 means the counts
	// accumulate for the life of the breaker.
	Interval time.Duration
	// CoolOff is how long an open breaker waits before going half-open.
	CoolOff time.Duration
	// TripAfter is the consecutive-failure count that opens a closed breaker.
	TripAfter uint32
}

// counts tracks request outcomes within one generation.
type counts struct {
	requests             uint32
	consecutiveSuccesses uint32
	consecutiveFailures  uint32
}

func (c *counts) success() {
	c.consecutiveSuccesses++
	c.consecutiveFailures = 0
}

func (c *counts) failure() {
	c.consecutiveFailures++
	c.consecutiveSuccesses = 0
}

// CircuitBreaker guards one downstream dependency. Safe for concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     counts
	expiry     time.Time
}

// New builds a breaker from cfg, filling zero fields with workable defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	return &CircuitBreaker{cfg: cfg}
}

// NewSidecar builds the breaker the control-plane client puts in front of
// every sidecar call. A dead sidecar degrades the speculative loop to pure
// local decoding; tripping after a run of failures keeps that degraded path
// cheap instead of paying out the full per-call timeout on every broadcast.
func NewSidecar() *CircuitBreaker {
	return New(Config{
		Name:      "sidecar",
		MaxProbes: 2,
		Interval:  30 * time.Second,
		CoolOff:   10 * time.Second,
		TripAfter: 5,
	})
}

// State returns the breaker's current state, advancing open → half-open if
// the cool-off has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// ExecuteContext runs req unless the breaker rejects it, and records the
// outcome. The error from req is passed through unchanged; a rejection is
// reported as ErrOpen without req ever running.
func (cb *CircuitBreaker) ExecuteContext(
	ctx context.Context,
	req func(context.Context) (interface{}, error),
) (interface{}, error) {
	generation, err := cb.before()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.after(generation, err == nil)
	return result, err
}

func (cb *CircuitBreaker) before() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && cb.counts.requests >= cb.cfg.MaxProbes {
		return generation, ErrOpen
	}
	cb.counts.requests++
	return generation, nil
}

func (cb *CircuitBreaker) after(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, current := cb.currentState(now)
	if generation != current {
		// The breaker changed state while this request was in flight; its
		// outcome belongs to a window that no longer exists.
		return
	}

	switch {
	case success && state == StateHalfOpen:
		cb.counts.success()
		if cb.counts.consecutiveSuccesses >= cb.cfg.MaxProbes {
			cb.setState(StateClosed, now)
		}
	case success:
		cb.counts.success()
	case state == StateHalfOpen:
		cb.setState(StateOpen, now)
	default:
		cb.counts.failure()
		if cb.counts.consecutiveFailures >= cb.cfg.TripAfter {
			cb.setState(StateOpen, now)
		}
	}
}

// currentState advances time-driven transitions (closed-window reset,
// open → half-open) and returns the state plus its generation. Callers hold
// cb.mu.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.newGeneration(now)
	slog.Info("circuit breaker state change",
		"name", cb.cfg.Name,
		"from", prev.String(),
		"to", state.String(),
	)
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts = counts{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.CoolOff)
	default:
		cb.expiry = time.Time{}
	}
}
