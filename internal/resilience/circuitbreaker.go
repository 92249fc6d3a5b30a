// Package resilience implements a circuit breaker guarding calls to
// external dependencies (object storage, webhook endpoints) so that a
// persistently failing dependency fails fast instead of stalling every
// upload that completes while it is down.
package resilience

import (
	"errors"
	"sync"
	"time"

	"uploadsvc/internal/logging"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyHalfOpen = errors.New("too many requests while circuit is half-open")
)

// Breaker implements the circuit breaker pattern over an arbitrary
// func() error, such as an object-store PutObject or a webhook POST.
type Breaker struct {
	mu sync.Mutex

	name        string
	maxFailures uint32
	timeout     time.Duration

	state            State
	failures         uint32
	lastFailureTime  time.Time
	halfOpenInFlight uint32
}

// New creates a Breaker that opens after maxFailures consecutive failures
// and attempts recovery after timeout has elapsed.
func New(name string, maxFailures uint32, timeout time.Duration) *Breaker {
	return &Breaker{name: name, maxFailures: maxFailures, timeout: timeout, state: StateClosed}
}

// Execute runs fn under circuit-breaker protection, returning ErrOpen or
// ErrTooManyHalfOpen without calling fn if the circuit disallows it.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailureTime) <= b.timeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
		logging.Info("circuit_breaker_half_open", map[string]any{"breaker": b.name})
	case StateHalfOpen:
		if b.halfOpenInFlight >= 1 {
			return ErrTooManyHalfOpen
		}
		b.halfOpenInFlight++
	}
	return nil
}

func (b *Breaker) onSuccess() {
	if b.state == StateHalfOpen {
		logging.Info("circuit_breaker_closed", map[string]any{"breaker": b.name, "reason": "recovered"})
	}
	b.state = StateClosed
	b.failures = 0
}

func (b *Breaker) onFailure() {
	b.failures++
	b.lastFailureTime = time.Now()
	if b.failures >= b.maxFailures && b.state != StateOpen {
		b.state = StateOpen
		logging.Warn("circuit_breaker_opened", map[string]any{
			"breaker":      b.name,
			"failures":     b.failures,
			"max_failures": b.maxFailures,
			"timeout":      b.timeout.String(),
		})
	}
}

// State returns the current state (for health/status reporting).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
