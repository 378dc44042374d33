// Package backoff provides bounded exponential retry with jitter, used for
// proxy starts, and a circuit breaker that stops restarting a server stuck
// in a crash loop.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Strategy yields growing delays between attempts.
type Strategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int // 0 = unlimited
	JitterPercent   float64

	currentInterval time.Duration
	attempts        int
	mu              sync.Mutex
}

// NewStrategy creates a strategy starting at initial and capped at max.
func NewStrategy(initial, max time.Duration, maxRetries int) *Strategy {
	return &Strategy{
		InitialInterval: initial,
		MaxInterval:     max,
		MaxRetries:      maxRetries,
		JitterPercent:   0.1,
		currentInterval: initial,
	}
}

// NextBackoff calculates the next delay and counts an attempt.
func (s *Strategy) NextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	jitter := time.Duration(0)
	if s.JitterPercent > 0 {
		jitter = time.Duration(float64(s.currentInterval) * s.JitterPercent * (rand.Float64()*2 - 1))
	}
	backoff := s.currentInterval + jitter

	s.currentInterval *= 2
	if s.currentInterval > s.MaxInterval {
		s.currentInterval = s.MaxInterval
	}

	s.attempts++
	return backoff
}

// ShouldRetry returns true if another attempt is allowed.
func (s *Strategy) ShouldRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MaxRetries == 0 || s.attempts < s.MaxRetries
}

// Attempts returns the number of retries made so far.
func (s *Strategy) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	lastFailure      time.Time
	state            CircuitState
	mu               sync.RWMutex
}

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// Allow returns true if the operation should be allowed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (s CircuitState) String() string {
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

// Retry calls fn until it succeeds, the strategy gives up or ctx ends. The
// last error from fn is returned when retries are exhausted.
func Retry(ctx context.Context, strategy *Strategy, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !strategy.ShouldRetry() {
			return err
		}

		timer := time.NewTimer(strategy.NextBackoff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
