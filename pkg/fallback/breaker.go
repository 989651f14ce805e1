package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker fails a strategy fast after repeated failures so a dead
// tier stops consuming its timeout budget on every resolution.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	state           CircuitState
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// Execute runs a function through the circuit breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check if circuit should transition to half-open
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.failures = 0
	}

	if cb.state == CircuitOpen {
		return fmt.Errorf("circuit breaker is open")
	}

	err := fn()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()

		if cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}

		return err
	}

	// Success - reset circuit
	cb.failures = 0
	cb.state = CircuitClosed

	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

// WithBreaker wraps a strategy so that after maxFailures consecutive
// failures its fetches fail immediately until resetTimeout passes. The
// cascade then falls through to the next tier without waiting out the
// tier timeout.
func WithBreaker(strat Strategy, maxFailures int, resetTimeout time.Duration) Strategy {
	cb := NewCircuitBreaker(maxFailures, resetTimeout)
	return Strategy{
		Name: strat.Name,
		Fetch: func(ctx context.Context) (any, error) {
			var data any
			err := cb.Execute(func() error {
				var fetchErr error
				data, fetchErr = strat.Fetch(ctx)
				return fetchErr
			})
			if err != nil {
				return nil, err
			}
			return data, nil
		},
	}
}
