package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitBreakerStateClosed means requests pass through normally
	CircuitBreakerStateClosed CircuitBreakerState = "closed"
	// CircuitBreakerStateOpen means requests fail immediately
	CircuitBreakerStateOpen CircuitBreakerState = "open"
	// CircuitBreakerStateHalfOpen means testing if the store recovered
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitBreakerOpen is returned when the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight is returned when the half-open probe slot is taken
	ErrProbeInFlight = errors.New("half-open probe already in flight")
	// ErrInvalidCircuitBreakerConfig is returned for invalid configuration
	ErrInvalidCircuitBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// ErrorsToOpen is the number of failures inside Window before opening
	ErrorsToOpen uint32
	// Window is the sliding window in which failures are counted
	Window time.Duration
	// Cooldown is how long to stay open before admitting a probe (open -> half-open)
	Cooldown time.Duration
}

// Validate checks if the circuit breaker configuration is valid.
func (c *CircuitBreakerConfig) Validate() error {
	if c.ErrorsToOpen == 0 {
		return errors.New("ErrorsToOpen must be greater than 0")
	}
	if c.Window <= 0 {
		return errors.New("Window must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ErrorsToOpen: 5,
		Window:       30 * time.Second,
		Cooldown:     60 * time.Second,
	}
}

// CircuitBreaker protects the columnar store. Closed counts errors in a
// sliding window; ErrorsToOpen failures inside Window transition to Open.
// Open fails fast for Cooldown, then HalfOpen admits exactly one probe
// call: success closes the circuit and resets the error count, failure
// reopens it. Transitions are driven only by the outcome of wrapped calls.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	state         CircuitBreakerState
	failures      uint32
	windowStart   time.Time
	lastFailTime  time.Time
	probeInFlight bool
	mu            sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker. Returns an error instead
// of panicking for invalid config.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuitBreakerConfig, err)
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitBreakerStateClosed,
	}, nil
}

// Allow checks if a call is allowed through the circuit breaker.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerStateClosed:
		return nil

	case CircuitBreakerStateOpen:
		if time.Since(cb.lastFailTime) > cb.config.Cooldown {
			cb.transition(CircuitBreakerStateHalfOpen)
			cb.probeInFlight = true
			return nil
		}
		return ErrCircuitBreakerOpen

	case CircuitBreakerStateHalfOpen:
		// Exactly one probe is admitted per half-open period.
		if cb.probeInFlight {
			return ErrProbeInFlight
		}
		cb.probeInFlight = true
		return nil

	default:
		return nil
	}
}

// RecordSuccess records a successful call. Returns the old and new state so
// callers can emit transition metrics without racing a second read.
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state

	switch cb.state {
	case CircuitBreakerStateClosed:
		cb.failures = 0

	case CircuitBreakerStateHalfOpen:
		cb.probeInFlight = false
		cb.failures = 0
		cb.transition(CircuitBreakerStateClosed)
	}

	newState = cb.state
	return
}

// RecordFailure records a failed call. Returns the old and new state.
func (cb *CircuitBreaker) RecordFailure() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	now := time.Now()
	cb.lastFailTime = now

	switch cb.state {
	case CircuitBreakerStateClosed:
		// Sliding window: failures older than Window no longer count.
		if now.Sub(cb.windowStart) > cb.config.Window {
			cb.windowStart = now
			cb.failures = 0
		}
		cb.failures++
		if cb.failures >= cb.config.ErrorsToOpen {
			cb.transition(CircuitBreakerStateOpen)
		}

	case CircuitBreakerStateHalfOpen:
		cb.probeInFlight = false
		cb.transition(CircuitBreakerStateOpen)
	}

	newState = cb.state
	return
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	cb.state = to
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current failure count in the sliding window.
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
