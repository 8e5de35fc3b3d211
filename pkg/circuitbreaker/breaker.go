package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/sentinel/pkg/logger"
)

// CircuitBreaker implements the circuit breaker pattern for one RPC endpoint
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	now           func() time.Time
	logger        logger.Logger
	mu            sync.Mutex
}

// State is a point in time view of a breaker
type State struct {
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	Open         bool      `json:"open"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	TripTime     time.Time `json:"trip_time,omitempty"`
}

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithLogger sets the logger used for trip and reset messages
func WithLogger(log logger.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = log
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, enabled bool, threshold int, window time.Duration, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
		logger:        &logger.EmptyLogger{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// RecordFailure records a failure and trips the circuit if threshold is reached.
// Returns true if the circuit is open after the call.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.logger.Info("Circuit breaker %s: attempting reset after timeout", cb.name)
			cb.tripped = false
			cb.failureCount = 0
		} else {
			return true
		}
	}

	// failures outside the window start a new count
	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		cb.logger.Notice("Circuit breaker %s tripped: %d failures in window", cb.name, cb.failureCount)
		return true
	}

	return false
}

// RecordSuccess clears the failure count of a closed circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// half-open after the reset timeout
	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
		return false
	}

	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	open := cb.IsOpen()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State{
		Name:         cb.name,
		Enabled:      cb.enabled,
		Open:         open,
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
		TripTime:     cb.tripTime,
	}
}
