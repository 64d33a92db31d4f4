package sdk

import (
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
// The circuit breaker pattern prevents cascading failures by monitoring
// error rates and temporarily blocking requests when a threshold is exceeded.
//
// State transitions:
//   - Closed -> Open: When failure threshold is reached
//   - Open -> Half-Open: After the reset timeout expires
//   - Half-Open -> Closed: When success threshold is reached
//   - Half-Open -> Open: On any failure
//
// Transitions out of Open are evaluated lazily on each state read, not by a
// background timer, so callers must treat State() and CanExecute() as
// potentially mutating.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	// All requests pass through and failures are counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests immediately.
	// This state prevents overwhelming a failing service.
	CircuitOpen
	// CircuitHalfOpen allows limited requests to test if the service has recovered.
	// If these probe requests succeed, the circuit closes.
	// If any fails, the circuit opens again.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the flag service from request storms while it is
// failing, and protects the SDK from wasting time on calls that cannot
// succeed. All outbound operations (refresh fetches, remote evaluation,
// event batch delivery) run through one breaker.
//
// Example:
//
//	err := cb.Execute(func() error {
//	    return sendBatch()
//	})
//	if errors.Is(err, sdk.ErrCircuitOpen) {
//	    // Rejected locally, no network call was made
//	}
type CircuitBreaker interface {
	// Execute runs the given function if the circuit allows it.
	// Returns a circuit-open error carrying the time until the next probe
	// if the circuit is open. The function's error (if any) updates
	// circuit state.
	Execute(fn func() error) error

	// ExecuteWithFallback behaves like Execute, but when the circuit is
	// open it invokes fallback instead of returning the rejection error.
	// The fallback runs locally and does not count toward breaker state.
	ExecuteWithFallback(fn func() error, fallback func() error) error

	// CanExecute reports whether a call would currently be allowed.
	// Reading it may transition an expired Open circuit to HalfOpen.
	CanExecute() bool

	// RecordSuccess feeds a successful outcome into the breaker without
	// going through Execute. Used when the retry loop owns the attempt
	// lifecycle and each attempt must count individually.
	RecordSuccess()

	// RecordFailure feeds a failed outcome into the breaker without going
	// through Execute.
	RecordFailure()

	// State returns the current state of the circuit breaker.
	// Reading it may transition an expired Open circuit to HalfOpen.
	State() CircuitState

	// Reset manually resets the circuit to closed state and clears all
	// counters. This is the only externally forced transition.
	Reset()
}

// CircuitBreakerConfig holds configuration for circuit breaker behavior.
// All fields have sensible defaults if not specified.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// the circuit opens. Lower values make the circuit more sensitive.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes required
	// in half-open state before the circuit closes.
	// Default: 2
	SuccessThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open state to test recovery.
	// Default: 30s
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the maximum number of in-flight probe requests
	// allowed in half-open state.
	// Default: 3
	HalfOpenMaxProbes int
}

// DefaultCircuitBreakerConfig returns a circuit breaker configuration
// with sensible defaults suitable for most use cases.
//
// Default values:
//   - FailureThreshold: 5 (opens after 5 consecutive failures)
//   - SuccessThreshold: 2 (closes after 2 consecutive successes)
//   - ResetTimeout: 30s (waits 30 seconds before testing recovery)
//   - HalfOpenMaxProbes: 3 (allows 3 probe requests in half-open state)
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// circuitBreaker is the default implementation
type circuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	probesInFlight  int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
// The circuit breaker starts in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) CircuitBreaker {
	return &circuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs the given function if the circuit allows it
func (cb *circuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()

	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// ExecuteWithFallback runs fn if allowed, otherwise runs fallback locally
func (cb *circuitBreaker) ExecuteWithFallback(fn func() error, fallback func() error) error {
	if err := cb.admit(); err != nil {
		if fallback != nil {
			return fallback()
		}
		return err
	}

	err := fn()

	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// admit checks state and reserves a half-open probe slot if needed
func (cb *circuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkStateTransition()

	switch cb.state {
	case CircuitOpen:
		err := NewError(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen)
		err.RetryAfter = cb.timeUntilReset()
		return err
	case CircuitHalfOpen:
		if cb.probesInFlight >= cb.config.HalfOpenMaxProbes {
			err := NewError(ErrorTypeCircuitOpen, "circuit breaker half-open probe limit reached", ErrCircuitOpen)
			err.RetryAfter = cb.timeUntilReset()
			return err
		}
		cb.probesInFlight++
	}
	return nil
}

// CanExecute reports whether a call would currently be allowed
func (cb *circuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkStateTransition()
	if cb.state == CircuitOpen {
		return false
	}
	if cb.state == CircuitHalfOpen && cb.probesInFlight >= cb.config.HalfOpenMaxProbes {
		return false
	}
	return true
}

// State returns the current state of the circuit
func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.checkStateTransition()
	return cb.state
}

// Reset manually resets the circuit to closed state
func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probesInFlight = 0
}

// RecordSuccess handles successful outcomes
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		// Consecutive-failure counting: any success resets the streak
		cb.failures = 0

	case CircuitHalfOpen:
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure handles failed outcomes
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		// Any failure in half-open goes back to open
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.transitionTo(CircuitOpen)
	}
}

// checkStateTransition applies the lazy Open -> HalfOpen transition.
// Callers must hold cb.mu.
func (cb *circuitBreaker) checkStateTransition() {
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
		cb.transitionTo(CircuitHalfOpen)
	}
}

// timeUntilReset returns how long until the open circuit allows a probe.
// Callers must hold cb.mu.
func (cb *circuitBreaker) timeUntilReset() time.Duration {
	remaining := cb.config.ResetTimeout - time.Since(cb.lastFailureTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// transitionTo transitions the circuit to a new state.
// Callers must hold cb.mu.
func (cb *circuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	cb.state = newState

	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
		cb.probesInFlight = 0

	case CircuitHalfOpen:
		cb.successes = 0
		cb.probesInFlight = 0

	case CircuitOpen:
		cb.failures = 0
		cb.successes = 0
		cb.probesInFlight = 0
	}
}

// noopCircuitBreaker is a circuit breaker that does nothing
type noopCircuitBreaker struct{}

// Execute always executes the function
func (ncb *noopCircuitBreaker) Execute(fn func() error) error {
	return fn()
}

// ExecuteWithFallback always executes the function
func (ncb *noopCircuitBreaker) ExecuteWithFallback(fn func() error, fallback func() error) error {
	return fn()
}

// CanExecute always returns true
func (ncb *noopCircuitBreaker) CanExecute() bool { return true }

// RecordSuccess does nothing
func (ncb *noopCircuitBreaker) RecordSuccess() {}

// RecordFailure does nothing
func (ncb *noopCircuitBreaker) RecordFailure() {}

// State always returns closed
func (ncb *noopCircuitBreaker) State() CircuitState {
	return CircuitClosed
}

// Reset does nothing
func (ncb *noopCircuitBreaker) Reset() {}

// NewNoopCircuitBreaker creates a circuit breaker that does nothing.
// This is useful for testing or when you want to disable circuit breaking
// without changing code structure.
func NewNoopCircuitBreaker() CircuitBreaker {
	return &noopCircuitBreaker{}
}
