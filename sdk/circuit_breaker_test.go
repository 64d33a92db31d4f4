package sdk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		ResetTimeout:      50 * time.Millisecond,
		HalfOpenMaxProbes: 3,
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	failing := func() error { return errors.New("boom") }

	for i := 0; i < 2; i++ {
		_ = cb.Execute(failing)
		assert.Equal(t, CircuitClosed, cb.State())
	}
	_ = cb.Execute(failing)

	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.False(t, called, "function must not run while open")

	var sdkErr *Error
	require.True(t, errors.As(err, &sdkErr))
	assert.Equal(t, ErrorTypeCircuitOpen, sdkErr.Type)
	assert.Greater(t, sdkErr.RetryAfter, time.Duration(0))
}

func TestCircuitBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()

	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())

	// Counters were reset on close: it takes a full threshold to reopen
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State(),
		"non-consecutive failures must not open the circuit")
}

func TestCircuitBreakerExecuteWithFallback(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	fallbackCalled := false
	err := cb.ExecuteWithFallback(
		func() error { return errors.New("should not run") },
		func() error {
			fallbackCalled = true
			return nil
		},
	)

	assert.NoError(t, err)
	assert.True(t, fallbackCalled)
	// Fallback does not count toward breaker state
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerHalfOpenProbeLimit(t *testing.T) {
	config := testBreakerConfig()
	config.HalfOpenMaxProbes = 1
	cb := NewCircuitBreaker(config).(*circuitBreaker)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.admit())
	assert.False(t, cb.CanExecute(), "probe slot exhausted")
	err := cb.admit()
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestNoopCircuitBreaker(t *testing.T) {
	cb := NewNoopCircuitBreaker()

	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.CanExecute())

	called := false
	require.NoError(t, cb.Execute(func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
