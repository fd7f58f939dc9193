package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var states []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(s CircuitBreakerState) { states = append(states, s) },
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure opens the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit fails fast without calling fn
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	// A failed trial re-opens the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestDefaultCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	permanent := errors.New("resource missing")
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, permanent) },
	})

	err := cb.Execute(context.Background(), func() error { return permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CanceledContext(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
