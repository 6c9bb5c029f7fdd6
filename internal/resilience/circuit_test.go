package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFail = errors.New("fail")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 0, errFail })
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, 1, calls)
	assert.False(t, cb.Open())
}

func TestCircuitBreaker_OpensAfterThreeConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	failN(cb, 2)
	assert.False(t, cb.Open())
	failN(cb, 1)
	assert.True(t, cb.Open())
	assert.Equal(t, 3, cb.Failures())

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called when circuit is open")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	failN(cb, 2)
	assert.Equal(t, 2, cb.Failures())

	cb.Record(nil)
	assert.Equal(t, 0, cb.Failures())

	failN(cb, 2)
	assert.False(t, cb.Open())
}

func TestCircuitBreaker_ShouldTripFilter(t *testing.T) {
	ignored := errors.New("ignored")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, ignored) },
	})

	cb.Record(errFail)
	cb.Record(ignored)
	assert.Equal(t, 0, cb.Failures(), "an ignored error breaks the streak")

	cb.Record(errFail)
	cb.Record(errFail)
	assert.True(t, cb.Open())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	failN(cb, 1)
	cb.Record(nil)
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestBreakers_GetOrCreate(t *testing.T) {
	b := NewBreakers(DefaultCircuitBreakerConfig())
	visa := b.Get("VISA")
	assert.Same(t, visa, b.Get("VISA"))
	assert.NotSame(t, visa, b.Get("ECB"))

	failN(visa, 3)
	assert.True(t, visa.Open())
	assert.False(t, b.Get("ECB").Open())
}
