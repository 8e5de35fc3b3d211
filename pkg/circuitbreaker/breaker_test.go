package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("rpc-1", true, 3, time.Minute, 5*time.Minute, WithClock(clock.Now))
}

func TestCircuitBreakerTrips(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.IsOpen())

	state := cb.GetState()
	assert.Equal(t, "rpc-1", state.Name)
	assert.True(t, state.Open)
	assert.Equal(t, 3, state.FailureCount)
}

func TestCircuitBreakerWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(2 * time.Minute)

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.IsOpen())
	assert.Equal(t, 1, cb.GetState().FailureCount)
}

func TestCircuitBreakerResetTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.IsOpen())

	clock.Advance(6 * time.Minute)
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreakerManualReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	assert.False(t, cb.IsOpen())

	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.GetState().FailureCount)
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker("off", false, 1, time.Minute, time.Minute)
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.IsOpen())
}
