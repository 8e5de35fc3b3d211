package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.True(t, errors.Is(err, errFlaky))
	assert.Equal(t, 2, calls)
}

func TestDoFatalStops(t *testing.T) {
	calls := 0
	p := fastPolicy(5)
	p.Classify = func(error) Class { return Fatal }

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(3), func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, Backoff(p, 1))
	assert.Equal(t, 200*time.Millisecond, Backoff(p, 2))
	assert.Equal(t, 800*time.Millisecond, Backoff(p, 4))
	assert.Equal(t, time.Second, Backoff(p, 10))

	p.Jitter = 10 * time.Millisecond
	wait := Backoff(p, 1)
	assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
	assert.Less(t, wait, 110*time.Millisecond)
}
