package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	ok, err := l.Acquire(ctx, KeyScanRound, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, KeyScanRound, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "locks are not reentrant")

	held, err := l.Check(ctx, KeyScanRound)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, l.Release(ctx, KeyScanRound))
	held, err = l.Check(ctx, KeyScanRound)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = l.Acquire(ctx, KeyScanRound, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	ok, _ := l.Acquire(ctx, KeyEmergency, 10*time.Second)
	require.True(t, ok)

	now = now.Add(11 * time.Second)
	held, _ := l.Check(ctx, KeyEmergency)
	assert.False(t, held)
	assert.Empty(t, l.Held())

	ok, _ = l.Acquire(ctx, KeyEmergency, 10*time.Second)
	assert.True(t, ok)
}

func TestLocalExtend(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		acquire  bool
		advance  time.Duration
		wantOK   bool
		wantHeld bool
	}{
		{name: "held lock gets a fresh ttl", acquire: true, advance: 8 * time.Second, wantOK: true, wantHeld: true},
		{name: "expired lock is not revived", acquire: true, advance: 11 * time.Second, wantOK: false, wantHeld: false},
		{name: "unknown key", acquire: false, wantOK: false, wantHeld: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := start
			l := NewLocal()
			l.now = func() time.Time { return now }
			if tt.acquire {
				ok, _ := l.Acquire(ctx, KeyEmergency, 10*time.Second)
				require.True(t, ok)
			}

			now = now.Add(tt.advance)
			ok, err := l.Extend(ctx, KeyEmergency, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)

			// past the original expiry but within the extended one
			now = now.Add(5 * time.Second)
			held, _ := l.Check(ctx, KeyEmergency)
			assert.Equal(t, tt.wantHeld, held)
		})
	}
}

func TestLocalReleaseAll(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	_, _ = l.Acquire(ctx, KeyScanRound, time.Minute)
	_, _ = l.Acquire(ctx, KeyEmergency, time.Minute)
	assert.Equal(t, []string{KeyEmergency, KeyScanRound}, l.Held())

	require.NoError(t, l.ReleaseAll(ctx))
	assert.Empty(t, l.Held())
	ok, _ := l.Acquire(ctx, KeyScanRound, time.Minute)
	assert.True(t, ok)
}

// TestRedisLocker needs a disposable Redis, e.g. SENTINEL_TEST_REDIS_ADDR=localhost:6379
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("SENTINEL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SENTINEL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	a, err := NewRedis(ctx, RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedis(ctx, RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer b.Close()

	key := "test:" + a.Owner()
	ok, err := a.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// b cannot release a lock it does not own
	require.NoError(t, b.Release(ctx, key))
	held, err := a.Check(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = b.Check(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = b.Extend(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner extends")
	ok, err = a.Extend(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.ReleaseAll(ctx))
	ok, err = b.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, key))
}
