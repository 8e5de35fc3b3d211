// Package lock provides TTL'd mutual exclusion between sentinel instances.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Lock keys
const (
	KeyScanRound = "scan_round"
	KeyEmergency = "emergency"
)

// ErrLockHeld is returned when a lock is held by someone else
var ErrLockHeld = errors.New("lock held")

// Locker acquires named locks that expire after a TTL. Locks are not reentrant:
// acquiring a key this instance already holds fails until it is released or expires.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	// Extend resets the TTL of a key this instance still holds. It reports false when the
	// key expired or belongs to someone else.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Check reports whether this instance still holds key
	Check(ctx context.Context, key string) (bool, error)
	// ReleaseAll releases every lock this instance acquired
	ReleaseAll(ctx context.Context) error
	Held() []string
}

// held tracks the keys an instance acquired
type held struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newHeld() *held {
	return &held{keys: make(map[string]struct{})}
}

func (h *held) add(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[key] = struct{}{}
}

func (h *held) remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, key)
}

func (h *held) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.keys))
	for key := range h.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Local is an in-process Locker used when no Redis is configured
type Local struct {
	mu      sync.Mutex
	expires map[string]time.Time
	keys    *held
	now     func() time.Time
}

var _ Locker = (*Local)(nil)

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{expires: make(map[string]time.Time), keys: newHeld(), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)
	l.keys.add(key)
	return true, nil
}

func (l *Local) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, key)
	l.keys.remove(key)
	return nil
}

func (l *Local) Extend(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	exp, ok := l.expires[key]
	if !ok || !now.Before(exp) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)
	return true, nil
}

func (l *Local) Check(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.expires[key]
	return ok && l.now().Before(exp), nil
}

func (l *Local) ReleaseAll(ctx context.Context) error {
	for _, key := range l.keys.list() {
		if err := l.Release(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) Held() []string {
	var keys []string
	for _, key := range l.keys.list() {
		if ok, _ := l.Check(context.Background(), key); ok {
			keys = append(keys, key)
		}
	}
	return keys
}
