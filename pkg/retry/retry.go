package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Class tells Do whether an error is worth another attempt
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Policy configures Do
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Classify decides whether an error is retryable; nil retries every error
	Classify func(error) Class

	// OnRetry runs before each wait, for logging
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy is used for datastore writes
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Jitter:      50 * time.Millisecond,
}

// Do calls fn until it succeeds, returns a Fatal error, runs out of attempts or ctx ends.
// Waits double from BaseDelay up to MaxDelay with up to Jitter added.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}

	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if classify(err) == Fatal || attempt == p.MaxAttempts {
			break
		}

		wait := Backoff(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr == nil {
		lastErr = errors.New("retry: exhausted with no error")
	}
	return lastErr
}

// Backoff returns the wait after the given failed attempt (1-based)
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := p.BaseDelay
	for i := 1; i < attempt && wait < p.MaxDelay; i++ {
		wait *= 2
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.Jitter > 0 {
		wait += rand.N(p.Jitter)
	}
	return wait
}
