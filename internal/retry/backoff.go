// Package retry provides exponential backoff and a circuit breaker for
// the gateway's outbound SSH publishing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted is wrapped by [Backoff.Do] when the attempt budget runs
// out; the last attempt's error is wrapped alongside it.
var ErrExhausted = errors.New("retry budget exhausted")

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError marks a failure that another attempt cannot fix: bad
// credentials, a host key mismatch, a refused forward.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked
// with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = time.Minute
	defaultMultiplier   = 2.0
	jitterFraction      = 0.25
)

// Backoff is an exponential reconnect schedule.  Zero fields take the
// defaults of [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts counts the first try; 0 retries until ctx ends.
	MaxAttempts int
	// Jitter spreads each wait by ±25% so that gateways sharing a relay
	// host do not reconnect in lockstep.
	Jitter bool
	// OnRetry is called after each failure that will be retried, with
	// the wait that follows.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the reconnect policy used for publishing.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Delay returns the un-jittered wait after the n-th failed attempt
// (1-based), capped at MaxDelay.
func (b *Backoff) Delay(n int) time.Duration {
	initial, maxDelay, mult := b.InitialDelay, b.MaxDelay, b.Multiplier
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if mult <= 0 {
		mult = defaultMultiplier
	}

	d := float64(initial)
	for i := 1; i < n && d < float64(maxDelay); i++ {
		d *= mult
	}
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a [Permanent] error, the
// attempt budget is spent or ctx ends.  attempt is 1-based.  A permanent
// error is returned unwrapped.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = jitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// jitter spreads d uniformly over ±25%, never below a millisecond.
func jitter(d time.Duration) time.Duration {
	spread := int64(float64(d) * jitterFraction)
	if spread <= 0 {
		return max(d, time.Millisecond)
	}
	out := d + time.Duration(rand.Int64N(2*spread+1)-spread)
	return max(out, time.Millisecond)
}
