package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fast is a schedule short enough to run real retries in tests.
func fast(attempts int) *Backoff {
	return &Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  attempts,
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := &Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestBackoff_DelayZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(1); got != defaultInitialDelay {
		t.Errorf("Delay(1) = %v, want %v", got, defaultInitialDelay)
	}
	if got := b.Delay(2); got != 2*defaultInitialDelay {
		t.Errorf("Delay(2) = %v, want %v", got, 2*defaultInitialDelay)
	}
	if got := b.Delay(30); got != defaultMaxDelay {
		t.Errorf("Delay(30) = %v, want cap %v", got, defaultMaxDelay)
	}
}

func TestBackoff_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := fast(10).Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBackoff_PermanentStopsAndUnwraps(t *testing.T) {
	auth := errors.New("unable to authenticate")
	calls := 0
	err := fast(10).Do(context.Background(), func(_ int) error {
		calls++
		return fmt.Errorf("dial relay: %w", Permanent(auth))
	})
	if err != auth {
		t.Errorf("err = %v, want the inner error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	last := errors.New("no route to host")
	calls := 0
	err := fast(3).Do(context.Background(), func(_ int) error {
		calls++
		return last
	})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, last) {
		t.Fatalf("err = %v, want ErrExhausted wrapping the last failure", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBackoff_ContextEndsWait(t *testing.T) {
	b := &Backoff{InitialDelay: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Do(ctx, func(_ int) error { return fmt.Errorf("fail") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the wait")
	}
}

func TestBackoff_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := fast(3).Do(ctx, func(_ int) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v called = %v", err, called)
	}
}

func TestBackoff_OnRetry(t *testing.T) {
	var seen []int
	var waits []time.Duration
	b := fast(4)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		if err == nil {
			t.Error("OnRetry called with nil error")
		}
		seen = append(seen, attempt)
		waits = append(waits, wait)
	}

	_ = b.Do(context.Background(), func(_ int) error { return fmt.Errorf("refused") })

	// The final failure is returned, not retried.
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("OnRetry attempts = %v, want [1 2 3]", seen)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	for i, w := range want {
		if waits[i] != w {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], w)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"marked", Permanent(fmt.Errorf("x")), true},
		{"wrapped", fmt.Errorf("ctx: %w", Permanent(fmt.Errorf("x"))), true},
		{"plain", fmt.Errorf("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestJitter_Range(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		j := jitter(d)
		if j < 75*time.Millisecond || j > 125*time.Millisecond {
			t.Fatalf("jitter %v outside [75ms, 125ms]", j)
		}
	}
	if got := jitter(0); got != time.Millisecond {
		t.Errorf("jitter(0) = %v, want the 1ms floor", got)
	}
}
