package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is rejecting
// calls.
var ErrOpen = errors.New("circuit open")

// State is the breaker's operational state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a failing dependency after Threshold
// consecutive failures and lets a single probe through once Cooldown
// has elapsed.  The publisher uses it around its dial of the local
// listener so a gateway that is going down rejects forwarded
// connections at once instead of stalling each one.
type Breaker struct {
	// Threshold is the consecutive failure count that opens the
	// breaker (default 5).
	Threshold int
	// Cooldown is how long the breaker stays open (default 10s).
	Cooldown time.Duration
	// OnStateChange runs under the lock on every transition.
	OnStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{Threshold: threshold, Cooldown: cooldown}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transition(StateClosed)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.cooldown() {
			return fmt.Errorf("%w after %d failures, retry in %v",
				ErrOpen, b.failures, (b.cooldown() - elapsed).Truncate(time.Millisecond))
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold() {
		b.openedAt = b.clock()
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

func (b *Breaker) threshold() int {
	if b.Threshold <= 0 {
		return 5
	}
	return b.Threshold
}

func (b *Breaker) cooldown() time.Duration {
	if b.Cooldown <= 0 {
		return 10 * time.Second
	}
	return b.Cooldown
}

func (b *Breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}
