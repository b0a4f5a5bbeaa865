package embedpool

import (
	"sync"
	"time"
)

// breakerState is Closed/Open/HalfOpen, per §4.H's state machine:
// Closed -(failures >= threshold)-> Open -(now >= reopen_at)-> HalfOpen
// -(success)-> Closed | (failure)-> Open.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is a single shared record protected by a short-held lock
// (§5: "contention is negligible because the critical section is a
// counter update"); it never blocks for the duration of an embed call,
// only for the field reads/writes around one.
type circuitBreaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration

	state            breakerState
	consecutiveFails int
	reopenAt         time.Time
	halfOpenInFlight bool
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, timeout: timeout, state: breakerClosed}
}

// allow reports whether a task may proceed, and whether it is the single
// HalfOpen probe (callers must release the probe slot via probeDone).
func (b *circuitBreaker) allow(now time.Time) (ok bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true, false
	case breakerOpen:
		if now.Before(b.reopenAt) {
			return false, false
		}
		b.state = breakerHalfOpen
		b.halfOpenInFlight = true
		return true, true
	case breakerHalfOpen:
		if b.halfOpenInFlight {
			// Only one probe admitted at a time; concurrent callers during
			// the HalfOpen window fail fast like Open.
			return false, false
		}
		b.halfOpenInFlight = true
		return true, true
	default:
		return false, false
	}
}

// recordSuccess resets the failure count and closes the breaker if it was
// Open or HalfOpen.
func (b *circuitBreaker) recordSuccess(isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = breakerClosed
	if isProbe {
		b.halfOpenInFlight = false
	}
}

// recordFailure increments the failure count; if it reaches threshold (or
// the failing task was the HalfOpen probe), the breaker opens for timeout.
func (b *circuitBreaker) recordFailure(now time.Time, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isProbe {
		b.halfOpenInFlight = false
		b.open(now)
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.open(now)
	}
}

func (b *circuitBreaker) open(now time.Time) {
	b.state = breakerOpen
	b.reopenAt = now.Add(b.timeout)
}

// isOpen reports the breaker's current state for metrics/tests, without
// mutating it.
func (b *circuitBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}
