package keyfetch

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen means a server's key endpoint has been failing and further
// fetches are suppressed until the reset timeout elapses.
var ErrBreakerOpen = errors.New("keyfetch: circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker tracks consecutive failures per remote server. After
// `threshold` failures the breaker opens; once the reset timeout passes a
// single probe request is let through.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: timeout}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = breakerClosed
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
