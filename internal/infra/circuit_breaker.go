package infra

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject requests
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards the order-submission path. Sustained failures or an
// explicit rate-limit trip open the breaker, pausing new submissions until
// the cooldown elapses. Cancels are never routed through a breaker: an
// unmanaged open order is the higher risk. Thread-safe.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state        BreakerState
	failureCount int
	successCount int
	openedAt     time.Time
	cooldown     time.Duration

	failureThreshold int
	successThreshold int
	baseCooldown     time.Duration
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and closes again after successThreshold successful
// probes, with the given cooldown between the two.
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		baseCooldown:     cooldown,
		cooldown:         cooldown,
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.openedAt) > cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.successCount = 0
			slog.Info("Circuit breaker probing", "name", cb.name)
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.cooldown = cb.baseCooldown
			slog.Info("Circuit breaker closed", "name", cb.name)
		}
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.open()
		}
	case BreakerHalfOpen:
		cb.successCount = 0
		cb.open()
	}
}

// Trip opens the breaker immediately for at least the given cooldown,
// regardless of the failure count. Used on HTTP 429: the exchange has told
// us to back off, there is nothing to count.
func (cb *CircuitBreaker) Trip(cooldown time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cooldown < cb.baseCooldown {
		cooldown = cb.baseCooldown
	}
	cb.cooldown = cooldown
	cb.open()
}

// open transitions to BreakerOpen. Must be called with the mutex held.
func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = time.Now()
	slog.Warn("Circuit breaker open",
		"name", cb.name,
		"failures", cb.failureCount,
		"cooldown", cb.cooldown)
}

// State returns the current state (for monitoring).
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
