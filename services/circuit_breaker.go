package services

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// CircuitBreaker shields the external collaborators (OCR, LLM) so a dead
// service fails jobs fast instead of burning a timeout per document.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	open        bool
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive errors. Once cooldown has passed the next call closes it again
// with the failure count reset, so it reopens only after another maxFailures
// consecutive errors.
func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// Call executes fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.open = false
			cb.failures = 0
			log.Printf("[CircuitBreaker:%s] Attempting half-open state", cb.name)
		} else {
			return fmt.Errorf("circuit breaker %s is open (cooldown until %v)",
				cb.name, cb.lastFailure.Add(cb.cooldown))
		}
	}

	err := fn()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()

		if cb.failures >= cb.maxFailures {
			cb.open = true
			log.Printf("🔴 [CircuitBreaker:%s] OPENED after %d failures (cooldown: %v)",
				cb.name, cb.failures, cb.cooldown)
		}

		return err
	}

	if cb.failures > 0 {
		log.Printf("✅ [CircuitBreaker:%s] Closed (recovered after %d failures)", cb.name, cb.failures)
	}
	cb.failures = 0
	return nil
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.open
}

// Reset manually closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
	log.Printf("[CircuitBreaker:%s] Manually reset", cb.name)
}
