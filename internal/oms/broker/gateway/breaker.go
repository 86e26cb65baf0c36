package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// breakerState is the circuit breaker's current disposition.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the reconnect circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive connect failures that
	// opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a single
	// half-open attempt.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the intended degraded-mode behavior: after
// five straight failures, stop dialing for a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute}
}

// circuitBreaker suspends reconnect attempts after repeated failures. One
// success fully closes it. onOpen fires on the closed→open transition so the
// engine can halt new submissions while the link is known-dead.
type circuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    breakerState
	failures int
	openedAt time.Time
	now      func() time.Time
	onOpen   func(reason string)
	logger   *zap.Logger
}

func newCircuitBreaker(cfg BreakerConfig, logger *zap.Logger, onOpen func(string)) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &circuitBreaker{cfg: cfg, now: time.Now, onOpen: onOpen, logger: logger}
}

// Allow reports whether a connection attempt may proceed right now.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
			cb.state = breakerHalfOpen
			cb.logger.Info("circuit breaker half-open, allowing one attempt")
			return true
		}
		return false
	case breakerHalfOpen:
		// One probe attempt at a time.
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	reopened := cb.state != breakerClosed
	cb.state = breakerClosed
	cb.failures = 0
	cb.mu.Unlock()
	if reopened {
		cb.logger.Info("circuit breaker closed")
	}
}

// RecordFailure counts a failed attempt and opens the breaker at the
// threshold, or re-opens it from half-open.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	opened := false
	switch cb.state {
	case breakerClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = breakerOpen
			cb.openedAt = cb.now()
			opened = true
		}
	case breakerHalfOpen:
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
	failures := cb.failures
	cb.mu.Unlock()

	if opened {
		cb.logger.Warn("circuit breaker opened", zap.Int("consecutive_failures", failures))
		if cb.onOpen != nil {
			cb.onOpen("broker link circuit breaker opened")
		}
	}
}

// State returns the breaker's current disposition.
func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
