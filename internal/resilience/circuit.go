// Package resilience provides the scraping error taxonomy, the retry policy
// wrapped around each product fetch, and the circuit breaker that detects a
// retailer going dark.
package resilience

import "sync"

// BreakerConfig controls when a run gives up on a retailer.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures before
	// the circuit opens. Default: 3.
	FailureThreshold int

	// ShouldTrip decides which errors count. Default: IsCatastrophic, so
	// ordinary per-item failures never open the circuit.
	ShouldTrip func(err error) bool
}

// DefaultBreakerConfig returns the defaults used per scraping run.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3}
}

// CircuitBreaker tracks consecutive source-level failures for one retailer
// during one run. Once open it stays open; the next run starts a new breaker.
type CircuitBreaker struct {
	cfg BreakerConfig
	mu  sync.Mutex

	consecutiveFailures int
	open                bool
}

// NewCircuitBreaker creates a closed breaker with the given config.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsCatastrophic
	}
	return &CircuitBreaker{cfg: cfg}
}

// Record feeds the outcome of a call into the breaker. Errors that do not
// trip count as successes for the purpose of reachability.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.consecutiveFailures = 0
		return
	}
	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.open = true
	}
}

// Tripped reports whether the circuit has opened.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}
