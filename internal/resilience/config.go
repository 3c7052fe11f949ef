package resilience

import (
	"time"
)

// PolicyFrom converts config values to a Policy. Non-positive values keep the
// defaults, except maxRetries where zero is a valid setting.
func PolicyFrom(maxRetries, initialBackoffMs, maxBackoffMs int, multiplier, rateLimitMultiplier, jitterFraction float64) Policy {
	p := DefaultPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	if rateLimitMultiplier >= 1 {
		p.RateLimitMultiplier = rateLimitMultiplier
	}
	if jitterFraction >= 0 {
		p.JitterFraction = jitterFraction
	}
	return p
}

// BreakerFrom converts the catastrophic threshold to a BreakerConfig.
func BreakerFrom(failureThreshold int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	return cfg
}
