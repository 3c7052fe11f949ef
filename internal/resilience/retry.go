package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds the retries around a single scraper call with exponential
// backoff and jitter.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero means
	// a single attempt. Default: 3.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. The orchestrator
	// seeds it from the source's rate-limit min delay. Default: 5s.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed delay. Default: 2m.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each retry. Default: 2.0.
	Multiplier float64

	// JitterFraction adds ±fraction of random jitter (0 disables).
	JitterFraction float64

	// RateLimitMultiplier stretches the delay after a RateLimitError.
	// Default: 3.0.
	RateLimitMultiplier float64

	// ShouldRetry overrides IsRetryable when set.
	ShouldRetry func(err error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialBackoff:      5 * time.Second,
		MaxBackoff:          2 * time.Minute,
		Multiplier:          2.0,
		JitterFraction:      0.2,
		RateLimitMultiplier: 3.0,
	}
}

// WithInitialBackoff returns a copy of p seeded with d.
func (p Policy) WithInitialBackoff(d time.Duration) Policy {
	if d > 0 {
		p.InitialBackoff = d
	}
	return p
}

// Attempts returns the total number of calls the policy allows.
func (p Policy) Attempts() int {
	return p.normalized().MaxRetries + 1
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. On cancellation it returns the context error without
// starting another attempt.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !shouldRetry(err) {
			return zero, err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.backoff(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 5 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Minute
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.RateLimitMultiplier < 1 {
		p.RateLimitMultiplier = 1
	}
	return p
}

// backoff computes the sleep before retry number attempt+1.
func (p Policy) backoff(attempt int, err error) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	limit := float64(p.MaxBackoff)

	if IsRateLimited(err) {
		delay *= p.RateLimitMultiplier
		limit *= p.RateLimitMultiplier
	}
	if delay > limit {
		delay = limit
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if ra := float64(RetryAfter(err)); ra > delay {
		delay = min(ra, limit)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(source, url string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying product fetch",
			zap.String("source", source),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("kind", Classify(err).String()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
