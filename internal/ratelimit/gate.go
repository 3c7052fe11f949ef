package ratelimit

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// Gated wraps a fetcher so every request to source first acquires the
// limiter. A RateLimitError penalizes the next acquire by its Retry-After
// hint, or by the source's min delay when none was given.
func (l *Limiter) Gated(source string, next fetcher.Fetcher) fetcher.Fetcher {
	return &gatedFetcher{limiter: l, source: source, next: next}
}

type gatedFetcher struct {
	limiter *Limiter
	source  string
	next    fetcher.Fetcher
}

func (g *gatedFetcher) Fetch(ctx context.Context, url string) (*fetcher.Response, error) {
	release, err := g.limiter.Acquire(ctx, g.source)
	if err != nil {
		return nil, err
	}
	resp, err := g.next.Fetch(ctx, url)
	release()

	if err != nil && resilience.IsRateLimited(err) {
		penalty := resilience.RetryAfter(err)
		if penalty <= 0 {
			penalty = g.limiter.MinDelay(g.source)
		}
		g.limiter.Penalize(g.source, penalty)
		g.limiter.log.Info("rate limited, penalizing next request",
			zap.String("source", g.source),
			zap.String("url", url),
			zap.Duration("penalty", penalty),
		)
	}
	return resp, err
}
