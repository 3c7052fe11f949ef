package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/health"
	"github.com/sells-group/pricewatch/internal/history"
	"github.com/sells-group/pricewatch/internal/orchestrator"
	"github.com/sells-group/pricewatch/internal/ratelimit"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/retailer"
	"github.com/sells-group/pricewatch/internal/store"
)

// scrapeEnv holds the store and everything built on it that the run, report
// and serve commands need.
type scrapeEnv struct {
	Store        store.Store
	Registry     *retailer.Registry
	Limiter      *ratelimit.Limiter
	Orchestrator *orchestrator.Orchestrator
	Monitor      *health.Monitor
}

// Close releases resources held by the environment.
func (e *scrapeEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens the store and wires the scraping
// stack. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*scrapeEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env, err := buildEnv(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the scraping stack on top of an open store.
func buildEnv(c *config.Config, st store.Store) (*scrapeEnv, error) {
	env := &scrapeEnv{Store: st}

	if len(c.Retailers) > 0 {
		httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Timeout:   time.Duration(c.Scrape.RequestTimeoutSecs) * time.Second,
			UserAgent: c.Scrape.UserAgent,
			MaxRPS:    c.Scrape.MaxRPS,
			// Retry-After hints never hold a source longer than the retry backoff cap.
			MaxRetryAfter: time.Duration(c.Scrape.MaxBackoffMs) * time.Millisecond,
		})
		limiter := ratelimit.FromConfig(c.Scrape, c.Retailers)

		reg, err := retailer.BuildRegistry(c.Retailers, func(source string) fetcher.Fetcher {
			return limiter.Gated(source, httpFetcher)
		})
		if err != nil {
			return nil, eris.Wrap(err, "build retailers")
		}
		env.Registry = reg
		env.Limiter = limiter

		env.Orchestrator = orchestrator.New(orchestrator.Deps{
			Store:    st,
			Registry: reg,
			Recorder: history.NewRecorder(st, c.History.RemovalMissThreshold),
			Limiter:  limiter,
			Policy: resilience.PolicyFrom(
				c.Scrape.MaxRetries, c.Scrape.MinDelayMs, c.Scrape.MaxBackoffMs,
				c.Scrape.BackoffMultiplier, c.Scrape.RateLimitMultiplier, c.Scrape.BackoffJitter,
			),
			Breaker:    resilience.BreakerFrom(c.Scrape.CatastrophicThreshold),
			RunTimeout: time.Duration(c.Scrape.RunTimeoutMins) * time.Minute,
		})
	}

	names := make([]string, 0, len(c.Retailers))
	for _, r := range c.Retailers {
		names = append(names, r.Name)
	}
	env.Monitor = health.NewMonitor(st, c.Health).WithSources(names...)
	return env, nil
}
