package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/history"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/retailer"
)

// itemOutcome is what happened to one product URL.
type itemOutcome int

const (
	itemSucceeded itemOutcome = iota
	itemFailed
	itemAborted
)

// execute walks the listing and returns the terminal status plus a reason
// for any non-COMPLETED outcome.
func (o *Orchestrator) execute(ctx context.Context, s retailer.Scraper, run *model.ScrapingRun, log *zap.Logger) (model.RunStatus, string) {
	policy := o.deps.Policy
	if o.deps.Limiter != nil {
		policy = policy.WithInitialBackoff(o.deps.Limiter.MinDelay(s.Name()))
	}

	listPolicy := policy
	listPolicy.OnRetry = resilience.RetryLogger(s.Name(), "listing")
	urls, err := resilience.DoVal(ctx, listPolicy, s.ListProductURLs)
	if err != nil {
		if ctx.Err() != nil {
			return model.RunStatusAborted, abortReason(ctx)
		}
		log.Error("listing failed", zap.Error(err))
		return model.RunStatusFailed, fmt.Sprintf("list product urls: %v", err)
	}
	log.Info("listing complete", zap.Int("urls", len(urls)))

	breaker := resilience.NewCircuitBreaker(o.deps.Breaker)
	seenSKUs := make(map[string]bool)
	attempted := make(map[string]bool, len(urls))
	unreachable := 0

	for _, u := range urls {
		if ctx.Err() != nil {
			return model.RunStatusAborted, abortReason(ctx)
		}

		itemPolicy := policy
		itemPolicy.OnRetry = resilience.RetryLogger(s.Name(), u)

		outcome, sku, err := o.processItem(ctx, s, itemPolicy, u)
		switch outcome {
		case itemAborted:
			log.Info("in-flight item discarded", zap.String("url", u))
			return model.RunStatusAborted, abortReason(ctx)
		case itemSucceeded:
			run.RecordSuccess()
			if sku != "" {
				seenSKUs[sku] = true
			}
		case itemFailed:
			run.RecordFailure(resilience.IsParse(err))
			if resilience.IsCatastrophic(err) {
				unreachable++
			}
			log.Warn("item failed",
				zap.String("url", u),
				zap.String("kind", resilience.Classify(err).String()),
				zap.Error(err),
			)
		}
		attempted[u] = true
		breaker.Record(err)
		if breaker.Tripped() {
			return o.catastrophic(run, breaker, log)
		}
	}

	if len(urls) == 0 {
		log.Warn("listing returned no products, skipping removal tracking")
		return model.RunStatusCompleted, ""
	}
	// A listing shorter than the breaker threshold can still be wholly
	// unreachable.
	if run.ProductsSucceeded == 0 && unreachable > 0 && unreachable == run.ProductsFailed {
		log.Error("source unavailable for every item", zap.Int("failed", unreachable))
		return model.RunStatusFailed, fmt.Sprintf("source unavailable for all %d attempted items", unreachable)
	}
	o.recordUnlisted(ctx, s.Name(), seenSKUs, attempted, log)
	return model.RunStatusCompleted, ""
}

// processItem fetches, parses and records one URL under the retry policy.
// A GoneError is a successful observation of a missing product when the URL
// belongs to a known product, and a failure otherwise.
func (o *Orchestrator) processItem(ctx context.Context, s retailer.Scraper, policy resilience.Policy, u string) (itemOutcome, string, error) {
	rec, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*model.ProductRecord, error) {
		page, err := s.FetchProductPage(ctx, u)
		if err != nil {
			return nil, err
		}
		return s.ParseProduct(page)
	})
	if ctx.Err() != nil {
		return itemAborted, "", ctx.Err()
	}

	switch {
	case err == nil:
		change, err := o.deps.Recorder.Record(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return itemAborted, "", ctx.Err()
			}
			return itemFailed, "", err
		}
		o.log.Debug("item recorded",
			zap.String("source", s.Name()),
			zap.String("sku", rec.SKU),
			zap.String("change_type", string(change)),
		)
		return itemSucceeded, rec.SKU, nil

	case resilience.IsGone(err):
		_, mErr := o.deps.Recorder.RecordMiss(ctx, s.Name(), u)
		switch {
		case errors.Is(mErr, history.ErrUnknownProduct):
			return itemFailed, "", err
		case mErr != nil:
			if ctx.Err() != nil {
				return itemAborted, "", ctx.Err()
			}
			return itemFailed, "", mErr
		}
		return itemSucceeded, "", nil

	default:
		return itemFailed, "", err
	}
}

// recordUnlisted adds a miss to every known product that the listing no
// longer contains. Failures are logged and do not change the run status.
func (o *Orchestrator) recordUnlisted(ctx context.Context, source string, seenSKUs, attempted map[string]bool, log *zap.Logger) {
	products, err := o.deps.Store.ListProducts(ctx, source)
	if err != nil {
		log.Warn("removal tracking skipped", zap.Error(err))
		return
	}
	var missed, removed int
	for _, p := range products {
		if seenSKUs[p.SKU] || attempted[p.URL] {
			continue
		}
		change, err := o.deps.Recorder.RecordMissSKU(ctx, source, p.SKU)
		if err != nil {
			log.Warn("record miss failed", zap.String("sku", p.SKU), zap.Error(err))
			continue
		}
		missed++
		if change == model.ChangeRemoved {
			removed++
		}
	}
	if missed > 0 {
		log.Info("unlisted products missed", zap.Int("missed", missed), zap.Int("removed", removed))
	}
}

func (o *Orchestrator) catastrophic(run *model.ScrapingRun, breaker *resilience.CircuitBreaker, log *zap.Logger) (model.RunStatus, string) {
	log.Error("source unavailable, skipping remaining items",
		zap.Int("consecutive_failures", breaker.ConsecutiveFailures()),
		zap.Int("succeeded", run.ProductsSucceeded),
	)
	return model.RunStatusFailed, fmt.Sprintf("source unavailable after %d consecutive failures", breaker.ConsecutiveFailures())
}

func abortReason(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return "aborted: " + err.Error()
	}
	return "aborted"
}
