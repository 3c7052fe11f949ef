// Package orchestrator drives scraping runs: one serial worker per retailer,
// each run moving RUNNING to COMPLETED, FAILED or ABORTED and always leaving
// a finalized run record behind.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/history"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/ratelimit"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/retailer"
	"github.com/sells-group/pricewatch/internal/store"
)

// ErrRunInProgress is returned when the source already has a run in flight.
var ErrRunInProgress = store.ErrRunInProgress

const finalizeTimeout = 30 * time.Second

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store    store.Store
	Registry *retailer.Registry
	Recorder *history.Recorder
	// Limiter seeds each source's retry backoff from its min delay. Optional.
	Limiter *ratelimit.Limiter
	Policy  resilience.Policy
	Breaker resilience.BreakerConfig
	// RunTimeout bounds a single run. RUNNING rows older than this are
	// treated as abandoned. Zero disables both.
	RunTimeout time.Duration
}

// RunOptions configures a single run.
type RunOptions struct {
	// Wait queues behind an in-flight run of the same source instead of
	// failing with ErrRunInProgress.
	Wait bool
}

// Result is the outcome of one source in RunAll.
type Result struct {
	Source string             `json:"source"`
	Run    *model.ScrapingRun `json:"run,omitempty"`
	Err    error              `json:"-"`
}

// Orchestrator runs retailers against the store.
type Orchestrator struct {
	deps Deps

	mu    sync.Mutex
	locks map[string]chan struct{}

	now func() time.Time
	log *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:  deps,
		locks: make(map[string]chan struct{}),
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "orchestrator")),
	}
}

func (o *Orchestrator) lockFor(source string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[source]
	if !ok {
		l = make(chan struct{}, 1)
		o.locks[source] = l
	}
	return l
}

// acquire takes the per-source run lock.
func (o *Orchestrator) acquire(ctx context.Context, source string, wait bool) (func(), error) {
	l := o.lockFor(source)
	if !wait {
		select {
		case l <- struct{}{}:
		default:
			return nil, eris.Wrapf(ErrRunInProgress, "orchestrator: source %s", source)
		}
	} else {
		select {
		case l <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return func() { <-l }, nil
}

// Run executes one run for source. The returned run is finalized on every
// outcome; an error is returned only when no run could be started or the
// final state could not be written.
func (o *Orchestrator) Run(ctx context.Context, source string, opts RunOptions) (*model.ScrapingRun, error) {
	scraper, err := o.deps.Registry.Get(source)
	if err != nil {
		return nil, err
	}

	unlock, err := o.acquire(ctx, source, opts.Wait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return o.runLocked(ctx, scraper)
}

// Start takes the run lock for source and runs it in the background. The
// channel yields exactly one Result. It fails fast with ErrRunInProgress
// when the source is busy.
func (o *Orchestrator) Start(ctx context.Context, source string) (<-chan Result, error) {
	scraper, err := o.deps.Registry.Get(source)
	if err != nil {
		return nil, err
	}

	unlock, err := o.acquire(ctx, source, false)
	if err != nil {
		return nil, err
	}

	done := make(chan Result, 1)
	go func() {
		defer close(done)
		defer unlock()
		run, err := o.runLocked(ctx, scraper)
		done <- Result{Source: source, Run: run, Err: err}
	}()
	return done, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, scraper retailer.Scraper) (*model.ScrapingRun, error) {
	source := scraper.Name()
	if o.deps.RunTimeout > 0 {
		n, err := o.deps.Store.ReapStale(ctx, o.now().Add(-o.deps.RunTimeout))
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: reap stale runs")
		}
		if n > 0 {
			o.log.Warn("aborted stale runs", zap.String("source", source), zap.Int("count", n))
		}
	}

	run, err := o.deps.Store.StartRun(ctx, source)
	if err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			return nil, eris.Wrapf(ErrRunInProgress, "orchestrator: source %s", source)
		}
		return nil, eris.Wrapf(err, "orchestrator: start run for %s", source)
	}

	log := o.log.With(zap.String("source", source), zap.String("run_id", run.ID))
	log.Info("run started")

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.deps.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.deps.RunTimeout)
	}
	status, reason := o.execute(runCtx, scraper, run, log)
	cancel()

	run.Finish(status, o.now())
	run.Error = reason

	// The caller's context may already be cancelled; the final row is
	// written regardless.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()
	if err := o.deps.Store.FinishRun(fctx, run); err != nil {
		log.Error("failed to finalize run", zap.Error(err))
		return run, eris.Wrapf(err, "orchestrator: finish run %s", run.ID)
	}

	log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("attempted", run.ProductsAttempted),
		zap.Int("succeeded", run.ProductsSucceeded),
		zap.Int("failed", run.ProductsFailed),
		zap.Int("parse_errors", run.ParseErrors),
		zap.Duration("elapsed", run.Duration()),
	)
	return run, nil
}

// RunAll runs the given sources concurrently, one worker per source. An
// empty list runs every registered retailer. Results keep the input order.
func (o *Orchestrator) RunAll(ctx context.Context, sources []string, opts RunOptions) ([]Result, error) {
	if len(sources) == 0 {
		sources = o.deps.Registry.Names()
	}
	if len(sources) == 0 {
		o.log.Info("no retailers selected")
		return nil, nil
	}

	results := make([]Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(sources))

	for i, source := range sources {
		g.Go(func() error {
			run, err := o.Run(gctx, source, opts)
			if err != nil {
				o.log.Error("run did not complete", zap.String("source", source), zap.Error(err))
			}
			results[i] = Result{Source: source, Run: run, Err: err}
			return nil // one retailer never aborts the others
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
