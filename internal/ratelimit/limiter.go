// Package ratelimit enforces the per-retailer politeness delay between
// consecutive requests.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

// Settings is the delay applied between two requests to one retailer. The
// wait is MinDelay plus a uniform jitter in [0, Jitter).
type Settings struct {
	MinDelay time.Duration
	Jitter   time.Duration
}

// State is a snapshot of one retailer's limiter.
type State struct {
	LastRequestAt time.Time
	MinDelay      time.Duration
	Jitter        time.Duration
	Penalty       time.Duration
}

type sourceState struct {
	slot        chan struct{}
	lastRequest time.Time
	settings    Settings
	penalty     time.Duration
}

// Limiter holds one State per retailer. Only one request per retailer is in
// flight at a time.
type Limiter struct {
	mu        sync.Mutex
	defaults  Settings
	overrides map[string]Settings
	sources   map[string]*sourceState

	now    func() time.Time
	jitter func(n int64) int64
	log    *zap.Logger
}

// New creates a Limiter. overrides replaces defaults for the named sources.
func New(defaults Settings, overrides map[string]Settings) *Limiter {
	if overrides == nil {
		overrides = make(map[string]Settings)
	}
	return &Limiter{
		defaults:  defaults,
		overrides: overrides,
		sources:   make(map[string]*sourceState),
		now:       time.Now,
		jitter:    rand.Int64N,
		log:       zap.L().With(zap.String("component", "ratelimit")),
	}
}

// FromConfig builds a Limiter from the scrape defaults and retailer
// overrides.
func FromConfig(sc config.ScrapeConfig, retailers []config.RetailerConfig) *Limiter {
	defaults := Settings{
		MinDelay: time.Duration(sc.MinDelayMs) * time.Millisecond,
		Jitter:   time.Duration(sc.JitterMs) * time.Millisecond,
	}
	overrides := make(map[string]Settings)
	for _, r := range retailers {
		if r.MinDelayMs == nil && r.JitterMs == nil {
			continue
		}
		s := defaults
		if r.MinDelayMs != nil {
			s.MinDelay = time.Duration(*r.MinDelayMs) * time.Millisecond
		}
		if r.JitterMs != nil {
			s.Jitter = time.Duration(*r.JitterMs) * time.Millisecond
		}
		overrides[r.Name] = s
	}
	return New(defaults, overrides)
}

func (l *Limiter) state(source string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sources[source]
	if !ok {
		settings, ok := l.overrides[source]
		if !ok {
			settings = l.defaults
		}
		st = &sourceState{slot: make(chan struct{}, 1), settings: settings}
		l.sources[source] = st
	}
	return st
}

// Acquire blocks until the politeness delay for source has elapsed since
// the previous release. The first acquire for a source does not wait. The
// caller must call release once the request finishes; it records the
// request time. On cancellation Acquire returns the context error and the
// previous request time is kept.
func (l *Limiter) Acquire(ctx context.Context, source string) (func(), error) {
	st := l.state(source)

	select {
	case st.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	var wait time.Duration
	if !st.lastRequest.IsZero() {
		delay := st.settings.MinDelay + st.penalty
		if st.settings.Jitter > 0 {
			delay += time.Duration(l.jitter(int64(st.settings.Jitter)))
		}
		wait = st.lastRequest.Add(delay).Sub(l.now())
	}
	penalty := st.penalty
	l.mu.Unlock()

	if wait > 0 {
		if penalty > 0 {
			l.log.Debug("waiting with rate-limit penalty",
				zap.String("source", source),
				zap.Duration("wait", wait),
				zap.Duration("penalty", penalty),
			)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			<-st.slot
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	st.penalty = 0
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			st.lastRequest = l.now()
			l.mu.Unlock()
			<-st.slot
		})
	}
	return release, nil
}

// Penalize adds d to the wait before the next acquire for source. Penalties
// accumulate until consumed.
func (l *Limiter) Penalize(source string, d time.Duration) {
	if d <= 0 {
		return
	}
	st := l.state(source)
	l.mu.Lock()
	st.penalty += d
	l.mu.Unlock()
}

// MinDelay returns the configured minimum delay for source.
func (l *Limiter) MinDelay(source string) time.Duration {
	return l.state(source).settings.MinDelay
}

// Snapshot returns the current state for source.
func (l *Limiter) Snapshot(source string) State {
	st := l.state(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		LastRequestAt: st.lastRequest,
		MinDelay:      st.settings.MinDelay,
		Jitter:        st.settings.Jitter,
		Penalty:       st.penalty,
	}
}
