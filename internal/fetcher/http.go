package fetcher

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricewatch/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRPS caps requests per second across all retailers. Zero disables
	// the ceiling.
	MaxRPS       float64
	MaxBodyBytes int64
	// MaxRetryAfter caps the server's Retry-After hint. Default: 2m.
	MaxRetryAfter time.Duration
	Client        *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On a rate-limit response it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a 429 or block page.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after rate-limit response",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http. It does not retry; the
// orchestrator's retry policy owns that decision.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *AdaptiveLimiter
	log     *zap.Logger
}

const (
	defaultMaxBodyBytes  = 10 << 20
	defaultMaxRetryAfter = 2 * time.Minute
)

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricewatch/1.0"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = defaultMaxRetryAfter
	}
	client := opts.Client
	if client == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			MaxConnsPerHost:     8,
			IdleConnTimeout:     90 * time.Second,
		}
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		}
	}

	f := &HTTPFetcher{
		client: client,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "fetcher")),
	}
	if opts.MaxRPS > 0 {
		burst := int(opts.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		f.limiter = NewAdaptiveLimiter(rate.Limit(opts.MaxRPS), burst)
	}
	return f
}

// Fetch downloads rawURL and classifies the outcome.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, eris.Wrap(err, "fetch: rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &resilience.ClientError{StatusCode: 0, URL: rawURL}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewNetworkError(eris.Wrapf(err, "read body from %s", rawURL), resp.StatusCode)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, resilience.NewParseError("body", rawURL,
			eris.Errorf("response body exceeds %d bytes", f.opts.MaxBodyBytes))
	}

	retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	if retryAfter > f.opts.MaxRetryAfter {
		f.log.Debug("clamping retry-after",
			zap.String("url", rawURL),
			zap.Duration("retry_after", retryAfter),
			zap.Duration("max", f.opts.MaxRetryAfter),
		)
		retryAfter = f.opts.MaxRetryAfter
	}

	if blocked, kind := DetectBlock(resp, body); blocked {
		f.onRateLimit()
		f.log.Warn("anti-bot block detected",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
			zap.String("block", string(kind)),
		)
		return nil, &resilience.RateLimitError{
			Err:        eris.Errorf("blocked by %s at %s", kind, rawURL),
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
		}
	}

	if err := resilience.ClassifyHTTPStatus(resp.StatusCode, rawURL, retryAfter); err != nil {
		if resilience.IsRateLimited(err) {
			f.onRateLimit()
		}
		return nil, err
	}

	if f.limiter != nil {
		f.limiter.OnSuccess()
	}
	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (f *HTTPFetcher) onRateLimit() {
	if f.limiter != nil {
		f.limiter.OnRateLimit()
	}
}

// transportError wraps a net/http client error in the taxonomy.
func transportError(err error) error {
	if resilience.Classify(err) == resilience.KindSourceUnavailable {
		return &resilience.SourceUnavailableError{Err: err}
	}
	return resilience.NewNetworkError(err, 0)
}

// ParseRetryAfter interprets a Retry-After header given either as delay
// seconds or as an HTTP date. Invalid or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
