package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/resilience"
)

type scriptedFetcher struct {
	errs  []error
	calls []time.Time
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string) (*fetcher.Response, error) {
	f.calls = append(f.calls, time.Now())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fetcher.Response{URL: url, StatusCode: 200}, nil
}

func TestGated_SpacesRequests(t *testing.T) {
	l := New(Settings{MinDelay: 30 * time.Millisecond}, nil)
	next := &scriptedFetcher{}
	g := l.Gated("acme", next)

	for i := 0; i < 3; i++ {
		_, err := g.Fetch(context.Background(), "https://acme.test/p")
		require.NoError(t, err)
	}
	require.Len(t, next.calls, 3)
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, next.calls[i].Sub(next.calls[i-1]), 30*time.Millisecond)
	}
	assert.False(t, l.Snapshot("acme").LastRequestAt.IsZero())
}

func TestGated_RateLimitPenalizes(t *testing.T) {
	l := New(Settings{MinDelay: 5 * time.Millisecond}, nil)
	next := &scriptedFetcher{errs: []error{
		&resilience.RateLimitError{StatusCode: 429, RetryAfter: 50 * time.Millisecond},
	}}
	g := l.Gated("acme", next)

	_, err := g.Fetch(context.Background(), "https://acme.test/p")
	require.Error(t, err)
	assert.Equal(t, 50*time.Millisecond, l.Snapshot("acme").Penalty)

	_, err = g.Fetch(context.Background(), "https://acme.test/p")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, next.calls[1].Sub(next.calls[0]), 50*time.Millisecond)
}

func TestGated_RateLimitWithoutHintUsesMinDelay(t *testing.T) {
	l := New(Settings{MinDelay: 20 * time.Millisecond}, nil)
	next := &scriptedFetcher{errs: []error{&resilience.RateLimitError{StatusCode: 429}}}
	g := l.Gated("acme", next)

	_, err := g.Fetch(context.Background(), "https://acme.test/p")
	require.Error(t, err)
	assert.Equal(t, 20*time.Millisecond, l.Snapshot("acme").Penalty)
}

func TestGated_OtherErrorsDoNotPenalize(t *testing.T) {
	l := New(Settings{}, nil)
	next := &scriptedFetcher{errs: []error{resilience.NewNetworkError(assert.AnError, 500)}}
	g := l.Gated("acme", next)

	_, err := g.Fetch(context.Background(), "https://acme.test/p")
	require.Error(t, err)
	assert.Zero(t, l.Snapshot("acme").Penalty)
}

func TestGated_CancelledAcquire(t *testing.T) {
	l := New(Settings{MinDelay: time.Hour}, nil)
	next := &scriptedFetcher{}
	g := l.Gated("acme", next)

	_, err := g.Fetch(context.Background(), "https://acme.test/1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Fetch(ctx, "https://acme.test/2")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, next.calls, 1)
}
