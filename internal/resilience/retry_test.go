package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewNetworkError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_RetriesExactlyMaxRetries(t *testing.T) {
	var calls, retries int
	p := fastPolicy(3)
	p.OnRetry = func(int, error, time.Duration) { retries++ }

	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		return NewNetworkError(errors.New("always down"), 0)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if Classify(err) != KindNetwork {
		t.Errorf("expected last network error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 1 attempt + 3 retries, got %d calls", calls)
	}
	if retries != 3 {
		t.Errorf("expected 3 retries, got %d", retries)
	}
	if p.Attempts() != 4 {
		t.Errorf("expected Attempts()=4, got %d", p.Attempts())
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	var calls int
	_ = Do(context.Background(), fastPolicy(0), func(_ context.Context) error {
		calls++
		return NewNetworkError(errors.New("down"), 0)
	})
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestDo_ParseErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastPolicy(3), func(_ context.Context) error {
		calls++
		return NewParseError("price", "https://shop/p/1", nil)
	})
	if !IsParse(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for parse errors), got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}

	var calls int
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(_ context.Context) error {
		calls++
		return NewNetworkError(errors.New("fail"), 500)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no attempt after cancellation, got %d calls", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation should interrupt the backoff sleep")
	}
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Do(ctx, fastPolicy(3), func(_ context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected 0 calls, got %d", calls)
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	p := fastPolicy(3)
	p.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	err := Do(context.Background(), p, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastPolicy(2), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", &RateLimitError{Err: errors.New("429"), StatusCode: 429}
		}
		return "page", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "page" {
		t.Errorf("expected %q, got %q", "page", val)
	}
}

func TestDoVal_ZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastPolicy(1), func(_ context.Context) (int, error) {
		return 42, NewNetworkError(errors.New("fail"), 500)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	p := Policy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}.normalized()
	err := NewNetworkError(errors.New("x"), 0)

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, want := range expected {
		if got := p.backoff(i, err); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 10}.normalized()
	if d := p.backoff(5, NewNetworkError(errors.New("x"), 0)); d != 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %v", d)
	}
}

func TestBackoff_RateLimitExtended(t *testing.T) {
	p := Policy{
		InitialBackoff:      100 * time.Millisecond,
		MaxBackoff:          time.Second,
		Multiplier:          2.0,
		RateLimitMultiplier: 3.0,
	}.normalized()

	plain := p.backoff(0, NewNetworkError(errors.New("x"), 0))
	limited := p.backoff(0, &RateLimitError{Err: errors.New("429"), StatusCode: 429})
	if limited != 3*plain {
		t.Errorf("expected rate-limit backoff %v, got %v", 3*plain, limited)
	}

	hinted := p.backoff(0, &RateLimitError{Err: errors.New("429"), StatusCode: 429, RetryAfter: 2 * time.Second})
	if hinted != 2*time.Second {
		t.Errorf("expected Retry-After to win, got %v", hinted)
	}

	huge := p.backoff(0, &RateLimitError{Err: errors.New("429"), StatusCode: 429, RetryAfter: 1000 * time.Hour})
	if huge != 3*time.Second {
		t.Errorf("expected Retry-After capped at the rate-limited max, got %v", huge)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2, JitterFraction: 0.5}.normalized()
	err := NewNetworkError(errors.New("x"), 0)
	for i := 0; i < 100; i++ {
		d := p.backoff(0, err)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("delay %v outside jitter range", d)
		}
	}
}

func TestPolicyFrom(t *testing.T) {
	p := PolicyFrom(0, 250, 1000, 1.5, 4, 0)
	if p.MaxRetries != 0 {
		t.Errorf("expected zero retries to be honored, got %d", p.MaxRetries)
	}
	if p.InitialBackoff != 250*time.Millisecond || p.MaxBackoff != time.Second {
		t.Errorf("unexpected backoff bounds %v/%v", p.InitialBackoff, p.MaxBackoff)
	}
	if p.Multiplier != 1.5 || p.RateLimitMultiplier != 4 || p.JitterFraction != 0 {
		t.Errorf("unexpected policy %+v", p)
	}

	d := PolicyFrom(-1, 0, 0, 0, 0, -1)
	def := DefaultPolicy()
	if d.MaxRetries != def.MaxRetries || d.InitialBackoff != def.InitialBackoff || d.JitterFraction != def.JitterFraction {
		t.Errorf("expected defaults, got %+v", d)
	}
	if got := def.WithInitialBackoff(7 * time.Second).InitialBackoff; got != 7*time.Second {
		t.Errorf("expected seeded backoff, got %v", got)
	}
}
