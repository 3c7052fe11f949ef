package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
)

func TestAcquire_FirstDoesNotWait(t *testing.T) {
	l := New(Settings{MinDelay: time.Hour}, nil)

	start := time.Now()
	release, err := l.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	release()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquire_EnforcesMinDelay(t *testing.T) {
	l := New(Settings{MinDelay: 40 * time.Millisecond, Jitter: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 4; i++ {
		release, err := l.Acquire(ctx, "acme")
		require.NoError(t, err)
		stamps = append(stamps, time.Now())
		release()
	}
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, 40*time.Millisecond, "gap %d", i)
	}
}

func TestAcquire_SourcesAreIndependent(t *testing.T) {
	l := New(Settings{MinDelay: time.Hour}, nil)
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	r1()

	start := time.Now()
	r2, err := l.Acquire(ctx, "globex")
	require.NoError(t, err)
	r2()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquire_OverrideApplies(t *testing.T) {
	l := New(Settings{MinDelay: time.Hour}, map[string]Settings{
		"fast": {MinDelay: 10 * time.Millisecond},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, err := l.Acquire(ctx, "fast")
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 10*time.Millisecond, l.MinDelay("fast"))
	assert.Equal(t, time.Hour, l.MinDelay("slow"))
}

func TestAcquire_CancelledDuringWait(t *testing.T) {
	l := New(Settings{MinDelay: time.Hour}, nil)

	release, err := l.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	release()
	first := l.Snapshot("acme").LastRequestAt

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, first, l.Snapshot("acme").LastRequestAt)

	// The slot is free again after a cancelled wait.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = l.Acquire(ctx2, "acme")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_SerializesWithinSource(t *testing.T) {
	l := New(Settings{MinDelay: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		wg       sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "acme")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestPenalize_AddsToNextWaitOnly(t *testing.T) {
	l := New(Settings{MinDelay: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)
	release()

	l.Penalize("acme", 60*time.Millisecond)
	assert.Equal(t, 60*time.Millisecond, l.Snapshot("acme").Penalty)

	start := time.Now()
	release, err = l.Acquire(ctx, "acme")
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Zero(t, l.Snapshot("acme").Penalty)

	l.Penalize("acme", 0)
	assert.Zero(t, l.Snapshot("acme").Penalty)
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(Settings{}, nil)
	release, err := l.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	release()
	release()

	release, err = l.Acquire(context.Background(), "acme")
	require.NoError(t, err)
	release()
}

func TestFromConfig(t *testing.T) {
	fast := 100
	l := FromConfig(config.ScrapeConfig{MinDelayMs: 5000, JitterMs: 10000}, []config.RetailerConfig{
		{Name: "acme"},
		{Name: "fast", MinDelayMs: &fast},
	})

	acme := l.Snapshot("acme")
	assert.Equal(t, 5*time.Second, acme.MinDelay)
	assert.Equal(t, 10*time.Second, acme.Jitter)

	f := l.Snapshot("fast")
	assert.Equal(t, 100*time.Millisecond, f.MinDelay)
	assert.Equal(t, 10*time.Second, f.Jitter)
}
