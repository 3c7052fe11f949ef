package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.HealthConfig{})
	ov := &Overview{Sources: []*Report{
		{Source: "acme", Status: StatusOK},
		{Source: "globex", Status: StatusCritical, CriticalIssues: []string{"all 10 attempted products failed in the last 24h"}},
		{Source: "initech", Status: StatusWarning, Warnings: []string{"no runs in the last 24h"}},
	}}

	alerts := a.Evaluate(ov)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertSourceCritical, alerts[0].Type)
	assert.Equal(t, "globex", alerts[0].Source)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "all 10 attempted")
	assert.Equal(t, AlertSourceDegraded, alerts[1].Type)
	assert.Equal(t, "warning", alerts[1].Severity)
}

func TestAlerter_Evaluate_AllOK(t *testing.T) {
	a := NewAlerter(config.HealthConfig{})
	assert.Empty(t, a.Evaluate(&Overview{Sources: []*Report{{Source: "acme", Status: StatusOK}}}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Source)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.HealthConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertSourceCritical, Source: "acme", Severity: "critical", Message: "down"},
		{Type: AlertSourceDegraded, Source: "globex", Severity: "warning", Message: "slow"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.HealthConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceCritical}}))
}

func fastAlerter(url string) *Alerter {
	a := NewAlerter(config.HealthConfig{WebhookURL: url})
	a.policy.InitialBackoff = time.Millisecond
	a.policy.MaxBackoff = 2 * time.Millisecond
	return a
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := fastAlerter(ts.URL)
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceCritical, Source: "acme"}}))
	assert.Equal(t, int32(a.policy.Attempts()), calls.Load())
}

func TestAlerter_SendAlerts_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := fastAlerter(ts.URL)
	assert.Equal(t, 1, a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceCritical, Source: "acme"}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	a := fastAlerter(ts.URL)
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceCritical, Source: "acme"}}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestChecker_SendsAlertsOnTick(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	r := &fakeReader{}
	r.add(finishedRun("g1", "globex", time.Hour, model.RunStatusCompleted, 10, 0, 0))
	cfg := config.HealthConfig{WindowHours: 24, WebhookURL: ts.URL, CheckIntervalSecs: 1}
	m := newTestMonitor(r)
	checker := NewChecker(m, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return received.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_StopsWhenCancelled(t *testing.T) {
	checker := NewChecker(newTestMonitor(&fakeReader{}), NewAlerter(config.HealthConfig{}), config.HealthConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
