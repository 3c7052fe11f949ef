package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceCritical AlertType = "source_critical"
	AlertSourceDegraded AlertType = "source_degraded"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Source    string         `json:"source"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns non-OK reports into alerts and posts them to a webhook.
// Deliveries that fail with a 5xx or a network error are retried.
type Alerter struct {
	cfg    config.HealthConfig
	client *http.Client
	policy resilience.Policy
}

// NewAlerter creates a new Alerter with the given health config.
func NewAlerter(cfg config.HealthConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: resilience.Policy{
			MaxRetries:     2,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.2,
		},
	}
}

// Evaluate returns one alert per source that is not OK.
func (a *Alerter) Evaluate(ov *Overview) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, rep := range ov.Sources {
		switch rep.Status {
		case StatusCritical:
			alerts = append(alerts, Alert{
				Type:     AlertSourceCritical,
				Source:   rep.Source,
				Severity: "critical",
				Message:  fmt.Sprintf("%s is CRITICAL: %s", rep.Source, rep.CriticalIssues[0]),
				Details: map[string]any{
					"critical_issues": rep.CriticalIssues,
					"success_rate":    rep.SuccessRate,
					"products_failed": rep.ProductsAffected,
				},
				Timestamp: now,
			})
		case StatusWarning:
			alerts = append(alerts, Alert{
				Type:     AlertSourceDegraded,
				Source:   rep.Source,
				Severity: "warning",
				Message:  fmt.Sprintf("%s is degraded: %s", rep.Source, rep.Warnings[0]),
				Details: map[string]any{
					"warnings":     rep.Warnings,
					"success_rate": rep.SuccessRate,
				},
				Timestamp: now,
			})
		}
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.policy, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("health: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("source", alert.Source),
				zap.Int("max_attempts", a.policy.Attempts()),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("health: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("source", alert.Source),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "health: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "health: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resilience.NewNetworkError(eris.Wrap(err, "health: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	return resilience.ClassifyHTTPStatus(resp.StatusCode, a.cfg.WebhookURL, 0)
}
