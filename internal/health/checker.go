package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

// Checker runs periodic health checks in the background.
type Checker struct {
	monitor *Monitor
	alerter *Alerter
	cfg     config.HealthConfig
}

// NewChecker creates a background health checker.
func NewChecker(monitor *Monitor, alerter *Alerter, cfg config.HealthConfig) *Checker {
	return &Checker{
		monitor: monitor,
		alerter: alerter,
		cfg:     cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "health.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("window_hours", c.cfg.WindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	ov, err := c.monitor.ReportAll(ctx)
	if err != nil {
		log.Error("health: failed to build reports", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(ov)
	if len(alerts) == 0 {
		log.Debug("health: all sources ok")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("health: check complete",
		zap.String("status", string(ov.Status)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
