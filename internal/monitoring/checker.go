package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/config"
)

// Checker sweeps enforcement health on a fixed cadence and routes anything
// over threshold through the alerter.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run blocks until ctx is cancelled. The first sweep happens immediately so
// a fresh process surfaces an ongoing incident without waiting out a full
// interval.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert sweeps running",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	c.sweep(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert sweeps stopped")
			return
		case <-ticker.C:
			c.sweep(ctx, log)
		}
	}
}

func (c *Checker) sweep(ctx context.Context, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("metrics collection failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("sweep clean", zap.Int("jobs_total", snap.JobsTotal))
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Warn("sweep raised alerts",
		zap.Int("triggered", len(alerts)),
		zap.Int("delivered", sent),
	)
}
