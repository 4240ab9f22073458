package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertEnforcementFailureRate AlertType = "enforcement_failure_rate"
	AlertDeliveryBacklog        AlertType = "delivery_backlog"
	AlertStaleDevices           AlertType = "stale_devices"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check the enforcement failure rate. A handful of jobs is too small a
	// sample to page anyone over.
	finished := snap.JobsCompleted + snap.JobsFailed + snap.JobsPartial
	if finished >= 5 && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertEnforcementFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Enforcement failure rate %.1f%% exceeds threshold %.1f%% (%d failed, %d partial / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, snap.JobsPartial, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.JobFailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"failed":    snap.JobsFailed,
				"partial":   snap.JobsPartial,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	// Deliveries that exhausted their retry ladder.
	if snap.PermanentDeliveries > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertDeliveryBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d webhook delivery(ies) permanently failed in last %dh",
				snap.PermanentDeliveries, snap.LookbackHours,
			),
			Details: map[string]any{
				"permanent_deliveries": snap.PermanentDeliveries,
			},
			Timestamp: now,
		})
	}

	// Devices that stopped checking in.
	if snap.StaleDevices > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleDevices,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d device(s) have not acknowledged a policy recently",
				snap.StaleDevices,
			),
			Details: map[string]any{
				"stale_devices": snap.StaleDevices,
			},
			Timestamp: now,
		})
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
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
