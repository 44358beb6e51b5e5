package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPartialScanRate AlertType = "partial_scan_rate"
	AlertCostOverrun     AlertType = "cost_overrun"
)

// minScansForRate is the fewest scans the partial rate is judged on.
const minScansForRate = 5

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

	if a.cfg.PartialRateThreshold > 0 && snap.Scans >= minScansForRate && snap.PartialRate > a.cfg.PartialRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPartialScanRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"%.1f%% of scans ended partial, threshold %.1f%% (%d of %d in last %dh)",
				snap.PartialRate*100, a.cfg.PartialRateThreshold*100,
				snap.PartialScans, snap.Scans, snap.LookbackHours,
			),
			Details: map[string]any{
				"partial_rate": snap.PartialRate,
				"threshold":    a.cfg.PartialRateThreshold,
				"partial":      snap.PartialScans,
				"scans":        snap.Scans,
				"retry_ratio":  snap.RetryRatio,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 {
		threshold := decimal.NewFromFloat(a.cfg.CostThresholdUSD)
		if snap.CostUSD.GreaterThan(threshold) {
			alerts = append(alerts, Alert{
				Type:     AlertCostOverrun,
				Severity: "high",
				Message: fmt.Sprintf(
					"Provider cost $%s exceeds threshold $%s in last %dh",
					snap.CostUSD.StringFixed(2), threshold.StringFixed(2), snap.LookbackHours,
				),
				Details: map[string]any{
					"cost_usd":       snap.CostUSD.String(),
					"threshold_usd":  a.cfg.CostThresholdUSD,
					"provider_calls": snap.ProviderCalls,
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
