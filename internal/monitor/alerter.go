package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailure       AlertType = "run_failure"
	AlertRunErrors        AlertType = "run_errors"
	AlertMajorDiscrepancy AlertType = "major_discrepancy"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns run outcomes into webhook notifications. An empty webhook
// URL disables sending.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an alerter posting to the given webhook URL.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate derives alerts from a completed run and any major discrepancies
// found during it.
func (a *Alerter) Evaluate(run *model.MonitoringRun, majors []model.Discrepancy) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if run.Status == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:      AlertRunFailure,
			Severity:  "high",
			Message:   fmt.Sprintf("Monitoring run %s failed", run.ID),
			Details:   map[string]any{"run_id": run.ID, "errors": run.Stats.ErrorDetails},
			Timestamp: now,
		})
	} else if run.Stats.ErrorsCount > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunErrors,
			Severity: "medium",
			Message: fmt.Sprintf("Monitoring run %s completed with %d error(s) across %d companies",
				run.ID, run.Stats.ErrorsCount, run.Stats.CompaniesChecked),
			Details: map[string]any{
				"run_id": run.ID,
				"errors": run.Stats.ErrorDetails,
			},
			Timestamp: now,
		})
	}

	for _, d := range majors {
		alerts = append(alerts, Alert{
			Type:     AlertMajorDiscrepancy,
			Severity: "high",
			Message: fmt.Sprintf("%s %s deviates %s%% from reference sources",
				d.Ticker, d.Field, d.MaxDeviationPct.Round(2)),
			Details: map[string]any{
				"ticker":        d.Ticker,
				"field":         string(d.Field),
				"our_value":     d.OurValue.String(),
				"deviation_pct": d.MaxDeviationPct.String(),
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitor: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitor: alert sent",
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
		return eris.Wrap(err, "monitor: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitor: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitor: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitor: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
