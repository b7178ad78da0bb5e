// Package monitoring turns run outcomes into alerts and delivers them to a
// webhook.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/report"
	"github.com/sells-group/dbconsolidate/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed      AlertType = "run_failed"
	AlertRollback       AlertType = "rollback"
	AlertRollbackFailed AlertType = "rollback_failed"
	AlertFailedBatches  AlertType = "failed_batches"
)

// Alert is a single alert sent to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// webhookRate caps deliveries so a run with many failed tables does not
// flood the receiving channel.
const webhookRate = rate.Limit(2)

// Alerter evaluates run reports and posts alerts to a webhook.
type Alerter struct {
	webhookURL string
	client     *http.Client
	retry      resilience.RetryConfig
	limiter    *rate.Limiter
}

// NewAlerter creates an Alerter. An empty webhookURL disables delivery.
func NewAlerter(webhookURL string, retry resilience.RetryConfig) *Alerter {
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		retry:      retry,
		limiter:    rate.NewLimiter(webhookRate, 2),
	}
}

// Evaluate returns the alerts a finished run warrants. A clean PASS yields
// none.
func (a *Alerter) Evaluate(r *report.Report) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	failed := r.Failures()
	checks := make([]string, 0, len(failed))
	for _, f := range failed {
		checks = append(checks, f.Table+"."+f.Check)
	}

	switch r.Status {
	case model.StatusFail:
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			RunID:    r.RunID,
			Message:  fmt.Sprintf("Consolidation run %s failed validation (%d checks failed)", r.RunID, len(failed)),
			Details: map[string]any{
				"failed_checks":  checks,
				"recommendation": r.Recommendation,
			},
			Timestamp: now,
		})
	case model.StatusRollback:
		alerts = append(alerts, Alert{
			Type:     AlertRollback,
			Severity: "high",
			RunID:    r.RunID,
			Message:  fmt.Sprintf("Consolidation run %s rolled back %s", r.RunID, restoredSources(r)),
			Details: map[string]any{
				"failed_checks": checks,
				"errors":        r.Errors,
			},
			Timestamp: now,
		})
	case model.StatusUnrecoverable:
		alerts = append(alerts, Alert{
			Type:     AlertRollbackFailed,
			Severity: "critical",
			RunID:    r.RunID,
			Message:  fmt.Sprintf("Consolidation run %s could not restore its sources; manual intervention required", r.RunID),
			Details: map[string]any{
				"rollback": r.Rollback,
				"errors":   r.Errors,
			},
			Timestamp: now,
		})
	}

	for _, m := range r.Migration {
		if m.FailedBatches == 0 {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertFailedBatches,
			Severity: "warning",
			RunID:    r.RunID,
			Message:  fmt.Sprintf("%d batch(es) of %s failed to load", m.FailedBatches, m.Table),
			Details: map[string]any{
				"table":            m.Table,
				"records_migrated": m.RecordsMigrated,
				"records_skipped":  m.RecordsSkipped,
			},
			Timestamp: now,
		})
	}
	return alerts
}

func restoredSources(r *report.Report) string {
	var names []string
	for _, rb := range r.Rollback {
		if rb.Restored {
			names = append(names, rb.Source)
		}
	}
	if len(names) == 0 {
		return "(no sources restored)"
	}
	return strings.Join(names, ", ")
}

// SendAlerts delivers alerts to the webhook, retrying transient failures,
// and returns how many were delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.limiter.Wait(ctx); err != nil {
			zap.L().Error("monitoring: alert delivery interrupted", zap.Int("pending", len(alerts)-sent), zap.Error(err))
			break
		}
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
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
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
