package monitoring

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
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/report"
	"github.com/sells-group/dbconsolidate/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestEvaluate_PassWithoutAlerts(t *testing.T) {
	a := NewAlerter("", fastRetry())
	r := &report.Report{
		RunID:     "run-1",
		Status:    model.StatusPass,
		Migration: []*model.MigrationResult{{Table: "content_posts", RecordsMigrated: 3}},
	}
	assert.Empty(t, a.Evaluate(r))
}

func TestEvaluate_Fail(t *testing.T) {
	a := NewAlerter("", fastRetry())
	r := &report.Report{
		RunID:          "run-2",
		Status:         model.StatusFail,
		Recommendation: model.RecommendRollback,
		Validation: []model.ValidationResult{
			{Table: "content_posts", Check: model.CheckRowCount, Status: model.CheckFail},
			{Table: "content_posts", Check: model.CheckChecksum, Status: model.CheckPass},
		},
	}
	alerts := a.Evaluate(r)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Equal(t, "run-2", alerts[0].RunID)
	assert.Contains(t, alerts[0].Message, "1 checks failed")
	assert.Equal(t, []string{"content_posts.row_count"}, alerts[0].Details["failed_checks"])
}

func TestEvaluate_RollbackAndFailedBatches(t *testing.T) {
	a := NewAlerter("", fastRetry())
	r := &report.Report{
		RunID:  "run-3",
		Status: model.StatusRollback,
		Migration: []*model.MigrationResult{
			{Table: "content_posts", FailedBatches: 2, RecordsMigrated: 1000},
			{Table: "consultation_inquiries", Critical: true},
		},
		Rollback: []report.RollbackOutcome{{Source: "business", Restored: true}},
	}
	alerts := a.Evaluate(r)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertRollback, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "rolled back business")
	assert.Equal(t, AlertFailedBatches, alerts[1].Type)
	assert.Equal(t, "warning", alerts[1].Severity)
	assert.Contains(t, alerts[1].Message, "2 batch(es) of content_posts")
}

func TestEvaluate_Unrecoverable(t *testing.T) {
	a := NewAlerter("", fastRetry())
	alerts := a.Evaluate(&report.Report{RunID: "run-4", Status: model.StatusUnrecoverable})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRollbackFailed, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
}

func TestSendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(ts.URL, fastRetry())
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRollback, Severity: "high", Message: "one"},
		{Type: AlertFailedBatches, Severity: "warning", Message: "two"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestSendAlerts_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	sent := NewAlerter(ts.URL, fastRetry()).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendAlerts_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	sent := NewAlerter(ts.URL, fastRetry()).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendAlerts_Disabled(t *testing.T) {
	assert.Equal(t, 0, NewAlerter("", fastRetry()).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailed}}))
	assert.Equal(t, 0, NewAlerter("http://example.com", fastRetry()).SendAlerts(context.Background(), nil))
}

func TestSendAlerts_StopsWhenContextDone(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent := NewAlerter(ts.URL, fastRetry()).SendAlerts(ctx, []Alert{{Type: AlertRunFailed}, {Type: AlertRollback}})
	assert.Equal(t, 0, sent)
	assert.Zero(t, calls.Load())
}
