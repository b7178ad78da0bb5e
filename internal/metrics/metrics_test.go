package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()
	r.BatchLoaded("content_posts", 1000, 20*time.Millisecond)
	r.BatchLoaded("content_posts", 250, 5*time.Millisecond)
	r.BatchFailed("engagement_metrics", time.Millisecond)
	r.Skipped("engagement_metrics", 3)
	r.Skipped("engagement_metrics", 0)
	r.Duplicates("posts", 2)
	r.Check("consultation_inquiries", "financial", "PASS")
	r.PipelineValue(350.5)

	assert.InDelta(t, 1250, testutil.ToFloat64(r.rowsLoaded.WithLabelValues("content_posts")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.failedBatches.WithLabelValues("engagement_metrics")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.rowsSkipped.WithLabelValues("engagement_metrics")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.duplicates.WithLabelValues("posts")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.checks.WithLabelValues("consultation_inquiries", "financial", "PASS")), 0)
	assert.InDelta(t, 350.5, testutil.ToFloat64(r.pipelineValue), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(r.batchDuration))
}

func TestRecorder_RunFinished(t *testing.T) {
	r := New()
	r.RunFinished("ROLLBACK", 3*time.Second, "PASS", "FAIL", "ROLLBACK")

	assert.InDelta(t, 1, testutil.ToFloat64(r.runStatus.WithLabelValues("ROLLBACK")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(r.runStatus.WithLabelValues("PASS")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.runDuration), 0)
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := New()
	r.BatchLoaded("consultation_inquiries", 3, time.Millisecond)

	path := filepath.Join(t.TempDir(), "dbconsolidate.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `dbconsolidate_rows_loaded_total{table="consultation_inquiries"} 3`)

	assert.NoError(t, r.WriteTextfile(""))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.BatchLoaded("t", 1, time.Second)
		r.BatchFailed("t", time.Second)
		r.Skipped("t", 1)
		r.Duplicates("e", 1)
		r.Check("t", "c", "PASS")
		r.PipelineValue(1)
		r.RunFinished("PASS", time.Second)
	})
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile("/nonexistent/path"))
}
