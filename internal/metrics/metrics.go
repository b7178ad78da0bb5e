// Package metrics records per-run consolidation metrics in a dedicated
// Prometheus registry and writes them as a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
)

const namespace = "dbconsolidate"

// Recorder collects the metrics of one run. A nil *Recorder discards
// everything, so collaborators can take one unconditionally.
type Recorder struct {
	reg *prometheus.Registry

	rowsLoaded    *prometheus.CounterVec
	rowsSkipped   *prometheus.CounterVec
	failedBatches *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	checks        *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	pipelineValue prometheus.Gauge
	runStatus     *prometheus.GaugeVec
	runDuration   prometheus.Gauge
}

// New builds a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		rowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written to the target in committed batches.",
		}, []string{"table"}),
		rowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "Records that produced no target row.",
		}, []string{"table"}),
		failedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_batches_total",
			Help:      "Batches rolled back by the loader.",
		}, []string{"table"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Records dropped as duplicates of a higher-precedence source.",
		}, []string{"entity"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_checks_total",
			Help:      "Validation check outcomes.",
		}, []string{"table", "check", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_insert_duration_seconds",
			Help:      "Time taken to write one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"table"}),
		pipelineValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_value",
			Help:      "Total estimated value of extracted consultation inquiries.",
		}),
		runStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_status",
			Help:      "1 for the status of the last run, 0 otherwise.",
		}, []string{"status"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
	}
	r.reg.MustRegister(
		r.rowsLoaded,
		r.rowsSkipped,
		r.failedBatches,
		r.duplicates,
		r.checks,
		r.batchDuration,
		r.pipelineValue,
		r.runStatus,
		r.runDuration,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// BatchLoaded records a committed batch.
func (r *Recorder) BatchLoaded(table string, rows int, d time.Duration) {
	if r == nil {
		return
	}
	r.rowsLoaded.WithLabelValues(table).Add(float64(rows))
	r.batchDuration.WithLabelValues(table).Observe(d.Seconds())
}

// BatchFailed records a rolled-back batch.
func (r *Recorder) BatchFailed(table string, d time.Duration) {
	if r == nil {
		return
	}
	r.failedBatches.WithLabelValues(table).Inc()
	r.batchDuration.WithLabelValues(table).Observe(d.Seconds())
}

// Skipped records rows the transformer could not produce.
func (r *Recorder) Skipped(table string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.rowsSkipped.WithLabelValues(table).Add(float64(n))
}

// Duplicates records dropped duplicates for an entity.
func (r *Recorder) Duplicates(entity string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.duplicates.WithLabelValues(entity).Add(float64(n))
}

// Check records one validation outcome.
func (r *Recorder) Check(table, check, status string) {
	if r == nil {
		return
	}
	r.checks.WithLabelValues(table, check, status).Inc()
}

// PipelineValue sets the audited pipeline value.
func (r *Recorder) PipelineValue(v float64) {
	if r == nil {
		return
	}
	r.pipelineValue.Set(v)
}

// RunFinished sets the final status and duration of the run.
func (r *Recorder) RunFinished(status string, d time.Duration, all ...string) {
	if r == nil {
		return
	}
	for _, s := range all {
		r.runStatus.WithLabelValues(s).Set(0)
	}
	r.runStatus.WithLabelValues(status).Set(1)
	r.runDuration.Set(d.Seconds())
}

// WriteTextfile writes the registry atomically to path for the node
// exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}
