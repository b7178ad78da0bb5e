// Package pipeline runs a consolidation: back up the critical sources,
// extract, transform and load every table, validate the result, and restore
// the sources when the run cannot be trusted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/backup"
	"github.com/sells-group/dbconsolidate/internal/config"
	"github.com/sells-group/dbconsolidate/internal/db"
	"github.com/sells-group/dbconsolidate/internal/load"
	"github.com/sells-group/dbconsolidate/internal/metrics"
	"github.com/sells-group/dbconsolidate/internal/migrate"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/monitoring"
	"github.com/sells-group/dbconsolidate/internal/report"
	"github.com/sells-group/dbconsolidate/internal/schema"
	"github.com/sells-group/dbconsolidate/internal/validate"
)

var allStatuses = []string{
	string(model.StatusPass),
	string(model.StatusFail),
	string(model.StatusRollback),
	string(model.StatusUnrecoverable),
}

// RunLog records the lifecycle of a run. *migrate.RunLog satisfies it.
type RunLog interface {
	Start(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, res migrate.RunResult) error
	Fail(ctx context.Context, id uuid.UUID, status model.Status, errMsg string) error
}

// UnrecoverableError means a rollback was needed and at least one critical
// source could not be restored. Cause is what triggered the rollback.
type UnrecoverableError struct {
	Cause   error
	Restore error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("pipeline: rollback failed: %v (triggered by: %v)", e.Restore, e.Cause)
}

func (e *UnrecoverableError) Unwrap() []error { return []error{e.Restore, e.Cause} }

// Pipeline runs consolidations against one target database.
type Pipeline struct {
	cfg     *config.Config
	target  db.Pool
	backups *backup.Manager
	runs    RunLog
	alerter *monitoring.Alerter
	metrics *metrics.Recorder
	planner *Planner
	now     func() time.Time

	// check runs validation; replaced in tests.
	check func(ctx context.Context, sources []validate.Source) (*validate.Report, error)
}

// New creates a Pipeline. target receives writes; readOnly is used by the
// validator. runs, alerter and rec may be nil.
func New(
	cfg *config.Config,
	target db.Pool,
	readOnly db.Pool,
	backups *backup.Manager,
	runs RunLog,
	alerter *monitoring.Alerter,
	rec *metrics.Recorder,
) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		target:  target,
		backups: backups,
		runs:    runs,
		alerter: alerter,
		metrics: rec,
		planner: NewPlanner(cfg.Sources, cfg.Migration.ParallelExtract, rec),
		now:     time.Now,
	}
	p.check = func(ctx context.Context, sources []validate.Source) (*validate.Report, error) {
		return validate.New(readOnly, validate.Options{
			Tolerance:       cfg.Validation.Tolerance,
			SampleSize:      cfg.Validation.SampleSize,
			SampleTolerance: cfg.Validation.SampleTolerance,
		}, rec).Validate(ctx, sources)
	}
	return p
}

// Run executes one consolidation and returns its report. The report is
// always returned; the error is non-nil only when a rollback failed, in
// which case it is an *UnrecoverableError and the status is UNRECOVERABLE.
func (p *Pipeline) Run(ctx context.Context) (*report.Report, error) {
	runID := uuid.New()
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", runID.String()))
	rep := &report.Report{RunID: runID.String(), StartedAt: p.now().UTC()}
	log.Info("pipeline: starting consolidation", zap.Int("sources", len(p.cfg.Sources)))

	if p.runs != nil {
		if err := p.runs.Start(ctx, runID); err != nil {
			log.Warn("pipeline: failed to record run start", zap.Error(err))
		}
	}

	if err := p.phase(log, "backup", func() error { return p.backupSources(ctx, rep) }); err != nil {
		rep.Status = model.StatusFail
		rep.Recommendation = model.RecommendRollback
		rep.Errors = append(rep.Errors, err.Error())
		return p.finish(ctx, log, runID, rep, nil)
	}

	var steps []*Step
	cause := p.phase(log, "load", func() error {
		var err error
		steps, err = p.loadTables(ctx, log, rep)
		return err
	})
	if cause == nil {
		cause = p.phase(log, "validate", func() error { return p.validate(ctx, rep, steps) })
	}

	var runErr error
	if cause != nil {
		rep.Errors = append(rep.Errors, cause.Error())
		runErr = p.rollback(ctx, log, rep, cause)
	}
	return p.finish(ctx, log, runID, rep, runErr)
}

func (p *Pipeline) phase(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	fields := []zap.Field{zap.String("phase", name), zap.Int64("duration_ms", time.Since(start).Milliseconds())}
	if err != nil {
		log.Error("pipeline: phase failed", append(fields, zap.Error(err))...)
		return err
	}
	log.Info("pipeline: phase complete", fields...)
	return nil
}

func (p *Pipeline) backupSources(ctx context.Context, rep *report.Report) error {
	for _, src := range p.cfg.Sources {
		if !src.Critical {
			continue
		}
		snap, err := p.backups.Create(ctx, src)
		if err != nil {
			return eris.Wrapf(err, "pipeline: back up %s", src.Name)
		}
		rep.Backups = append(rep.Backups, snap)
		if p.cfg.Backup.Keep > 0 {
			if _, err := p.backups.Prune(src.Name, p.cfg.Backup.Keep); err != nil {
				zap.L().Warn("pipeline: prune backups", zap.String("source", src.Name), zap.Error(err))
			}
		}
	}
	return nil
}

// loadTables migrates every table, parents first. Foreign keys of a child
// resolve against the target after its parents have loaded. A critical table
// with any rejected row is not loaded at all.
func (p *Pipeline) loadTables(ctx context.Context, log *zap.Logger, rep *report.Report) ([]*Step, error) {
	loader := load.New(p.target, p.cfg.Migration.BatchSize, p.metrics)

	var steps []*Step
	for _, t := range schema.Tables() {
		began := time.Now()
		refs, err := load.Refs(ctx, p.target, t)
		if err != nil {
			return steps, err
		}
		step, err := p.planner.Plan(ctx, t, refs)
		if err != nil {
			return steps, err
		}
		if step.SourceTotal != nil {
			rep.PipelineValue = step.SourceTotal
			p.metrics.PipelineValue(*step.SourceTotal)
		}
		if t.Critical && len(step.Rejected) > 0 {
			res := step.Result(nil)
			res.RecordsProcessed = len(step.Output.Rows) + len(step.Output.Skipped)
			res.RecordsSkipped = len(step.Output.Skipped)
			res.Duration = time.Since(began)
			rep.Migration = append(rep.Migration, res)
			log.Error("pipeline: critical table has rejected rows",
				zap.String("table", t.Name),
				zap.Strings("rejected", step.Rejected),
			)
			return steps, &load.CriticalError{
				Table: t.Name,
				Err:   eris.Errorf("%d rows rejected: %s", len(step.Rejected), strings.Join(step.Rejected, "; ")),
			}
		}

		res, err := loader.Load(ctx, step.Output)
		res = step.Result(res)
		res.Duration = time.Since(began)
		rep.Migration = append(rep.Migration, res)
		if err != nil {
			return steps, err
		}
		steps = append(steps, step)

		log.Info("pipeline: table migrated",
			zap.String("table", t.Name),
			zap.Int("extracted", res.RecordsExtracted),
			zap.Int("duplicates", res.DuplicatesDropped),
			zap.Int("migrated", res.RecordsMigrated),
			zap.Int("skipped", res.RecordsSkipped),
			zap.Int("failed_batches", res.FailedBatches),
		)
	}
	return steps, nil
}

// validate runs the full validator. A failure on a critical table is
// returned as the rollback cause; other failures only fail the run.
func (p *Pipeline) validate(ctx context.Context, rep *report.Report, steps []*Step) error {
	vr, err := p.check(ctx, Sources(steps))
	if err != nil {
		return err
	}

	rep.Validation = vr.Results
	rep.Recommendation = vr.Recommendation
	rep.HaltedAfter = vr.HaltedAfter
	failed := make(map[string]bool)
	for _, f := range vr.Failures() {
		failed[f.Table] = true
	}
	for _, m := range rep.Migration {
		m.Validated = vr.HaltedAfter == "" && !failed[m.Table]
	}

	if vr.CriticalFailure() {
		var checks []string
		for _, f := range vr.Failures() {
			if f.Critical {
				checks = append(checks, f.Table+"."+f.Check)
			}
		}
		return eris.Errorf("pipeline: critical validation failure: %s", strings.Join(checks, ", "))
	}
	rep.Status = model.StatusPass
	if !vr.Passed {
		rep.Status = model.StatusFail
	}
	return nil
}

// rollback restores every critical source from its backup. It uses a
// context detached from ctx's cancellation so an interrupted run still
// restores.
func (p *Pipeline) rollback(ctx context.Context, log *zap.Logger, rep *report.Report, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log.Error("pipeline: rolling back", zap.Error(cause))
	rep.Recommendation = model.RecommendRollback

	var errs []error
	for _, src := range p.cfg.Sources {
		if !src.Critical {
			continue
		}
		out := report.RollbackOutcome{Source: src.Name}
		snap, err := p.snapshotFor(ctx, rep, src.Name)
		if err == nil {
			out.Backup = snap.Path
			err = p.backups.Restore(ctx, snap, src.Path)
		}
		if err != nil {
			out.Error = err.Error()
			errs = append(errs, eris.Wrapf(err, "pipeline: restore %s", src.Name))
		} else {
			out.Restored = true
			out.BusinessValue = snap.BusinessValue
		}
		rep.Rollback = append(rep.Rollback, out)
	}

	if len(errs) > 0 {
		rep.Status = model.StatusUnrecoverable
		return &UnrecoverableError{Cause: cause, Restore: errors.Join(errs...)}
	}
	rep.Status = model.StatusRollback
	log.Info("pipeline: rollback complete", zap.Int("restored", len(rep.Rollback)))
	return nil
}

// snapshotFor returns this run's backup of a source when it still verifies,
// else the newest verified backup.
func (p *Pipeline) snapshotFor(ctx context.Context, rep *report.Report, src string) (*backup.Snapshot, error) {
	for _, s := range rep.Backups {
		if s.Source != src {
			continue
		}
		if err := p.backups.Verify(ctx, s); err != nil {
			zap.L().Warn("pipeline: run backup failed verification, using latest", zap.String("source", src), zap.Error(err))
			break
		}
		return s, nil
	}
	return p.backups.Latest(ctx, src)
}

func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, runID uuid.UUID, rep *report.Report, runErr error) (*report.Report, error) {
	ctx = context.WithoutCancel(ctx)
	rep.FinishedAt = p.now().UTC()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)

	p.metrics.RunFinished(string(rep.Status), rep.Duration, allStatuses...)
	if err := p.metrics.WriteTextfile(p.cfg.Metrics.Textfile); err != nil {
		log.Warn("pipeline: write metrics", zap.Error(err))
	}

	if p.cfg.Report.Dir != "" && len(p.cfg.Report.Formats) > 0 {
		paths, err := report.Write(rep, p.cfg.Report.Dir, p.cfg.Report.Formats)
		if err != nil {
			log.Warn("pipeline: write report", zap.Error(err))
		}
		for _, path := range paths {
			log.Info("pipeline: report written", zap.String("path", path))
		}
	}

	if p.alerter != nil {
		p.alerter.SendAlerts(ctx, p.alerter.Evaluate(rep))
	}

	if p.runs != nil {
		var err error
		if len(rep.Errors) == 0 {
			err = p.runs.Complete(ctx, runID, migrate.RunResult{
				Status:          rep.Status,
				RecordsMigrated: rep.Migrated(),
				Metadata: map[string]any{
					"recommendation": rep.Recommendation,
					"failures":       len(rep.Failures()),
					"tables":         len(rep.Migration),
				},
			})
		} else {
			err = p.runs.Fail(ctx, runID, rep.Status, strings.Join(rep.Errors, "; "))
		}
		if err != nil {
			log.Warn("pipeline: failed to record run outcome", zap.Error(err))
		}
	}

	if runErr != nil {
		log.Error("pipeline: rollback failed, sources need manual restore",
			zap.String("severity", "critical"),
			zap.Error(runErr),
		)
	}
	log.Info("pipeline: consolidation finished",
		zap.String("status", string(rep.Status)),
		zap.String("recommendation", rep.Recommendation),
		zap.Duration("duration", rep.Duration),
	)
	return rep, runErr
}
