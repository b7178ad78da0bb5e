// Package validate compares the consolidated target against the rows the
// pipeline meant to write and decides whether the run may proceed.
package validate

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/db"
	"github.com/sells-group/dbconsolidate/internal/metrics"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultTolerance       = 0.01
	DefaultSampleSize      = 5
	DefaultSampleTolerance = 0.001
)

// Source is the expected content of one target table: the eligible
// transformed rows in table column order.
type Source struct {
	Table *schema.Table
	Rows  [][]any
	Total *float64 // extracted monetary total before transform; nil when untracked
}

// Options tunes a validation pass.
type Options struct {
	Tolerance       float64 // financial aggregates
	SampleSize      int
	SampleTolerance float64 // numeric fields of sampled rows
	Quick           bool    // row counts only
	Table           string  // restrict to one table when set
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.SampleTolerance <= 0 {
		o.SampleTolerance = DefaultSampleTolerance
	}
	return o
}

// Report is the outcome of a validation pass.
type Report struct {
	Results        []model.ValidationResult `json:"results" yaml:"results"`
	Quick          bool                     `json:"quick" yaml:"quick"`
	Passed         bool                     `json:"passed" yaml:"passed"`
	Recommendation string                   `json:"recommendation" yaml:"recommendation"`
	HaltedAfter    string                   `json:"halted_after,omitempty" yaml:"halted_after,omitempty"`
}

// CriticalFailure reports whether any critical table failed a check.
func (r *Report) CriticalFailure() bool {
	for _, res := range r.Results {
		if res.Critical && res.Failed() {
			return true
		}
	}
	return false
}

// Failures returns the failed results.
func (r *Report) Failures() []model.ValidationResult {
	var out []model.ValidationResult
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

type check struct {
	name string
	run  func(ctx context.Context, src Source) (model.CheckStatus, string, error)
}

// Validator runs checks against a read-only target pool.
type Validator struct {
	pool    db.Pool
	opts    Options
	metrics *metrics.Recorder
}

// New creates a Validator. rec may be nil.
func New(pool db.Pool, opts Options, rec *metrics.Recorder) *Validator {
	return &Validator{pool: pool, opts: opts.withDefaults(), metrics: rec}
}

func (v *Validator) stages() []check {
	all := []check{
		{model.CheckRowCount, v.rowCount},
		{model.CheckForeignKey, v.foreignKeys},
		{model.CheckJSONStructure, v.jsonStructure},
		{model.CheckFinancial, v.financial},
		{model.CheckBusinessRange, v.businessRange},
		{model.CheckSampleData, v.sampleData},
		{model.CheckChecksum, v.checksum},
	}
	if v.opts.Quick {
		return all[:1]
	}
	return all
}

// Validate runs every stage across the selected tables. Stages run in
// order; once a critical table fails a stage, later stages are skipped.
// Running it twice against unchanged data yields the same report.
func (v *Validator) Validate(ctx context.Context, sources []Source) (*Report, error) {
	log := zap.L().With(zap.String("component", "validate"))

	selected := sources
	if v.opts.Table != "" {
		selected = nil
		for _, s := range sources {
			if s.Table.Name == v.opts.Table {
				selected = append(selected, s)
			}
		}
		if len(selected) == 0 {
			return nil, eris.Errorf("validate: unknown table %q", v.opts.Table)
		}
	}

	rep := &Report{Quick: v.opts.Quick}
	for _, stage := range v.stages() {
		for _, src := range selected {
			res := model.ValidationResult{
				Table:    src.Table.Name,
				Check:    stage.name,
				Critical: src.Table.Critical,
			}
			status, detail, err := stage.run(ctx, src)
			if err != nil {
				status, detail = model.CheckFail, fmt.Sprintf("error: %v", err)
			}
			res.Status, res.Detail = status, detail

			fields := []zap.Field{
				zap.String("table", res.Table),
				zap.String("check", res.Check),
				zap.String("status", string(res.Status)),
				zap.String("detail", res.Detail),
			}
			switch res.Status {
			case model.CheckFail:
				log.Error("check failed", fields...)
			case model.CheckWarning:
				log.Warn("check warning", fields...)
			default:
				log.Debug("check passed", fields...)
			}
			v.metrics.Check(res.Table, res.Check, string(res.Status))
			rep.Results = append(rep.Results, res)
		}
		if rep.CriticalFailure() {
			rep.HaltedAfter = stage.name
			log.Error("critical check failed, skipping remaining checks", zap.String("stage", stage.name))
			break
		}
	}

	rep.Passed = len(rep.Failures()) == 0
	rep.Recommendation = model.RecommendRollback
	if rep.Passed {
		rep.Recommendation = model.RecommendProceed
	}
	log.Info("validation complete",
		zap.Bool("passed", rep.Passed),
		zap.Bool("quick", rep.Quick),
		zap.Int("checks", len(rep.Results)),
		zap.Int("failures", len(rep.Failures())),
		zap.String("recommendation", rep.Recommendation),
	)
	return rep, nil
}
