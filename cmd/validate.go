package main

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dbconsolidate/internal/metrics"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/pipeline"
	"github.com/sells-group/dbconsolidate/internal/report"
	"github.com/sells-group/dbconsolidate/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the consolidated database against the sources",
	Long: "Re-extracts and transforms the sources without writing, then runs the validator against " +
		"the target over a read-only connection. Exits 0 when every check passes, 1 otherwise.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		quick, _ := cmd.Flags().GetBool("quick")
		table, _ := cmd.Flags().GetString("table")
		format, _ := cmd.Flags().GetString("format")
		if format == report.FormatXLSX {
			return eris.New("validate: xlsx cannot be written to stdout")
		}
		if err := report.CheckFormats([]string{format}); err != nil {
			return err
		}

		pool, err := targetPool(ctx, true)
		if err != nil {
			return err
		}
		defer pool.Close()

		started := time.Now().UTC()
		rec := metrics.New()
		steps, err := pipeline.NewPlanner(cfg.Sources, cfg.Migration.ParallelExtract, rec).PlanAll(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "validate: plan")
		}

		vr, err := validate.New(pool, validate.Options{
			Tolerance:       cfg.Validation.Tolerance,
			SampleSize:      cfg.Validation.SampleSize,
			SampleTolerance: cfg.Validation.SampleTolerance,
			Quick:           quick,
			Table:           table,
		}, rec).Validate(ctx, pipeline.Sources(steps))
		if err != nil {
			return err
		}

		rep := validationReport(vr, started, time.Now().UTC())
		if err := report.Render(rep, format, os.Stdout); err != nil {
			return err
		}
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
		if !vr.Passed {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().Bool("quick", false, "row counts only")
	validateCmd.Flags().String("table", "", "validate a single target table")
	validateCmd.Flags().String("format", report.FormatText, "output format (text, json, yaml)")
	rootCmd.AddCommand(validateCmd)
}

func validationReport(vr *validate.Report, started, finished time.Time) *report.Report {
	rep := &report.Report{
		RunID:          uuid.NewString(),
		StartedAt:      started,
		FinishedAt:     finished,
		Duration:       finished.Sub(started),
		Status:         model.StatusPass,
		Recommendation: vr.Recommendation,
		Quick:          vr.Quick,
		HaltedAfter:    vr.HaltedAfter,
		Validation:     vr.Results,
	}
	if !vr.Passed {
		rep.Status = model.StatusFail
	}
	return rep
}
