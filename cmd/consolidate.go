package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/backup"
	"github.com/sells-group/dbconsolidate/internal/extract"
	"github.com/sells-group/dbconsolidate/internal/metrics"
	"github.com/sells-group/dbconsolidate/internal/migrate"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/monitoring"
	"github.com/sells-group/dbconsolidate/internal/pipeline"
	"github.com/sells-group/dbconsolidate/internal/report"
	"github.com/sells-group/dbconsolidate/internal/resilience"
)

// runConsolidate applies pending schema migrations and runs the full
// pipeline. The exit code follows the run status.
func runConsolidate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := report.CheckFormats(cfg.Report.Formats); err != nil {
		return err
	}

	target, err := targetPool(ctx, false)
	if err != nil {
		return err
	}
	defer target.Close()

	readOnly, err := targetPool(ctx, true)
	if err != nil {
		return err
	}
	defer readOnly.Close()

	applied, err := migrate.Migrate(ctx, target)
	if err != nil {
		return eris.Wrap(err, "consolidate: migrate schema")
	}
	if len(applied) > 0 {
		zap.L().Info("schema migrations applied", zap.Strings("files", applied))
	}

	p := pipeline.New(
		cfg,
		target,
		readOnly,
		backup.NewManager(cfg.Backup.Dir, extract.BusinessValue),
		migrate.NewRunLog(target),
		monitoring.NewAlerter(cfg.Notify.WebhookURL, resilience.FromConfig(cfg.Retry)),
		metrics.New(),
	)
	rep, runErr := p.Run(ctx)
	printOutcome(os.Stdout, os.Stderr, rep, runErr, cfg.Backup.Dir)

	return runExit(rep, runErr)
}

// runExit maps a finished run to the command result.
func runExit(rep *report.Report, runErr error) error {
	var ue *pipeline.UnrecoverableError
	if errors.As(runErr, &ue) {
		return &exitError{code: model.StatusUnrecoverable.ExitCode()}
	}
	if code := rep.Status.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func printOutcome(out, errOut io.Writer, rep *report.Report, runErr error, backupDir string) {
	_ = report.WriteText(rep, out)

	var ue *pipeline.UnrecoverableError
	if errors.As(runErr, &ue) {
		_, _ = fmt.Fprintln(errOut, "")
		_, _ = fmt.Fprintln(errOut, "!! UNRECOVERABLE: the run failed and the source databases could not be restored.")
		_, _ = fmt.Fprintf(errOut, "!! cause:   %v\n", ue.Cause)
		_, _ = fmt.Fprintf(errOut, "!! restore: %v\n", ue.Restore)
		_, _ = fmt.Fprintf(errOut, "!! Restore manually from %s before using the sources again.\n", backupDir)
	}
}
