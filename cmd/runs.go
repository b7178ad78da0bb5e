package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dbconsolidate/internal/migrate"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List consolidation run history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := targetPool(ctx, true)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := migrate.NewRunLog(pool).List(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, entries)
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 50, "max number of runs to display")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []migrate.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tMIGRATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		msg := r.Error
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(r.ID.String()),
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RecordsMigrated,
			msg,
		)
	}
	_ = w.Flush()
}
