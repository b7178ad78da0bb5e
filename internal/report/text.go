package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dbconsolidate/internal/model"
)

// WriteText writes the human-readable report.
func WriteText(r *Report, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "Consolidation run %s\n\n", r.RunID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	if r.Recommendation != "" {
		_, _ = fmt.Fprintf(w, "Recommendation:\t%s\n", r.Recommendation)
	}
	if !r.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Started:\t%s\n", r.StartedAt.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", r.Duration.Round(time.Millisecond))
	if r.Quick {
		_, _ = fmt.Fprintln(w, "Mode:\tquick (row counts only)")
	}
	if r.PipelineValue != nil {
		_, _ = fmt.Fprintf(w, "Pipeline value:\t$%.2f\n", *r.PipelineValue)
	}
	if r.HaltedAfter != "" {
		_, _ = fmt.Fprintf(w, "Halted after:\t%s (critical failure)\n", r.HaltedAfter)
	}

	if len(r.Migration) > 0 {
		_, _ = fmt.Fprintln(w, "\nMIGRATION")
		_, _ = fmt.Fprintln(w, "TABLE\tEXTRACTED\tDUPLICATES\tPROCESSED\tMIGRATED\tSKIPPED\tFAILED_BATCHES\tCHECKSUM\tDURATION")
		for _, m := range r.Migration {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
				tableLabel(m.Table, m.Critical),
				m.RecordsExtracted,
				m.DuplicatesDropped,
				m.RecordsProcessed,
				m.RecordsMigrated,
				m.RecordsSkipped,
				m.FailedBatches,
				shortSum(m.Checksum),
				m.Duration.Round(time.Millisecond),
			)
		}
	}

	if len(r.Validation) > 0 {
		c := r.Counts()
		_, _ = fmt.Fprintf(w, "\nVALIDATION (%d passed, %d warnings, %d failed)\n",
			c[model.CheckPass], c[model.CheckWarning], c[model.CheckFail])
		_, _ = fmt.Fprintln(w, "TABLE\tCHECK\tSTATUS\tDETAIL")
		for _, v := range r.Validation {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", tableLabel(v.Table, v.Critical), v.Check, v.Status, v.Detail)
		}
	}

	if len(r.Backups) > 0 {
		_, _ = fmt.Fprintln(w, "\nBACKUPS")
		_, _ = fmt.Fprintln(w, "SOURCE\tPATH\tSHA256\tVALUE")
		for _, b := range r.Backups {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\n", b.Source, b.Path, shortSum(b.SHA256), b.BusinessValue)
		}
	}

	if len(r.Rollback) > 0 {
		_, _ = fmt.Fprintln(w, "\nROLLBACK")
		_, _ = fmt.Fprintln(w, "SOURCE\tRESTORED\tVALUE\tBACKUP\tERROR")
		for _, rb := range r.Rollback {
			_, _ = fmt.Fprintf(w, "%s\t%t\t$%.2f\t%s\t%s\n", rb.Source, rb.Restored, rb.BusinessValue, rb.Backup, rb.Error)
		}
	}

	if len(r.Errors) > 0 {
		_, _ = fmt.Fprintln(w, "\nERRORS")
		for _, e := range r.Errors {
			_, _ = fmt.Fprintf(w, "- %s\n", e)
		}
	}

	return eris.Wrap(w.Flush(), "report: write text")
}

func tableLabel(table string, critical bool) string {
	if critical {
		return table + " *"
	}
	return table
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
