package report

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Sheet names in the spreadsheet report.
const (
	SheetSummary    = "Summary"
	SheetMigration  = "Migration"
	SheetValidation = "Validation"
)

// WriteXLSX saves the report as a workbook with summary, migration and
// validation sheets.
func WriteXLSX(r *Report, path string) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "Run ID", r.RunID)
	addRow(summary, "Status", string(r.Status))
	addRow(summary, "Recommendation", r.Recommendation)
	addRow(summary, "Started", r.StartedAt.UTC().Format(time.RFC3339))
	addRow(summary, "Finished", r.FinishedAt.UTC().Format(time.RFC3339))
	addRow(summary, "Duration", r.Duration.Round(time.Millisecond).String())
	addRow(summary, "Quick", fmt.Sprint(r.Quick))
	if r.PipelineValue != nil {
		row := summary.AddRow()
		row.AddCell().SetString("Pipeline value")
		row.AddCell().SetFloatWithFormat(*r.PipelineValue, "#,##0.00")
	}
	if r.HaltedAfter != "" {
		addRow(summary, "Halted after", r.HaltedAfter)
	}
	for _, rb := range r.Rollback {
		addRow(summary, "Rollback "+rb.Source, fmt.Sprintf("restored=%t value=%.2f %s", rb.Restored, rb.BusinessValue, rb.Error))
	}
	if len(r.Errors) > 0 {
		addRow(summary, "Errors", joinErrors(r.Errors))
	}

	migration, err := f.AddSheet(SheetMigration)
	if err != nil {
		return eris.Wrap(err, "report: add migration sheet")
	}
	addRow(migration, "Table", "Critical", "Extracted", "Duplicates", "Processed", "Migrated", "Skipped", "Failed batches", "Checksum", "Duration (s)")
	for _, m := range r.Migration {
		row := migration.AddRow()
		row.AddCell().SetString(m.Table)
		row.AddCell().SetBool(m.Critical)
		for _, n := range []int{m.RecordsExtracted, m.DuplicatesDropped, m.RecordsProcessed, m.RecordsMigrated, m.RecordsSkipped, m.FailedBatches} {
			row.AddCell().SetInt(n)
		}
		row.AddCell().SetString(m.Checksum)
		row.AddCell().SetFloat(m.Duration.Seconds())
	}

	validation, err := f.AddSheet(SheetValidation)
	if err != nil {
		return eris.Wrap(err, "report: add validation sheet")
	}
	addRow(validation, "Table", "Check", "Status", "Critical", "Detail")
	for _, v := range r.Validation {
		row := validation.AddRow()
		row.AddCell().SetString(v.Table)
		row.AddCell().SetString(v.Check)
		row.AddCell().SetString(string(v.Status))
		row.AddCell().SetBool(v.Critical)
		row.AddCell().SetString(v.Detail)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}
