package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dbconsolidate/internal/backup"
	"github.com/sells-group/dbconsolidate/internal/model"
)

func sampleReport() *Report {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	value := 350.50
	return &Report{
		RunID:          "3f1c2d4e-0000-4000-8000-000000000001",
		StartedAt:      started,
		FinishedAt:     started.Add(90 * time.Second),
		Duration:       90 * time.Second,
		Status:         model.StatusRollback,
		Recommendation: model.RecommendRollback,
		HaltedAfter:    model.CheckSampleData,
		PipelineValue:  &value,
		Migration: []*model.MigrationResult{
			{Entity: "posts", Table: "content_posts", RecordsExtracted: 4, DuplicatesDropped: 1, RecordsProcessed: 3, RecordsMigrated: 3, Checksum: "abcdef0123456789"},
			{Entity: "inquiries", Table: "consultation_inquiries", Critical: true, RecordsExtracted: 3, RecordsProcessed: 3, RecordsMigrated: 3},
		},
		Validation: []model.ValidationResult{
			{Table: "consultation_inquiries", Check: model.CheckRowCount, Status: model.CheckPass, Critical: true, Detail: "source=3 target=3"},
			{Table: "consultation_inquiries", Check: model.CheckSampleData, Status: model.CheckFail, Critical: true, Detail: "i-b.estimated_value: source=250.5 target=250.51"},
			{Table: "content_posts", Check: model.CheckJSONStructure, Status: model.CheckWarning, Detail: "hashtags: 1 null"},
		},
		Backups: []*backup.Snapshot{{Source: "business", Path: "backups/business/business-1.db", SHA256: "0123456789abcdef", BusinessValue: 350.50}},
		Rollback: []RollbackOutcome{
			{Source: "business", Backup: "backups/business/business-1.db", Restored: true, BusinessValue: 350.50},
		},
	}
}

func TestCounts_AndFailures(t *testing.T) {
	r := sampleReport()
	c := r.Counts()
	assert.Equal(t, 1, c[model.CheckPass])
	assert.Equal(t, 1, c[model.CheckFail])
	assert.Equal(t, 1, c[model.CheckWarning])
	require.Len(t, r.Failures(), 1)
	assert.Equal(t, model.CheckSampleData, r.Failures()[0].Check)
	assert.Equal(t, int64(6), r.Migrated())
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(sampleReport(), &buf))
	out := buf.String()

	assert.Contains(t, out, "Consolidation run 3f1c2d4e")
	assert.Contains(t, out, "ROLLBACK")
	assert.Contains(t, out, "$350.50")
	assert.Contains(t, out, "Halted after:")
	assert.Contains(t, out, "consultation_inquiries *")
	assert.Contains(t, out, "VALIDATION (1 passed, 1 warnings, 1 failed)")
	assert.Contains(t, out, "abcdef012345")
	assert.NotContains(t, out, "abcdef0123456789")
	assert.Contains(t, out, "ROLLBACK\nSOURCE")
}

func TestRender_JSONAndYAML(t *testing.T) {
	r := sampleReport()

	var js bytes.Buffer
	require.NoError(t, Render(r, FormatJSON, &js))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "ROLLBACK", decoded["status"])
	assert.Equal(t, "sample_data", decoded["halted_after"])
	assert.Len(t, decoded["validation"], 3)

	var ym bytes.Buffer
	require.NoError(t, Render(r, FormatYAML, &ym))
	var y map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &y))
	assert.Equal(t, "ROLLBACK", y["status"])
	assert.Equal(t, 350.5, y["pipeline_value"])

	assert.Error(t, Render(r, FormatXLSX, &bytes.Buffer{}))
}

func TestWrite_AllFormats(t *testing.T) {
	r := sampleReport()
	dir := filepath.Join(t.TempDir(), "reports")

	paths, err := Write(r, dir, []string{FormatText, FormatJSON, FormatYAML, FormatXLSX})
	require.NoError(t, err)
	require.Len(t, paths, 4)
	for _, ext := range []string{"txt", "json", "yaml", "xlsx"} {
		want := filepath.Join(dir, "consolidation-"+r.RunID+"."+ext)
		assert.Contains(t, paths, want)
		_, err := os.Stat(want)
		assert.NoError(t, err)
	}
}

func TestWrite_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(sampleReport(), dir, []string{FormatJSON, "pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"pdf"`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written when a format is rejected")
}

func TestWriteXLSX_Sheets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.xlsx")
	require.NoError(t, WriteXLSX(sampleReport(), path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 3)

	summary := f.Sheet[SheetSummary]
	require.NotNil(t, summary)
	assert.Equal(t, "Status", summary.Rows[1].Cells[0].String())
	assert.Equal(t, "ROLLBACK", summary.Rows[1].Cells[1].String())

	migration := f.Sheet[SheetMigration]
	require.NotNil(t, migration)
	require.Len(t, migration.Rows, 3)
	assert.Equal(t, "consultation_inquiries", migration.Rows[2].Cells[0].String())
	n, err := migration.Rows[2].Cells[5].Int()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	validation := f.Sheet[SheetValidation]
	require.NotNil(t, validation)
	require.Len(t, validation.Rows, 4)
	assert.Equal(t, "FAIL", validation.Rows[2].Cells[2].String())
}
