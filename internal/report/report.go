// Package report renders the outcome of a consolidation run as text, JSON,
// YAML or a spreadsheet.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dbconsolidate/internal/backup"
	"github.com/sells-group/dbconsolidate/internal/model"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatXLSX = "xlsx"
)

var extensions = map[string]string{
	FormatText: "txt",
	FormatJSON: "json",
	FormatYAML: "yaml",
	FormatXLSX: "xlsx",
}

// RollbackOutcome records the restore of one critical source.
type RollbackOutcome struct {
	Source        string  `json:"source" yaml:"source"`
	Backup        string  `json:"backup,omitempty" yaml:"backup,omitempty"`
	Restored      bool    `json:"restored" yaml:"restored"`
	BusinessValue float64 `json:"business_value" yaml:"business_value"`
	Error         string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the full record of one run.
type Report struct {
	RunID          string                   `json:"run_id" yaml:"run_id"`
	StartedAt      time.Time                `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time                `json:"finished_at" yaml:"finished_at"`
	Duration       time.Duration            `json:"duration_ns" yaml:"duration"`
	Status         model.Status             `json:"status" yaml:"status"`
	Recommendation string                   `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
	Quick          bool                     `json:"quick" yaml:"quick"`
	HaltedAfter    string                   `json:"halted_after,omitempty" yaml:"halted_after,omitempty"`
	PipelineValue  *float64                 `json:"pipeline_value,omitempty" yaml:"pipeline_value,omitempty"`
	Migration      []*model.MigrationResult `json:"migration" yaml:"migration"`
	Validation     []model.ValidationResult `json:"validation" yaml:"validation"`
	Backups        []*backup.Snapshot       `json:"backups,omitempty" yaml:"backups,omitempty"`
	Rollback       []RollbackOutcome        `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Errors         []string                 `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Counts returns the number of validation results per status.
func (r *Report) Counts() map[model.CheckStatus]int {
	out := map[model.CheckStatus]int{}
	for _, v := range r.Validation {
		out[v.Status]++
	}
	return out
}

// Failures returns the failed validation results.
func (r *Report) Failures() []model.ValidationResult {
	var out []model.ValidationResult
	for _, v := range r.Validation {
		if v.Failed() {
			out = append(out, v)
		}
	}
	return out
}

// Migrated sums RecordsMigrated across tables.
func (r *Report) Migrated() int64 {
	var n int64
	for _, m := range r.Migration {
		n += int64(m.RecordsMigrated)
	}
	return n
}

// CheckFormats rejects unknown format names.
func CheckFormats(formats []string) error {
	for _, f := range formats {
		if _, ok := extensions[f]; !ok {
			return eris.Errorf("report: unknown format %q (want text, json, yaml or xlsx)", f)
		}
	}
	return nil
}

// Write renders the report in each format into dir as
// consolidation-<run id>.<ext> and returns the paths written.
func Write(r *Report, dir string, formats []string) ([]string, error) {
	if err := CheckFormats(formats); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "report: create dir %s", dir)
	}

	var paths []string
	for _, f := range formats {
		path := filepath.Join(dir, fmt.Sprintf("consolidation-%s.%s", r.RunID, extensions[f]))
		if f == FormatXLSX {
			if err := WriteXLSX(r, path); err != nil {
				return paths, err
			}
			paths = append(paths, path)
			continue
		}
		if err := writeFile(path, func(w io.Writer) error { return Render(r, f, w) }); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Render writes the report to w in a stream format (text, json or yaml).
func Render(r *Report, format string, w io.Writer) error {
	switch format {
	case FormatText:
		return WriteText(r, w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(r), "report: encode json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "report: encode yaml")
		}
		return eris.Wrap(enc.Close(), "report: close yaml encoder")
	default:
		return eris.Errorf("report: format %q cannot be streamed", format)
	}
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "report: create %s", path)
	}
	if err := fn(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "report: close %s", path)
}

func joinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
