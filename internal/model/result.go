package model

import "time"

// Status is the overall outcome of a consolidation run.
type Status string

const (
	StatusPass          Status = "PASS"
	StatusFail          Status = "FAIL"
	StatusRollback      Status = "ROLLBACK"
	StatusUnrecoverable Status = "UNRECOVERABLE"
)

// ExitCode maps a run status to the process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusPass:
		return 0
	case StatusUnrecoverable:
		return 2
	default:
		return 1
	}
}

// CheckStatus is the outcome of a single validation check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "PASS"
	CheckFail    CheckStatus = "FAIL"
	CheckWarning CheckStatus = "WARNING"
)

// Check names, in the order the validator runs them.
const (
	CheckRowCount      = "row_count"
	CheckForeignKey    = "foreign_key"
	CheckJSONStructure = "json_structure"
	CheckFinancial     = "financial"
	CheckBusinessRange = "business_range"
	CheckSampleData    = "sample_data"
	CheckChecksum      = "checksum"
)

// Recommendation values emitted by the validator.
const (
	RecommendProceed  = "PROCEED"
	RecommendRollback = "ROLLBACK"
)

// MigrationResult is the per-table outcome of extraction, transform and load.
type MigrationResult struct {
	Entity            string        `json:"entity" yaml:"entity"`
	Table             string        `json:"table" yaml:"table"`
	Critical          bool          `json:"critical" yaml:"critical"`
	RecordsExtracted  int           `json:"records_extracted" yaml:"records_extracted"`
	DuplicatesDropped int           `json:"duplicates_dropped" yaml:"duplicates_dropped"`
	RecordsProcessed  int           `json:"records_processed" yaml:"records_processed"`
	RecordsMigrated   int           `json:"records_migrated" yaml:"records_migrated"`
	RecordsSkipped    int           `json:"records_skipped" yaml:"records_skipped"`
	FailedBatches     int           `json:"failed_batches" yaml:"failed_batches"`
	Checksum          string        `json:"checksum" yaml:"checksum"`
	SourceTotal       *float64      `json:"source_total,omitempty" yaml:"source_total,omitempty"`
	Duration          time.Duration `json:"duration_ns" yaml:"duration"`
	Validated         bool          `json:"validated" yaml:"validated"`
	Errors            []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// ValidationResult is one check against one table.
type ValidationResult struct {
	Table    string      `json:"table" yaml:"table"`
	Check    string      `json:"check" yaml:"check"`
	Status   CheckStatus `json:"status" yaml:"status"`
	Critical bool        `json:"critical" yaml:"critical"`
	Detail   string      `json:"detail" yaml:"detail"`
}

// Failed reports whether the check failed.
func (r ValidationResult) Failed() bool { return r.Status == CheckFail }
