package migrate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dbconsolidate/internal/db"
	"github.com/sells-group/dbconsolidate/internal/model"
)

// StatusRunning marks a run that has started but not finished. A run left in
// this state was interrupted.
const StatusRunning = "RUNNING"

// RunEntry is a row of consolidated.migration_runs.
type RunEntry struct {
	ID              uuid.UUID      `json:"id"`
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	RecordsMigrated int64          `json:"records_migrated"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RunResult is what Complete records.
type RunResult struct {
	Status          model.Status
	RecordsMigrated int64
	Metadata        map[string]any
}

// RunLog reads and writes consolidated.migration_runs.
type RunLog struct {
	pool db.Pool
}

// NewRunLog creates a RunLog backed by pool.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{pool: pool}
}

// Start records the beginning of a run.
func (l *RunLog) Start(ctx context.Context, id uuid.UUID) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO consolidated.migration_runs (id, status, started_at)
		 VALUES ($1, $2, now())`,
		id, StatusRunning,
	)
	return eris.Wrapf(err, "runlog: start run %s", id)
}

// Complete records the final status of a run that reached validation.
func (l *RunLog) Complete(ctx context.Context, id uuid.UUID, res RunResult) error {
	var meta []byte
	if res.Metadata != nil {
		var err error
		if meta, err = json.Marshal(res.Metadata); err != nil {
			return eris.Wrap(err, "runlog: marshal metadata")
		}
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE consolidated.migration_runs
		 SET status = $1, completed_at = now(), records_migrated = $2, metadata = $3
		 WHERE id = $4`,
		string(res.Status), res.RecordsMigrated, meta, id,
	)
	return eris.Wrapf(err, "runlog: complete run %s", id)
}

// Fail records a run that ended with an error.
func (l *RunLog) Fail(ctx context.Context, id uuid.UUID, status model.Status, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE consolidated.migration_runs
		 SET status = $1, completed_at = now(), error = $2
		 WHERE id = $3`,
		string(status), errMsg, id,
	)
	return eris.Wrapf(err, "runlog: fail run %s", id)
}

// List returns the most recent runs first. A limit of zero or less lists all.
func (l *RunLog) List(ctx context.Context, limit int) ([]RunEntry, error) {
	query := `SELECT id, status, started_at, completed_at, records_migrated, error, metadata
		 FROM consolidated.migration_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var (
			e       RunEntry
			errStr  *string
			metaRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.Status, &e.StartedAt, &e.CompletedAt, &e.RecordsMigrated, &errStr, &metaRaw); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaRaw != nil {
			_ = json.Unmarshal(metaRaw, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "runlog: iterate")
}
