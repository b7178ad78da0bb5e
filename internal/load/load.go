// Package load writes transformed rows to the consolidated target in
// fixed-size batches under each table's conflict policy.
package load

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/db"
	"github.com/sells-group/dbconsolidate/internal/metrics"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
	"github.com/sells-group/dbconsolidate/internal/transform"
)

// DefaultBatchSize is used when the configured batch size is not positive.
const DefaultBatchSize = 1000

// CriticalError is a load failure on a critical table. It aborts the run
// and triggers rollback.
type CriticalError struct {
	Table string
	Batch int // 0 when the failure precedes batching
	Err   error
}

func (e *CriticalError) Error() string {
	if e.Batch == 0 {
		return fmt.Sprintf("load: critical table %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("load: critical table %s batch %d: %v", e.Table, e.Batch, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

// Loader writes transform output to the target.
type Loader struct {
	pool      db.Pool
	batchSize int
	metrics   *metrics.Recorder
}

// New creates a Loader. rec may be nil.
func New(pool db.Pool, batchSize int, rec *metrics.Recorder) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{pool: pool, batchSize: batchSize, metrics: rec}
}

// Load writes every row of out. Each batch commits or rolls back on its own.
// A failed batch on a non-critical table is recorded and skipped; on a
// critical table it stops the load and is returned as a *CriticalError
// alongside the partial result.
func (l *Loader) Load(ctx context.Context, out *transform.Output) (*model.MigrationResult, error) {
	t := out.Table
	log := zap.L().With(zap.String("component", "load"), zap.String("table", t.Name))

	res := &model.MigrationResult{
		Entity:           t.Entity,
		Table:            t.Name,
		Critical:         t.Critical,
		RecordsProcessed: len(out.Rows) + len(out.Skipped),
		RecordsSkipped:   len(out.Skipped),
	}
	for _, s := range out.Skipped {
		res.Errors = append(res.Errors, fmt.Sprintf("skipped %s (%s): %s", s.Key, s.Source, s.Reason))
	}
	l.metrics.Skipped(t.Name, len(out.Skipped))

	sum, err := Checksum(t, out.Rows)
	if err != nil {
		return res, err
	}
	res.Checksum = sum

	cfg := t.UpsertConfig()
	for start, batch := 0, 1; start < len(out.Rows); start, batch = start+l.batchSize, batch+1 {
		end := min(start+l.batchSize, len(out.Rows))
		rows := out.Rows[start:end]

		began := time.Now()
		_, err := db.BulkUpsert(ctx, l.pool, cfg, rows)
		elapsed := time.Since(began)
		if err != nil {
			res.FailedBatches++
			res.Errors = append(res.Errors, fmt.Sprintf("batch %d (rows %d-%d): %v", batch, start+1, end, err))
			l.metrics.BatchFailed(t.Name, elapsed)

			if t.Critical {
				log.Error("critical batch failed",
					zap.Int("batch", batch),
					zap.Int("rows", len(rows)),
					zap.Error(err),
				)
				return res, &CriticalError{Table: t.Name, Batch: batch, Err: err}
			}
			log.Error("batch failed, continuing",
				zap.Int("batch", batch),
				zap.Int("rows", len(rows)),
				zap.Error(err),
			)
			continue
		}

		res.RecordsMigrated += len(rows)
		l.metrics.BatchLoaded(t.Name, len(rows), elapsed)
		log.Debug("batch committed",
			zap.Int("batch", batch),
			zap.Int("rows", len(rows)),
			zap.Duration("elapsed", elapsed),
		)
	}

	log.Info("load complete",
		zap.String("policy", t.Conflict.Mode.String()),
		zap.Int("migrated", res.RecordsMigrated),
		zap.Int("skipped", res.RecordsSkipped),
		zap.Int("failed_batches", res.FailedBatches),
	)
	return res, nil
}

// Checksum hashes the compared columns of rows in canonical form.
func Checksum(t *schema.Table, rows [][]any) (string, error) {
	norm := make([][]any, len(rows))
	for i, r := range rows {
		norm[i] = schema.NormalizeRow(t, r)
	}
	sum, err := schema.Checksum(norm)
	if err != nil {
		return "", eris.Wrapf(err, "load: checksum %s", t.Name)
	}
	return sum, nil
}

// ParentIndex reads the natural key to id index of a parent table.
func ParentIndex(ctx context.Context, pool db.Pool, t *schema.Table, naturalCol string) (map[string]uuid.UUID, error) {
	q := fmt.Sprintf("SELECT %s, id FROM %s",
		db.QuoteAndJoin([]string{naturalCol}), db.SanitizeTable(t.Qualified()))
	rows, err := pool.Query(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "load: parent index %s", t.Name)
	}
	defer rows.Close()

	idx := make(map[string]uuid.UUID)
	for rows.Next() {
		var key string
		var id uuid.UUID
		if err := rows.Scan(&key, &id); err != nil {
			return nil, eris.Wrapf(err, "load: scan parent index %s", t.Name)
		}
		idx[key] = id
	}
	return idx, eris.Wrapf(rows.Err(), "load: parent index %s iterate", t.Name)
}

// Refs builds the foreign-key index for every parent of child.
func Refs(ctx context.Context, pool db.Pool, child *schema.Table) (transform.Refs, error) {
	refs := transform.Refs{}
	for _, rel := range schema.RelationsFor(child.Name) {
		if _, ok := refs[rel.Parent]; ok {
			continue
		}
		parent, err := schema.Lookup(rel.Parent)
		if err != nil {
			return nil, err
		}
		idx, err := ParentIndex(ctx, pool, parent, rel.ParentNatural)
		if err != nil {
			return nil, err
		}
		refs[rel.Parent] = idx
	}
	return refs, nil
}
