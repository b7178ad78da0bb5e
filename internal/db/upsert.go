package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ConflictMode selects what happens when an inserted row collides with an
// existing one on the conflict keys.
type ConflictMode int

const (
	// InsertOnly keeps the existing row (ON CONFLICT DO NOTHING).
	InsertOnly ConflictMode = iota
	// UpsertAll overwrites every non-key column.
	UpsertAll
	// UpsertSubset overwrites only ConflictPolicy.Update.
	UpsertSubset
)

func (m ConflictMode) String() string {
	switch m {
	case InsertOnly:
		return "insert-only"
	case UpsertAll:
		return "upsert-overwrite-all"
	case UpsertSubset:
		return "upsert-overwrite-subset"
	default:
		return fmt.Sprintf("ConflictMode(%d)", int(m))
	}
}

// ConflictPolicy is attached to a target table definition.
type ConflictPolicy struct {
	Mode   ConflictMode
	Keys   []string // columns forming the unique constraint
	Update []string // UpsertSubset only
}

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table    string   // target table (e.g., "consolidated.content_posts")
	Columns  []string // all columns being inserted
	Conflict ConflictPolicy
	Exclude  []string // columns never overwritten on conflict (surrogate keys)
}

// updateColumns resolves the SET list for the policy.
func (c UpsertConfig) updateColumns() []string {
	switch c.Conflict.Mode {
	case UpsertSubset:
		return c.Conflict.Update
	case UpsertAll:
		skip := make(map[string]bool, len(c.Conflict.Keys)+len(c.Exclude))
		for _, k := range c.Conflict.Keys {
			skip[k] = true
		}
		for _, k := range c.Exclude {
			skip[k] = true
		}
		var cols []string
		for _, col := range c.Columns {
			if !skip[col] {
				cols = append(cols, col)
			}
		}
		return cols
	default:
		return nil
	}
}

// conflictClause renders the ON CONFLICT clause for the policy.
func (c UpsertConfig) conflictClause() (string, error) {
	if len(c.Conflict.Keys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}
	target := fmt.Sprintf("ON CONFLICT (%s)", quoteAndJoin(c.Conflict.Keys))

	cols := c.updateColumns()
	if c.Conflict.Mode == InsertOnly || len(cols) == 0 {
		if c.Conflict.Mode == UpsertSubset {
			return "", eris.New("db: upsert: subset policy with no update columns")
		}
		return target + " DO NOTHING", nil
	}

	setClauses := make([]string, 0, len(cols))
	for _, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
	}
	return target + " DO UPDATE SET " + strings.Join(setClauses, ", "), nil
}

// BulkUpsert writes one batch via a temp table and INSERT ... ON CONFLICT,
// inside a single transaction. A failure rolls back the whole batch.
// 1. Creates a temp table with the same columns
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) <policy>
// 4. Commits; the temp table is dropped on commit
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	conflict, err := cfg.conflictClause()
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	// Create temp table with same structure as target
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	// COPY rows into temp table
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		conflict,
	)

	tag, err := tx.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

// SanitizeTable quotes a possibly schema-qualified table name.
func SanitizeTable(table string) string { return sanitizeTable(table) }

// QuoteAndJoin quotes each column name and joins with commas.
func QuoteAndJoin(cols []string) string { return quoteAndJoin(cols) }

// sanitizeTable handles schema-qualified table names like "consolidated.content_posts".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
