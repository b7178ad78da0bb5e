// Package migrate manages the consolidated target schema and the migration
// run log.
package migrate

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// lockKey serialises concurrent migrators (e.g. a pipeline run and a manual
// `migrate`). The lock is released when the migration transaction ends.
const lockKey = 8675309

// Migrate applies all pending SQL migrations in lexicographic order. It
// creates the consolidated schema and its schema_migrations tracking table if
// needed. Everything runs in one transaction holding a transaction-scoped
// advisory lock, so the lock lives and dies with a single connection. Each
// file applies under its own savepoint; a failing file rolls the whole call
// back and nothing is reported as applied. It returns the names of the files
// applied.
func Migrate(ctx context.Context, pool db.Pool) ([]string, error) {
	log := zap.L().With(zap.String("component", "migrate"))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "migrate: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return nil, eris.Wrap(err, "migrate: acquire advisory lock")
	}

	if err := ensureMigrationTable(ctx, tx); err != nil {
		return nil, err
	}

	names, err := Files()
	if err != nil {
		return nil, err
	}
	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, eris.Wrapf(err, "migrate: read %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if err := apply(ctx, tx, name, string(data)); err != nil {
			return nil, err
		}
		done = append(done, name)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate: commit")
	}

	if len(done) == 0 {
		log.Debug("schema up to date", zap.Int("migrations", len(names)))
	} else {
		log.Info("migrations applied", zap.Int("applied", len(done)), zap.Int("total", len(names)))
	}
	return done, nil
}

// Files returns the embedded migration filenames in apply order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func apply(ctx context.Context, pool db.Pool, name, stmt string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "migrate: begin %s", name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, stmt); err != nil {
		return eris.Wrapf(err, "migrate: apply %s", name)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO consolidated.schema_migrations (filename, applied_at) VALUES ($1, now())",
		name,
	); err != nil {
		return eris.Wrapf(err, "migrate: record %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "migrate: commit %s", name)
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, pool db.Pool) error {
	sql := `
		CREATE SCHEMA IF NOT EXISTS consolidated;
		CREATE TABLE IF NOT EXISTS consolidated.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "migrate: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM consolidated.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "migrate: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "migrate: iterate applied migrations")
}
