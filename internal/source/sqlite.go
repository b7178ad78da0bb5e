// Package source opens source SQLite databases for read-only extraction.
package source

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// DB is a read-only handle on one source SQLite file. It is opened for a
// single extraction pass and must be closed by the caller.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens path read-only and forces a read of the schema so that missing
// or corrupt files fail here rather than at first query.
func Open(ctx context.Context, path string) (*DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: resolve %s", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, eris.Wrapf(err, "source: stat %s", path)
	}

	db, err := sql.Open("sqlite", dsn(abs))
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}
	db.SetMaxOpenConns(1)

	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		return nil, eris.Wrapf(err, "source: read schema of %s", path)
	}
	return &DB{db: db, path: abs}, nil
}

func dsn(abs string) string {
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "query_only(1)")
	return "file:" + abs + "?" + q.Encode()
}

// Path returns the absolute file path.
func (d *DB) Path() string { return d.path }

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// TableExists reports whether a table with the given name exists.
func (d *DB) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "source: lookup table %s", table)
	}
	return n > 0, nil
}

// Columns returns the set of column names of a table.
func (d *DB) Columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, eris.Wrapf(err, "source: table info %s", table)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrapf(err, "source: scan table info %s", table)
		}
		cols[name] = true
	}
	return cols, eris.Wrapf(rows.Err(), "source: table info %s iterate", table)
}

// Query runs a read query.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "source: query %s", d.path)
	}
	return rows, nil
}

// Checkpoint folds any WAL content into the main database file so that a
// file-level copy captures the committed state. It opens its own writable
// connection and is only used before backups.
func Checkpoint(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return eris.Wrapf(err, "source: stat %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return eris.Wrapf(err, "source: open %s for checkpoint", path)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return eris.Wrapf(err, "source: checkpoint %s", path)
	}
	return nil
}
