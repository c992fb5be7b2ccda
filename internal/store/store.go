// Package store owns the libSQL database backing the checkpoint store and
// resume tokens. Run/task events live in the file event log, not here.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// DB wraps the libSQL connection shared by the checkpoint store.
type DB struct {
	db *sql.DB
}

// Open opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/gantry.db".
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &DB{db: db}, nil
}

// SQL returns the underlying *sql.DB.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Migrate runs all pending database migrations.
func (d *DB) Migrate(ctx context.Context) error {
	return runMigrations(ctx, d.db)
}
