// Package store owns the single sqlite connection the rest of the pipeline
// persists through, and the goose-managed schema migrations that create its
// tables (§4.F/§4.B/§4.G's file_hash, hybrid_tree, section, virtual_section,
// note and wikilink tables).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/kilnforge/kiln/internal/kilnerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the shared connection and logger every persistence package
// depends on.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the sqlite database at path and applies
// any pending migrations. path may be ":memory:" for ephemeral use in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrStoreOpen, err)
	}
	// modernc.org/sqlite serializes access internally per-connection; a
	// single connection avoids SQLITE_BUSY under the writer-heavy
	// incremental-update workload this package serves.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %w", kilnerr.ErrStoreOpen, err)
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrStoreMigration, err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("%w: %w", kilnerr.ErrStoreMigration, err)
	}
	db.logger.Debug("schema migrations applied")
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
