// Package store is the relational persistence layer of the gateway: mounts,
// storage configs, ACLs, upload sessions, job descriptors, and scheduled
// jobs. It is a thin repository over SQLite; callers consume it through
// narrow interfaces defined at their side.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Store wraps the shared database handle. All repositories hang off it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the gateway database at dbPath, applies
// pragmas and pending migrations, and returns the Store. The connection pool
// is limited to a single writer; SQLite serializes writes anyway and a sole
// connection avoids SQLITE_BUSY churn.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, pragmaErr := db.ExecContext(ctx, pragma); pragmaErr != nil {
			db.Close()

			return nil, fmt.Errorf("store: applying %q: %w", pragma, pragmaErr)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}
