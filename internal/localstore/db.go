// Package localstore keeps the companion's on-device state in SQLite: the
// outbox of envelopes waiting for the primary, the last applied snapshot and
// the optimistic status changes not yet confirmed.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const fileName = "companion.db"

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	slot      TEXT PRIMARY KEY,
	payload   TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_cache (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	revision TEXT NOT NULL,
	payload  TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_status (
	job_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	applied_at   INTEGER NOT NULL,
	delivered_at INTEGER NOT NULL DEFAULT 0
);`

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the companion database under dataDir.
func Open(ctx context.Context, dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
