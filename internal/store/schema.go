package store

import (
	"context"
	"fmt"
)

// migrations[i] brings a store from schema version i to i+1. The applied
// version is kept in PRAGMA user_version. Entries are append-only.
var migrations = []string{
	// 1: items, history and run tables.
	`
	CREATE TABLE IF NOT EXISTS items (
		scope          TEXT NOT NULL,
		item_id        TEXT NOT NULL,
		change_tag     TEXT,
		size           INTEGER NOT NULL,
		checksum       TEXT NOT NULL,
		last_modified  TEXT NOT NULL,
		backed_up_at   TEXT NOT NULL,
		version        INTEGER NOT NULL,
		PRIMARY KEY (scope, item_id)
	);

	CREATE TABLE IF NOT EXISTS item_history (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		scope               TEXT NOT NULL,
		item_id             TEXT NOT NULL,
		version             INTEGER NOT NULL,
		previous_checksum   TEXT NOT NULL,
		previous_change_tag TEXT,
		previous_size       INTEGER NOT NULL,
		superseded_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_key ON item_history(scope, item_id);

	CREATE TABLE IF NOT EXISTS runs (
		run_id            TEXT PRIMARY KEY,
		scope             TEXT NOT NULL,
		mode              TEXT NOT NULL,
		status            TEXT NOT NULL,
		error             TEXT,
		started_at        TEXT NOT NULL,
		ended_at          TEXT NOT NULL,
		items_scanned     INTEGER NOT NULL DEFAULT 0,
		items_new         INTEGER NOT NULL DEFAULT 0,
		items_changed     INTEGER NOT NULL DEFAULT 0,
		items_unchanged   INTEGER NOT NULL DEFAULT 0,
		items_failed      INTEGER NOT NULL DEFAULT 0,
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		bytes_saved       INTEGER NOT NULL DEFAULT 0
	);
	`,
	// 2: source path on items, retention and reporting indexes.
	`
	ALTER TABLE items ADD COLUMN path TEXT NOT NULL DEFAULT '';
	CREATE INDEX IF NOT EXISTS idx_history_superseded ON item_history(superseded_at);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	`,
}

// SchemaVersion is the schema version this binary writes.
var SchemaVersion = len(migrations)

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var current int
	if err := s.db.GetContext(ctx, &current, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: file has v%d, binary supports v%d", ErrSchemaTooNew, current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply schema v%d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema v%d: %w", v+1, err)
		}
	}
	return nil
}

// schemaVersion reads the applied schema version.
func (s *SQLiteStore) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, `PRAGMA user_version`)
	return v, err
}
