package store

import (
	"context"
	"os"

	"github.com/rcliao/delta-backup/internal/backuperr"
)

// Stats holds database statistics.
type Stats struct {
	DBPath         string       `json:"db_path" yaml:"db_path"`
	DBSizeBytes    int64        `json:"db_size_bytes" yaml:"db_size_bytes"`
	SchemaVersion  int          `json:"schema_version" yaml:"schema_version"`
	Items          int64        `json:"items" yaml:"items"`
	TotalBytes     int64        `json:"total_bytes" yaml:"total_bytes"`
	HistoryEntries int64        `json:"history_entries" yaml:"history_entries"`
	Runs           int64        `json:"runs" yaml:"runs"`
	Scopes         []ScopeStats `json:"scopes" yaml:"scopes"`
}

// ScopeStats holds per-scope counts.
type ScopeStats struct {
	Scope string `json:"scope" yaml:"scope"`
	Items int64  `json:"items" yaml:"items"`
	Bytes int64  `json:"bytes" yaml:"bytes"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	v, err := s.schemaVersion(ctx)
	if err != nil {
		return nil, backuperr.StoreIO("stats", err)
	}
	st.SchemaVersion = v

	if err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM items`).Scan(&st.Items, &st.TotalBytes); err != nil {
		return nil, backuperr.StoreIO("stats", err)
	}
	if err := s.db.GetContext(ctx, &st.HistoryEntries, `SELECT COUNT(*) FROM item_history`); err != nil {
		return nil, backuperr.StoreIO("stats", err)
	}
	if err := s.db.GetContext(ctx, &st.Runs, `SELECT COUNT(*) FROM runs`); err != nil {
		return nil, backuperr.StoreIO("stats", err)
	}

	err = s.db.SelectContext(ctx, &st.Scopes, `
		SELECT scope, COUNT(*) AS items, COALESCE(SUM(size), 0) AS bytes
		FROM items GROUP BY scope ORDER BY items DESC, scope`)
	if err != nil {
		return nil, backuperr.StoreIO("stats", err)
	}
	return st, nil
}
