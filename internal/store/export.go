package store

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

// Snapshot is the full content of a store as written by Export.
type Snapshot struct {
	ExportedAt    time.Time            `json:"exported_at"`
	SchemaVersion int                  `json:"schema_version"`
	Items         []model.ItemRecord   `json:"items"`
	History       []model.HistoryEntry `json:"history"`
	Runs          []model.RunRecord    `json:"runs"`
}

// Export writes every item record, history entry and run as one JSON document.
func (s *SQLiteStore) Export(ctx context.Context, w io.Writer) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func (s *SQLiteStore) snapshot(ctx context.Context) (*Snapshot, error) {
	v, err := s.schemaVersion(ctx)
	if err != nil {
		return nil, backuperr.StoreIO("export", err)
	}
	snap := &Snapshot{
		ExportedAt:    s.now(),
		SchemaVersion: v,
		Items:         []model.ItemRecord{},
		History:       []model.HistoryEntry{},
	}

	for rec, err := range s.ListByScope(ctx, "") {
		if err != nil {
			return nil, err
		}
		snap.Items = append(snap.Items, rec)
	}

	var rows []historyRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT id, scope, item_id, version, previous_checksum, previous_change_tag, previous_size, superseded_at
		FROM item_history ORDER BY scope, item_id, version`)
	if err != nil {
		return nil, backuperr.StoreIO("export", err)
	}
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, backuperr.StoreIO("export", err)
		}
		snap.History = append(snap.History, e)
	}

	snap.Runs, err = s.Runs(ctx, RunFilter{})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
