package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

type historyRow struct {
	ID                int64          `db:"id"`
	Scope             string         `db:"scope"`
	ItemID            string         `db:"item_id"`
	Version           int            `db:"version"`
	PreviousChecksum  string         `db:"previous_checksum"`
	PreviousChangeTag sql.NullString `db:"previous_change_tag"`
	PreviousSize      int64          `db:"previous_size"`
	SupersededAt      string         `db:"superseded_at"`
}

func (r historyRow) entry() (model.HistoryEntry, error) {
	at, err := parseTime(r.SupersededAt)
	if err != nil {
		return model.HistoryEntry{}, err
	}
	return model.HistoryEntry{
		ID:                r.ID,
		Key:               model.ItemKey{Scope: r.Scope, ID: r.ItemID},
		Version:           r.Version,
		PreviousChecksum:  r.PreviousChecksum,
		PreviousChangeTag: nullToTag(r.PreviousChangeTag),
		PreviousSize:      r.PreviousSize,
		SupersededAt:      at,
	}, nil
}

// History returns the superseded versions of key, newest first.
func (s *SQLiteStore) History(ctx context.Context, key model.ItemKey) ([]model.HistoryEntry, error) {
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, scope, item_id, version, previous_checksum, previous_change_tag, previous_size, superseded_at
		FROM item_history WHERE scope = ? AND item_id = ?
		ORDER BY version DESC, id DESC`, key.Scope, key.ID)
	if err != nil {
		return nil, backuperr.StoreIO("history", err).WithKey(key)
	}

	entries := make([]model.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, backuperr.StoreIO("history", err).WithKey(key)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PruneHistory deletes history entries superseded more than olderThan ago and
// returns how many were removed. Current item records are never touched.
func (s *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.writer.Lock()
	defer s.writer.Unlock()

	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `DELETE FROM item_history WHERE superseded_at < ?`, cutoff)
	if err != nil {
		return 0, backuperr.StoreIO("prune history", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, backuperr.StoreIO("prune history", err)
	}
	return n, nil
}

// CountHistoryOlderThan counts the entries PruneHistory would remove.
func (s *SQLiteStore) CountHistoryOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM item_history WHERE superseded_at < ?`, cutoff); err != nil {
		return 0, backuperr.StoreIO("count history", err)
	}
	return n, nil
}

// ChangeCounts returns the keys superseded most often since the given time,
// most changed first. limit <= 0 returns all keys.
func (s *SQLiteStore) ChangeCounts(ctx context.Context, since time.Time, limit int) ([]ChangeCount, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT scope, item_id, COUNT(*) AS changes
		FROM item_history WHERE superseded_at >= ?
		GROUP BY scope, item_id
		ORDER BY changes DESC, scope, item_id
		LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, backuperr.StoreIO("change counts", err)
	}
	defer rows.Close()

	var out []ChangeCount
	for rows.Next() {
		var cc ChangeCount
		if err := rows.Scan(&cc.Key.Scope, &cc.Key.ID, &cc.Changes); err != nil {
			return nil, backuperr.StoreIO("change counts", err)
		}
		out = append(out, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, backuperr.StoreIO("change counts", err)
	}
	return out, nil
}
