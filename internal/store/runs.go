package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

type runRow struct {
	RunID            string         `db:"run_id"`
	Scope            string         `db:"scope"`
	Mode             string         `db:"mode"`
	Status           string         `db:"status"`
	Error            sql.NullString `db:"error"`
	StartedAt        string         `db:"started_at"`
	EndedAt          string         `db:"ended_at"`
	ItemsScanned     int64          `db:"items_scanned"`
	ItemsNew         int64          `db:"items_new"`
	ItemsChanged     int64          `db:"items_changed"`
	ItemsUnchanged   int64          `db:"items_unchanged"`
	ItemsFailed      int64          `db:"items_failed"`
	BytesTransferred int64          `db:"bytes_transferred"`
	BytesSaved       int64          `db:"bytes_saved"`
}

const runColumns = `run_id, scope, mode, status, error, started_at, ended_at,
	items_scanned, items_new, items_changed, items_unchanged, items_failed,
	bytes_transferred, bytes_saved`

func toRunRow(r model.RunRecord) runRow {
	return runRow{
		RunID:            r.RunID,
		Scope:            r.Scope,
		Mode:             string(r.Mode),
		Status:           string(r.Status),
		Error:            sql.NullString{String: r.Error, Valid: r.Error != ""},
		StartedAt:        formatTime(r.StartedAt),
		EndedAt:          formatTime(r.EndedAt),
		ItemsScanned:     r.ItemsScanned,
		ItemsNew:         r.ItemsNew,
		ItemsChanged:     r.ItemsChanged,
		ItemsUnchanged:   r.ItemsUnchanged,
		ItemsFailed:      r.ItemsFailed,
		BytesTransferred: r.BytesTransferred,
		BytesSaved:       r.BytesSaved,
	}
}

func (r runRow) record() (model.RunRecord, error) {
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return model.RunRecord{}, err
	}
	ended, err := parseTime(r.EndedAt)
	if err != nil {
		return model.RunRecord{}, err
	}
	return model.RunRecord{
		RunID:            r.RunID,
		Scope:            r.Scope,
		Mode:             model.Mode(r.Mode),
		Status:           model.RunStatus(r.Status),
		Error:            r.Error.String,
		StartedAt:        started,
		EndedAt:          ended,
		ItemsScanned:     r.ItemsScanned,
		ItemsNew:         r.ItemsNew,
		ItemsChanged:     r.ItemsChanged,
		ItemsUnchanged:   r.ItemsUnchanged,
		ItemsFailed:      r.ItemsFailed,
		BytesTransferred: r.BytesTransferred,
		BytesSaved:       r.BytesSaved,
	}, nil
}

// AppendRun records a run. A second append with the same run ID is ignored,
// so an interrupted run may be finalized more than once.
func (s *SQLiteStore) AppendRun(ctx context.Context, run model.RunRecord) error {
	if run.RunID == "" {
		return backuperr.Validation("append run", errEmptyRunID)
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (:run_id, :scope, :mode, :status, :error, :started_at, :ended_at,
		        :items_scanned, :items_new, :items_changed, :items_unchanged, :items_failed,
		        :bytes_transferred, :bytes_saved)
		ON CONFLICT(run_id) DO NOTHING`, toRunRow(run))
	if err != nil {
		return backuperr.StoreIO("append run", err)
	}
	return nil
}

// Runs returns run records, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, run_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, backuperr.StoreIO("runs", err)
	}
	runs := make([]model.RunRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, backuperr.StoreIO("runs", err)
		}
		runs = append(runs, rec)
	}
	return runs, nil
}

// PruneRuns deletes run records that started more than olderThan ago.
func (s *SQLiteStore) PruneRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.writer.Lock()
	defer s.writer.Unlock()

	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, backuperr.StoreIO("prune runs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountRunsOlderThan counts the run records PruneRuns would remove.
func (s *SQLiteStore) CountRunsOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM runs WHERE started_at < ?`, cutoff); err != nil {
		return 0, backuperr.StoreIO("count runs", err)
	}
	return n, nil
}
