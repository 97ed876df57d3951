package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

const (
	driverName = "sqlite"
	memoryPath = ":memory:"

	// timeLayout is fixed width so stored UTC timestamps order lexicographically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// SQLiteStore implements Store and Reader using SQLite.
type SQLiteStore struct {
	db     *sqlx.DB
	path   string
	clock  clockwork.Clock
	writer sync.Mutex
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used for backedUpAt, supersededAt and retention cutoffs.
func WithClock(c clockwork.Clock) Option {
	return func(s *SQLiteStore) { s.clock = c }
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// migrates it to the current schema. dbPath may be ":memory:".
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dsn := memoryPath
	if dbPath != memoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == memoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:    db,
		path:  dbPath,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time { return s.clock.Now().UTC() }

// itemRow is the items table as scanned by sqlx.
type itemRow struct {
	Scope        string         `db:"scope"`
	ItemID       string         `db:"item_id"`
	ChangeTag    sql.NullString `db:"change_tag"`
	Size         int64          `db:"size"`
	Checksum     string         `db:"checksum"`
	LastModified string         `db:"last_modified"`
	BackedUpAt   string         `db:"backed_up_at"`
	Version      int            `db:"version"`
	Path         string         `db:"path"`
}

const itemColumns = `scope, item_id, change_tag, size, checksum, last_modified, backed_up_at, version, path`

func toItemRow(r model.ItemRecord) itemRow {
	return itemRow{
		Scope:        r.Key.Scope,
		ItemID:       r.Key.ID,
		ChangeTag:    tagToNull(r.ChangeTag),
		Size:         r.Size,
		Checksum:     r.Checksum,
		LastModified: formatTime(r.LastModified),
		BackedUpAt:   formatTime(r.BackedUpAt),
		Version:      r.Version,
		Path:         r.Path,
	}
}

func (r itemRow) record() (model.ItemRecord, error) {
	lm, err := parseTime(r.LastModified)
	if err != nil {
		return model.ItemRecord{}, fmt.Errorf("last_modified of %s:%s: %w", r.Scope, r.ItemID, err)
	}
	bu, err := parseTime(r.BackedUpAt)
	if err != nil {
		return model.ItemRecord{}, fmt.Errorf("backed_up_at of %s:%s: %w", r.Scope, r.ItemID, err)
	}
	return model.ItemRecord{
		Key:          model.ItemKey{Scope: r.Scope, ID: r.ItemID},
		ChangeTag:    nullToTag(r.ChangeTag),
		Size:         r.Size,
		Checksum:     r.Checksum,
		LastModified: lm,
		BackedUpAt:   bu,
		Version:      r.Version,
		Path:         r.Path,
	}, nil
}

// Get returns the current record for key, or nil when none exists.
func (s *SQLiteStore) Get(ctx context.Context, key model.ItemKey) (*model.ItemRecord, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+itemColumns+` FROM items WHERE scope = ? AND item_id = ?`, key.Scope, key.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backuperr.StoreIO("get", err).WithKey(key)
	}
	rec, err := row.record()
	if err != nil {
		return nil, backuperr.StoreIO("get", err).WithKey(key)
	}
	return &rec, nil
}

// Put commits rec, superseding prev when given. The history row is copied
// from the stored record inside the transaction so it always reflects what
// was actually replaced. A stored version that differs from prev.Version,
// or an existing record when prev is nil, yields ErrVersionConflict.
func (s *SQLiteStore) Put(ctx context.Context, rec model.ItemRecord, prev *model.ItemRecord) (*model.ItemRecord, error) {
	if err := rec.Key.Validate(); err != nil {
		return nil, backuperr.Validation("put", err)
	}
	if prev != nil && prev.Key != rec.Key {
		return nil, backuperr.Validation("put", fmt.Errorf("previous record %s does not match %s", prev.Key, rec.Key))
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	now := s.now()
	if rec.BackedUpAt.IsZero() {
		rec.BackedUpAt = now
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, backuperr.StoreIO("put", err).WithKey(rec.Key)
	}
	defer tx.Rollback()

	if prev == nil {
		rec.Version = 1
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO items (`+itemColumns+`)
			VALUES (:scope, :item_id, :change_tag, :size, :checksum, :last_modified, :backed_up_at, :version, :path)
			ON CONFLICT(scope, item_id) DO NOTHING`, toItemRow(rec))
		if err != nil {
			return nil, backuperr.StoreIO("put", err).WithKey(rec.Key)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("put %s: %w: record already exists", rec.Key, ErrVersionConflict)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO item_history (scope, item_id, version, previous_checksum, previous_change_tag, previous_size, superseded_at)
			SELECT scope, item_id, version, checksum, change_tag, size, ?
			FROM items WHERE scope = ? AND item_id = ? AND version = ?`,
			formatTime(now), rec.Key.Scope, rec.Key.ID, prev.Version)
		if err != nil {
			return nil, backuperr.StoreIO("put", err).WithKey(rec.Key)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("put %s: %w: expected version %d", rec.Key, ErrVersionConflict, prev.Version)
		}

		rec.Version = prev.Version + 1
		row := toItemRow(rec)
		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET change_tag = ?, size = ?, checksum = ?, last_modified = ?,
			       backed_up_at = ?, version = ?, path = ?
			WHERE scope = ? AND item_id = ?`,
			row.ChangeTag, row.Size, row.Checksum, row.LastModified,
			row.BackedUpAt, row.Version, row.Path, row.Scope, row.ItemID); err != nil {
			return nil, backuperr.StoreIO("put", err).WithKey(rec.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, backuperr.StoreIO("put", err).WithKey(rec.Key)
	}
	return &rec, nil
}

// ListByScope lazily yields current records whose scope starts with prefix,
// ordered by scope then item ID. An empty prefix lists everything.
func (s *SQLiteStore) ListByScope(ctx context.Context, prefix string) iter.Seq2[model.ItemRecord, error] {
	return func(yield func(model.ItemRecord, error) bool) {
		rows, err := s.db.QueryxContext(ctx, `
			SELECT `+itemColumns+` FROM items
			WHERE substr(scope, 1, length(?)) = ?
			ORDER BY scope, item_id`, prefix, prefix)
		if err != nil {
			yield(model.ItemRecord{}, backuperr.StoreIO("list", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row itemRow
			if err := rows.StructScan(&row); err != nil {
				yield(model.ItemRecord{}, backuperr.StoreIO("list", err))
				return
			}
			rec, err := row.record()
			if err != nil {
				yield(model.ItemRecord{}, backuperr.StoreIO("list", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.ItemRecord{}, backuperr.StoreIO("list", err))
		}
	}
}

// Scopes returns the distinct scopes that have at least one record.
func (s *SQLiteStore) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string
	if err := s.db.SelectContext(ctx, &scopes, `SELECT DISTINCT scope FROM items ORDER BY scope`); err != nil {
		return nil, backuperr.StoreIO("scopes", err)
	}
	return scopes, nil
}

// Delete removes the current record for key and its history. It reports
// whether a record existed.
func (s *SQLiteStore) Delete(ctx context.Context, key model.ItemKey) (bool, error) {
	s.writer.Lock()
	defer s.writer.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, backuperr.StoreIO("delete", err).WithKey(key)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM item_history WHERE scope = ? AND item_id = ?`, key.Scope, key.ID); err != nil {
		return false, backuperr.StoreIO("delete", err).WithKey(key)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM items WHERE scope = ? AND item_id = ?`, key.Scope, key.ID)
	if err != nil {
		return false, backuperr.StoreIO("delete", err).WithKey(key)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, backuperr.StoreIO("delete", err).WithKey(key)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate hand-edited or imported RFC 3339 values
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}

func tagToNull(t model.ChangeTag) sql.NullString {
	v, ok := t.Value()
	return sql.NullString{String: v, Valid: ok}
}

func nullToTag(ns sql.NullString) model.ChangeTag {
	if !ns.Valid {
		return model.NoTag()
	}
	return model.Tag(ns.String)
}
