// Package store provides the backup state store interface and SQLite implementation.
package store

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/rcliao/delta-backup/internal/model"
)

var (
	// ErrVersionConflict is returned by Put when the stored record no longer
	// matches the previous record the caller classified against.
	ErrVersionConflict = errors.New("item record version conflict")

	// ErrSchemaTooNew is returned when the store file was written by a newer binary.
	ErrSchemaTooNew = errors.New("store schema is newer than this binary supports")

	// ErrLocked is returned when another process holds the writer lock.
	ErrLocked = errors.New("store is locked by another writer")

	errEmptyRunID = errors.New("run id is required")
)

// RunFilter selects run records.
type RunFilter struct {
	Since time.Time // zero means no lower bound
	Limit int       // 0 means no limit
}

// ChangeCount is the number of superseded versions of one key in a window.
type ChangeCount struct {
	Key     model.ItemKey `json:"key" yaml:"key"`
	Changes int           `json:"changes" yaml:"changes"`
}

// Store defines the backup state storage interface. Exactly one writer may
// mutate a store at a time; readers may run concurrently.
type Store interface {
	// Get returns the current record for key, or nil when none exists.
	Get(ctx context.Context, key model.ItemKey) (*model.ItemRecord, error)

	// Put commits rec. When prev is non-nil the stored values of prev are
	// appended to history and the record is replaced, in one transaction.
	// The store assigns Version; the committed record is returned.
	Put(ctx context.Context, rec model.ItemRecord, prev *model.ItemRecord) (*model.ItemRecord, error)

	// ListByScope lazily yields current records whose scope starts with prefix.
	ListByScope(ctx context.Context, prefix string) iter.Seq2[model.ItemRecord, error]

	// AppendRun records a run. Appending the same run ID twice is a no-op.
	AppendRun(ctx context.Context, run model.RunRecord) error

	// PruneHistory deletes history entries superseded more than olderThan ago.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)

	// Close closes the store.
	Close() error
}

// Reader is the read side used by reporting and repair tooling.
type Reader interface {
	Get(ctx context.Context, key model.ItemKey) (*model.ItemRecord, error)
	ListByScope(ctx context.Context, prefix string) iter.Seq2[model.ItemRecord, error]
	History(ctx context.Context, key model.ItemKey) ([]model.HistoryEntry, error)
	Runs(ctx context.Context, f RunFilter) ([]model.RunRecord, error)
	ChangeCounts(ctx context.Context, since time.Time, limit int) ([]ChangeCount, error)
	CountHistoryOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	Export(ctx context.Context, w io.Writer) error
}
