package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*SQLiteStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func record(scope, id, tag, sum string, size int64) model.ItemRecord {
	return model.ItemRecord{
		Key:          model.ItemKey{Scope: scope, ID: id},
		ChangeTag:    model.Tag(tag),
		Size:         size,
		Checksum:     sum,
		LastModified: epoch.Add(-time.Hour),
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	got, err := s.Get(ctx, model.ItemKey{Scope: "docs", ID: "a"})
	require.NoError(t, err)
	assert.Nil(t, got)

	rec, err := s.Put(ctx, record("docs", "a", "e1", "sum1", 10), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, epoch, rec.BackedUpAt)

	got, err = s.Get(ctx, rec.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *rec, *got)
}

func TestPutPreservesAbsentTag(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := record("mail", "m1", "", "sum", 5)
	_, err := s.Put(ctx, rec, nil)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.False(t, got.ChangeTag.Present())
}

func TestVersioningAppendsHistory(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	v1, err := s.Put(ctx, record("docs", "a", "e1", "sum1", 10), nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	v2, err := s.Put(ctx, record("docs", "a", "e2", "sum2", 12), v1)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	hist, err := s.History(ctx, v1.Key)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, "sum1", hist[0].PreviousChecksum)
	assert.Equal(t, model.Tag("e1"), hist[0].PreviousChangeTag)
	assert.Equal(t, int64(10), hist[0].PreviousSize)
	assert.Equal(t, epoch.Add(time.Hour), hist[0].SupersededAt)

	got, err := s.Get(ctx, v1.Key)
	require.NoError(t, err)
	assert.Equal(t, "sum2", got.Checksum)
}

func TestPutVersionConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v1, err := s.Put(ctx, record("docs", "a", "e1", "sum1", 10), nil)
	require.NoError(t, err)

	// a second insert for the same key
	_, err = s.Put(ctx, record("docs", "a", "e1", "sum1", 10), nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.Put(ctx, record("docs", "a", "e2", "sum2", 10), v1)
	require.NoError(t, err)

	// classified against a stale version
	_, err = s.Put(ctx, record("docs", "a", "e3", "sum3", 10), v1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	hist, err := s.History(ctx, v1.Key)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "failed put must not leave history behind")
}

func TestPutRejectsInvalidKey(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Put(context.Background(), record("", "a", "", "x", 1), nil)
	assert.True(t, backuperr.IsValidation(err))
}

func TestListByScopePrefix(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, r := range []model.ItemRecord{
		record("drive/alice", "b", "", "1", 1),
		record("drive/alice", "a", "", "2", 1),
		record("drive/bob", "c", "", "3", 1),
		record("mail/alice", "d", "", "4", 1),
	} {
		_, err := s.Put(ctx, r, nil)
		require.NoError(t, err)
	}

	var keys []string
	for rec, err := range s.ListByScope(ctx, "drive/") {
		require.NoError(t, err)
		keys = append(keys, rec.Key.String())
	}
	assert.Equal(t, []string{"drive/alice:a", "drive/alice:b", "drive/bob:c"}, keys)

	n := 0
	for range s.ListByScope(ctx, "") {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	scopes, err := s.Scopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"drive/alice", "drive/bob", "mail/alice"}, scopes)
}

func TestAppendRunIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	run := model.RunRecord{
		RunID:     "01HX",
		Scope:     "docs",
		Mode:      model.ModeIncremental,
		Status:    model.RunCompleted,
		StartedAt: epoch,
		EndedAt:   epoch.Add(time.Minute),
		ItemsNew:  3,
	}
	require.NoError(t, s.AppendRun(ctx, run))
	run.ItemsNew = 99
	require.NoError(t, s.AppendRun(ctx, run))

	runs, err := s.Runs(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(3), runs[0].ItemsNew)
	assert.Equal(t, time.Minute, runs[0].Duration())

	assert.True(t, backuperr.IsValidation(s.AppendRun(ctx, model.RunRecord{})))
}

func TestRunsFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i, id := range []string{"r1", "r2", "r3"} {
		start := epoch.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, s.AppendRun(ctx, model.RunRecord{
			RunID: id, Scope: "docs", Mode: model.ModeFull, Status: model.RunAborted,
			Error: "boom", StartedAt: start, EndedAt: start,
		}))
	}

	runs, err := s.Runs(ctx, RunFilter{Since: epoch.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, "boom", runs[0].Error)

	runs, err = s.Runs(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRetentionPrunesOnlyOldHistory(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	rec, err := s.Put(ctx, record("docs", "a", "e1", "s1", 1), nil)
	require.NoError(t, err)
	// one history entry 100 days old, one 10 days old
	rec, err = s.Put(ctx, record("docs", "a", "e2", "s2", 1), rec)
	require.NoError(t, err)
	clock.Advance(90 * 24 * time.Hour)
	rec, err = s.Put(ctx, record("docs", "a", "e3", "s3", 1), rec)
	require.NoError(t, err)
	clock.Advance(10 * 24 * time.Hour)

	n, err := s.CountHistoryOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.PruneHistory(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hist, err := s.History(ctx, rec.Key)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "s2", hist[0].PreviousChecksum)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "s3", got.Checksum)
}

func TestPruneRuns(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.AppendRun(ctx, model.RunRecord{RunID: "old", Scope: "x", Mode: model.ModeFull,
		Status: model.RunCompleted, StartedAt: epoch, EndedAt: epoch}))
	clock.Advance(60 * 24 * time.Hour)
	require.NoError(t, s.AppendRun(ctx, model.RunRecord{RunID: "new", Scope: "x", Mode: model.ModeFull,
		Status: model.RunCompleted, StartedAt: clock.Now(), EndedAt: clock.Now()}))

	n, err := s.CountRunsOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.PruneRuns(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.Runs(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].RunID)
}

func TestChangeCounts(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	a, _ := s.Put(ctx, record("docs", "a", "1", "1", 1), nil)
	b, _ := s.Put(ctx, record("docs", "b", "1", "1", 1), nil)
	clock.Advance(time.Hour)
	a, _ = s.Put(ctx, record("docs", "a", "2", "2", 1), a)
	_, _ = s.Put(ctx, record("docs", "a", "3", "3", 1), a)
	_, _ = s.Put(ctx, record("docs", "b", "2", "2", 1), b)

	counts, err := s.ChangeCounts(ctx, epoch, 0)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, ChangeCount{Key: a.Key, Changes: 2}, counts[0])

	counts, err = s.ChangeCounts(ctx, epoch, 1)
	require.NoError(t, err)
	assert.Len(t, counts, 1)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v1, _ := s.Put(ctx, record("docs", "a", "1", "1", 1), nil)
	_, err := s.Put(ctx, record("docs", "a", "2", "2", 1), v1)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, v1.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, v1.Key)
	require.NoError(t, err)
	assert.Nil(t, got)
	hist, err := s.History(ctx, v1.Key)
	require.NoError(t, err)
	assert.Empty(t, hist)

	ok, err = s.Delete(ctx, v1.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsAndExport(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, _ := s.Put(ctx, record("docs", "a", "1", "1", 100), nil)
	_, _ = s.Put(ctx, record("docs", "a", "2", "2", 150), a)
	_, _ = s.Put(ctx, record("mail", "m", "", "3", 50), nil)
	require.NoError(t, s.AppendRun(ctx, model.RunRecord{RunID: "r", Scope: "docs", Mode: model.ModeFull,
		Status: model.RunCompleted, StartedAt: epoch, EndedAt: epoch}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Items)
	assert.Equal(t, int64(200), st.TotalBytes)
	assert.Equal(t, int64(1), st.HistoryEntries)
	assert.Equal(t, int64(1), st.Runs)
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
	require.Len(t, st.Scopes, 2)

	var buf bytes.Buffer
	require.NoError(t, s.Export(ctx, &buf))
	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Len(t, snap.Items, 2)
	assert.Len(t, snap.History, 1)
	assert.Len(t, snap.Runs, 1)
	assert.False(t, snap.Items[1].ChangeTag.Present())
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "re.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), record("docs", "a", "1", "1", 1), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), model.ItemKey{Scope: "docs", ID: "a"})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSchemaTooNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewSQLiteStore(path)
	assert.True(t, errors.Is(err, ErrSchemaTooNew))
}

func TestMemoryStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Put(context.Background(), record("docs", "a", "1", "1", 1), nil)
	require.NoError(t, err)
}

func TestWriterLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	l1, err := AcquireWriterLock(path)
	require.NoError(t, err)

	_, err = AcquireWriterLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l1.Release())
	l2, err := AcquireWriterLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
