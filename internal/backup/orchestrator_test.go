package backup

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/config"
	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/sink"
	"github.com/rcliao/delta-backup/internal/source/dirsource"
	"github.com/rcliao/delta-backup/internal/store"
)

const scope = "docs"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DataDir = "unused"
	cfg.Workers = 4
	cfg.Retry = config.RetryConfig{
		Backoff:    config.RetryBackoffExponential,
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		MaxRetries: 3,
		Jitter:     true,
	}
	cfg.Validation.RequireSizeMatch = true
	return cfg
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrchestrator(t *testing.T, cfg config.Config, st store.Store, src *fakeSource, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, scope, st, src, opts...)
	require.NoError(t, err)
	return o
}

func key(id string) model.ItemKey { return model.ItemKey{Scope: scope, ID: id} }

func records(t *testing.T, st *store.SQLiteStore) []model.ItemRecord {
	t.Helper()
	var out []model.ItemRecord
	for rec, err := range st.ListByScope(context.Background(), scope) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestScenarios(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("doc1", "T1", "first version")
	o := newOrchestrator(t, testConfig(), st, src)

	// A: first sighting is new, fetched once, stored at version 1
	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsNew)
	assert.Equal(t, 1, src.fetchCount("doc1"))
	rec, err := st.Get(ctx, key("doc1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, model.Tag("T1"), rec.ChangeTag)
	assert.Len(t, rec.Checksum, 64)
	checksum1 := rec.Checksum

	// B: same tag is unchanged, nothing fetched, bytes saved
	run, err = o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsUnchanged)
	assert.Equal(t, int64(0), run.ItemsNew+run.ItemsChanged)
	assert.Equal(t, int64(len("first version")), run.BytesSaved)
	assert.Equal(t, 1, src.fetchCount("doc1"))

	// C: new tag is changed, old values move to history
	src.set("doc1", "T2", "second version!")
	run, err = o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsChanged)
	assert.Equal(t, int64(len("second version!")), run.BytesTransferred)
	rec, err = st.Get(ctx, key("doc1"))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	hist, err := st.History(ctx, key("doc1"))
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.Tag("T1"), hist[0].PreviousChangeTag)
	assert.Equal(t, checksum1, hist[0].PreviousChecksum)

	// D: validation failure leaves version 2 in place
	src.set("doc1", "T3", "third version")
	src.truncate["doc1"] = true
	run, err = o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsFailed)
	assert.Equal(t, model.RunCompleted, run.Status)
	rec, err = st.Get(ctx, key("doc1"))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, model.Tag("T2"), rec.ChangeTag)

	// run 5 retries the item without intervention
	delete(src.truncate, "doc1")
	run, err = o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsChanged)
	rec, err = st.Get(ctx, key("doc1"))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)

	runs, err := st.Runs(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestIdempotentIncrementalRuns(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		tag := ""
		if i%2 == 0 {
			tag = "tag-" + id
		}
		src.set(id, tag, strings.Repeat(id, i+1))
	}
	o := newOrchestrator(t, testConfig(), st, src)

	first, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(7), first.ItemsNew)
	before := records(t, st)

	second, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.ItemsNew)
	assert.Equal(t, int64(0), second.ItemsChanged)
	assert.Equal(t, int64(7), second.ItemsUnchanged)
	assert.Equal(t, before, records(t, st))
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestFullModeRefetchesEverything(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "t", "aaa")
	src.set("b", "", "bbb")
	o := newOrchestrator(t, testConfig(), st, src)

	_, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	run, err := o.Run(ctx, model.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ItemsChanged)
	assert.Equal(t, 4, src.totalFetches())

	for _, rec := range records(t, st) {
		assert.Equal(t, 2, rec.Version)
	}
}

func TestFailedFetchLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("ok", "", "fine")
	src.set("bad", "", "broken")
	transient := backuperr.Transient("fetch", errors.New("connection reset"))
	src.fetchErrs["bad"] = []error{transient, transient, transient, transient}
	o := newOrchestrator(t, testConfig(), st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsNew)
	assert.Equal(t, int64(1), run.ItemsFailed)
	assert.Equal(t, 4, src.fetchCount("bad"), "one attempt plus three retries")

	rec, err := st.Get(ctx, key("bad"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	hist, err := st.History(ctx, key("bad"))
	require.NoError(t, err)
	assert.Empty(t, hist)

	// the item is a candidate again on the next run
	run, err = o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsNew)
	assert.Equal(t, int64(1), run.ItemsUnchanged)
}

func TestThrottledFetchIsRetried(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "", "content")
	throttled := backuperr.Throttled("fetch", 2*time.Millisecond, errors.New("429"))
	src.fetchErrs["a"] = []error{throttled, throttled}
	o := newOrchestrator(t, testConfig(), st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ItemsNew)
	assert.Equal(t, 3, src.fetchCount("a"))
}

func TestItemLocalErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("gone", "", "x")
	src.set("bad", "", "y")
	src.fetchErrs["gone"] = []error{backuperr.Gone("fetch", errors.New("404"))}
	src.fetchErrs["bad"] = []error{backuperr.Validation("fetch", errors.New("malformed"))}
	o := newOrchestrator(t, testConfig(), st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ItemsFailed)
	assert.Equal(t, 1, src.fetchCount("gone"))
	assert.Equal(t, 1, src.fetchCount("bad"))
	assert.Empty(t, records(t, st))
}

func TestCredentialRefreshIsSharedAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		src.set(id, "", "content-"+id)
	}
	src.authExpired = true
	o := newOrchestrator(t, testConfig(), st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(8), run.ItemsNew)
	assert.Equal(t, 1, src.refreshes)
}

func TestPersistentAuthFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "", "content")
	src.authBroken = true
	cfg := testConfig()
	cfg.Workers = 1
	o := newOrchestrator(t, cfg, st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.Error(t, err)
	assert.True(t, backuperr.IsAuth(err))
	assert.Equal(t, model.RunAborted, run.Status)
	assert.Equal(t, 2, src.fetchCount("a"), "one refresh, one retry")

	runs, err := st.Runs(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunAborted, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRefreshFailureAbortsRun(t *testing.T) {
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "", "content")
	src.authExpired = true
	src.refreshErr = errors.New("consent revoked")
	o := newOrchestrator(t, testConfig(), st, src)

	_, err := o.Run(context.Background(), model.ModeIncremental)
	require.Error(t, err)
	assert.True(t, backuperr.IsAuth(err))
	assert.Equal(t, 1, src.refreshes)
}

func TestEnumerationRestartsAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	for _, id := range []string{"a", "b", "c", "d"} {
		src.set(id, "", id+id)
	}
	src.listErrs = []error{errors.New("page fetch timed out")}
	src.listErrAfter = 2
	o := newOrchestrator(t, testConfig(), st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, 2, src.listCalls)
	assert.Equal(t, int64(4), run.ItemsScanned)
	assert.Equal(t, int64(4), run.ItemsNew)
	assert.Equal(t, 4, src.totalFetches())
}

func TestEnumerationGivesUp(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "", "aa")
	src.set("b", "", "bb")
	fail := backuperr.Transient("list", errors.New("503"))
	src.listErrs = []error{fail, fail, fail, fail, fail}
	src.listErrAfter = 1
	cfg := testConfig()
	cfg.Workers = 1
	o := newOrchestrator(t, cfg, st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.Error(t, err)
	assert.True(t, backuperr.IsTransient(err))
	assert.Equal(t, model.RunAborted, run.Status)
	assert.Equal(t, 4, src.listCalls)

	// what was committed before the abort stays
	rec, err := st.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestDuplicateCandidatesProcessedOnce(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "t1", "aa")
	src.set("b", "t1", "bb")
	// second listing pass repeats a and b after a failure at the end
	src.listErrs = []error{errors.New("flaky")}
	src.listErrAfter = 2
	o := newOrchestrator(t, testConfig(), st, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ItemsScanned)
	assert.Equal(t, 1, src.fetchCount("a"))
	assert.Equal(t, 1, src.fetchCount("b"))
}

// failingStore fails every Put with a store I/O error.
type failingStore struct {
	*store.SQLiteStore
	puts atomic.Int32
}

func (f *failingStore) Put(context.Context, model.ItemRecord, *model.ItemRecord) (*model.ItemRecord, error) {
	f.puts.Add(1)
	return nil, backuperr.StoreIO("put", errors.New("disk I/O error"))
}

func TestStoreFailureAbortsImmediately(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{SQLiteStore: newStore(t)}
	src := newFakeSource(scope)
	for _, id := range []string{"a", "b", "c"} {
		src.set(id, "", id)
	}
	cfg := testConfig()
	cfg.Workers = 1
	o := newOrchestrator(t, cfg, fs, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.Error(t, err)
	assert.True(t, backuperr.IsStoreIO(err))
	assert.Equal(t, model.RunAborted, run.Status)
	assert.Equal(t, int32(1), fs.puts.Load())
}

// brokenReadStore fails Get for one key with a store I/O error and counts
// the Puts attempted after that failure.
type brokenReadStore struct {
	*store.SQLiteStore
	failID    string
	failed    atomic.Bool
	opened    chan struct{}
	putsAfter atomic.Int32
}

func (s *brokenReadStore) Get(ctx context.Context, key model.ItemKey) (*model.ItemRecord, error) {
	if key.ID == s.failID {
		if !s.failed.Swap(true) {
			close(s.opened)
		}
		return nil, backuperr.StoreIO("get", errors.New("disk I/O error")).WithKey(key)
	}
	return s.SQLiteStore.Get(ctx, key)
}

func (s *brokenReadStore) Put(ctx context.Context, rec model.ItemRecord, prev *model.ItemRecord) (*model.ItemRecord, error) {
	if s.failed.Load() {
		s.putsAfter.Add(1)
	}
	return s.SQLiteStore.Put(ctx, rec, prev)
}

func TestStoreReadFailureStopsInFlightCommits(t *testing.T) {
	ctx := context.Background()
	bs := &brokenReadStore{SQLiteStore: newStore(t), failID: "c", opened: make(chan struct{})}
	src := newFakeSource(scope)
	for _, id := range []string{"a", "b", "c"} {
		src.set(id, "", id)
	}
	// a and b are dispatched before c is classified; their fetches only
	// complete after the store has failed
	src.hold = bs.opened
	o := newOrchestrator(t, testConfig(), bs, src)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.Error(t, err)
	assert.True(t, backuperr.IsStoreIO(err))
	assert.Equal(t, model.RunAborted, run.Status)
	assert.Zero(t, bs.putsAfter.Load())
	assert.Zero(t, run.ItemsNew)
	assert.Zero(t, run.ItemsFailed)
	assert.Empty(t, records(t, bs.SQLiteStore))
}

func TestCancellationAbandonsInFlight(t *testing.T) {
	st := newStore(t)
	src := newFakeSource(scope)
	src.set("a", "", "aa")
	src.set("b", "", "bb")
	src.block = true
	o := newOrchestrator(t, testConfig(), st, src)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-src.blocked
		cancel()
	}()

	run, err := o.Run(ctx, model.ModeIncremental)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunAborted, run.Status)
	assert.Equal(t, int64(0), run.ItemsFailed)
	assert.Empty(t, records(t, st))

	runs, err := st.Runs(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunAborted, runs[0].Status)
}

func TestMirrorsDirectoryTree(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("alpha"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/src/sub/b.txt", []byte("beta"), 0o644))

	st := newStore(t)
	o, err := New(testConfig(), "files", st, dirsource.New(fsys, "/src"),
		WithSink(sink.NewMirror(fsys, "/mirror")))
	require.NoError(t, err)

	run, err := o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ItemsNew)
	assert.Equal(t, int64(9), run.BytesTransferred)

	b, err := afero.ReadFile(fsys, "/mirror/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(b))

	run, err = o.Run(ctx, model.ModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.ItemsUnchanged)
	assert.Equal(t, int64(9), run.BytesSaved)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(testConfig(), "", newStore(t), newFakeSource(scope))
	assert.Error(t, err)

	_, err = New(testConfig(), scope, nil, newFakeSource(scope))
	assert.Error(t, err)

	// zero retry settings fall back to defaults
	cfg := testConfig()
	cfg.Retry = config.RetryConfig{}
	o, err := New(cfg, scope, newStore(t), newFakeSource(scope))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, o.policy.Initial)
}
