// Package backup runs incremental backups of one scope: enumerate remote
// candidates, classify them against stored state, fetch what changed and
// commit it.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/delta-backup/internal/config"
	"github.com/rcliao/delta-backup/internal/detect"
	"github.com/rcliao/delta-backup/internal/logfields"
	"github.com/rcliao/delta-backup/internal/metrics"
	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/retry"
	"github.com/rcliao/delta-backup/internal/sink"
	"github.com/rcliao/delta-backup/internal/source"
	"github.com/rcliao/delta-backup/internal/store"
)

// finalizeTimeout bounds recording the run after cancellation.
const finalizeTimeout = 10 * time.Second

// Orchestrator executes backup runs for a single scope.
type Orchestrator struct {
	scope    string
	store    store.Store
	src      source.RemoteSource
	sink     sink.Sink
	detector *detect.Detector[model.Candidate]
	policy   retry.Policy
	workers  int
	validate config.ValidationConfig

	log     *slog.Logger
	metrics metrics.Recorder
	clock   clockwork.Clock

	cred     credentials
	commitMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger; runs are silent without one.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithClock sets the clock used for timestamps and backoff waits.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSink sets where fetched content goes. The default discards content
// after hashing and validating it.
func WithSink(s sink.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithDetector replaces the change detector.
func WithDetector(d *detect.Detector[model.Candidate]) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// New returns an orchestrator for scope. Worker count, retry policy and
// validation settings are taken from cfg.
func New(cfg config.Config, scope string, st store.Store, src source.RemoteSource, opts ...Option) (*Orchestrator, error) {
	if scope == "" {
		return nil, errors.New("backup: scope is required")
	}
	if st == nil || src == nil {
		return nil, errors.New("backup: store and source are required")
	}
	policy := retry.FromConfig(cfg.Retry)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("backup: retry policy: %w", err)
	}

	o := &Orchestrator{
		scope:    scope,
		store:    st,
		src:      src,
		sink:     sink.Discard{},
		detector: detect.NewCandidateDetector(),
		policy:   policy,
		workers:  cfg.Workers,
		validate: cfg.Validation,
		log:      slog.New(slog.DiscardHandler),
		metrics:  metrics.NoopRecorder{},
		clock:    clockwork.NewRealClock(),
	}
	if o.workers < 1 {
		o.workers = config.DefaultWorkers
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// runState accumulates the counters of one run. Enumeration owns seen;
// the counters are shared with fetch workers.
type runState struct {
	id    string
	mode  model.Mode
	start time.Time
	seen  map[string]struct{}

	scanned     atomic.Int64
	created     atomic.Int64
	changed     atomic.Int64
	unchanged   atomic.Int64
	failed      atomic.Int64
	abandoned   atomic.Int64
	transferred atomic.Int64
	saved       atomic.Int64
}

func (r *runState) record(scope string, end time.Time, runErr error) model.RunRecord {
	rec := model.RunRecord{
		RunID:            r.id,
		Scope:            scope,
		Mode:             r.mode,
		Status:           model.RunCompleted,
		StartedAt:        r.start,
		EndedAt:          end,
		ItemsScanned:     r.scanned.Load(),
		ItemsNew:         r.created.Load(),
		ItemsChanged:     r.changed.Load(),
		ItemsUnchanged:   r.unchanged.Load(),
		ItemsFailed:      r.failed.Load(),
		BytesTransferred: r.transferred.Load(),
		BytesSaved:       r.saved.Load(),
	}
	if runErr != nil {
		rec.Status = model.RunAborted
		rec.Error = runErr.Error()
	}
	return rec
}

// Run performs one backup of the scope. The returned record is always
// populated; a non-nil error means the run was aborted. Everything committed
// before the abort stays valid.
func (o *Orchestrator) Run(ctx context.Context, mode model.Mode) (model.RunRecord, error) {
	start := o.clock.Now().UTC()
	run := &runState{
		id:    ulid.MustNew(ulid.Timestamp(start), ulid.DefaultEntropy()).String(),
		mode:  mode,
		start: start,
		seen:  make(map[string]struct{}),
	}
	log := o.log.With(logfields.RunID(run.id), logfields.Scope(o.scope), logfields.Mode(string(mode)))
	log.Info("backup started", "workers", o.workers)
	o.metrics.SetWorkers(o.scope, o.workers)

	runErr := o.execute(ctx, run, log)
	return o.finish(ctx, run, runErr, log)
}

func (o *Orchestrator) execute(ctx context.Context, run *runState, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	// workers stop committing once enumeration hits a run-fatal error
	wctx, cancel := context.WithCancelCause(gctx)
	defer cancel(nil)

	log.Debug("phase", logfields.Phase("enumerating"))
	enumErr := o.enumerate(gctx, run, log, func(c model.Candidate, stored *model.ItemRecord, v model.Verdict) {
		g.Go(func() error {
			return o.process(wctx, run, log, c, stored, v)
		})
	})
	if fatal(enumErr) {
		cancel(enumErr)
	}
	waitErr := g.Wait()

	switch {
	case waitErr != nil:
		return waitErr
	case enumErr != nil:
		return enumErr
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *runState, runErr error, log *slog.Logger) (model.RunRecord, error) {
	rec := run.record(o.scope, o.clock.Now().UTC(), runErr)

	// the run is recorded even when ctx is already cancelled
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := o.store.AppendRun(fctx, rec); err != nil {
		log.Error("failed to record run", logfields.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("record run: %w", err)
		}
	}

	o.metrics.AddBytes(o.scope, rec.BytesTransferred, rec.BytesSaved)
	o.metrics.ObserveRun(o.scope, string(rec.Mode), string(rec.Status), rec.Duration())

	attrs := []any{
		logfields.Status(string(rec.Status)),
		"scanned", rec.ItemsScanned,
		"new", rec.ItemsNew,
		"changed", rec.ItemsChanged,
		"unchanged", rec.ItemsUnchanged,
		"failed", rec.ItemsFailed,
		"transferred", humanize.Bytes(uint64(rec.BytesTransferred)),
		"saved", humanize.Bytes(uint64(rec.BytesSaved)),
		logfields.DurationMS(rec.Duration().Milliseconds()),
	}
	if n := run.abandoned.Load(); n > 0 {
		attrs = append(attrs, "abandoned", n)
	}
	if runErr != nil {
		log.Error("backup aborted", append(attrs, logfields.Error(runErr))...)
		return rec, fmt.Errorf("backup %s: %w", o.scope, runErr)
	}
	if rec.ItemsFailed > 0 {
		log.Warn("backup completed with failures; failed items are retried next run", attrs...)
	} else {
		log.Info("backup completed", attrs...)
	}
	return rec, nil
}
