package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/logfields"
	"github.com/rcliao/delta-backup/internal/metrics"
	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/retry"
	"github.com/rcliao/delta-backup/internal/sink"
	"github.com/rcliao/delta-backup/internal/store"
)

// fetched is validated content waiting in the sink's staging area.
type fetched struct {
	staged   sink.Staged
	checksum string
	size     int64
}

// process fetches and commits one NEW or CHANGED item. Item-level failures
// are counted and swallowed; only run-fatal errors are returned.
func (o *Orchestrator) process(ctx context.Context, run *runState, log *slog.Logger, c model.Candidate, stored *model.ItemRecord, v model.Verdict) error {
	if ctx.Err() != nil {
		run.abandoned.Add(1)
		o.metrics.IncFetchResult(o.scope, metrics.FetchAbandoned)
		return nil
	}
	log = log.With(logfields.Item(c.Key.String()), logfields.Verdict(string(v)))

	started := o.clock.Now()
	f, err := o.fetchWithRetry(ctx, c, log)
	o.metrics.ObserveFetchDuration(o.scope, o.clock.Since(started))
	if err != nil {
		return o.itemFailed(ctx, run, log, err)
	}

	return o.commit(ctx, run, log, c, stored, v, f)
}

func (o *Orchestrator) itemFailed(ctx context.Context, run *runState, log *slog.Logger, err error) error {
	switch {
	case ctx.Err() != nil:
		run.abandoned.Add(1)
		o.metrics.IncFetchResult(o.scope, metrics.FetchAbandoned)
		return nil
	case backuperr.IsAuth(err), backuperr.IsStoreIO(err):
		return err
	case backuperr.IsGone(err):
		o.metrics.IncFetchResult(o.scope, metrics.FetchGone)
		log.Warn("item vanished since enumeration", logfields.Error(err))
	case backuperr.IsValidation(err):
		o.metrics.IncFetchResult(o.scope, metrics.FetchInvalid)
		log.Warn("content failed validation", logfields.Error(err))
	default:
		o.metrics.IncFetchResult(o.scope, metrics.FetchFailed)
		log.Warn("fetch failed", logfields.Error(err))
	}
	run.failed.Add(1)
	return nil
}

// fetchWithRetry retries transient and throttled failures within the
// policy's bound and spends at most one credential refresh.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, c model.Candidate, log *slog.Logger) (*fetched, error) {
	st := retry.State{CredentialGen: o.cred.generation()}
	for {
		f, err := o.fetchOnce(ctx, c)
		if err == nil {
			return f, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case backuperr.IsAuth(err):
			st, err = o.recoverAuth(ctx, "fetch", st, err, log)
			if err != nil {
				return nil, err
			}
		case retryable(err):
			if o.policy.Exhausted(st) {
				return nil, fmt.Errorf("giving up after %d retries: %w", st.Attempt, err)
			}
			st = st.Next()
			delay := o.policy.Backoff(st.Attempt, backuperr.RetryAfter(err))
			o.metrics.IncRetry(o.scope, "fetch", kindLabel(err))
			log.Debug("retrying fetch", logfields.Attempt(st.Attempt), logfields.Delay(delay.String()), logfields.Error(err))
			if err := retry.Wait(ctx, o.clock, delay); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// fetchOnce streams the item's content through a SHA-256 hasher into a
// staged sink write and validates it. On error nothing stays staged.
func (o *Orchestrator) fetchOnce(ctx context.Context, c model.Candidate) (*fetched, error) {
	rc, err := o.src.FetchContent(ctx, c.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	staged, err := o.sink.Stage(ctx, c.Key)
	if err != nil {
		if backuperr.KindOf(err) != "" || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, backuperr.StoreIO("stage content", err).WithKey(c.Key)
	}

	sw := &sinkWriter{w: staged}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(sw, h), rc)
	if err != nil {
		_ = staged.Abort()
		if sw.err != nil {
			return nil, backuperr.StoreIO("write content", sw.err).WithKey(c.Key)
		}
		if backuperr.KindOf(err) != "" {
			return nil, err
		}
		return nil, backuperr.Transient("read content", err).WithKey(c.Key)
	}

	if err := o.check(c, n); err != nil {
		_ = staged.Abort()
		return nil, backuperr.Validation("validate", err).WithKey(c.Key)
	}
	return &fetched{staged: staged, checksum: hex.EncodeToString(h.Sum(nil)), size: n}, nil
}

// check validates fetched content against the candidate's metadata. Empty
// content is only accepted for items reported as empty.
func (o *Orchestrator) check(c model.Candidate, n int64) error {
	if n == 0 && c.Size != 0 {
		return fmt.Errorf("empty content, expected %d bytes", c.Size)
	}
	if o.validate.RequireSizeMatch && n != c.Size {
		return fmt.Errorf("fetched %d bytes, listing reported %d", n, c.Size)
	}
	return nil
}

// commit publishes staged content and records it. Commits are serialized.
// Once the content is published the record is written even if the run is
// being cancelled, so the two never diverge because of cancellation.
func (o *Orchestrator) commit(ctx context.Context, run *runState, log *slog.Logger, c model.Candidate, stored *model.ItemRecord, v model.Verdict, f *fetched) error {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	if ctx.Err() != nil {
		_ = f.staged.Abort()
		run.abandoned.Add(1)
		o.metrics.IncFetchResult(o.scope, metrics.FetchAbandoned)
		return nil
	}
	if err := f.staged.Commit(); err != nil {
		return backuperr.StoreIO("commit content", err).WithKey(c.Key)
	}

	rec := model.ItemRecord{
		Key:          c.Key,
		ChangeTag:    c.Tag,
		Size:         c.Size,
		Checksum:     f.checksum,
		LastModified: c.LastModified.UTC(),
		BackedUpAt:   o.clock.Now().UTC(),
		Path:         c.Path,
	}
	committed, err := o.store.Put(context.WithoutCancel(ctx), rec, stored)
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		run.failed.Add(1)
		o.metrics.IncFetchResult(o.scope, metrics.FetchFailed)
		log.Warn("record changed during run, skipping", logfields.Error(err))
		return nil
	case backuperr.IsValidation(err):
		run.failed.Add(1)
		o.metrics.IncFetchResult(o.scope, metrics.FetchInvalid)
		log.Warn("record rejected", logfields.Error(err))
		return nil
	case err != nil:
		return err
	}

	if v == model.VerdictNew {
		run.created.Add(1)
	} else {
		run.changed.Add(1)
	}
	run.transferred.Add(f.size)
	o.metrics.IncFetchResult(o.scope, metrics.FetchCommitted)
	log.Debug("committed", "version", committed.Version, logfields.Size(humanize.Bytes(uint64(f.size))))
	return nil
}

// sinkWriter remembers the sink's own write error so it can be told apart
// from a failing source read.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
