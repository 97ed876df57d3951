package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/logfields"
	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/retry"
)

type dispatchFunc func(c model.Candidate, stored *model.ItemRecord, v model.Verdict)

// enumerate lists the scope and classifies every candidate. A listing that
// fails with a retryable error is restarted from the beginning after a
// backoff; keys handled by an earlier pass are skipped.
func (o *Orchestrator) enumerate(ctx context.Context, run *runState, log *slog.Logger, dispatch dispatchFunc) error {
	st := retry.State{CredentialGen: o.cred.generation()}
	for {
		err := o.enumerateOnce(ctx, run, log, dispatch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case backuperr.IsStoreIO(err):
			return err
		case backuperr.IsAuth(err):
			st, err = o.recoverAuth(ctx, "list", st, err, log)
			if err != nil {
				return err
			}
		case retryable(err):
			if o.policy.Exhausted(st) {
				return fmt.Errorf("enumerate: giving up after %d retries: %w", st.Attempt, err)
			}
			st = st.Next()
			delay := o.policy.Backoff(st.Attempt, backuperr.RetryAfter(err))
			o.metrics.IncRetry(o.scope, "list", kindLabel(err))
			log.Warn("enumeration failed, restarting",
				logfields.Attempt(st.Attempt), logfields.Delay(delay.String()), logfields.Error(err))
			if err := retry.Wait(ctx, o.clock, delay); err != nil {
				return err
			}
		default:
			return fmt.Errorf("enumerate: %w", err)
		}
	}
}

func (o *Orchestrator) enumerateOnce(ctx context.Context, run *runState, log *slog.Logger, dispatch dispatchFunc) error {
	for c, err := range o.src.ListItems(ctx, o.scope) {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.Key.Scope == "" {
			c.Key.Scope = o.scope
		}
		k := c.Key.String()
		if _, dup := run.seen[k]; dup {
			continue
		}
		run.seen[k] = struct{}{}
		run.scanned.Add(1)

		if err := o.admit(c); err != nil {
			run.failed.Add(1)
			log.Warn("rejected candidate", logfields.Item(k), logfields.Error(err))
			continue
		}

		stored, err := o.store.Get(ctx, c.Key)
		if err != nil {
			return err
		}
		v := o.detector.Classify(run.mode, c, stored)
		o.metrics.IncVerdict(o.scope, string(v))

		if !v.NeedsFetch() {
			run.unchanged.Add(1)
			run.saved.Add(c.Size)
			log.Debug("unchanged", logfields.Item(k), logfields.Verdict(string(v)))
			continue
		}
		log.Debug("queued", logfields.Item(k), logfields.Verdict(string(v)))
		dispatch(c, stored, v)
	}
	return nil
}

// admit checks a candidate belongs to this run before it is classified.
func (o *Orchestrator) admit(c model.Candidate) error {
	if err := c.Key.Validate(); err != nil {
		return backuperr.Validation("enumerate", err)
	}
	if c.Key.Scope != o.scope {
		return backuperr.Validation("enumerate", fmt.Errorf("candidate scope %q is not %q", c.Key.Scope, o.scope))
	}
	if c.Size < 0 {
		return backuperr.Validation("enumerate", fmt.Errorf("negative size %d", c.Size))
	}
	return nil
}

// fatal reports whether err ends the run without further commits.
func fatal(err error) bool {
	return backuperr.IsStoreIO(err) || backuperr.IsAuth(err)
}

// retryable reports whether err may succeed on a later attempt. Errors a
// source did not classify are treated as transient.
func retryable(err error) bool {
	kind := backuperr.KindOf(err)
	switch kind {
	case "", backuperr.KindTransient, backuperr.KindThrottled:
		return true
	}
	return false
}

func kindLabel(err error) string {
	if k := backuperr.KindOf(err); k != "" {
		return string(k)
	}
	return string(backuperr.KindTransient)
}
