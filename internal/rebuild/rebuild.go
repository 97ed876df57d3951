// Package rebuild reconstructs a scope's item records from its local mirror,
// without contacting the remote. It is the repair path for a lost or
// corrupted store.
package rebuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/logfields"
	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/source/dirsource"
	"github.com/rcliao/delta-backup/internal/store"
)

// Store is the part of the state store a rebuild writes through.
type Store interface {
	Get(ctx context.Context, key model.ItemKey) (*model.ItemRecord, error)
	Put(ctx context.Context, rec model.ItemRecord, prev *model.ItemRecord) (*model.ItemRecord, error)
}

// Result counts what a rebuild found and wrote.
type Result struct {
	Scope      string `json:"scope" yaml:"scope"`
	DryRun     bool   `json:"dry_run" yaml:"dry_run"`
	Scanned    int64  `json:"files_scanned" yaml:"files_scanned"`
	Written    int64  `json:"files_written" yaml:"files_written"`
	Unchanged  int64  `json:"files_unchanged" yaml:"files_unchanged"`
	Errors     int64  `json:"files_errors" yaml:"files_errors"`
	TotalBytes int64  `json:"total_bytes" yaml:"total_bytes"`
}

// Rebuilder walks one mirror directory.
type Rebuilder struct {
	scope string
	fs    afero.Fs
	dir   string
	log   *slog.Logger
	clock clockwork.Clock
}

// Option configures a Rebuilder.
type Option func(*Rebuilder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Rebuilder) { r.log = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Rebuilder) { r.clock = c }
}

// New returns a Rebuilder for the mirror of scope rooted at dir.
func New(scope string, fsys afero.Fs, dir string, opts ...Option) *Rebuilder {
	r := &Rebuilder{
		scope: scope,
		fs:    fsys,
		dir:   dir,
		log:   slog.New(slog.DiscardHandler),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run hashes every mirrored file and writes a tagless record for each one
// whose stored checksum or size differs. A dry run hashes but never writes.
// Unreadable files are counted and skipped; store failures abort.
func (r *Rebuilder) Run(ctx context.Context, st Store, dryRun bool) (Result, error) {
	res := Result{Scope: r.scope, DryRun: dryRun}
	if r.scope == "" {
		return res, errors.New("rebuild: scope is required")
	}
	log := r.log.With(logfields.Scope(r.scope), logfields.Phase("rebuild"))
	src := dirsource.New(r.fs, r.dir)

	for c, err := range src.ListItems(ctx, r.scope) {
		if err != nil {
			return res, fmt.Errorf("rebuild %s: walk %s: %w", r.scope, r.dir, err)
		}
		res.Scanned++

		sum, n, err := r.hash(ctx, src, c.Key)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			log.Warn("cannot read mirrored file", logfields.Item(c.Key.String()), logfields.Error(err))
			continue
		}
		res.TotalBytes += n

		stored, err := st.Get(ctx, c.Key)
		if err != nil {
			return res, fmt.Errorf("rebuild %s: %w", r.scope, err)
		}
		if stored != nil && stored.Checksum == sum && stored.Size == n {
			res.Unchanged++
			continue
		}
		log.Debug("record", logfields.Item(c.Key.String()), logfields.Size(humanize.Bytes(uint64(n))))
		if dryRun {
			res.Written++
			continue
		}

		rec := model.ItemRecord{
			Key:          c.Key,
			ChangeTag:    model.NoTag(),
			Size:         n,
			Checksum:     sum,
			LastModified: c.LastModified,
			BackedUpAt:   r.clock.Now().UTC(),
			Path:         c.Path,
		}
		_, err = st.Put(ctx, rec, stored)
		switch {
		case errors.Is(err, store.ErrVersionConflict), backuperr.IsValidation(err):
			res.Errors++
			log.Warn("record not written", logfields.Item(c.Key.String()), logfields.Error(err))
		case err != nil:
			return res, fmt.Errorf("rebuild %s: %w", r.scope, err)
		default:
			res.Written++
		}
	}

	log.Info("rebuild finished",
		"scanned", res.Scanned, "written", res.Written, "unchanged", res.Unchanged,
		"errors", res.Errors, "bytes", humanize.Bytes(uint64(res.TotalBytes)))
	return res, nil
}

func (r *Rebuilder) hash(ctx context.Context, src *dirsource.Source, key model.ItemKey) (string, int64, error) {
	rc, err := src.FetchContent(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
