// Package sink receives fetched item content. Content is written to a
// staging area first and only becomes visible on Commit, so a failed or
// abandoned fetch leaves no partial file behind.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

// Sink opens staged writes for items.
type Sink interface {
	Stage(ctx context.Context, key model.ItemKey) (Staged, error)
}

// Staged is one in-progress write. Exactly one of Commit or Abort must be called.
type Staged interface {
	io.Writer
	Commit() error
	Abort() error
}

// Mirror writes item content under Dir, one file per item ID.
type Mirror struct {
	fs  afero.Fs
	dir string
}

// NewMirror returns a sink rooted at dir on fs (the OS filesystem when nil).
func NewMirror(fsys afero.Fs, dir string) *Mirror {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Mirror{fs: fsys, dir: filepath.Clean(dir)}
}

// Target returns the committed location of key.
func (m *Mirror) Target(key model.ItemKey) (string, error) {
	clean := path.Clean("/" + key.ID)
	if clean == "/" {
		return "", backuperr.Validation("stage", fmt.Errorf("item %s has no usable path", key))
	}
	return filepath.Join(m.dir, filepath.FromSlash(clean)), nil
}

// Stage creates a temporary file next to the item's target.
func (m *Mirror) Stage(ctx context.Context, key model.ItemKey) (Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := m.Target(key)
	if err != nil {
		return nil, err
	}
	if err := m.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}
	f, err := afero.TempFile(m.fs, filepath.Dir(target), ".delta-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", key, err)
	}
	return &mirrorStaged{fs: m.fs, f: f, target: target}, nil
}

type mirrorStaged struct {
	fs     afero.Fs
	f      afero.File
	target string
	done   bool
}

func (s *mirrorStaged) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *mirrorStaged) Commit() error {
	if s.done {
		return errors.New("staged write already finished")
	}
	s.done = true
	tmp := s.f.Name()
	if err := s.f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close staged file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("commit %s: %w", s.target, err)
	}
	return nil
}

func (s *mirrorStaged) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	tmp := s.f.Name()
	_ = s.f.Close()
	if err := s.fs.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return nil
}

// Discard accepts and drops content. Runs using it still hash and validate
// what they fetch.
type Discard struct{}

func (Discard) Stage(ctx context.Context, _ model.ItemKey) (Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return discardStaged{}, nil
}

type discardStaged struct{}

func (discardStaged) Write(p []byte) (int, error) { return len(p), nil }
func (discardStaged) Commit() error               { return nil }
func (discardStaged) Abort() error                { return nil }
