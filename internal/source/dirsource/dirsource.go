// Package dirsource exposes a directory tree as a RemoteSource. It carries no
// change tags, so detection falls back to size and modification time.
package dirsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/rcliao/delta-backup/internal/backuperr"
	"github.com/rcliao/delta-backup/internal/model"
)

var errStop = errors.New("stop walk")

// Source serves the files under Root. Item IDs are slash separated paths
// relative to Root.
type Source struct {
	fs   afero.Fs
	root string
}

// New returns a source over root on fs (the OS filesystem when nil).
func New(fsys afero.Fs, root string) *Source {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Source{fs: fsys, root: filepath.Clean(root)}
}

// ListItems walks the tree in lexical order.
func (s *Source) ListItems(ctx context.Context, scope string) iter.Seq2[model.Candidate, error] {
	return func(yield func(model.Candidate, error) bool) {
		if _, err := s.fs.Stat(s.root); err != nil {
			yield(model.Candidate{}, backuperr.Transient("list", fmt.Errorf("stat root %s: %w", s.root, err)))
			return
		}

		err := afero.Walk(s.fs, s.root, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if fi.IsDir() || !fi.Mode().IsRegular() {
				return nil
			}
			// staged writes left behind by an interrupted mirror
			if strings.HasPrefix(fi.Name(), ".delta-") {
				return nil
			}

			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return fmt.Errorf("relative path of %s: %w", p, err)
			}
			if strings.HasPrefix(rel, "..") {
				return fmt.Errorf("%s escapes %s", p, s.root)
			}
			id := filepath.ToSlash(rel)
			c := model.Candidate{
				Key:          model.ItemKey{Scope: scope, ID: id},
				Tag:          model.NoTag(),
				Size:         fi.Size(),
				LastModified: fi.ModTime().UTC(),
				Path:         id,
				Kind:         "file",
			}
			if !yield(c, nil) {
				return errStop
			}
			return nil
		})
		switch {
		case err == nil, errors.Is(err, errStop):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			yield(model.Candidate{}, err)
		default:
			yield(model.Candidate{}, backuperr.Transient("list", err))
		}
	}
}

// FetchContent opens the file for key. A missing file is reported as gone.
func (s *Source) FetchContent(ctx context.Context, key model.ItemKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := path.Clean("/" + key.ID)
	if clean == "/" {
		return nil, backuperr.Validation("fetch", fmt.Errorf("empty item path")).WithKey(key)
	}
	f, err := s.fs.Open(filepath.Join(s.root, filepath.FromSlash(clean)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, backuperr.Gone("fetch", err).WithKey(key)
	}
	if err != nil {
		return nil, backuperr.Transient("fetch", err).WithKey(key)
	}
	return f, nil
}

// RefreshCredential is a no-op; local trees need no credential.
func (s *Source) RefreshCredential(context.Context) error { return nil }
