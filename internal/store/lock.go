package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// WriterLock is an advisory file lock held by the single process allowed to
// write a store file.
type WriterLock struct {
	fl *flock.Flock
}

// AcquireWriterLock takes the writer lock for dbPath without blocking.
// It returns ErrLocked when another process holds it.
func AcquireWriterLock(dbPath string) (*WriterLock, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(dbPath + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dbPath, ErrLocked)
	}
	return &WriterLock{fl: fl}, nil
}

// Release drops the lock.
func (l *WriterLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
