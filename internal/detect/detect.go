// Package detect classifies remote items as new, changed or unchanged from
// metadata alone.
package detect

import (
	"time"

	"github.com/rcliao/delta-backup/internal/model"
)

// Extractor reads the comparison fields out of one item kind.
type Extractor[T any] interface {
	Key(item T) model.ItemKey
	Tag(item T) model.ChangeTag
	Size(item T) int64
	Modified(item T) time.Time
}

// Detector classifies items of kind T against stored records.
type Detector[T any] struct {
	ex Extractor[T]
}

// New returns a detector using ex.
func New[T any](ex Extractor[T]) *Detector[T] {
	return &Detector[T]{ex: ex}
}

// Classify decides what to do with item given the stored record for its key.
// The rules apply in order:
//
//  1. no stored record: new
//  2. full mode: changed
//  3. both sides carry a tag: changed iff the tags differ
//  4. otherwise: changed iff size or last-modified differ
//
// Content is never consulted.
func (d *Detector[T]) Classify(mode model.Mode, item T, stored *model.ItemRecord) model.Verdict {
	if stored == nil {
		return model.VerdictNew
	}
	if mode == model.ModeFull {
		return model.VerdictChanged
	}

	tag := d.ex.Tag(item)
	if tag.Present() && stored.ChangeTag.Present() {
		if tag.Equal(stored.ChangeTag) {
			return model.VerdictUnchanged
		}
		return model.VerdictChanged
	}

	if d.ex.Size(item) != stored.Size || !d.ex.Modified(item).Equal(stored.LastModified) {
		return model.VerdictChanged
	}
	return model.VerdictUnchanged
}

// Normalize converts item to the candidate form the orchestrator works on.
func (d *Detector[T]) Normalize(item T) model.Candidate {
	return Normalize(d.ex, item)
}

// Normalize converts item to a model.Candidate using ex. Path and Kind are
// filled when the extractor also implements Describer.
func Normalize[T any](ex Extractor[T], item T) model.Candidate {
	c := model.Candidate{
		Key:          ex.Key(item),
		Tag:          ex.Tag(item),
		Size:         ex.Size(item),
		LastModified: ex.Modified(item).UTC(),
	}
	if desc, ok := ex.(Describer[T]); ok {
		c.Path = desc.Path(item)
		c.Kind = desc.Kind()
	}
	return c
}

// Describer is optionally implemented by extractors that know a display path
// and kind name for their items.
type Describer[T any] interface {
	Path(item T) string
	Kind() string
}
