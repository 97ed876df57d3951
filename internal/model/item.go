// Package model defines the core backup data types.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ItemKey identifies one remote item across runs: the backed-up scope plus
// the identifier the remote assigned (or derived from its path).
type ItemKey struct {
	Scope string `json:"scope" yaml:"scope"`
	ID    string `json:"id" yaml:"id"`
}

func (k ItemKey) String() string {
	return k.Scope + ":" + k.ID
}

// Validate reports whether both halves of the key are present.
func (k ItemKey) Validate() error {
	if strings.TrimSpace(k.Scope) == "" {
		return fmt.Errorf("item key: scope is required")
	}
	if k.ID == "" {
		return fmt.Errorf("item key: id is required (scope %q)", k.Scope)
	}
	return nil
}

// ChangeTag is a server supplied fast-comparison token. Sources without such
// a token produce NoTag(); an empty string is never treated as a tag.
type ChangeTag struct {
	value string
	ok    bool
}

// Tag returns a present tag, or NoTag() when v is empty.
func Tag(v string) ChangeTag {
	if v == "" {
		return ChangeTag{}
	}
	return ChangeTag{value: v, ok: true}
}

// NoTag returns the absent tag.
func NoTag() ChangeTag { return ChangeTag{} }

// Value returns the tag and whether it is present.
func (t ChangeTag) Value() (string, bool) { return t.value, t.ok }

// Present reports whether the tag carries a value.
func (t ChangeTag) Present() bool { return t.ok }

// Equal compares two present tags byte for byte. Absent tags never compare equal.
func (t ChangeTag) Equal(o ChangeTag) bool {
	return t.ok && o.ok && t.value == o.value
}

func (t ChangeTag) String() string {
	if !t.ok {
		return "<none>"
	}
	return t.value
}

func (t ChangeTag) MarshalJSON() ([]byte, error) {
	if !t.ok {
		return []byte("null"), nil
	}
	return json.Marshal(t.value)
}

func (t *ChangeTag) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = NoTag()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = Tag(s)
	return nil
}

// MarshalYAML renders the tag as a plain string, or null when absent.
func (t ChangeTag) MarshalYAML() (any, error) {
	if !t.ok {
		return nil, nil
	}
	return t.value, nil
}

// Candidate is the lightweight metadata a remote source reports for an item
// during enumeration. Key, Size and LastModified are always set; Tag and Path
// are optional.
type Candidate struct {
	Key          ItemKey   `json:"key" yaml:"key"`
	Tag          ChangeTag `json:"change_tag" yaml:"change_tag"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
	Path         string    `json:"path,omitempty" yaml:"path,omitempty"`
	Kind         string    `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// ItemRecord is the last committed state of one item. Exactly one exists per key.
type ItemRecord struct {
	Key          ItemKey   `json:"key" yaml:"key"`
	ChangeTag    ChangeTag `json:"change_tag" yaml:"change_tag"`
	Size         int64     `json:"size" yaml:"size"`
	Checksum     string    `json:"checksum" yaml:"checksum"`
	LastModified time.Time `json:"last_modified" yaml:"last_modified"`
	BackedUpAt   time.Time `json:"backed_up_at" yaml:"backed_up_at"`
	Version      int       `json:"version" yaml:"version"`
	Path         string    `json:"path,omitempty" yaml:"path,omitempty"`
}

// HistoryEntry preserves the values of a superseded ItemRecord version.
type HistoryEntry struct {
	ID                int64     `json:"id" yaml:"id"`
	Key               ItemKey   `json:"key" yaml:"key"`
	Version           int       `json:"version" yaml:"version"`
	PreviousChecksum  string    `json:"previous_checksum" yaml:"previous_checksum"`
	PreviousChangeTag ChangeTag `json:"previous_change_tag" yaml:"previous_change_tag"`
	PreviousSize      int64     `json:"previous_size" yaml:"previous_size"`
	SupersededAt      time.Time `json:"superseded_at" yaml:"superseded_at"`
}
