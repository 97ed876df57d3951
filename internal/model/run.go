package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how a run treats stored state.
type Mode string

const (
	// ModeIncremental trusts stored tags and metadata to skip unchanged items.
	ModeIncremental Mode = "incremental"
	// ModeFull re-fetches and re-validates every item.
	ModeFull Mode = "full"
)

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("invalid mode %q (valid: full, incremental)", s)
}

// Verdict is the outcome of classifying one candidate.
type Verdict string

const (
	VerdictNew       Verdict = "new"
	VerdictChanged   Verdict = "changed"
	VerdictUnchanged Verdict = "unchanged"
)

// NeedsFetch reports whether content has to be transferred for the verdict.
func (v Verdict) NeedsFetch() bool {
	return v == VerdictNew || v == VerdictChanged
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// RunRecord summarizes one backup execution.
type RunRecord struct {
	RunID            string    `json:"run_id" yaml:"run_id"`
	Scope            string    `json:"scope" yaml:"scope"`
	Mode             Mode      `json:"mode" yaml:"mode"`
	Status           RunStatus `json:"status" yaml:"status"`
	Error            string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt        time.Time `json:"started_at" yaml:"started_at"`
	EndedAt          time.Time `json:"ended_at" yaml:"ended_at"`
	ItemsScanned     int64     `json:"items_scanned" yaml:"items_scanned"`
	ItemsNew         int64     `json:"items_new" yaml:"items_new"`
	ItemsChanged     int64     `json:"items_changed" yaml:"items_changed"`
	ItemsUnchanged   int64     `json:"items_unchanged" yaml:"items_unchanged"`
	ItemsFailed      int64     `json:"items_failed" yaml:"items_failed"`
	BytesTransferred int64     `json:"bytes_transferred" yaml:"bytes_transferred"`
	BytesSaved       int64     `json:"bytes_saved" yaml:"bytes_saved"`
}

// Duration returns the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
