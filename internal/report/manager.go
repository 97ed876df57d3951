package report

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/store"
)

const (
	recentRuns  = 10
	topChangers = 20
	day         = 24 * time.Hour
)

// Store is the part of the state store reporting and retention need.
type Store interface {
	store.Reader
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
	PruneRuns(ctx context.Context, olderThan time.Duration) (int64, error)
	CountRunsOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Manager computes statistics and applies retention for one store.
type Manager struct {
	store     Store
	clock     clockwork.Clock
	pruneRuns bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock the statistics window is measured from.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRunPruning makes Cleanup also delete run records older than the window.
func WithRunPruning(on bool) Option {
	return func(m *Manager) { m.pruneRuns = on }
}

// NewManager returns a Manager over st.
func NewManager(st Store, opts ...Option) *Manager {
	m := &Manager{store: st, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats aggregates the runs of the last windowDays days.
type Stats struct {
	WindowDays int       `json:"window_days" yaml:"window_days"`
	Since      time.Time `json:"since" yaml:"since"`

	Runs         int            `json:"runs" yaml:"runs"`
	RunsByMode   map[string]int `json:"runs_by_mode" yaml:"runs_by_mode"`
	RunsByStatus map[string]int `json:"runs_by_status" yaml:"runs_by_status"`

	// Totals cover completed runs only.
	ItemsScanned      int64   `json:"items_scanned" yaml:"items_scanned"`
	ItemsNew          int64   `json:"items_new" yaml:"items_new"`
	ItemsChanged      int64   `json:"items_changed" yaml:"items_changed"`
	ItemsUnchanged    int64   `json:"items_unchanged" yaml:"items_unchanged"`
	ItemsFailed       int64   `json:"items_failed" yaml:"items_failed"`
	BytesTransferred  int64   `json:"bytes_transferred" yaml:"bytes_transferred"`
	BytesSaved        int64   `json:"bytes_saved" yaml:"bytes_saved"`
	SkipRatePercent   float64 `json:"skip_rate_percent" yaml:"skip_rate_percent"`
	EfficiencyPercent float64 `json:"efficiency_percent" yaml:"efficiency_percent"`
	AvgItemsPerRun    float64 `json:"avg_items_per_run" yaml:"avg_items_per_run"`

	RecentRuns      []model.RunRecord   `json:"recent_runs" yaml:"recent_runs"`
	FrequentChanges []store.ChangeCount `json:"frequently_changed" yaml:"frequently_changed"`
	Scopes          []store.ScopeStats  `json:"scopes" yaml:"scopes"`
	Store           *store.Stats        `json:"store" yaml:"store"`
}

// Stats aggregates run records and change history over the window.
func (m *Manager) Stats(ctx context.Context, windowDays int) (*Stats, error) {
	if windowDays < 1 {
		return nil, fmt.Errorf("window must be at least one day, got %d", windowDays)
	}
	since := m.clock.Now().UTC().Add(-time.Duration(windowDays) * day)

	runs, err := m.store.Runs(ctx, store.RunFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}

	st := &Stats{
		WindowDays:   windowDays,
		Since:        since,
		Runs:         len(runs),
		RunsByMode:   map[string]int{},
		RunsByStatus: map[string]int{},
		RecentRuns:   []model.RunRecord{},
	}
	completed := 0
	for _, r := range runs {
		st.RunsByMode[string(r.Mode)]++
		st.RunsByStatus[string(r.Status)]++
		if r.Status != model.RunCompleted {
			continue
		}
		completed++
		st.ItemsScanned += r.ItemsScanned
		st.ItemsNew += r.ItemsNew
		st.ItemsChanged += r.ItemsChanged
		st.ItemsUnchanged += r.ItemsUnchanged
		st.ItemsFailed += r.ItemsFailed
		st.BytesTransferred += r.BytesTransferred
		st.BytesSaved += r.BytesSaved
	}
	st.SkipRatePercent = percent(st.ItemsUnchanged, st.ItemsScanned)
	st.EfficiencyPercent = percent(st.BytesSaved, st.BytesSaved+st.BytesTransferred)
	if completed > 0 {
		st.AvgItemsPerRun = float64(st.ItemsNew+st.ItemsChanged) / float64(completed)
	}
	if len(runs) > recentRuns {
		st.RecentRuns = runs[:recentRuns]
	} else {
		st.RecentRuns = append(st.RecentRuns, runs...)
	}

	st.FrequentChanges, err = m.store.ChangeCounts(ctx, since, topChangers)
	if err != nil {
		return nil, fmt.Errorf("load change counts: %w", err)
	}
	if st.FrequentChanges == nil {
		st.FrequentChanges = []store.ChangeCount{}
	}

	st.Store, err = m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store stats: %w", err)
	}
	st.Scopes = st.Store.Scopes
	return st, nil
}

// CleanupResult reports what retention removed, or would remove on a dry run.
type CleanupResult struct {
	Days           int   `json:"days" yaml:"days"`
	DryRun         bool  `json:"dry_run" yaml:"dry_run"`
	HistoryRemoved int64 `json:"history_removed" yaml:"history_removed"`
	RunsRemoved    int64 `json:"runs_removed" yaml:"runs_removed"`
}

// Cleanup deletes history entries superseded more than days ago. Current
// item records are never touched. A dry run only counts.
func (m *Manager) Cleanup(ctx context.Context, days int, dryRun bool) (CleanupResult, error) {
	res := CleanupResult{Days: days, DryRun: dryRun}
	if days < 1 {
		return res, fmt.Errorf("retention must be at least one day, got %d", days)
	}
	olderThan := time.Duration(days) * day

	var err error
	if dryRun {
		if res.HistoryRemoved, err = m.store.CountHistoryOlderThan(ctx, olderThan); err != nil {
			return res, fmt.Errorf("count history: %w", err)
		}
		if m.pruneRuns {
			if res.RunsRemoved, err = m.store.CountRunsOlderThan(ctx, olderThan); err != nil {
				return res, fmt.Errorf("count runs: %w", err)
			}
		}
		return res, nil
	}

	if res.HistoryRemoved, err = m.store.PruneHistory(ctx, olderThan); err != nil {
		return res, fmt.Errorf("prune history: %w", err)
	}
	if m.pruneRuns {
		if res.RunsRemoved, err = m.store.PruneRuns(ctx, olderThan); err != nil {
			return res, fmt.Errorf("prune runs: %w", err)
		}
	}
	return res, nil
}
