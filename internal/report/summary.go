// Package report summarizes backup runs, aggregates statistics over a
// window and applies the history retention policy.
package report

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/rcliao/delta-backup/internal/model"
)

// Summary is the user-facing report of one run.
type Summary struct {
	model.RunRecord `yaml:",inline"`

	DurationSeconds   float64 `json:"duration_seconds" yaml:"duration_seconds"`
	SkipRatePercent   float64 `json:"skip_rate_percent" yaml:"skip_rate_percent"`
	EfficiencyPercent float64 `json:"efficiency_percent" yaml:"efficiency_percent"`
	Warning           string  `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Summarize builds the report for run.
func Summarize(run model.RunRecord) Summary {
	s := Summary{
		RunRecord:         run,
		DurationSeconds:   run.Duration().Seconds(),
		SkipRatePercent:   percent(run.ItemsUnchanged, run.ItemsScanned),
		EfficiencyPercent: percent(run.BytesSaved, run.BytesSaved+run.BytesTransferred),
	}
	if run.ItemsFailed > 0 {
		s.Warning = fmt.Sprintf("%d item(s) failed and will be retried on the next run", run.ItemsFailed)
	}
	return s
}

// Line is a one-line human summary.
func (s Summary) Line() string {
	return fmt.Sprintf("%s %s run %s: %d scanned, %d new, %d changed, %d unchanged, %d failed; %s transferred, %s saved (%.1f%% skipped)",
		s.Scope, s.Mode, s.Status, s.ItemsScanned, s.ItemsNew, s.ItemsChanged, s.ItemsUnchanged, s.ItemsFailed,
		humanize.Bytes(uint64(s.BytesTransferred)), humanize.Bytes(uint64(s.BytesSaved)), s.SkipRatePercent)
}

func percent(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
