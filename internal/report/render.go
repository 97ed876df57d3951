package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/rebuild"
	"github.com/rcliao/delta-backup/internal/store"
)

// Format is an output encoding for reports.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatText Format = "text"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatYAML, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("invalid format %q (valid: json, yaml, text)", s)
}

var (
	heading = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	warn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	bad     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

// Render writes v to w in format f.
func Render(w io.Writer, f Format, v any) error {
	switch f {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		return renderYAML(w, v)
	case FormatText:
		return renderText(w, v)
	}
	return fmt.Errorf("unsupported format %q", f)
}

func renderYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func renderText(w io.Writer, v any) error {
	switch x := v.(type) {
	case Summary:
		return textSummary(w, x)
	case []Summary:
		for i, s := range x {
			if i > 0 {
				fmt.Fprintln(w)
			}
			if err := textSummary(w, s); err != nil {
				return err
			}
		}
		return nil
	case *Stats:
		return textStats(w, x)
	case CleanupResult:
		return textCleanup(w, x)
	case rebuild.Result:
		return textRebuild(w, []rebuild.Result{x})
	case []rebuild.Result:
		return textRebuild(w, x)
	case []model.RunRecord:
		return textRuns(w, x)
	case []model.ItemRecord:
		return textItems(w, x)
	case *model.ItemRecord:
		return textItem(w, x)
	case []model.HistoryEntry:
		return textHistory(w, x)
	case *store.Stats:
		return textStoreStats(w, x)
	case []string:
		for _, s := range x {
			if _, err := fmt.Fprintln(w, s); err != nil {
				return err
			}
		}
		return nil
	}
	return renderYAML(w, v)
}

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func textSummary(w io.Writer, s Summary) error {
	fmt.Fprintln(w, heading.Render(fmt.Sprintf("Run %s (%s, %s)", s.RunID, s.Scope, s.Mode)))
	tw := table(w)
	status := string(s.Status)
	if s.Status != model.RunCompleted {
		status = bad.Render(status)
	}
	fmt.Fprintf(tw, "status\t%s\n", status)
	if s.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", s.Error)
	}
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "scanned\t%d\n", s.ItemsScanned)
	fmt.Fprintf(tw, "new\t%d\n", s.ItemsNew)
	fmt.Fprintf(tw, "changed\t%d\n", s.ItemsChanged)
	fmt.Fprintf(tw, "unchanged\t%d\n", s.ItemsUnchanged)
	fmt.Fprintf(tw, "failed\t%d\n", s.ItemsFailed)
	fmt.Fprintf(tw, "transferred\t%s\n", bytesOf(s.BytesTransferred))
	fmt.Fprintf(tw, "saved\t%s\n", bytesOf(s.BytesSaved))
	fmt.Fprintf(tw, "skip rate\t%.1f%%\n", s.SkipRatePercent)
	fmt.Fprintf(tw, "efficiency\t%.1f%%\n", s.EfficiencyPercent)
	if err := tw.Flush(); err != nil {
		return err
	}
	if s.Warning != "" {
		_, err := fmt.Fprintln(w, warn.Render("warning: "+s.Warning))
		return err
	}
	return nil
}

func textStats(w io.Writer, st *Stats) error {
	fmt.Fprintln(w, heading.Render(fmt.Sprintf("Backup statistics, last %d days", st.WindowDays)))
	tw := table(w)
	fmt.Fprintf(tw, "runs\t%d\t%s\n", st.Runs, dim.Render(countsLine(st.RunsByStatus)))
	fmt.Fprintf(tw, "modes\t%s\n", countsLine(st.RunsByMode))
	fmt.Fprintf(tw, "items scanned\t%d\n", st.ItemsScanned)
	fmt.Fprintf(tw, "new / changed\t%d / %d\n", st.ItemsNew, st.ItemsChanged)
	fmt.Fprintf(tw, "unchanged\t%d\n", st.ItemsUnchanged)
	fmt.Fprintf(tw, "failed\t%d\n", st.ItemsFailed)
	fmt.Fprintf(tw, "transferred\t%s\n", bytesOf(st.BytesTransferred))
	fmt.Fprintf(tw, "saved\t%s\n", bytesOf(st.BytesSaved))
	fmt.Fprintf(tw, "skip rate\t%.1f%%\n", st.SkipRatePercent)
	fmt.Fprintf(tw, "efficiency\t%.1f%%\n", st.EfficiencyPercent)
	if st.Store != nil {
		fmt.Fprintf(tw, "records\t%d (%s)\n", st.Store.Items, bytesOf(st.Store.TotalBytes))
		fmt.Fprintf(tw, "history entries\t%d\n", st.Store.HistoryEntries)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(st.RecentRuns) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, heading.Render("Recent runs"))
		if err := textRuns(w, st.RecentRuns); err != nil {
			return err
		}
	}
	if len(st.FrequentChanges) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, heading.Render("Most frequently changed"))
		tw = table(w)
		fmt.Fprintln(tw, "ITEM\tCHANGES")
		for _, c := range st.FrequentChanges {
			fmt.Fprintf(tw, "%s\t%d\n", c.Key, c.Changes)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func countsLine(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func textCleanup(w io.Writer, r CleanupResult) error {
	verb := "Removed"
	if r.DryRun {
		verb = "Would remove"
	}
	msg := fmt.Sprintf("%s %d history entries older than %d days", verb, r.HistoryRemoved, r.Days)
	if r.RunsRemoved > 0 {
		msg += fmt.Sprintf(" and %d run records", r.RunsRemoved)
	}
	if r.DryRun {
		msg += dim.Render(" (dry run)")
	}
	_, err := fmt.Fprintln(w, msg)
	return err
}

func textRebuild(w io.Writer, results []rebuild.Result) error {
	tw := table(w)
	fmt.Fprintln(tw, "SCOPE\tSCANNED\tWRITTEN\tUNCHANGED\tERRORS\tSIZE")
	for _, r := range results {
		scope := r.Scope
		if r.DryRun {
			scope += dim.Render(" (dry run)")
		}
		errs := fmt.Sprint(r.Errors)
		if r.Errors > 0 {
			errs = bad.Render(errs)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", scope, r.Scanned, r.Written, r.Unchanged, errs, bytesOf(r.TotalBytes))
	}
	return tw.Flush()
}

func textRuns(w io.Writer, runs []model.RunRecord) error {
	tw := table(w)
	fmt.Fprintln(tw, "RUN\tSCOPE\tMODE\tSTATUS\tSTARTED\tNEW\tCHANGED\tUNCHANGED\tFAILED\tTRANSFERRED\tSAVED")
	for _, r := range runs {
		status := string(r.Status)
		if r.Status != model.RunCompleted {
			status = bad.Render(status)
		} else if r.ItemsFailed > 0 {
			status = warn.Render(status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.RunID, r.Scope, r.Mode, status, stamp(r.StartedAt),
			r.ItemsNew, r.ItemsChanged, r.ItemsUnchanged, r.ItemsFailed,
			bytesOf(r.BytesTransferred), bytesOf(r.BytesSaved))
	}
	return tw.Flush()
}

func textItems(w io.Writer, items []model.ItemRecord) error {
	tw := table(w)
	fmt.Fprintln(tw, "ITEM\tVERSION\tSIZE\tTAG\tBACKED UP")
	for _, r := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.Key, r.Version, bytesOf(r.Size), r.ChangeTag, stamp(r.BackedUpAt))
	}
	return tw.Flush()
}

func textItem(w io.Writer, r *model.ItemRecord) error {
	tw := table(w)
	fmt.Fprintf(tw, "item\t%s\n", r.Key)
	if r.Path != "" {
		fmt.Fprintf(tw, "path\t%s\n", r.Path)
	}
	fmt.Fprintf(tw, "version\t%d\n", r.Version)
	fmt.Fprintf(tw, "change tag\t%s\n", r.ChangeTag)
	fmt.Fprintf(tw, "size\t%s\n", bytesOf(r.Size))
	fmt.Fprintf(tw, "checksum\t%s\n", r.Checksum)
	fmt.Fprintf(tw, "last modified\t%s\n", stamp(r.LastModified))
	fmt.Fprintf(tw, "backed up\t%s\n", stamp(r.BackedUpAt))
	return tw.Flush()
}

func textHistory(w io.Writer, entries []model.HistoryEntry) error {
	tw := table(w)
	fmt.Fprintln(tw, "VERSION\tTAG\tSIZE\tCHECKSUM\tSUPERSEDED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Version, e.PreviousChangeTag, bytesOf(e.PreviousSize),
			e.PreviousChecksum, stamp(e.SupersededAt))
	}
	return tw.Flush()
}

func textStoreStats(w io.Writer, st *store.Stats) error {
	tw := table(w)
	fmt.Fprintf(tw, "store\t%s (%s, schema v%d)\n", st.DBPath, bytesOf(st.DBSizeBytes), st.SchemaVersion)
	fmt.Fprintf(tw, "records\t%d (%s)\n", st.Items, bytesOf(st.TotalBytes))
	fmt.Fprintf(tw, "history entries\t%d\n", st.HistoryEntries)
	fmt.Fprintf(tw, "runs\t%d\n", st.Runs)
	for _, s := range st.Scopes {
		fmt.Fprintf(tw, "  %s\t%d items, %s\n", s.Scope, s.Items, bytesOf(s.Bytes))
	}
	return tw.Flush()
}
