package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/report"
	"github.com/rcliao/delta-backup/internal/store"
)

func newStatsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show backup statistics for a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStats(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (required when several are configured)")
	cmd.Flags().Int("days", 30, "Window in days")
	cmd.Flags().Bool("store", false, "Only show store size and record counts")

	return cmd
}

func (a *app) runStats(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	days, _ := cmd.Flags().GetInt("days")
	storeOnly, _ := cmd.Flags().GetBool("store")

	scope, err := a.scope(scopeFlag)
	if err != nil {
		return err
	}
	s, err := a.openStore(scope)
	if err != nil {
		return err
	}
	defer s.Close()

	if storeOnly {
		st, err := s.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return a.render(cmd, st)
	}

	st, err := report.NewManager(s).Stats(cmd.Context(), days)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return a.render(cmd, st)
}

func newCleanupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete change history older than the retention window",
		Long:  "Delete history entries superseded more than --days ago. Current item records are never removed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCleanup(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (default: all)")
	cmd.Flags().Int("days", 0, "Retention in days (default: retention_days from config)")
	cmd.Flags().Bool("dry-run", false, "Only count what would be removed")
	cmd.Flags().Bool("runs", false, "Also delete run records older than the window")

	return cmd
}

func (a *app) runCleanup(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	days, _ := cmd.Flags().GetInt("days")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	runs, _ := cmd.Flags().GetBool("runs")
	if days == 0 {
		days = a.cfg.RetentionDays
	}

	scopes, err := a.scopes(scopeFlag)
	if err != nil {
		return err
	}

	total := report.CleanupResult{Days: days, DryRun: dryRun}
	for _, sc := range scopes {
		res, err := a.cleanupScope(cmd, sc.Name, days, dryRun, runs)
		if err != nil {
			return err
		}
		total.HistoryRemoved += res.HistoryRemoved
		total.RunsRemoved += res.RunsRemoved
	}
	return a.render(cmd, total)
}

func (a *app) cleanupScope(cmd *cobra.Command, scope string, days int, dryRun, runs bool) (report.CleanupResult, error) {
	if !dryRun {
		lock, err := store.AcquireWriterLock(a.cfg.StorePath(scope))
		if err != nil {
			return report.CleanupResult{}, fmt.Errorf("cleanup %s: %w", scope, err)
		}
		defer lock.Release()
	}

	s, err := a.openStore(scope)
	if err != nil {
		return report.CleanupResult{}, err
	}
	defer s.Close()

	res, err := report.NewManager(s, report.WithRunPruning(runs)).Cleanup(cmd.Context(), days, dryRun)
	if err != nil {
		return res, fmt.Errorf("cleanup %s: %w", scope, err)
	}
	return res, nil
}
