package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/store"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRuns(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (required when several are configured)")
	cmd.Flags().IntP("limit", "l", 20, "Max results (0 = all)")
	cmd.Flags().Int("days", 0, "Only runs started in the last N days")

	return cmd
}

func (a *app) runRuns(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	limit, _ := cmd.Flags().GetInt("limit")
	days, _ := cmd.Flags().GetInt("days")

	scope, err := a.scope(scopeFlag)
	if err != nil {
		return err
	}
	s, err := a.openStore(scope)
	if err != nil {
		return err
	}
	defer s.Close()

	f := store.RunFilter{Limit: limit}
	if days > 0 {
		f.Since = time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	}
	runs, err := s.Runs(cmd.Context(), f)
	if err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	return a.render(cmd, runs)
}
