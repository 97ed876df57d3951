package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/model"
)

func newGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the stored record of one item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGet(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (required when several are configured)")
	cmd.Flags().StringP("id", "i", "", "Item identifier (required)")
	cmd.Flags().Bool("history", false, "Show superseded versions (newest first)")

	cmd.MarkFlagRequired("id")

	return cmd
}

func (a *app) runGet(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	id, _ := cmd.Flags().GetString("id")
	history, _ := cmd.Flags().GetBool("history")

	scope, err := a.scope(scopeFlag)
	if err != nil {
		return err
	}
	s, err := a.openStore(scope)
	if err != nil {
		return err
	}
	defer s.Close()

	key := model.ItemKey{Scope: scope, ID: id}
	if history {
		entries, err := s.History(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		return a.render(cmd, entries)
	}

	rec, err := s.Get(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("get: %s not found", key)
	}
	return a.render(cmd, rec)
}
