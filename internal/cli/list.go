package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/model"
)

func newListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backed-up items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (required when several are configured)")
	cmd.Flags().String("prefix", "", "Only scopes starting with this prefix (default: the scope itself)")
	cmd.Flags().IntP("limit", "l", 0, "Max results (0 = all)")
	cmd.Flags().Bool("keys-only", false, "Only output scope:id keys")

	return cmd
}

func (a *app) runList(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	prefix, _ := cmd.Flags().GetString("prefix")
	limit, _ := cmd.Flags().GetInt("limit")
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	scope, err := a.scope(scopeFlag)
	if err != nil {
		return err
	}
	if prefix == "" {
		prefix = scope
	}

	s, err := a.openStore(scope)
	if err != nil {
		return err
	}
	defer s.Close()

	items := []model.ItemRecord{}
	for rec, err := range s.ListByScope(cmd.Context(), prefix) {
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		items = append(items, rec)
		if limit > 0 && len(items) >= limit {
			break
		}
	}

	if keysOnly {
		keys := make([]string, len(items))
		for i, r := range items {
			keys[i] = r.Key.String()
		}
		return a.render(cmd, keys)
	}
	return a.render(cmd, items)
}
