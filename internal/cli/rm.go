package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/store"
)

func newRmCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Forget an item",
		Long:  "Delete the stored record and history of one item. The next run treats it as new.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRm(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (required when several are configured)")
	cmd.Flags().StringP("id", "i", "", "Item identifier (required)")

	cmd.MarkFlagRequired("id")

	return cmd
}

type rmResult struct {
	OK    bool          `json:"ok" yaml:"ok"`
	Key   model.ItemKey `json:"key" yaml:"key"`
	Found bool          `json:"found" yaml:"found"`
}

func (a *app) runRm(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	id, _ := cmd.Flags().GetString("id")

	scope, err := a.scope(scopeFlag)
	if err != nil {
		return err
	}

	lock, err := store.AcquireWriterLock(a.cfg.StorePath(scope))
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	defer lock.Release()

	s, err := a.openStore(scope)
	if err != nil {
		return err
	}
	defer s.Close()

	key := model.ItemKey{Scope: scope, ID: id}
	found, err := s.Delete(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	return a.render(cmd, rmResult{OK: true, Key: key, Found: found})
}
