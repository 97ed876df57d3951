package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a store as JSON",
		Long:  "Export every item record, history entry and run record of a scope as one JSON document.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExport(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (required when several are configured)")
	cmd.Flags().StringP("out", "o", "", "Write to this file instead of stdout")

	return cmd
}

func (a *app) runExport(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	out, _ := cmd.Flags().GetString("out")

	scope, err := a.scope(scopeFlag)
	if err != nil {
		return err
	}
	s, err := a.openStore(scope)
	if err != nil {
		return err
	}
	defer s.Close()

	w := cmd.OutOrStdout()
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := s.Export(cmd.Context(), w); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}
