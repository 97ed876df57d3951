package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/config"
	"github.com/rcliao/delta-backup/internal/rebuild"
	"github.com/rcliao/delta-backup/internal/store"
)

func newRebuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild item records from the local mirror",
		Long:  "Hash every file in a scope's mirror directory and write its record to the store. The remote is never contacted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRebuild(cmd)
		},
	}

	cmd.Flags().StringP("scope", "s", "", "Scope (default: all)")
	cmd.Flags().Bool("dry-run", false, "Hash files but do not write records")

	return cmd
}

func (a *app) runRebuild(cmd *cobra.Command) error {
	scopeFlag, _ := cmd.Flags().GetString("scope")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	scopes, err := a.scopes(scopeFlag)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	results := make([]rebuild.Result, 0, len(scopes))
	for _, sc := range scopes {
		res, err := a.rebuildScope(cmd, fs, sc, dryRun)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	if len(results) == 1 {
		return a.render(cmd, results[0])
	}
	return a.render(cmd, results)
}

func (a *app) rebuildScope(cmd *cobra.Command, fs afero.Fs, sc config.ScopeConfig, dryRun bool) (rebuild.Result, error) {
	if !dryRun {
		lock, err := store.AcquireWriterLock(a.cfg.StorePath(sc.Name))
		if err != nil {
			return rebuild.Result{}, fmt.Errorf("rebuild %s: %w", sc.Name, err)
		}
		defer lock.Release()
	}

	st, err := a.openStore(sc.Name)
	if err != nil {
		return rebuild.Result{}, err
	}
	defer st.Close()

	r := rebuild.New(sc.Name, fs, a.cfg.MirrorDir(sc), rebuild.WithLogger(a.log))
	return r.Run(cmd.Context(), st, dryRun)
}
