package cli

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/rcliao/delta-backup/internal/backup"
	"github.com/rcliao/delta-backup/internal/config"
	"github.com/rcliao/delta-backup/internal/logfields"
	"github.com/rcliao/delta-backup/internal/metrics"
	"github.com/rcliao/delta-backup/internal/model"
	"github.com/rcliao/delta-backup/internal/report"
	"github.com/rcliao/delta-backup/internal/sink"
	"github.com/rcliao/delta-backup/internal/source"
	"github.com/rcliao/delta-backup/internal/source/dirsource"
	"github.com/rcliao/delta-backup/internal/store"
)

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up new and changed items",
		Long:  "Run a backup of one scope, or of every configured scope. Unchanged items are skipped unless --full is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBackup(cmd)
		},
	}

	cmd.Flags().Bool("full", false, "Re-fetch and re-validate every item")
	cmd.Flags().StringP("scope", "s", "", "Scope to back up (default: all)")

	return cmd
}

func (a *app) runBackup(cmd *cobra.Command) error {
	full, _ := cmd.Flags().GetBool("full")
	scopeFlag, _ := cmd.Flags().GetString("scope")

	mode := model.ModeIncremental
	if full {
		mode = model.ModeFull
	}
	scopes, err := a.scopes(scopeFlag)
	if err != nil {
		return err
	}

	rec := metrics.NewPrometheusRecorder(prometheus.NewRegistry())
	fs := afero.NewOsFs()

	var (
		summaries []report.Summary
		errs      []error
	)
	for _, sc := range scopes {
		run, err := a.backupScope(cmd, fs, sc, mode, rec)
		if run.RunID != "" {
			summaries = append(summaries, report.Summarize(run))
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if a.metricsFile != "" {
		if err := rec.WriteTextfile(a.metricsFile); err != nil {
			a.log.Warn("write metrics textfile", logfields.Error(err))
		}
	}

	if len(summaries) == 1 {
		if err := a.render(cmd, summaries[0]); err != nil {
			return err
		}
	} else if len(summaries) > 1 {
		if err := a.render(cmd, summaries); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func (a *app) backupScope(cmd *cobra.Command, fs afero.Fs, sc config.ScopeConfig, mode model.Mode, rec metrics.Recorder) (model.RunRecord, error) {
	src, err := sourceFor(fs, sc)
	if err != nil {
		return model.RunRecord{}, err
	}

	path := a.cfg.StorePath(sc.Name)
	lock, err := store.AcquireWriterLock(path)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("backup %s: %w", sc.Name, err)
	}
	defer lock.Release()

	st, err := a.openStore(sc.Name)
	if err != nil {
		return model.RunRecord{}, err
	}
	defer st.Close()

	orch, err := backup.New(a.cfg, sc.Name, st, src,
		backup.WithLogger(a.log),
		backup.WithMetrics(rec),
		backup.WithSink(sink.NewMirror(fs, a.cfg.MirrorDir(sc))),
	)
	if err != nil {
		return model.RunRecord{}, err
	}
	return orch.Run(cmd.Context(), mode)
}

func sourceFor(fs afero.Fs, sc config.ScopeConfig) (source.RemoteSource, error) {
	switch sc.Kind {
	case "", config.SourceKindDir:
		if sc.Root == "" {
			return nil, fmt.Errorf("scope %s: root is required", sc.Name)
		}
		return dirsource.New(fs, sc.Root), nil
	}
	return nil, fmt.Errorf("scope %s: unsupported kind %q", sc.Name, sc.Kind)
}
