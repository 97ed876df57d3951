// Package cli implements the delta-backup CLI commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rcliao/delta-backup/internal/config"
	"github.com/rcliao/delta-backup/internal/report"
	"github.com/rcliao/delta-backup/internal/store"
)

// app carries the state shared by every command of one invocation.
type app struct {
	v           *viper.Viper
	cfgFile     string
	formatFlag  string
	verbose     bool
	metricsFile string

	cfg    config.Config
	format report.Format
	log    *slog.Logger
	stderr io.Writer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New(), stderr: os.Stderr}

	root := &cobra.Command{
		Use:           "delta-backup",
		Short:         "Incremental backup of remote collections",
		Long:          "Backs up remote collections incrementally: only new or changed items are transferred. SQLite-backed, single binary.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "Config file (default: ~/.delta-backup/config.yaml)")
	pf.String("data-dir", "", "Directory holding the store files (default: ~/.delta-backup)")
	pf.Int("workers", 0, "Concurrent fetches per run")
	pf.StringVarP(&a.formatFlag, "format", "f", "json", "Output format: json, yaml or text")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after a backup")
	a.v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	a.v.BindPFlag("workers", pf.Lookup("workers"))

	root.AddCommand(
		newBackupCmd(a),
		newStatsCmd(a),
		newCleanupCmd(a),
		newListCmd(a),
		newGetCmd(a),
		newRunsCmd(a),
		newExportCmd(a),
		newRmCmd(a),
		newScopesCmd(a),
		newRebuildCmd(a),
	)
	return root
}

// Execute runs the CLI with ctx, printing any error to stderr.
func Execute(ctx context.Context) int {
	cmd := NewRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command) error {
	f, err := report.ParseFormat(a.formatFlag)
	if err != nil {
		return err
	}
	a.format = f

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.stderr = cmd.ErrOrStderr()
	a.log = a.newLogger()
	return nil
}

func (a *app) newLogger() *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(a.cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if a.verbose {
		level = slog.LevelDebug
	}

	if strings.EqualFold(a.cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	}
	noColor := true
	if f, ok := a.stderr.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return slog.New(tint.NewHandler(a.stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	}))
}

// scopes resolves the --scope flag. An empty flag means every configured scope.
func (a *app) scopes(flag string) ([]config.ScopeConfig, error) {
	if flag != "" {
		sc, ok := a.cfg.Scope(flag)
		if !ok {
			return nil, fmt.Errorf("scope %q is not configured", flag)
		}
		return []config.ScopeConfig{sc}, nil
	}
	if len(a.cfg.Scopes) == 0 {
		return nil, fmt.Errorf("no scopes configured")
	}
	return a.cfg.Scopes, nil
}

// scope resolves a single scope: the flag, or the only configured one.
func (a *app) scope(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if len(a.cfg.Scopes) == 1 {
		return a.cfg.Scopes[0].Name, nil
	}
	return "", fmt.Errorf("--scope is required when %d scopes are configured", len(a.cfg.Scopes))
}

func (a *app) openStore(scope string) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(a.cfg.StorePath(scope))
	if err != nil {
		return nil, fmt.Errorf("open store for %s: %w", scope, err)
	}
	return s, nil
}

func (a *app) render(cmd *cobra.Command, v any) error {
	return report.Render(cmd.OutOrStdout(), a.format, v)
}
