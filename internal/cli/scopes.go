package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newScopesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List configured scopes and their stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScopes(cmd)
		},
	}
}

type scopeInfo struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
	Root   string `json:"root" yaml:"root"`
	Store  string `json:"store" yaml:"store"`
	Mirror string `json:"mirror" yaml:"mirror"`
	Items  int64  `json:"items" yaml:"items"`
	Bytes  int64  `json:"bytes" yaml:"bytes"`
	Runs   int64  `json:"runs" yaml:"runs"`
}

func (a *app) runScopes(cmd *cobra.Command) error {
	infos := make([]scopeInfo, 0, len(a.cfg.Scopes))
	for _, sc := range a.cfg.Scopes {
		info := scopeInfo{
			Name:   sc.Name,
			Kind:   sc.Kind,
			Root:   sc.Root,
			Store:  a.cfg.StorePath(sc.Name),
			Mirror: a.cfg.MirrorDir(sc),
		}
		if info.Kind == "" {
			info.Kind = "dir"
		}

		// never create a store just to report on it
		if _, err := os.Stat(info.Store); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("scopes: %w", err)
			}
			infos = append(infos, info)
			continue
		}
		s, err := a.openStore(sc.Name)
		if err != nil {
			return err
		}
		st, err := s.Stats(cmd.Context())
		s.Close()
		if err != nil {
			return fmt.Errorf("scopes: %w", err)
		}
		info.Items, info.Bytes, info.Runs = st.Items, st.TotalBytes, st.Runs
		infos = append(infos, info)
	}
	return a.render(cmd, infos)
}
