package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/config"
	"github.com/kingrea/stoneforge/internal/seed"
	"github.com/kingrea/stoneforge/internal/tui"
)

func newInitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:               "init",
		Short:             "Create the .stoneforge directory in the project",
		Args:              cobra.NoArgs,
		PersistentPreRunE: skipOpen,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := c.projectDir
			if dir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getting working directory: %w", err)
				}
				dir = cwd
			}
			if err := config.InitDir(dir); err != nil {
				return fmt.Errorf("initializing %s: %w", config.StoneforgeDir, err)
			}
			cfg, err := config.NewConfig(dir)
			if err != nil {
				return err
			}
			if c.backend != "" {
				if err := cfg.SetStoreBackend(c.backend); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (%s store)\n", cfg.StoneforgeProjectDir, cfg.StoreBackend())
			return nil
		},
	}
}

func newSeedCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file...]",
		Short: "Apply YAML seed graphs (default: every file in .stoneforge/seeds)",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				var err error
				if paths, err = seedFiles(c.cfg.SeedsDir()); err != nil {
					return err
				}
			}
			type applied struct {
				Path string `json:"path"`
				seed.Result
			}
			var results []applied
			for _, path := range paths {
				s, err := seed.LoadFile(path)
				if err != nil {
					return err
				}
				res, err := seed.Apply(cmd.Context(), c.engine, s)
				if err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
				results = append(results, applied{Path: path, Result: res})
			}
			return c.emit(cmd, results, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, mutedStyle.Render("no seed files"))
				}
				for _, r := range results {
					fmt.Fprintf(w, "%s: %d elements, %d dependencies\n", filepath.Base(r.Path), r.Elements, r.Dependencies)
				}
			})
		},
	}
}

// seedFiles lists *.yaml and *.yml files in dir in lexical order. A missing
// directory yields nothing.
func seedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func newRebuildCacheCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-cache",
		Short: "Recompute the blocked state of every element",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.engine.RebuildBlockedCache(cmd.Context())
			if err != nil {
				return err
			}
			return c.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "checked %d elements, %d blocked\n", res.ElementsChecked, res.ElementsBlocked)
			})
		},
	}
}

func newBoardCmd(c *cli) *cobra.Command {
	var workflowID string
	ff := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Open the interactive readiness board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.build(cmd, c)
			if err != nil {
				return err
			}
			opts := []tui.AppOption{tui.WithFilter(f)}
			if workflowID != "" {
				opts = append(opts, tui.WithWorkflow(workflowID))
			}
			app, err := tui.NewApp(c.engine, opts...)
			if err != nil {
				return err
			}
			p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Show progress and the next batch for this workflow")
	ff.register(cmd)
	return cmd
}
