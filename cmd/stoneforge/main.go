// cmd/stoneforge/main.go
//
// This is the entry point for the Stoneforge CLI.
// When you run `stoneforge` from any directory, this is what executes.
//
// Flow:
// 1. Load .stoneforge/config.yaml (defaults when it is missing)
// 2. Open the configured store and wrap it in the engine
// 3. Rebuild the blocked cache if the config asks for it
// 4. Run the subcommand, then close the store and the log file even if it failed

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/config"
	"github.com/kingrea/stoneforge/internal/engine"
	"github.com/kingrea/stoneforge/internal/logging"
	"github.com/kingrea/stoneforge/internal/seed"
	"github.com/kingrea/stoneforge/internal/store"
	"github.com/kingrea/stoneforge/internal/store/memstore"
	"github.com/kingrea/stoneforge/internal/store/sqlitestore"
)

// cli carries the state shared by every subcommand for one invocation.
type cli struct {
	projectDir string
	jsonOutput bool
	actorFlag  string
	seedPath   string
	backend    string

	cfg    *config.Config
	store  store.Store
	log    *logging.Logger
	engine *engine.Engine
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &cli{}
	if err := c.execute(ctx, c.newRootCmd()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs root and then releases the store and log file, including
// when the command itself failed.
func (c *cli) execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if closeErr := c.close(); err == nil {
		err = closeErr
	}
	return err
}

func (c *cli) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stoneforge",
		Short:         "Dependency and readiness engine for tracked work",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(cmd.Context()); err != nil {
				c.close()
				return err
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.projectDir, "dir", "C", "", "Project directory (default: current directory)")
	flags.BoolVar(&c.jsonOutput, "json", false, "Print JSON instead of text")
	flags.StringVar(&c.actorFlag, "actor", "", "Actor recorded on mutations (default: $"+config.ActorEnv+")")
	flags.StringVar(&c.seedPath, "seed", "", "Apply a YAML seed graph before running the command")
	flags.StringVar(&c.backend, "backend", "", "Override the configured store backend (sqlite|memory); with init, persist it")

	root.AddCommand(
		newInitCmd(c),
		newReadyCmd(c),
		newBlockedCmd(c),
		newBacklogCmd(c),
		newShowCmd(c),
		newCloseCmd(c),
		newReopenCmd(c),
		newDeleteCmd(c),
		newDepCmd(c),
		newGateCmd(c),
		newWorkflowCmd(c),
		newSeedCmd(c),
		newRebuildCacheCmd(c),
		newBoardCmd(c),
	)
	return root
}

func (c *cli) open(ctx context.Context) error {
	dir := c.projectDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		dir = cwd
	}
	c.projectDir = dir

	cfg, err := config.NewConfig(dir)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logger, err := logging.New(dir)
	if err != nil {
		return err
	}
	c.log = logger

	backend := cfg.StoreBackend()
	if b := strings.ToLower(strings.TrimSpace(c.backend)); b != "" {
		backend = b
	}
	switch backend {
	case config.BackendMemory:
		c.store = memstore.New()
	case config.BackendSQLite:
		st, err := sqlitestore.Open(cfg.StorePath())
		if err != nil {
			return err
		}
		c.store = st
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}
	logger.Printf("stoneforge: opened %s store in %s", backend, dir)

	eng, err := engine.New(c.store, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	c.engine = eng

	if cfg.Project.Cache.RebuildOnStart {
		if _, err := eng.RebuildBlockedCache(ctx); err != nil {
			return err
		}
	}

	if c.seedPath != "" {
		s, err := seed.LoadFile(c.seedPath)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, eng, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) close() error {
	var firstErr error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			firstErr = err
		}
		c.store = nil
	}
	if c.log != nil {
		if err := c.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.log = nil
	}
	return firstErr
}

// actor is --actor, then $STONEFORGE_ACTOR. It is empty when neither is set,
// so the engine records the element's creator instead.
func (c *cli) actor() string {
	if a := strings.TrimSpace(c.actorFlag); a != "" {
		return a
	}
	if c.cfg == nil {
		return ""
	}
	return c.cfg.Actor()
}

// skipOpen is installed on commands that must run without a store.
func skipOpen(*cobra.Command, []string) error { return nil }
