package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"hivewatch/internal/backend"
	"hivewatch/internal/config"
	"hivewatch/internal/logging"
	"hivewatch/internal/store/sqlite"
)

type rootOptions struct {
	configPath string
	addr       string
	dbPath     string
	catalog    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "backend",
		Short:         "Development backend that simulates agent executions for the monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.toml (default: ~/.hivewatch/config.toml)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "http listen address override")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	root.PersistentFlags().StringVar(&opts.catalog, "catalog", "", "agent/tool catalog YAML override")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	root.AddCommand(newServeCmd(opts), newSeedCmd(opts))
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and push channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			b, err := backend.Open(ctx, backend.Options{
				Backend:    cfg.Backend,
				ConfigPath: cfg.Path,
				ConfigRaw:  cfg.Raw,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			if demo {
				resp, err := b.Runner.Start(ctx, "orchestrator", "Plan a weekend trip and estimate its cost")
				if err != nil {
					logger.Warn("demo bootstrap failed", "error", err)
				} else {
					logger.Info("demo execution started", "id", resp.ID)
				}
			}

			logger.Info("hivewatch backend started", "addr", b.Addr(), "config", cfg.Path)
			return b.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "start a demo execution on startup")
	return cmd
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Replace the stored catalog with the catalog file, or the built-in one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			dbPath := filepath.Clean(config.FirstNonEmpty(cfg.Backend.DBPath, backend.DefaultDBPath))
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
			store, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			if err := backend.Seed(ctx, store, cfg.Backend.CatalogPath, true); err != nil {
				return err
			}

			agents, err := store.ListAgents(ctx)
			if err != nil {
				return err
			}
			tools, err := store.ListTools(ctx)
			if err != nil {
				return err
			}
			logger.Info("catalog seeded", "db", dbPath, "agents", len(agents), "tools", len(tools))
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents and %d tools into %s\n", len(agents), len(tools), dbPath)
			return nil
		},
	}
}

// load reads the config file and applies flag overrides on top.
func (o *rootOptions) load() (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Backend.Addr = config.FirstNonEmpty(o.addr, cfg.Backend.Addr)
	cfg.Backend.DBPath = config.FirstNonEmpty(o.dbPath, cfg.Backend.DBPath)
	cfg.Backend.CatalogPath = config.FirstNonEmpty(o.catalog, cfg.Backend.CatalogPath)

	logger, closer, err := logging.New(config.FirstNonEmpty(o.logLevel, cfg.Log.Level), cfg.Log.File)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}
