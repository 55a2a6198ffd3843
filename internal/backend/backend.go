// Package backend assembles the development backend: SQLite store, change
// bus, simulated runner, catalog watcher and HTTP server.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"hivewatch/internal/catalog"
	"hivewatch/internal/config"
	"hivewatch/internal/logging"
	"hivewatch/internal/messaging/inproc"
	"hivewatch/internal/policy"
	"hivewatch/internal/runner"
	"hivewatch/internal/server"
	"hivewatch/internal/store/sqlite"
)

const (
	DefaultAddr   = ":8095"
	DefaultDBPath = "data/hivewatch.db"
)

type Options struct {
	Backend    config.BackendConfig
	ConfigPath string
	ConfigRaw  map[string]any
	Logger     *slog.Logger
}

type Backend struct {
	Store  *sqlite.Store
	Bus    *inproc.Bus
	Runner *runner.Runner
	Server *server.Server

	addr        string
	catalogPath string
	logger      *slog.Logger
}

// Open prepares the database and the catalog. An empty catalog path loads
// the built-in catalog, but only into an empty database.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	logger := logging.OrDefault(opts.Logger)
	cfg := opts.Backend

	dbPath := filepath.Clean(config.FirstNonEmpty(cfg.DBPath, DefaultDBPath))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	catalogPath := strings.TrimSpace(cfg.CatalogPath)
	if err := Seed(ctx, store, catalogPath, false); err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := inproc.New(256)
	run := runner.New(store, bus, runner.Config{
		StepDelay: cfg.StepDelay(),
		MaxDepth:  config.IntOrDefault(cfg.MaxDepth, 4),
	}, logger)
	srv := server.New(server.Config{
		Addr:         config.FirstNonEmpty(cfg.Addr, DefaultAddr),
		PushInterval: cfg.PushInterval(),
		ConfigPath:   opts.ConfigPath,
		ConfigRaw:    opts.ConfigRaw,
		Policy:       policy.New(store, sqlite.ErrNotFound),
		Logger:       logger,
	}, store, run, bus)

	logger.Info("backend opened", "db", dbPath, "catalog", catalogPath)
	return &Backend{
		Store:       store,
		Bus:         bus,
		Runner:      run,
		Server:      srv,
		addr:        config.FirstNonEmpty(cfg.Addr, DefaultAddr),
		catalogPath: catalogPath,
		logger:      logger,
	}, nil
}

// Seed loads the catalog at path into store. With an empty path the
// built-in catalog is used; it only overwrites an existing catalog when
// force is set.
func Seed(ctx context.Context, store *sqlite.Store, path string, force bool) error {
	var c catalog.Catalog
	if path != "" {
		loaded, err := catalog.Load(path)
		if err != nil {
			return err
		}
		c = loaded
	} else {
		if !force {
			agents, err := store.ListAgents(ctx)
			if err != nil {
				return err
			}
			if len(agents) > 0 {
				return nil
			}
		}
		c = catalog.Default()
	}
	return c.Apply(ctx, store)
}

func (b *Backend) Addr() string {
	return b.addr
}

// Run serves until ctx is done. Runs still in flight are cancelled on the
// way out.
func (b *Backend) Run(ctx context.Context) error {
	defer b.Runner.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Server.Serve(gctx)
	})
	if b.catalogPath != "" {
		g.Go(func() error {
			if err := catalog.Watch(gctx, b.catalogPath, b.Store, b.logger); err != nil {
				b.logger.Warn("catalog watch stopped", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Backend) Close() error {
	return b.Store.Close()
}
