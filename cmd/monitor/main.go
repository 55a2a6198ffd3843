package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hivewatch/internal/backend"
	"hivewatch/internal/client"
	"hivewatch/internal/config"
	"hivewatch/internal/logging"
	"hivewatch/internal/tui"
)

const defaultBackendURL = "http://localhost:8095"

type rootOptions struct {
	configPath string
	backendURL string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "monitor",
		Short: "Live view of agent executions and their dependency graph",
		Long: `monitor follows a running agent backend: the live execution graph with
per-execution transcripts (watch), the agent dependency editor (design), and
one-shot commands to start and stop executions.

Running 'monitor' without a subcommand is equivalent to 'monitor watch'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.toml (default: ~/.hivewatch/config.toml)")
	root.PersistentFlags().StringVar(&opts.backendURL, "backend", "", "backend base URL (default: "+defaultBackendURL+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	watch := newWatchCmd(opts)
	root.RunE = watch.RunE
	root.Flags().AddFlagSet(watch.Flags())
	root.AddCommand(
		watch,
		newDesignCmd(opts),
		newRunCmd(opts),
		newStopCmd(opts),
		newStopAllCmd(opts),
		newAgentsCmd(opts),
	)
	return root
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "watch [root-execution-id]",
		Short: "Show the live execution graph",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := tuiLogger(cfg, opts.logLevel)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if embedded {
				stop, url, err := startEmbedded(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("start embedded backend: %w", err)
				}
				defer stop()
				cfg.Monitor.BackendURL = url
			}

			c := client.New(cfg.Monitor.BackendURL, cfg.Monitor.RequestTimeout())
			if embedded {
				if err := c.WaitHealth(ctx, 10*time.Second); err != nil {
					return err
				}
			}
			rootID := ""
			if len(args) == 1 {
				rootID = args[0]
			}
			return tui.RunWatch(ctx, c, tui.WatchOptions{
				Monitor: cfg.Monitor,
				RootID:  rootID,
				Logger:  logger,
			})
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded", false, "run the development backend inside the monitor process")
	return cmd
}

func newDesignCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "design <agent>",
		Short: "Edit the dependency graph rooted at an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := tuiLogger(cfg, opts.logLevel)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c := client.New(cfg.Monitor.BackendURL, cfg.Monitor.RequestTimeout())
			return tui.RunDesign(ctx, c, args[0], logger)
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <agent> <message...>",
		Short: "Start an execution",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.StartExecution(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return fmt.Errorf("start execution: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", resp.ID, resp.AgentName, resp.Status)
			return nil
		},
	}
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <execution-id>",
		Short: "Stop an execution and everything it started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.StopExecution(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("stop execution: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d: %s\n", res.StoppedCount, strings.Join(res.IDs, " "))
			return nil
		},
	}
}

func newStopAllCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.StopAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("stop all: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d\n", res.StoppedCount)
			return nil
		},
	}
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agent definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context())
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTOOLS\tDESCRIPTION")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, strings.Join(a.Tools, ","), a.Description)
			}
			return tw.Flush()
		},
	}
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Monitor.BackendURL = config.FirstNonEmpty(o.backendURL, cfg.Monitor.BackendURL, defaultBackendURL)
	return cfg, nil
}

func (o *rootOptions) client() (*client.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, _, err := logging.New(config.FirstNonEmpty(o.logLevel, cfg.Log.Level), "")
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return client.New(cfg.Monitor.BackendURL, cfg.Monitor.RequestTimeout()), nil
}

// tuiLogger writes to a file since the terminal belongs to the UI.
func tuiLogger(cfg config.Config, level string) (*slog.Logger, io.Closer, error) {
	path := cfg.Log.File
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".hivewatch", "monitor.log")
	}
	logger, closer, err := logging.New(config.FirstNonEmpty(level, cfg.Log.Level), path)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// startEmbedded runs the development backend in this process and returns
// its base URL.
func startEmbedded(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(), string, error) {
	addr := config.FirstNonEmpty(cfg.Backend.Addr, backend.DefaultAddr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("parse backend addr %q: %w", addr, err)
	}
	if port == "" || port == "0" {
		return nil, "", fmt.Errorf("backend addr must include explicit port, got %q", addr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	b, err := backend.Open(ctx, backend.Options{
		Backend:    cfg.Backend,
		ConfigPath: cfg.Path,
		ConfigRaw:  cfg.Raw,
		Logger:     logger,
	})
	if err != nil {
		return nil, "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded backend stopped", "error", err)
		}
	}()

	stop := func() {
		cancel()
		<-done
		_ = b.Close()
	}
	return stop, "http://" + net.JoinHostPort(host, port), nil
}
