package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/agent-memstore/internal/admin"
	"github.com/xiy/agent-memstore/internal/config"
	"github.com/xiy/agent-memstore/internal/mcp"
	"github.com/xiy/agent-memstore/internal/memory"
	"github.com/xiy/agent-memstore/internal/retention"
)

const version = "0.1.0"

// app carries state shared by every subcommand.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    config.Config
	logger *log.Logger
	mem    *memory.Lazy
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "memstore",
		Short:         "Persistent full-text memory store for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.mem == nil {
				return nil
			}
			return a.mem.Close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "~/.memstore/config.yaml", "Path to config file")
	root.PersistentFlags().StringVarP(&a.dbPath, "db", "d", "", "Database path (overrides storage_path)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		a.serveCmd(),
		a.adminCmd(),
		a.statsCmd(),
		a.addCmd(),
		a.searchCmd(),
		a.getCmd(),
		a.deleteCmd(),
		a.listCmd(),
		a.cleanupCmd(),
		a.backupCmd(),
		a.restoreCmd(),
		a.exportCmd(),
		a.importCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.StoragePath = a.dbPath
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)

	a.cfg = cfg
	a.logger = logger
	a.mem = memory.NewLazy(cfg, logger)
	return nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if a.cfg.Cleanup.Enabled {
				interval := time.Duration(a.cfg.RetentionCheckIntervalSeconds) * time.Second
				go retention.Run(ctx, a.logger, interval, a.cfg.Cleanup.RetentionDays, a.mem)
			}

			server := mcp.NewServer(a.mem, a.logger, a.cfg.ServerName, version)
			a.logger.Info("starting MCP stdio server", "db", a.cfg.StoragePath)
			err := server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			requests, failures := server.Counters()
			a.logger.Info("MCP server stopped", "requests", requests, "failures", failures)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func (a *app) adminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Open the terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Keep log lines from tearing the alt screen.
			a.logger.SetLevel(log.ErrorLevel)
			return admin.Run(cmd.Context(), a.mem, a.cfg.ServerName)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memstore v%s\n", version)
		},
	}
}

func setLogLevel(logger *log.Logger, level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
