package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/pingboard/internal/cache"
	"github.com/hazz-dev/pingboard/internal/checker"
	"github.com/hazz-dev/pingboard/internal/config"
	"github.com/hazz-dev/pingboard/internal/coordinator"
	"github.com/hazz-dev/pingboard/internal/dashboard"
	"github.com/hazz-dev/pingboard/internal/logging"
	"github.com/hazz-dev/pingboard/internal/scheduler"
	"github.com/hazz-dev/pingboard/internal/server"
	"github.com/hazz-dev/pingboard/internal/storage"
	"github.com/hazz-dev/pingboard/internal/target"
	"github.com/hazz-dev/pingboard/internal/version"
)

const defaultConfigFile = "pingboard.yml"

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pingboard",
		Short:        "Network reachability and latency monitor",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "config file path")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(historyCmd())

	return root
}

// loadConfig reads the config file, then layers PINGBOARD_* environment
// variables and changed flags on top. A missing default config file means
// built-in defaults; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := cfgFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cmdContext returns the command's context, which is nil when a command is
// run outside Execute.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// addProbeFlags registers the flags shared by serve and check.
func addProbeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("timeout", 0, "per-probe timeout (default 2s)")
	f.Duration("threshold", 0, "latency at or above which a target is Low (default 100ms)")
	f.Int("workers", 0, "concurrent probes per cycle (default 4)")
	f.String("method", "", "probe method: auto, tcp or icmp (default auto)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the monitor and its HTTP API",
		RunE:  runServe,
	}
	addProbeFlags(cmd)
	cmd.Flags().String("address", "", "HTTP listen address (default localhost:8050)")
	cmd.Flags().Duration("period", 0, "time between probe cycles (default 7s)")
	cmd.Flags().String("db", "", "SQLite database path (default pingboard.db)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Load config
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("config loaded", "targets", len(cfg.Targets), "version", version.Version)

	registry, err := target.NewRegistry(cfg.TargetSpecs())
	if err != nil {
		return fmt.Errorf("building target registry: %w", err)
	}

	prober, err := checker.New(cfg.Probe.Method, cfg.Probe.TCPPort)
	if err != nil {
		return fmt.Errorf("creating prober: %w", err)
	}

	// 2. Open SQLite
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// 3. Build the cycle pipeline
	state := cache.New()
	coord := coordinator.New(registry, prober, db, state, coordinator.Options{
		Timeout:   cfg.Probe.Timeout.Duration,
		Threshold: cfg.Probe.Threshold.Duration,
		Workers:   cfg.Probe.Workers,
	}, logger)
	sched := scheduler.New(coord, cfg.Schedule.Period.Duration, logger)

	// 4. Build API server with the dashboard behind it
	apiServer := server.New(registry, state, db, sched, logger)
	apiServer.Mount(dashboard.Handler())
	coord.OnCommit(apiServer.Publish)

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Signal context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 6. Start scheduler
	sched.Start(ctx)
	logger.Info("scheduler started",
		"targets", registry.Len(),
		"period", sched.Period(),
		"method", cfg.Probe.Method,
		"workers", cfg.Probe.Workers,
	)

	// 7. Start HTTP server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 8. Wait for signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server: %w", err)
		stop()
	}

	// 9. Graceful shutdown
	sched.Wait()
	apiServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	logger.Info("shutdown complete", "cycles", coord.Cycles())
	return runErr
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every target once and exit non-zero if any is down",
		RunE:  runCheck,
	}
	addProbeFlags(cmd)
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(logging.New(checkLogLevel(cmd, cfg), cfg.Log.Format, cmd.ErrOrStderr()))

	prober, err := checker.New(cfg.Probe.Method, cfg.Probe.TCPPort)
	if err != nil {
		return fmt.Errorf("creating prober: %w", err)
	}
	return executeCheck(cmd, cfg, prober)
}

// checkLogLevel keeps check quiet at warn unless the user asked for a level
// with --log-level or PINGBOARD_LOG_LEVEL.
func checkLogLevel(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Changed("log-level") {
		return cfg.Log.Level
	}
	if _, ok := os.LookupEnv(config.EnvPrefix + "_LOG_LEVEL"); ok {
		return cfg.Log.Level
	}
	return config.LogLevelWarn
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the latest recorded status of every target",
		RunE:  runStatus,
	}
	cmd.Flags().String("db", "", "SQLite database path (default pingboard.db)")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return executeStatus(cmd, db)
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <target>",
		Short: "Print recent observations for one target",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().IntP("limit", "n", 20, "number of observations to print")
	cmd.Flags().String("db", "", "SQLite database path (default pingboard.db)")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return executeHistory(cmd, db, args[0], limit)
}
