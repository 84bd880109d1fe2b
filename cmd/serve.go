package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawd/internal/config"
	"github.com/nextlevelbuilder/clawd/internal/logging"
	"github.com/nextlevelbuilder/clawd/internal/runtime"
	"github.com/nextlevelbuilder/clawd/internal/security"
	"github.com/nextlevelbuilder/clawd/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	dir := security.ExpandHome(resolveAgentDir())

	// Config is loaded twice at startup: once here for the logger and
	// telemetry, and again inside the supervisor's first apply. The
	// supervisor's copy is the one that hot-reloads.
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		slogFatal("failed to load config", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(dir, "logs", "clawd.log")
	}

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		slogFatal("failed to set up logging", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry_setup_failed", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	sup, err := runtime.New(dir, logger)
	if err != nil {
		logger.Error("runtime_init_failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway_started", "dir", dir, "version", Version)
	if err := sup.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("gateway_stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway_shutdown")
}

func slogFatal(msg string, err error) {
	os.Stderr.WriteString(msg + ": " + err.Error() + "\n")
	os.Exit(1)
}
