package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/layers/internal/command"
	"firestige.xyz/layers/internal/config"
	"firestige.xyz/layers/internal/engine"
	"firestige.xyz/layers/internal/log"
	"firestige.xyz/layers/internal/metrics"
)

const metricsStopTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start capturing and dissecting traffic",
	Long: `Start the engine in the foreground. It runs until SIGINT/SIGTERM, or until
the capture file is exhausted when capture.source is "file".

Examples:
  layers start                       # use /etc/layers/config.yaml
  layers start -c config.yaml        # use config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runStart(ctx, configFile)
	},
}

// runStart loads configuration and runs the engine until ctx is done or the
// source is exhausted. Teardown order is capture, workers, sink, control
// socket, metrics.
func runStart(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init log: %w", err)
	}
	defer log.Close()

	if cfg.Workspace != "" {
		if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
			return fmt.Errorf("failed to create workspace %s: %w", cfg.Workspace, err)
		}
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), metricsStopTimeout)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				log.GetLogger().WithError(err).Warn("metrics server stop failed")
			}
		}()
	}

	sd := engine.NewShutdown(context.Background())
	sd.Watch(ctx, "signal")
	defer sd.Trigger("engine stopped")

	handler := command.NewHandler(sd.Trigger)
	if cfg.Control.Enabled {
		srv := command.NewUDSServer(cfg.Control.Socket, handler)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	e, err := engine.New(*cfg)
	if err != nil {
		return err
	}
	handler.SetEngine(e)
	return e.Run(sd.Context())
}
