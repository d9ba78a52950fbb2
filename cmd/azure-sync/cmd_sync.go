package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/port-labs/incremental-sync/internal/azure"
	"github.com/port-labs/incremental-sync/internal/config"
	"github.com/port-labs/incremental-sync/internal/port"
	"github.com/port-labs/incremental-sync/internal/sync"
	"github.com/port-labs/incremental-sync/internal/telemetry"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass and exit",
	Example: `  azure-sync sync                       # incremental pass over the change window
  SYNC_MODE=full azure-sync sync        # full inventory resync
  azure-sync sync --config sync.yaml    # with telemetry tunables`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log)

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, telemetry.Options{})
	if err != nil {
		return err
	}
	defer shutdownProvider(provider, logger)

	syncer, err := buildSyncer(cfg, logger, provider)
	if err != nil {
		return err
	}

	logger.Info().Str("mode", string(cfg.Sync.Mode)).Msg("starting sync")
	if err := syncer.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("sync finished")
	return nil
}

func buildSyncer(cfg *config.Config, logger zerolog.Logger, metrics sync.Metrics) (*sync.Syncer, error) {
	azureClient, err := azure.NewClient(cfg.Azure, logger)
	if err != nil {
		return nil, err
	}

	webhook := port.NewClient(cfg.Webhook, logger)
	return sync.New(azureClient, azureClient, webhook, cfg.Sync, logger, metrics), nil
}

func shutdownProvider(provider *telemetry.Provider, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}
