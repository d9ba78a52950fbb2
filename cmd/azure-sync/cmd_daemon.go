package main

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/port-labs/incremental-sync/internal/config"
	"github.com/port-labs/incremental-sync/internal/sync"
	"github.com/port-labs/incremental-sync/internal/telemetry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run sync passes on an interval with a /metrics endpoint",
	Long: `Runs an immediate sync pass, then repeats on the configured interval
(default 15m, matching the default change window) until interrupted.
Prometheus metrics are served on the configured metrics address.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.OTEL.ServiceName, cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, telemetry.Options{PrometheusReader: true})
	if err != nil {
		return err
	}
	defer shutdownProvider(provider, logger)

	syncer, err := buildSyncer(cfg, logger, provider)
	if err != nil {
		return err
	}

	logger.Info().
		Dur("interval", cfg.Daemon.Interval).
		Str("metrics_addr", cfg.Daemon.MetricsAddr).
		Str("mode", string(cfg.Sync.Mode)).
		Msg("daemon starting")

	var group run.Group

	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	server := &http.Server{
		Addr:              cfg.Daemon.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Add(func() error {
		logger.Info().Str("addr", cfg.Daemon.MetricsAddr).Msg("starting metrics server")
		return server.ListenAndServe()
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	})

	group.Add(func() error {
		return syncLoop(ctx, syncer, cfg.Daemon.Interval, logger)
	}, func(error) {
		cancel()
	})

	err = group.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// syncLoop runs one pass immediately, then on every tick. A failed pass is
// logged and retried at the next tick rather than killing the daemon.
func syncLoop(ctx context.Context, syncer *sync.Syncer, interval time.Duration, logger zerolog.Logger) error {
	runOnce := func() {
		if err := syncer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sync pass failed, retrying next interval")
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}
