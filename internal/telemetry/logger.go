package telemetry

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/port-labs/incremental-sync/internal/config"
)

// NewLogger builds the service logger. Format "console" gives the
// human-readable writer; anything else logs JSON to stdout.
func NewLogger(service string, cfg config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}
