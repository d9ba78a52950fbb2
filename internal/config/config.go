// Package config loads sync settings from the environment and an optional
// YAML file for operational tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/port-labs/incremental-sync/internal/tagfilter"
)

// SyncMode selects between a full inventory sync and a change-window sync.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// Config is the root configuration structure. Credentials and sync tunables
// come from the environment; the daemon/telemetry sections come from the
// optional config file.
type Config struct {
	Azure   AzureConfig   `yaml:"-"`
	Webhook WebhookConfig `yaml:"-"`
	Sync    SyncConfig    `yaml:"-"`

	Daemon DaemonConfig `yaml:"daemon"`
	OTEL   OTELConfig   `yaml:"otel"`
	Log    LogConfig    `yaml:"log"`
}

// AzureConfig holds service principal credentials. When all three fields
// are empty the default credential chain is used instead.
type AzureConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// WebhookConfig holds the catalog webhook ingestion settings.
type WebhookConfig struct {
	IngestURL string
	Secret    string
}

// SyncConfig holds the sync tunables.
type SyncConfig struct {
	Mode                  SyncMode
	SubscriptionBatchSize int
	ChangeWindowMinutes   int
	ResourceTypes         []string
	ResourceGroupFilters  tagfilter.TagFilters

	// TagFilterErr is set when RESOURCE_GROUP_TAG_FILTERS could not be
	// parsed; the run proceeds without filtering.
	TagFilterErr error
}

// DaemonConfig holds interval-mode settings.
type DaemonConfig struct {
	IntervalStr string `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds the configuration. A .env file in the working directory is
// honored when present, the YAML file at path is parsed when path is
// non-empty, then environment variables are applied on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := parseInterval(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) fromEnv() error {
	c.Azure.TenantID = os.Getenv("AZURE_TENANT_ID")
	c.Azure.ClientID = os.Getenv("AZURE_CLIENT_ID")
	c.Azure.ClientSecret = os.Getenv("AZURE_CLIENT_SECRET")

	c.Webhook.IngestURL = os.Getenv("PORT_WEBHOOK_INGEST_URL")
	c.Webhook.Secret = envOr("PORT_WEBHOOK_SECRET", "azure-incremental")

	c.Sync.Mode = SyncMode(envOr("SYNC_MODE", string(SyncModeIncremental)))
	c.Sync.ResourceTypes = splitList(os.Getenv("RESOURCE_TYPES_FILTER"))

	var err error
	if c.Sync.SubscriptionBatchSize, err = envInt("SUBSCRIPTION_BATCH_SIZE", 1000); err != nil {
		return err
	}
	if c.Sync.ChangeWindowMinutes, err = envInt("CHANGE_WINDOW_MINUTES", 15); err != nil {
		return err
	}

	c.Sync.ResourceGroupFilters, c.Sync.TagFilterErr = tagfilter.Parse(
		os.Getenv("RESOURCE_GROUP_TAG_FILTERS"))
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Daemon.IntervalStr == "" {
		cfg.Daemon.IntervalStr = "15m"
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "azure-incremental-sync"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func parseInterval(cfg *Config) error {
	d, err := time.ParseDuration(cfg.Daemon.IntervalStr)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", cfg.Daemon.IntervalStr, err)
	}
	cfg.Daemon.Interval = d
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Webhook.IngestURL == "" {
		return fmt.Errorf("PORT_WEBHOOK_INGEST_URL is required")
	}
	if c.Sync.Mode != SyncModeFull && c.Sync.Mode != SyncModeIncremental {
		return fmt.Errorf("SYNC_MODE must be %q or %q (got %q)",
			SyncModeFull, SyncModeIncremental, c.Sync.Mode)
	}
	if c.Sync.SubscriptionBatchSize < 1 || c.Sync.SubscriptionBatchSize > 1000 {
		return fmt.Errorf("SUBSCRIPTION_BATCH_SIZE must be between 1 and 1000 (got %d)",
			c.Sync.SubscriptionBatchSize)
	}
	if c.Sync.ChangeWindowMinutes < 1 {
		return fmt.Errorf("CHANGE_WINDOW_MINUTES must be positive (got %d)",
			c.Sync.ChangeWindowMinutes)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)",
			c.OTEL.Traces.SampleRate)
	}
	return nil
}

// HasServicePrincipal reports whether explicit client credentials are set.
func (a AzureConfig) HasServicePrincipal() bool {
	return a.TenantID != "" && a.ClientID != "" && a.ClientSecret != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt rejects unparseable values instead of silently using the
// fallback, so a typo in the environment surfaces at startup.
func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got %q)", key, v)
	}
	return n, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
