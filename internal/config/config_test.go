package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT_WEBHOOK_INGEST_URL", "https://ingest.getport.io/example")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, SyncModeIncremental, cfg.Sync.Mode)
	assert.Equal(t, 1000, cfg.Sync.SubscriptionBatchSize)
	assert.Equal(t, 15, cfg.Sync.ChangeWindowMinutes)
	assert.Equal(t, "azure-incremental", cfg.Webhook.Secret)
	assert.Empty(t, cfg.Sync.ResourceTypes)
	assert.False(t, cfg.Sync.ResourceGroupFilters.HasFilters())
	assert.Equal(t, 15*time.Minute, cfg.Daemon.Interval)
	assert.Equal(t, ":9090", cfg.Daemon.MetricsAddr)
	assert.Equal(t, "azure-incremental-sync", cfg.OTEL.ServiceName)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AZURE_TENANT_ID", "tenant")
	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_CLIENT_SECRET", "secret")
	t.Setenv("PORT_WEBHOOK_SECRET", "custom-secret")
	t.Setenv("SUBSCRIPTION_BATCH_SIZE", "250")
	t.Setenv("CHANGE_WINDOW_MINUTES", "30")
	t.Setenv("SYNC_MODE", "full")
	t.Setenv("RESOURCE_TYPES_FILTER", "microsoft.compute/virtualmachines, microsoft.storage/storageaccounts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Azure.HasServicePrincipal())
	assert.Equal(t, "custom-secret", cfg.Webhook.Secret)
	assert.Equal(t, 250, cfg.Sync.SubscriptionBatchSize)
	assert.Equal(t, 30, cfg.Sync.ChangeWindowMinutes)
	assert.Equal(t, SyncModeFull, cfg.Sync.Mode)
	assert.Equal(t, []string{
		"microsoft.compute/virtualmachines",
		"microsoft.storage/storageaccounts",
	}, cfg.Sync.ResourceTypes)
}

func TestLoad_TagFilters(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RESOURCE_GROUP_TAG_FILTERS",
		`{"include": {"Environment": "Production"}, "exclude": {"Temporary": "true"}}`)

	cfg, err := Load("")
	require.NoError(t, err)

	require.NoError(t, cfg.Sync.TagFilterErr)
	assert.Equal(t, map[string]string{"Environment": "Production"}, cfg.Sync.ResourceGroupFilters.Include)
	assert.Equal(t, map[string]string{"Temporary": "true"}, cfg.Sync.ResourceGroupFilters.Exclude)
}

func TestLoad_InvalidTagFiltersDegradeToNone(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RESOURCE_GROUP_TAG_FILTERS", "not json")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Error(t, cfg.Sync.TagFilterErr)
	assert.False(t, cfg.Sync.ResourceGroupFilters.HasFilters())
}

func TestLoad_MissingWebhookURL(t *testing.T) {
	t.Setenv("PORT_WEBHOOK_INGEST_URL", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT_WEBHOOK_INGEST_URL")
}

func TestLoad_InvalidSyncMode(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_MODE", "delta")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_MODE")
}

func TestLoad_BatchSizeAboveCeiling(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SUBSCRIPTION_BATCH_SIZE", "5000")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBSCRIPTION_BATCH_SIZE")
}

func TestLoad_MalformedWindowRejected(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHANGE_WINDOW_MINUTES", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHANGE_WINDOW_MINUTES")
}

func TestLoad_MalformedBatchSizeRejected(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SUBSCRIPTION_BATCH_SIZE", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBSCRIPTION_BATCH_SIZE")
}

func TestLoad_ConfigFile(t *testing.T) {
	setRequiredEnv(t)

	content := `
daemon:
  interval: 5m
  metrics_addr: ":9191"

otel:
  endpoint: localhost:4317
  insecure: true
  service_name: sync-test
  traces:
    enabled: true
    sample_rate: 0.5
  metrics:
    enabled: true

log:
  level: debug
  format: console
`
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Daemon.Interval)
	assert.Equal(t, ":9191", cfg.Daemon.MetricsAddr)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "sync-test", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.InDelta(t, 0.5, cfg.OTEL.Traces.SampleRate, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_ConfigFileNotFound(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_InvalidInterval(t *testing.T) {
	setRequiredEnv(t)

	content := "daemon:\n  interval: often\n"
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse interval")
}

func TestLoad_SampleRateOutOfRange(t *testing.T) {
	setRequiredEnv(t)

	content := "otel:\n  traces:\n    sample_rate: 1.5\n"
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_rate")
}
