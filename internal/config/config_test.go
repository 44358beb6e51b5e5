package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, 3, cfg.Heatmap.PersistAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://places.googleapis.com/v1", cfg.Google.BaseURL)
	assert.Equal(t, 10, cfg.Google.TimeoutSecs)
	assert.Equal(t, 200, cfg.Heatmap.DelayMs)
	assert.Equal(t, 20, cfg.Heatmap.Depth)
	assert.Equal(t, 5, cfg.Heatmap.WeakLocations)
	assert.Equal(t, 300, cfg.Heatmap.ScanTimeoutSecs)
	assert.Equal(t, 4, cfg.Heatmap.MaxConcurrentScans)
	assert.Equal(t, 2, cfg.Heatmap.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Heatmap.Breaker.FailureThreshold)
	assert.Equal(t, "free", cfg.Quota.DefaultPlan)
	assert.InDelta(t, 0.032, cfg.Pricing.Google.PerRequest, 1e-9)
	assert.Equal(t, "heatmap-scans", cfg.Temporal.TaskQueue)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.2, cfg.Monitoring.PartialRateThreshold, 1e-9)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: /tmp/localrank.db
log:
  level: debug
  format: console
heatmap:
  delay_ms: 500
  retry:
    max_attempts: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/localrank.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 500, cfg.Heatmap.DelayMs)
	assert.Equal(t, 3, cfg.Heatmap.Retry.MaxAttempts)
	// Defaults still apply for unset values
	assert.Equal(t, 20, cfg.Heatmap.Depth)
	assert.Equal(t, 500, cfg.Heatmap.Retry.InitialBackoffMs)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LOCALRANK_GOOGLE_KEY", "env-key")
	t.Setenv("LOCALRANK_STORE_DATABASE_URL", "postgres://localhost/rank")
	t.Setenv("LOCALRANK_HEATMAP_DEPTH", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Google.Key)
	assert.Equal(t, "postgres://localhost/rank", cfg.Store.DatabaseURL)
	assert.Equal(t, 10, cfg.Heatmap.Depth)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with everything a scan needs.
func validDefaults() *Config {
	return &Config{
		Store:    StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/test"},
		Google:   GoogleConfig{Key: "g-key"},
		Heatmap:  HeatmapConfig{DelayMs: 200, Depth: 20, MaxConcurrentScans: 4},
		Temporal: TemporalConfig{HostPort: "localhost:7233", TaskQueue: "heatmap-scans"},
		Server:   ServerConfig{Port: 8080},
	}
}

func TestValidateScan_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("scan"))
	assert.NoError(t, validDefaults().Validate("serve"))
	assert.NoError(t, validDefaults().Validate("worker"))
}

func TestValidateScan_MissingCredentials(t *testing.T) {
	cfg := validDefaults()
	cfg.Google.Key = ""
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google.key is required")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateStore_IgnoresGoogle(t *testing.T) {
	cfg := validDefaults()
	cfg.Google.Key = ""
	assert.NoError(t, cfg.Validate("store"))

	cfg.Store.Driver = "mysql"
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateScan_DepthBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Heatmap.Depth = 21
	err := cfg.Validate("scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heatmap.depth")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_MonitoringNeedsWebhook(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.Enabled = true
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.webhook_url")

	cfg.Monitoring.WebhookURL = "https://hooks.example.com/alerts"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateWorker_MissingTemporal(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.HostPort = ""
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
