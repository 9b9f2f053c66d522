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
	assert.Equal(t, "ident", cfg.Source.Schema)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Gateway.RequestsPerSecond)
	assert.Equal(t, 50, cfg.Gateway.BatchSize)
	assert.Equal(t, 5, cfg.Gateway.RetryMaxAttempts)
	assert.Equal(t, 1000, cfg.Gateway.RetryBaseMs)
	assert.Equal(t, 30000, cfg.Gateway.RetryMaxMs)
	assert.Equal(t, 2, cfg.Sync.IntervalMinutes)
	assert.Equal(t, []int{8, 20}, cfg.Sync.DeepSyncHours)
	assert.Equal(t, "Europe/Moscow", cfg.Sync.Timezone)
	assert.Equal(t, 1, cfg.Sync.Workers)
	assert.Equal(t, 24, cfg.Sync.InitialLookbackHours)
	assert.True(t, cfg.Sync.IncludePatients)
	assert.Equal(t, []int{142, 143}, cfg.Pipelines.Primary.ExcludedStages)
	assert.Equal(t, "amocrm", cfg.Redis.KeyPrefix)
	assert.InDelta(t, 0.2, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, "ident-sync", cfg.Telemetry.ServiceName)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /var/lib/ident-sync/state.db
amocrm:
  base_url: https://clinic.amocrm.ru
pipelines:
  primary:
    id: 100
    new_stage: 101
    excluded_stages: [142, 143, 199]
  secondary:
    id: 200
    new_stage: 201
fields:
  lead:
    reception_id:
      id: 5001
      kind: number
    visit_type:
      id: 5002
      kind: select
      enums:
        first: 7001
        repeat: 7002
sync:
  workers: 3
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/ident-sync/state.db", cfg.Store.SQLitePath)
	assert.Equal(t, "https://clinic.amocrm.ru", cfg.AmoCRM.BaseURL)
	assert.Equal(t, 100, cfg.Pipelines.Primary.ID)
	assert.Equal(t, []int{142, 143, 199}, cfg.Pipelines.Primary.ExcludedStages)
	assert.Equal(t, 201, cfg.Pipelines.Secondary.NewStage)
	require.Contains(t, cfg.Fields.Lead, "reception_id")
	assert.Equal(t, 5001, cfg.Fields.Lead["reception_id"].ID)
	assert.Equal(t, 7002, cfg.Fields.Lead["visit_type"].Enums["repeat"])
	assert.Equal(t, 3, cfg.Sync.Workers)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 7, cfg.Gateway.RequestsPerSecond)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("IDENT_SYNC_STORE_DRIVER", "postgres")
	t.Setenv("IDENT_SYNC_LOG_LEVEL", "warn")
	t.Setenv("IDENT_SYNC_AMOCRM_CLIENT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "s3cret", cfg.AmoCRM.ClientSecret)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("IDENT_SYNC_GATEWAY_REQUESTS_PER_SECOND", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Gateway.RequestsPerSecond)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validSyncConfig() *Config {
	cfg := &Config{}
	cfg.Source.DatabaseURL = "postgres://localhost/ident"
	cfg.Store.Driver = "postgres"
	cfg.AmoCRM.BaseURL = "https://clinic.amocrm.ru"
	cfg.AmoCRM.ClientID = "client"
	cfg.AmoCRM.ClientSecret = "secret"
	cfg.Redis.URL = "redis://localhost:6379/0"
	cfg.Pipelines.Primary = PipelineConfig{ID: 1, NewStage: 11}
	cfg.Pipelines.Secondary = PipelineConfig{ID: 2, NewStage: 21}
	cfg.Sync.Workers = 1
	cfg.Sync.IntervalMinutes = 2
	cfg.Sync.DeepSyncHours = []int{8, 20}
	cfg.Gateway.RequestsPerSecond = 7
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_SyncAllPresent(t *testing.T) {
	cfg := validSyncConfig()
	assert.NoError(t, cfg.Validate("sync"))
	assert.NoError(t, cfg.Validate("service"))
}

func TestValidate_SyncMissing(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "postgres"}, Sync: SyncConfig{Workers: 1}, Gateway: GatewayConfig{RequestsPerSecond: 7}}

	err := cfg.Validate("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.database_url is required")
	assert.Contains(t, err.Error(), "amocrm.client_secret is required")
	assert.Contains(t, err.Error(), "redis.url is required")
	assert.Contains(t, err.Error(), "pipelines.primary.id is required")
}

func TestValidate_StoreFallsBackToSourceURL(t *testing.T) {
	cfg := validSyncConfig()
	assert.NoError(t, cfg.Validate("store"))
	assert.Equal(t, "postgres://localhost/ident", cfg.StoreURL())

	cfg.Store.DatabaseURL = "postgres://localhost/state"
	assert.Equal(t, "postgres://localhost/state", cfg.StoreURL())
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validSyncConfig()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
}

func TestValidate_ServiceSchedule(t *testing.T) {
	cfg := validSyncConfig()
	cfg.Sync.DeepSyncHours = []int{8, 24}
	cfg.Server.Port = 0

	err := cfg.Validate("service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "24 is not an hour")
	assert.Contains(t, err.Error(), "server.port 0")
	assert.NoError(t, cfg.Validate("sync"))
}

func TestValidate_AuthNeedsRedirect(t *testing.T) {
	cfg := validSyncConfig()
	err := cfg.Validate("auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amocrm.redirect_uri is required")

	cfg.AmoCRM.RedirectURI = "https://example.org/oauth"
	assert.NoError(t, cfg.Validate("auth"))
}
