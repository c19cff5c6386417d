package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chTempDir runs the test from an empty directory so no config.yaml is found.
func chTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "treasury.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "treasury-cli/1.0", cfg.Fetcher.UserAgent)
	assert.Equal(t, "https://data.sec.gov", cfg.Filings.DataBaseURL)
	assert.Equal(t, "rules.yaml", cfg.Extract.RulesPath)
	assert.Equal(t, "1000", cfg.Extract.Floors["shares_outstanding"])
	assert.InDelta(t, 0.90, cfg.Policy.ConfidenceThreshold, 0.001)
	assert.InDelta(t, 25, cfg.Policy.MaxChangePct, 0.001)
	assert.InDelta(t, 100, cfg.Policy.BySource["regulatory-filing"].MaxChangePct, 0.001)
	assert.InDelta(t, 10, cfg.Policy.BySource["aggregator"].MaxChangePct, 0.001)
	assert.InDelta(t, 1, cfg.Discrepancy.ModeratePct, 0.001)
	assert.InDelta(t, 5, cfg.Discrepancy.MajorPct, 0.001)
	assert.InDelta(t, 0.5, cfg.Discrepancy.DismissPct, 0.001)
	assert.True(t, cfg.Discrepancy.CrossCheck)
	assert.Equal(t, 4, cfg.Monitor.Workers)
	assert.Equal(t, 6, cfg.Monitor.CheckIntervalHours)
	assert.Equal(t, 120, cfg.Monitor.DocumentTimeoutSecs)
	assert.Equal(t, "0 */6 * * *", cfg.Monitor.Schedule)
	assert.Equal(t, "30 2 * * *", cfg.Monitor.VerifySchedule)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/treasury
log:
  level: debug
  format: console
server:
  port: 9090
monitor:
  workers: 8
discrepancy:
  sources:
    - name: aggregator-a
      base_url: https://aggregator-a.example.com
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/treasury", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Monitor.Workers)
	require.Len(t, cfg.Discrepancy.Sources, 1)
	assert.Equal(t, "aggregator-a", cfg.Discrepancy.Sources[0].Name)
	// Defaults still apply for unset values
	assert.Equal(t, 6, cfg.Monitor.CheckIntervalHours)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("TREASURY_STORE_DRIVER", "postgres")
	t.Setenv("TREASURY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chTempDir(t)

	t.Setenv("TREASURY_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
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

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "treasury.db"
	cfg.Server.Port = 8080
	cfg.Policy.ConfidenceThreshold = 0.90
	cfg.Monitor.Workers = 4
	return cfg
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("cli"))
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")

	cfg = validDefaults()
	cfg.Store.Driver = "postgres"
	err = cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/treasury"
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidate_PolicyBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Policy.ConfidenceThreshold = 1.1
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "policy.confidence_threshold must be between 0 and 1")

	cfg = validDefaults()
	cfg.Policy.BySource = map[string]SourceOverride{
		"aggregator": {ConfidenceThreshold: -0.5},
	}
	err = cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "policy.by_source.aggregator.confidence_threshold")
}

func TestValidate_DiscrepancyBands(t *testing.T) {
	cfg := validDefaults()
	cfg.Discrepancy.ModeratePct = 5
	cfg.Discrepancy.MajorPct = 1
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "moderate_pct must not exceed")

	cfg = validDefaults()
	cfg.Discrepancy.DismissPct = -1
	err = cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "discrepancy percentages must be >= 0")
}

func TestValidate_WorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Monitor.Workers = 0
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.workers must be between 1 and 32")

	cfg.Monitor.Workers = 33
	err = cfg.Validate("cli")
	assert.Error(t, err)

	cfg.Monitor.Workers = 32
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	assert.NoError(t, cfg.Validate("cli"))

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("batch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "monitor.workers")
	assert.Contains(t, err.Error(), "server.port")
}