package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 30, cfg.Inventory.ExpiringThresholdDays)
	assert.Equal(t, "system", cfg.Inventory.SystemActor)
	assert.Equal(t, "host=localhost port=5432 user=inventory password=password dbname=lot_engine sslmode=disable", cfg.DSN())
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
database:
  driver: sqlite3
  sqlite_path: /tmp/lots.db
inventory:
  expiring_threshold_days: 7
  retry_backoff: 20ms
  timezone: Asia/Tokyo
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("INVENTORY_EXPIRING_THRESHOLD_DAYS", "3")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "/tmp/lots.db", cfg.DSN())
	assert.Equal(t, 3, cfg.Inventory.ExpiringThresholdDays)
	assert.Equal(t, 20*time.Millisecond, cfg.Inventory.RetryBackoff)

	engine, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", engine.Location.String())
	assert.Equal(t, 3, engine.ExpiringThresholdDays)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"missing sqlite path", func(c *Config) { c.Database.Driver = "sqlite3"; c.Database.SQLitePath = "" }},
		{"bad api port", func(c *Config) { c.API.Port = 0 }},
		{"negative threshold", func(c *Config) { c.Inventory.ExpiringThresholdDays = -1 }},
		{"bad timezone", func(c *Config) { c.Inventory.Timezone = "Mars/Olympus" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestBuildLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "warn", Format: "console", Output: "stderr"}.BuildLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LoggingConfig{Level: "loud", Format: "json"}.BuildLogger()
	assert.Error(t, err)
}
