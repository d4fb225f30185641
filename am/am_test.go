package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "cadence.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, time.Second, cfg.Pulse.PollInterval())
	assert.Equal(t, time.Minute, cfg.Pulse.SweepInterval())
	assert.Equal(t, time.Hour, cfg.Pulse.StaleRunAfter())
	assert.Equal(t, 90*24*time.Hour, cfg.Pulse.RunRetention())
	assert.Equal(t, "UTC", cfg.Pulse.DefaultTimezone)
	assert.Equal(t, WakeBackendSQLite, cfg.Pulse.WakeBackend)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"zero workers", func(c *Config) { c.Pulse.Workers = 0 }, "pulse.workers"},
		{"zero poll interval", func(c *Config) { c.Pulse.PollIntervalMs = 0 }, "pulse.poll_interval_ms"},
		{"zero sweep disables", func(c *Config) { c.Pulse.SweepIntervalSeconds = 0 }, ""},
		{"negative sweep", func(c *Config) { c.Pulse.SweepIntervalSeconds = -1 }, "pulse.sweep_interval_seconds"},
		{"negative lateness", func(c *Config) { c.Pulse.MaxLatenessSeconds = -5 }, "pulse.max_lateness_seconds"},
		{"negative retention", func(c *Config) { c.Pulse.RunRetentionDays = -1 }, "pulse.run_retention_days"},
		{"bad timezone", func(c *Config) { c.Pulse.DefaultTimezone = "Mars/Olympus" }, "pulse.default_timezone"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) {
			c.Database.Driver = DriverPostgres
			c.Pulse.WakeBackend = WakeBackendMemory
		}, "database.dsn"},
		{"postgres with sqlite wakes", func(c *Config) {
			c.Database.Driver = DriverPostgres
			c.Database.DSN = "postgres://localhost/cadence"
		}, "pulse.wake_backend"},
		{"postgres with memory wakes", func(c *Config) {
			c.Database.Driver = DriverPostgres
			c.Database.DSN = "postgres://localhost/cadence"
			c.Pulse.WakeBackend = WakeBackendMemory
		}, ""},
		{"unknown wake backend", func(c *Config) { c.Pulse.WakeBackend = "redis" }, "pulse.wake_backend"},
		{"webhook url", func(c *Config) { c.Delivery.WebhookURL = "https://hooks.example.com/remind" }, ""},
		{"relative webhook url", func(c *Config) { c.Delivery.WebhookURL = "/remind" }, "delivery.webhook_url"},
		{"zero delivery timeout", func(c *Config) { c.Delivery.TimeoutSeconds = 0 }, "delivery.timeout_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	content := `
[database]
path = "/tmp/other.db"

[pulse]
workers = 8
max_lateness_seconds = 600
default_timezone = "Europe/Berlin"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Pulse.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Pulse.MaxLateness())
	assert.Equal(t, "Europe/Berlin", cfg.Pulse.DefaultTimezone)
	// Untouched keys keep their defaults
	assert.Equal(t, 1000, cfg.Pulse.PollIntervalMs)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 2\n"), 0644))

	t.Setenv("CADENCE_PULSE_WORKERS", "6")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pulse.Workers)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = -1\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse.workers")
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)

	require.NoError(t, WriteDefault(path))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	// A second write keeps the previous file as a backup
	require.NoError(t, WriteDefault(path))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestSettings_Sources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 3\n"), 0644))
	t.Setenv("CADENCE_LOG_VERBOSITY", "2")

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	byKey := map[string]SettingInfo{}
	for _, s := range Settings(v) {
		byKey[s.Key] = s
	}

	assert.Equal(t, SourceFile, byKey["pulse.workers"].Source)
	assert.Equal(t, SourceEnvironment, byKey["log.verbosity"].Source)
	assert.Equal(t, SourceDefault, byKey["database.path"].Source)
}

func TestSettings_MasksDSN(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("database.dsn", "postgres://user:secret@db/cadence")

	for _, s := range Settings(v) {
		if s.Key == "database.dsn" {
			assert.Equal(t, "********", s.Value)
			return
		}
	}
	t.Fatal("database.dsn not listed")
}
