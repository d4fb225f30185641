package am

import (
	"github.com/spf13/viper"
)

// Default file names and permissions
const (
	ConfigFileName        = "cadence.toml"
	EnvPrefix             = "CADENCE"
	DefaultDirPermissions = 0750
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "cadence.db")
	v.SetDefault("database.dsn", "")

	// Pulse defaults
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.sweep_interval_seconds", 60)
	v.SetDefault("pulse.wake_rate_per_second", 20.0)
	v.SetDefault("pulse.max_lateness_seconds", 0)
	v.SetDefault("pulse.stale_run_seconds", 3600)
	v.SetDefault("pulse.run_retention_days", 90)
	v.SetDefault("pulse.default_timezone", "UTC")
	v.SetDefault("pulse.wake_backend", WakeBackendSQLite)

	// Delivery defaults
	v.SetDefault("delivery.webhook_url", "")
	v.SetDefault("delivery.timeout_seconds", 30)
	v.SetDefault("delivery.allow_private", false)

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "CADENCE_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("delivery.webhook_url", "CADENCE_DELIVERY_WEBHOOK_URL")
}
