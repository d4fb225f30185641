// Package am holds cadence's configuration: the config struct, its defaults,
// loading through viper, validation, and hot reload of cadence.toml.
package am

import "time"

// Config represents the cadence configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Delivery DeliveryConfig `mapstructure:"delivery" toml:"delivery"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the persistence backend.
// Path is used by sqlite, DSN by postgres.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"`
	Path   string `mapstructure:"path" toml:"path"`
	DSN    string `mapstructure:"dsn" toml:"dsn,omitempty"`
}

// Wake backends
const (
	WakeBackendSQLite = "sqlite"
	WakeBackendMemory = "memory"
)

// PulseConfig configures the scheduler daemon
type PulseConfig struct {
	Workers              int     `mapstructure:"workers" toml:"workers"`                               // concurrent DispatchNow calls per poll
	PollIntervalMs       int     `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`             // how often the wake queue is drained
	SweepIntervalSeconds int     `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"` // 0 = no sweeper
	WakeRatePerSecond    float64 `mapstructure:"wake_rate_per_second" toml:"wake_rate_per_second"`     // 0 = unlimited
	MaxLatenessSeconds   int     `mapstructure:"max_lateness_seconds" toml:"max_lateness_seconds"`     // 0 = always execute late occurrences
	StaleRunSeconds      int     `mapstructure:"stale_run_seconds" toml:"stale_run_seconds"`           // 0 = never repair running claims
	RunRetentionDays     int     `mapstructure:"run_retention_days" toml:"run_retention_days"`         // 0 = keep runs forever
	DefaultTimezone      string  `mapstructure:"default_timezone" toml:"default_timezone"`
	WakeBackend          string  `mapstructure:"wake_backend" toml:"wake_backend"`
}

// DeliveryConfig configures how reminders leave the process. With no
// webhook_url reminders are written to the log.
type DeliveryConfig struct {
	WebhookURL     string `mapstructure:"webhook_url" toml:"webhook_url,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private" toml:"allow_private"` // permit webhooks on private networks
}

// Timeout returns the webhook request timeout
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// LogConfig configures logging output
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity"`
}

// PollInterval returns the wake poll interval as a duration
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// SweepInterval returns the sweep interval; zero disables sweeping
func (p PulseConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// MaxLateness returns the lateness bound; zero means unbounded
func (p PulseConfig) MaxLateness() time.Duration {
	return time.Duration(p.MaxLatenessSeconds) * time.Second
}

// StaleRunAfter returns how long a running claim may live before repair
func (p PulseConfig) StaleRunAfter() time.Duration {
	return time.Duration(p.StaleRunSeconds) * time.Second
}

// RunRetention returns how long finished runs are kept
func (p PulseConfig) RunRetention() time.Duration {
	return time.Duration(p.RunRetentionDays) * 24 * time.Hour
}
