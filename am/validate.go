package am

import (
	"net/url"
	"time"

	"github.com/teranos/cadence/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path cannot be empty for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.WithHint(
				errors.New("database.dsn cannot be empty for the postgres driver"),
				"set CADENCE_DATABASE_DSN or DATABASE_URL",
			)
		}
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	// Workers: at least one, otherwise nothing would ever dispatch
	if c.Pulse.Workers < 1 {
		return errors.Newf("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMs <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMs)
	}

	// Zero disables the feature; negative is invalid
	if c.Pulse.SweepIntervalSeconds < 0 {
		return errors.Newf("pulse.sweep_interval_seconds must be >= 0, got %d", c.Pulse.SweepIntervalSeconds)
	}
	if c.Pulse.WakeRatePerSecond < 0 {
		return errors.Newf("pulse.wake_rate_per_second must be >= 0, got %f", c.Pulse.WakeRatePerSecond)
	}
	if c.Pulse.MaxLatenessSeconds < 0 {
		return errors.Newf("pulse.max_lateness_seconds must be >= 0, got %d", c.Pulse.MaxLatenessSeconds)
	}
	if c.Pulse.StaleRunSeconds < 0 {
		return errors.Newf("pulse.stale_run_seconds must be >= 0, got %d", c.Pulse.StaleRunSeconds)
	}
	if c.Pulse.RunRetentionDays < 0 {
		return errors.Newf("pulse.run_retention_days must be >= 0, got %d", c.Pulse.RunRetentionDays)
	}

	if _, err := time.LoadLocation(c.Pulse.DefaultTimezone); err != nil {
		return errors.Wrapf(err, "pulse.default_timezone %q is not a valid IANA zone", c.Pulse.DefaultTimezone)
	}

	switch c.Pulse.WakeBackend {
	case WakeBackendSQLite:
		if c.Database.Driver != DriverSQLite {
			return errors.New("pulse.wake_backend sqlite requires database.driver sqlite")
		}
	case WakeBackendMemory:
	default:
		return errors.Newf("pulse.wake_backend must be %q or %q, got %q", WakeBackendSQLite, WakeBackendMemory, c.Pulse.WakeBackend)
	}

	if c.Delivery.TimeoutSeconds <= 0 {
		return errors.Newf("delivery.timeout_seconds must be > 0, got %d", c.Delivery.TimeoutSeconds)
	}
	if c.Delivery.WebhookURL != "" {
		u, err := url.Parse(c.Delivery.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Newf("delivery.webhook_url must be an absolute http(s) URL, got %q", c.Delivery.WebhookURL)
		}
	}

	if c.Log.Verbosity < 0 {
		return errors.Newf("log.verbosity must be >= 0, got %d", c.Log.Verbosity)
	}

	return nil
}
