package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/handlers"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/pulse/schedule/pgstore"
	"github.com/teranos/cadence/pulse/wake"
)

var (
	configPath string
	jsonOutput bool
)

// Setup initializes logging from flags and config. Runs before every command.
func Setup(cmd *cobra.Command) error {
	configPath, _ = cmd.Flags().GetString("config")
	jsonOutput, _ = cmd.Flags().GetBool("json")
	verbosity, _ := cmd.Flags().GetCount("verbose")

	// Config errors surface from the command itself, with logging already up
	if cfg, err := loadConfig(); err == nil {
		verbosity = max(verbosity, cfg.Log.Verbosity)
		if cfg.Log.JSON {
			return logger.Initialize(true, verbosity)
		}
	}
	return logger.Initialize(false, verbosity)
}

func loadConfig() (*am.Config, error) {
	if configPath != "" {
		return am.LoadFromFile(configPath)
	}
	return am.Load()
}

// engine is everything a command needs to operate on actions
type engine struct {
	cfg       *am.Config
	db        *sql.DB
	store     schedule.Store
	ledger    schedule.RunLedger
	queue     wake.Queue
	router    *handlers.Router
	scheduler *schedule.Scheduler
}

// openEngine opens the configured backend and wires the scheduler to the
// wake queue and the handler router.
func openEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	e := &engine{cfg: cfg}
	switch cfg.Database.Driver {
	case am.DriverPostgres:
		e.db, err = db.OpenPostgres(cfg.Database.DSN, logger.Logger)
		if err != nil {
			return nil, err
		}
		if err := db.MigratePostgres(e.db, logger.Logger); err != nil {
			e.db.Close()
			return nil, err
		}
		e.store = pgstore.NewStore(e.db)
		e.ledger = pgstore.NewLedger(e.db)
	default:
		e.db, err = db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
		if err != nil {
			return nil, err
		}
		e.store = schedule.NewSQLiteStore(e.db)
		e.ledger = schedule.NewSQLiteLedger(e.db)
	}

	if cfg.Pulse.WakeBackend == am.WakeBackendMemory {
		e.queue = wake.NewMemoryQueue()
	} else {
		e.queue = wake.NewSQLiteQueue(e.db)
	}

	e.router, err = newRouter(cfg)
	if err != nil {
		e.db.Close()
		return nil, err
	}

	e.scheduler = schedule.NewScheduler(e.store, e.ledger, e.queue, e.router, schedule.SchedulerConfig{
		MaxLateness:   cfg.Pulse.MaxLateness(),
		StaleRunAfter: cfg.Pulse.StaleRunAfter(),
	}, logger.ComponentLogger("pulse.schedule"))
	return e, nil
}

func (e *engine) Close() error {
	return e.db.Close()
}

func newRouter(cfg *am.Config) (*handlers.Router, error) {
	blockPrivate := !cfg.Delivery.AllowPrivate
	client := httpclient.NewSaferClientWithOptions(cfg.Delivery.Timeout(), httpclient.SaferClientOptions{
		BlockPrivateIP: &blockPrivate,
	})

	var delivery handlers.ReminderDelivery = handlers.NewLogDelivery(nil)
	if cfg.Delivery.WebhookURL != "" {
		d, err := handlers.NewWebhookDelivery(client, cfg.Delivery.WebhookURL)
		if err != nil {
			return nil, err
		}
		delivery = d
	}

	tools := handlers.NewToolRegistry()
	handlers.RegisterBuiltins(tools, client, nil)
	return handlers.NewRouter(delivery, tools, nil), nil
}
