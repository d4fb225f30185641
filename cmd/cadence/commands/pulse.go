package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/wake"
	"github.com/teranos/cadence/sym"
)

// PulseCmd groups the daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the scheduling daemon",
	Long: sym.Pulse + ` pulse — the scheduling daemon

The daemon:
- Drains due wake-ups and dispatches each action through the run ledger
- Sweeps the store for due actions whose wake-up was lost
- Deletes finished runs past pulse.run_retention_days once a day
- Reloads log verbosity when cadence.toml changes

Example:
  cadence pulse start
  cadence pulse start --workers 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Long: `Start the daemon in the foreground. Ctrl+C or SIGTERM stops polling,
lets in-flight dispatches finish, and records executor results that arrive
after shutdown began as canceled.`,
	Args: cobra.NoArgs,
	RunE: runPulseStart,
}

const retentionInterval = 24 * time.Hour

func runPulseStart(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if cmd.Flags().Changed("workers") {
		e.cfg.Pulse.Workers, _ = cmd.Flags().GetInt("workers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollerCfg := wake.DefaultPollerConfig()
	pollerCfg.PollInterval = e.cfg.Pulse.PollInterval()
	pollerCfg.SweepInterval = e.cfg.Pulse.SweepInterval()
	pollerCfg.Workers = e.cfg.Pulse.Workers
	pollerCfg.RatePerSecond = e.cfg.Pulse.WakeRatePerSecond

	poller := wake.NewPollerWithContext(ctx, e.queue, wake.DispatchHandler(e.scheduler), e.store, pollerCfg,
		logger.ComponentLogger("pulse.wake"))

	if path := watchedConfigPath(); path != "" {
		if w, err := am.Watch(path); err != nil {
			logger.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		} else {
			defer w.Stop()
		}
	}

	pterm.Printf("%s Starting pulse daemon\n", sym.PulseOpen)
	pterm.Printf("  Database:       %s\n", pterm.LightCyan(e.cfg.Database.Driver))
	pterm.Printf("  Wake backend:   %s\n", pterm.LightCyan(e.cfg.Pulse.WakeBackend))
	pterm.Printf("  Workers:        %d\n", pollerCfg.Workers)
	pterm.Printf("  Poll interval:  %v\n", pollerCfg.PollInterval)
	pterm.Printf("  Sweep interval: %v\n", pollerCfg.SweepInterval)
	pterm.Printf("  Tools:          %v\n", e.router.Tools().Names())
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	g, gctx := errgroup.WithContext(ctx)
	poller.Start()
	g.Go(func() error {
		<-gctx.Done()
		pterm.Printf("\n%s Shutting down...\n", sym.PulseClose)
		poller.Stop()
		return nil
	})
	g.Go(func() error {
		return runRetention(gctx, e)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	pterm.Success.Println("Pulse daemon stopped")
	return nil
}

// runRetention deletes old runs at startup and then daily
func runRetention(ctx context.Context, e *engine) error {
	retention := e.cfg.Pulse.RunRetention()
	if retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		if _, err := e.scheduler.CleanupOldRuns(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Warnw("Run cleanup failed", logger.FieldError, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func watchedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return am.FindProjectConfig()
}

func init() {
	pulseStartCmd.Flags().Int("workers", 0, "Concurrent dispatches (default: pulse.workers)")
	PulseCmd.AddCommand(pulseStartCmd)
}
