package wake

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/schedule"
)

// Handler receives due wake-ups
type Handler interface {
	HandleWake(ctx context.Context, actionID string) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, actionID string) error

func (f HandlerFunc) HandleWake(ctx context.Context, actionID string) error {
	return f(ctx, actionID)
}

// DispatchHandler hands wake-ups to the Scheduler
func DispatchHandler(s *schedule.Scheduler) Handler {
	return HandlerFunc(func(ctx context.Context, actionID string) error {
		_, err := s.DispatchNow(ctx, actionID)
		return err
	})
}

// DueSource lists actions whose next run has passed. schedule.Store
// satisfies it.
type DueSource interface {
	ListDueActions(ctx context.Context, now time.Time, limit int) ([]*schedule.ScheduledAction, error)
}

// PollerConfig tunes the Poller
type PollerConfig struct {
	PollInterval  time.Duration // how often due wake-ups are drained
	SweepInterval time.Duration // how often the store is scanned for lost wake-ups; 0 disables
	Workers       int           // concurrent handlers
	RatePerSecond float64       // handler starts per second; 0 is unlimited
	BatchSize     int           // wake-ups per poll
	MaxAttempts   int           // failed deliveries before a wake-up is dropped
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Now           func() time.Time
}

// DefaultPollerConfig returns sensible defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:  time.Second,
		SweepInterval: time.Minute,
		Workers:       4,
		RatePerSecond: 20,
		BatchSize:     100,
		MaxAttempts:   5,
		BaseBackoff:   5 * time.Second,
		MaxBackoff:    10 * time.Minute,
	}
}

// Poller drains the wake queue on a ticker and periodically sweeps the
// store so actions whose wake-up was lost still run.
type Poller struct {
	queue   Queue
	handler Handler
	due     DueSource
	cfg     PollerConfig
	limiter *rate.Limiter
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu         sync.Mutex
	lastPollAt time.Time
	polls      int64
	handled    int64
	failed     int64
	dropped    int64
	swept      int64
}

// NewPoller creates a poller. due may be nil to disable sweeping.
func NewPoller(queue Queue, handler Handler, due DueSource, cfg PollerConfig, log *zap.SugaredLogger) *Poller {
	return NewPollerWithContext(context.Background(), queue, handler, due, cfg, log)
}

// NewPollerWithContext creates a poller with a parent context
func NewPollerWithContext(ctx context.Context, queue Queue, handler Handler, due DueSource, cfg PollerConfig, log *zap.SugaredLogger) *Poller {
	defaults := DefaultPollerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.ComponentLogger("pulse.wake")
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	pollerCtx, cancel := context.WithCancel(ctx)
	return &Poller{
		queue:    queue,
		handler:  handler,
		due:      due,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Workers),
		now:      now,
		ctx:      pollerCtx,
		cancel:   cancel,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// Start begins polling. A sweep runs first so wake-ups lost while the
// process was down are recovered.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
	logger.AddPulseOpenSymbol(p.logger).Infow("Wake poller started",
		"poll_interval", p.cfg.PollInterval,
		"sweep_interval", p.cfg.SweepInterval,
		"workers", p.cfg.Workers)
}

// Stop cancels polling and waits for in-flight handlers
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.AddPulseCloseSymbol(p.logger).Infow("Wake poller stopped")
}

func (p *Poller) run() {
	defer p.wg.Done()

	if p.due != nil {
		if _, err := p.Sweep(p.ctx); err != nil && p.ctx.Err() == nil {
			p.pulseLog.Warnw("Initial sweep failed", logger.FieldError, err)
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if p.due != nil && p.cfg.SweepInterval > 0 {
		sweepTicker := time.NewTicker(p.cfg.SweepInterval)
		defer sweepTicker.Stop()
		sweep = sweepTicker.C
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(p.ctx); err != nil && p.ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				p.pulseLog.Warnw("Wake poll error", logger.FieldError, err)
			}
		case <-sweep:
			if _, err := p.Sweep(p.ctx); err != nil && p.ctx.Err() == nil {
				p.pulseLog.Warnw("Wake sweep error", logger.FieldError, err)
			}
		}
	}
}

// Poll hands every due wake-up to the handler and returns how many were
// delivered successfully.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	now := p.now()
	p.mu.Lock()
	p.lastPollAt = now
	p.polls++
	p.mu.Unlock()

	wakes, err := p.queue.Due(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(wakes) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	var mu sync.Mutex
	delivered := 0
	for _, w := range wakes {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down; undelivered calls stay queued
			break
		}
		g.Go(func() error {
			if p.deliver(ctx, w) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		p.releaseInflight(ctx, wakes)
	}
	return delivered, nil
}

// deliver runs one wake-up and settles it in the queue
func (p *Poller) deliver(ctx context.Context, w Wake) bool {
	settle := context.WithoutCancel(ctx)
	err := p.handler.HandleWake(ctx, w.ActionID)
	if err == nil {
		if ackErr := p.queue.Ack(settle, w); ackErr != nil {
			p.pulseLog.Warnw("Failed to ack wake", logger.FieldActionID, w.ActionID, logger.FieldError, ackErr)
		}
		p.count(&p.handled)
		return true
	}

	if ctx.Err() != nil {
		// Shutting down; the call stays queued without counting an attempt
		p.releaseInflight(ctx, []Wake{w})
		return false
	}

	p.count(&p.failed)
	attempts := w.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		p.count(&p.dropped)
		p.pulseLog.Errorw("Dropping wake after repeated failures",
			logger.FieldActionID, w.ActionID,
			"attempts", attempts,
			logger.FieldError, err)
		if ackErr := p.queue.Ack(settle, w); ackErr != nil {
			p.pulseLog.Warnw("Failed to ack dropped wake", logger.FieldActionID, w.ActionID, logger.FieldError, ackErr)
		}
		return false
	}

	next := p.now().Add(p.backoff(attempts))
	p.pulseLog.Warnw("Wake delivery failed, retrying",
		logger.FieldActionID, w.ActionID,
		"attempts", attempts,
		"retry_at", next,
		logger.FieldError, err)
	if retryErr := p.queue.Retry(settle, w, next, err); retryErr != nil {
		p.pulseLog.Errorw("Failed to reschedule wake", logger.FieldActionID, w.ActionID, logger.FieldError, retryErr)
	}
	return false
}

// backoff is BaseBackoff doubled per attempt, capped at MaxBackoff
func (p *Poller) backoff(attempts int) time.Duration {
	d := float64(p.cfg.BaseBackoff) * math.Pow(2, float64(attempts-1))
	if d > float64(p.cfg.MaxBackoff) {
		return p.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// releaseInflight returns undelivered calls to pending during shutdown
func (p *Poller) releaseInflight(ctx context.Context, wakes []Wake) {
	settle := context.WithoutCancel(ctx)
	for _, w := range wakes {
		if err := p.queue.Release(settle, w); err != nil {
			p.pulseLog.Warnw("Failed to release wake", logger.FieldActionID, w.ActionID, logger.FieldError, err)
		}
	}
}

// Sweep schedules a wake-up for every action that is already due. The
// queue deduplicates, so sweeping actions that still have a call is free.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	if p.due == nil {
		return 0, nil
	}
	actions, err := p.due.ListDueActions(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, a := range actions {
		if a.NextRunAt == nil {
			continue
		}
		if err := p.queue.ScheduleWake(ctx, a.ID, *a.NextRunAt); err != nil {
			return 0, err
		}
	}
	if len(actions) > 0 {
		p.mu.Lock()
		p.swept += int64(len(actions))
		p.mu.Unlock()
		p.pulseLog.Debugw("Swept due actions", logger.FieldCount, len(actions))
	}
	return len(actions), nil
}

func (p *Poller) count(c *int64) {
	p.mu.Lock()
	*c++
	p.mu.Unlock()
}

// GetStats returns poller statistics
func (p *Poller) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]interface{}{
		"last_poll_at":  p.lastPollAt,
		"polls":         p.polls,
		"handled":       p.handled,
		"failed":        p.failed,
		"dropped":       p.dropped,
		"swept":         p.swept,
		"poll_interval": p.cfg.PollInterval,
	}
}
