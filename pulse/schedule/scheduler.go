package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// DispatchResult says what DispatchNow did with a wake-up
type DispatchResult string

const (
	DispatchMissing   DispatchResult = "missing"   // no such action
	DispatchInactive  DispatchResult = "inactive"  // not active, or nothing scheduled
	DispatchEarly     DispatchResult = "early"     // next run is in the future; re-armed
	DispatchDuplicate DispatchResult = "duplicate" // occurrence claimed by another dispatcher
	DispatchRepaired  DispatchResult = "repaired"  // occurrence already finished or abandoned; advanced without executing
	DispatchExecuted  DispatchResult = "executed"
	DispatchSkipped   DispatchResult = "skipped" // older than the lateness bound; recorded without executing
)

// maxSaveAttempts bounds compare-and-set retries against concurrent writers
const maxSaveAttempts = 5

// SchedulerConfig tunes the engine. Zero durations disable the feature.
type SchedulerConfig struct {
	// MaxLateness skips occurrences that are dispatched this long after
	// they were due.
	MaxLateness time.Duration
	// StaleRunAfter closes running claims older than this as abandoned so
	// the action can advance.
	StaleRunAfter time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Scheduler owns the ScheduledAction lifecycle: it persists actions,
// claims occurrences in the ledger, runs them through the Executor and
// arms the Dispatcher for the next wake-up.
type Scheduler struct {
	store      Store
	ledger     RunLedger
	dispatcher Dispatcher
	executor   Executor
	cfg        SchedulerConfig
	now        func() time.Time
	logger     *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger
}

// NewScheduler creates the engine. A nil dispatcher disables arming (the
// sweeper still finds due actions); a nil executor fails every run.
func NewScheduler(store Store, ledger RunLedger, dispatcher Dispatcher, executor Executor, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = logger.ComponentLogger("pulse.schedule")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      store,
		ledger:     ledger,
		dispatcher: dispatcher,
		executor:   executor,
		cfg:        cfg,
		now:        now,
		logger:     log,
		pulseLog:   logger.AddPulseSymbol(log),
	}
}

// CreateAction validates spec, stores a new active action and arms it
func (s *Scheduler) CreateAction(ctx context.Context, spec ActionSpec) (*ScheduledAction, error) {
	a, err := NewAction("act_"+uuid.NewString(), spec, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAction(ctx, a); err != nil {
		return nil, err
	}

	s.pulseLog.Infow("Scheduled action created",
		logger.FieldActionID, a.ID,
		logger.FieldAccountID, a.AccountID,
		"kind", a.Kind,
		"run_mode", a.RunMode(),
		logger.FieldNextRunAt, a.NextRunAt)

	if err := s.DispatchLater(ctx, a); err != nil {
		s.pulseLog.Warnw("Failed to arm new action; sweeper will pick it up",
			logger.FieldActionID, a.ID, logger.FieldError, err)
	}
	return a, nil
}

// UpdateSchedule replaces the schedule of a non-terminal action
func (s *Scheduler) UpdateSchedule(ctx context.Context, id string, spec ScheduleSpec) (*ScheduledAction, error) {
	a, err := s.mutate(ctx, id, func(a *ScheduledAction) error {
		if a.Status.IsTerminal() {
			return errors.NewConflictError("cannot reschedule %s action %s", a.Status, a.ID)
		}
		return a.ApplySchedule(spec, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.pulseLog.Infow("Schedule updated", logger.FieldActionID, a.ID, logger.FieldNextRunAt, a.NextRunAt)
	if err := s.DispatchLater(ctx, a); err != nil {
		s.pulseLog.Warnw("Failed to arm rescheduled action", logger.FieldActionID, a.ID, logger.FieldError, err)
	}
	return a, nil
}

// Cancel stops an action. It does not wait for an in-flight run, and
// calling it on a canceled or completed action returns it unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*ScheduledAction, error) {
	current, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}
	a, err := s.mutate(ctx, id, func(a *ScheduledAction) error {
		a.Cancel(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pulseLog.Infow("Scheduled action canceled", logger.FieldActionID, a.ID)
	return a, nil
}

// Pause suspends an active action
func (s *Scheduler) Pause(ctx context.Context, id string) (*ScheduledAction, error) {
	a, err := s.mutate(ctx, id, func(a *ScheduledAction) error {
		return a.Pause(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.pulseLog.Infow("Scheduled action paused", logger.FieldActionID, a.ID)
	return a, nil
}

// Resume reactivates a paused action and arms its next run
func (s *Scheduler) Resume(ctx context.Context, id string) (*ScheduledAction, error) {
	a, err := s.mutate(ctx, id, func(a *ScheduledAction) error {
		return a.Resume(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.pulseLog.Infow("Scheduled action resumed", logger.FieldActionID, a.ID, logger.FieldNextRunAt, a.NextRunAt)
	if err := s.DispatchLater(ctx, a); err != nil {
		s.pulseLog.Warnw("Failed to arm resumed action", logger.FieldActionID, a.ID, logger.FieldError, err)
	}
	return a, nil
}

// mutate applies fn to a fresh copy of the action and saves it, retrying
// when a concurrent writer bumped the version in between.
func (s *Scheduler) mutate(ctx context.Context, id string, fn func(*ScheduledAction) error) (*ScheduledAction, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		a, err := s.store.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(a); err != nil {
			return nil, err
		}
		err = s.store.UpdateAction(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.IsConflictError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "gave up updating scheduled action %s", id)
}

// DispatchLater asks the Dispatcher to wake the action at its next run.
// Actions without a next run are left alone.
func (s *Scheduler) DispatchLater(ctx context.Context, a *ScheduledAction) error {
	if a.NextRunAt == nil || s.dispatcher == nil {
		return nil
	}
	if err := s.dispatcher.ScheduleWake(ctx, a.ID, *a.NextRunAt); err != nil {
		return errors.Wrapf(err, "failed to schedule wake for %s", a.ID)
	}
	return nil
}

// DispatchNow handles a wake-up for the action. Under the per-action lock
// it re-reads the action, claims the due occurrence in the ledger,
// executes it, records the outcome, advances the schedule and re-arms.
// Wake-ups that are early, duplicated or for inactive actions are
// harmless and return without error.
func (s *Scheduler) DispatchNow(ctx context.Context, id string) (DispatchResult, error) {
	lock, err := s.store.LockAction(ctx, id)
	if errors.IsNotFoundError(err) {
		s.logger.Debugw("Wake for unknown action", logger.FieldActionID, id)
		return DispatchMissing, nil
	}
	if err != nil {
		return "", err
	}
	defer lock.Release()

	a := lock.Action()
	if a.Status != StatusActive || a.NextRunAt == nil {
		s.logger.Debugw("Wake for inactive action", logger.FieldActionID, id, logger.FieldStatus, a.Status)
		return DispatchInactive, nil
	}

	now := s.now()
	due := *a.NextRunAt
	if due.After(now) {
		s.logger.Debugw("Early wake, re-arming", logger.FieldActionID, id, logger.FieldNextRunAt, due)
		s.arm(ctx, a)
		return DispatchEarly, nil
	}

	run, err := s.ledger.Claim(ctx, a.ID, due, now)
	if err != nil {
		return "", err
	}
	if run == nil {
		return s.resolveDuplicate(ctx, lock, due, now)
	}

	// Recording continues through shutdown so claims are not left running
	finishCtx := context.WithoutCancel(ctx)

	var outcome Outcome
	result := DispatchExecuted
	lateness := now.Sub(due)
	if s.cfg.MaxLateness > 0 && lateness > s.cfg.MaxLateness {
		result = DispatchSkipped
		outcome = Outcome{
			Status: RunSkipped,
			Error:  fmt.Sprintf("dispatched %s after its scheduled time, limit %s", lateness.Round(time.Second), s.cfg.MaxLateness),
		}
	} else {
		outcome = s.execute(ctx, a, run)
		if ctx.Err() != nil && outcome.Status != RunSucceeded {
			outcome.Status = RunCanceled
			if outcome.Error == "" {
				outcome.Error = ctx.Err().Error()
			}
		}
	}

	if err := s.ledger.RecordOutcome(finishCtx, run, outcome, s.now()); err != nil {
		return "", err
	}

	if err := s.finish(finishCtx, lock, run, due); err != nil {
		return "", err
	}

	s.pulseLog.Infow("Occurrence dispatched",
		logger.FieldActionID, a.ID,
		logger.FieldRunID, run.ID,
		logger.FieldScheduledFor, due,
		logger.FieldResult, result,
		logger.FieldStatus, run.Status,
		logger.FieldDurationMS, run.DurationMS,
		logger.FieldLateness, lateness.Round(time.Millisecond),
		logger.FieldNextRunAt, lock.Action().NextRunAt)

	s.arm(finishCtx, lock.Action())
	return result, nil
}

// resolveDuplicate handles a claim that lost to an existing run. A
// finished run means a previous dispatch crashed before saving the
// action; a running run past StaleRunAfter is closed as abandoned. Either
// way the action advances without executing the occurrence again.
func (s *Scheduler) resolveDuplicate(ctx context.Context, lock ActionLock, due, now time.Time) (DispatchResult, error) {
	a := lock.Action()
	existing, err := s.ledger.FindRun(ctx, a.ID, due)
	if err != nil {
		return "", err
	}

	if !existing.Status.IsTerminal() {
		age := now.Sub(existing.StartedAt)
		if s.cfg.StaleRunAfter <= 0 || age <= s.cfg.StaleRunAfter {
			s.logger.Debugw("Occurrence already claimed",
				logger.FieldActionID, a.ID, logger.FieldRunID, existing.ID, logger.FieldScheduledFor, due)
			return DispatchDuplicate, nil
		}

		outcome := Outcome{Status: RunFailed, Error: fmt.Sprintf("abandoned: still running after %s", age.Round(time.Second))}
		err := s.ledger.RecordOutcome(ctx, existing, outcome, now)
		if errors.IsConflictError(err) {
			// Finished concurrently; use what it recorded
			existing, err = s.ledger.GetRun(ctx, existing.ID)
		}
		if err != nil {
			return "", err
		}
	}

	if err := s.finish(ctx, lock, existing, due); err != nil {
		return "", err
	}

	s.pulseLog.Warnw("Repaired occurrence without executing",
		logger.FieldActionID, a.ID,
		logger.FieldRunID, existing.ID,
		logger.FieldScheduledFor, due,
		logger.FieldStatus, existing.Status,
		logger.FieldNextRunAt, lock.Action().NextRunAt)

	s.arm(ctx, lock.Action())
	return DispatchRepaired, nil
}

// finish mirrors run into the action and advances past due, retrying on
// top of a fresh copy when a lock-free writer such as Cancel saved first.
func (s *Scheduler) finish(ctx context.Context, lock ActionLock, run *Run, due time.Time) error {
	a := lock.Action()
	for attempt := 0; ; attempt++ {
		now := s.now()
		a.recordRun(run)
		a.advance(due, now)
		a.touch(now)

		err := lock.Save(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsConflictError(err) || attempt >= maxSaveAttempts-1 {
			return errors.Wrapf(err, "failed to save action %s after run %s", a.ID, run.ID)
		}
		if a, err = lock.Reload(ctx); err != nil {
			return err
		}
	}
}

// execute calls the Executor, turning panics and a missing executor into
// failed outcomes.
func (s *Scheduler) execute(ctx context.Context, a *ScheduledAction, run *Run) (outcome Outcome) {
	if s.executor == nil {
		return Outcome{Status: RunFailed, Error: "no executor configured"}
	}

	defer func() {
		if r := recover(); r != nil {
			s.pulseLog.Errorw("Executor panicked",
				logger.FieldActionID, a.ID,
				logger.FieldRunID, run.ID,
				"panic", r)
			outcome = Outcome{Status: RunFailed, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	ctx = logger.WithRunID(logger.WithActionID(ctx, a.ID), run.ID)
	outcome = s.executor.Execute(ctx, ExecutionRequest{
		ActionID:     a.ID,
		RunID:        run.ID,
		AccountID:    a.AccountID,
		AgentID:      a.AgentID,
		ChatID:       a.ChatID,
		Title:        a.Title,
		Timezone:     a.Timezone,
		RunMode:      a.RunMode(),
		Payload:      a.Payload,
		ScheduledFor: run.ScheduledForAt,
	})

	switch outcome.Status {
	case RunSucceeded, RunFailed, RunCanceled:
	default:
		outcome = Outcome{Status: RunFailed, Error: fmt.Sprintf("executor returned invalid status %q", outcome.Status)}
	}
	return outcome
}

// arm re-arms the dispatcher, logging failures. A lost wake is recovered
// by the sweeper.
func (s *Scheduler) arm(ctx context.Context, a *ScheduledAction) {
	if err := s.DispatchLater(ctx, a); err != nil {
		s.pulseLog.Warnw("Failed to re-arm action",
			logger.FieldActionID, a.ID,
			logger.FieldNextRunAt, a.NextRunAt,
			logger.FieldError, err)
	}
}

// CleanupOldRuns deletes finished runs older than retention
func (s *Scheduler) CleanupOldRuns(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	deleted, err := s.ledger.CleanupOldRuns(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.pulseLog.Infow("Cleaned up old runs", logger.FieldCount, deleted, "retention", retention)
	}
	return deleted, nil
}
