// Package wake delivers scheduled wake-ups to the Scheduler.
//
// A Queue stores pending wake-up calls (action id + not-before instant);
// the Poller drains due calls into a Handler with bounded concurrency and
// retries failures with backoff. Delivery is at-least-once: the Scheduler
// treats early, duplicate and stale wake-ups as harmless.
package wake

import (
	"context"
	"time"

	"github.com/teranos/cadence/pulse/schedule"
)

// Wake is one pending wake-up call
type Wake struct {
	ID        string
	ActionID  string
	NotBefore time.Time
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Queue is a durable or in-memory set of wake-up calls. Scheduling the same
// (action, not-before) pair twice keeps a single call; scheduling it while
// that call is in flight makes the following Ack keep it pending.
type Queue interface {
	schedule.Dispatcher
	// Due returns up to limit calls with NotBefore at or before now, oldest first
	Due(ctx context.Context, now time.Time, limit int) ([]Wake, error)
	// Ack removes a handled call
	Ack(ctx context.Context, w Wake) error
	// Retry moves a failed call to next and records cause
	Retry(ctx context.Context, w Wake, next time.Time, cause error) error
	// Release returns an in-flight call to pending without counting an attempt
	Release(ctx context.Context, w Wake) error
	// Len is the number of pending calls
	Len(ctx context.Context) (int, error)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
