// Package scheduler implements the durable, retryable, dependency-ordered
// background task queue of spec §4.C. It is the core's heart: delivery,
// certificate renewal, profile refresh, and email/push dispatch are all
// registered task kinds driven through this one engine.
package scheduler

import (
	"context"
	"time"
)

// Status is a task's position in the state machine of spec §4.C:
// Pending -> (Ready) -> Running -> {Finished, Error(retry_at) | FailedTerminal}.
type Status string

const (
	StatusPending      Status = "pending"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusFinished     Status = "finished"
	StatusError        Status = "error"
	StatusFailedTerminal Status = "failed_terminal"
)

// Task is the per-instance effect a registered task type produces once
// built from stored context. Run should be idempotent — the scheduler may
// invoke it more than once after a crash recovers a lease (spec P3/P4).
type Task interface {
	// Serialize produces a stable encoding of the task's state, persisted
	// alongside the row so Build can reconstruct it after a restart.
	Serialize() (string, error)
	// Run executes the task's effect against the given application
	// context. app is opaque to the scheduler; task types type-assert it
	// to whatever capability set they need (store handles, HTTP clients).
	Run(ctx context.Context, app any) error
}

// TaskType is the registration contract for one kind of task (spec §4.C):
// kind() -> unique dotted name; build() reconstructs a Task from stored
// context after a restart.
type TaskType interface {
	Kind() string
	Build(taskID string, serializedCtx string) (Task, error)
}

// RetryPolicy is the exponential-backoff-with-jitter policy of spec §4.C:
// delay = min(max, min*2^attempt) with jitter +/-10%, terminal after
// MaxAttempts.
type RetryPolicy struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is a reasonable default for best-effort tasks.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MinBackoff: time.Second, MaxBackoff: 5 * time.Minute, MaxAttempts: 8}
}

// NextDelay computes the exponential backoff with +/-10% jitter for the
// given (zero-based) retry attempt.
func (p RetryPolicy) NextDelay(attempt int, jitter func(max time.Duration) time.Duration) time.Duration {
	base := p.MinBackoff
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= p.MaxBackoff {
			base = p.MaxBackoff
			break
		}
	}
	if base > p.MaxBackoff {
		base = p.MaxBackoff
	}
	spread := base / 10 // +/-10%
	if spread <= 0 || jitter == nil {
		return base
	}
	delta := jitter(2*spread) - spread
	d := base + delta
	if d < 0 {
		d = 0
	}
	return d
}

// Record is the persisted state of one scheduled task (spec §3 "Scheduled
// task").
type Record struct {
	ID           string
	Kind         string
	Key          *string // singleton dedupe key
	Status       Status
	NextAt       time.Time
	RetryCount   int
	RetryPolicy  RetryPolicy
	Cron         *string
	Input        string // serialized task context
	Output       *string
	Error        *string
	Deps         []string
	Priority     int
	LeaseExpires *time.Time
	LeaseOwner   string
}

// Ready reports whether the task can transition Pending -> Ready: its
// scheduled time has arrived. Dependency satisfaction is checked
// separately by the Store (spec §4.C "Ready when deps satisfied and
// next_at <= now").
func (r *Record) Ready(now time.Time) bool {
	return !r.NextAt.After(now)
}

// LeaseExpired reports whether a Running task's lease has lapsed, meaning
// it should silently return to Pending (spec §4.C "Lease expiry silently
// returns the row to Pending").
func (r *Record) LeaseExpired(now time.Time) bool {
	return r.LeaseExpires != nil && now.After(*r.LeaseExpires)
}
