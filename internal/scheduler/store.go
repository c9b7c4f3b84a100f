package scheduler

import (
	"context"
	"time"
)

// Store is the narrow persistence capability the scheduler needs from the
// meta adapter (spec §6 "Meta adapter owns: ... tasks"). Concrete
// implementations (Postgres in internal/adapters, in-memory for tests)
// must provide singleton-key dedup via a unique index on (kind, key) among
// non-terminal rows, and atomic lease claiming via a conditional update.
type Store interface {
	// Insert creates a new row. If rec.Key is set and a non-terminal row
	// with the same (Kind, Key) already exists, Insert must return that
	// existing record instead of creating a duplicate (spec P8).
	Insert(ctx context.Context, rec *Record) (*Record, error)

	// Get fetches one record by id.
	Get(ctx context.Context, id string) (*Record, error)

	// ClaimNext atomically claims one Ready row ordered by
	// (next_at, priority, task_id) for workerID, setting status=Running
	// and lease_expires=now+leaseTTL. Returns (nil, nil) if nothing is
	// claimable.
	ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*Record, error)

	// DepsSatisfied reports whether every id in deps has reached
	// StatusFinished.
	DepsSatisfied(ctx context.Context, deps []string) (bool, error)

	// MarkFinished transitions a Running row to Finished with the given
	// output.
	MarkFinished(ctx context.Context, id string, output string) error

	// MarkRetry transitions a Running row back to Error/Pending with the
	// next retry time and incremented retry count.
	MarkRetry(ctx context.Context, id string, retryAt time.Time, errMsg string) error

	// MarkFailedTerminal transitions a Running row to FailedTerminal after
	// retry exhaustion (spec §4.C).
	MarkFailedTerminal(ctx context.Context, id string, errMsg string) error

	// Reschedule re-arms a cron task's next_at after it finishes (spec
	// §4.C "Cron tasks re-arm themselves on Finished").
	Reschedule(ctx context.Context, id string, nextAt time.Time) error

	// ExpireLeases returns any Running row whose lease has lapsed to
	// Pending (spec §4.C "Lease expiry silently returns the row to
	// Pending").
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
}

// ErrNotFound is returned by Store.Get for an unknown id.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "scheduler: task not found" }
