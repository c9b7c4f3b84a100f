package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cloudillo/cloudillo/internal/ids"
)

// Scheduler is the engine that owns task-type registration and the
// submission DSL of spec §4.C. App is the opaque application context
// handed to every Task.Run.
type Scheduler struct {
	store Store
	app   any

	mu    sync.RWMutex
	types map[string]TaskType
}

// New creates a Scheduler backed by store, handing app through to every
// registered task's Run.
func New(store Store, app any) *Scheduler {
	return &Scheduler{store: store, app: app, types: make(map[string]TaskType)}
}

// Register adds a task type, keyed by its Kind(). Registering the same
// kind twice panics — that is a wiring bug, not a runtime condition.
func (s *Scheduler) Register(t TaskType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[t.Kind()]; exists {
		panic(fmt.Sprintf("scheduler: task kind %q already registered", t.Kind()))
	}
	s.types[t.Kind()] = t
}

func (s *Scheduler) lookup(kind string) (TaskType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[kind]
	return t, ok
}

// Submission is the chained builder of spec §4.C:
//
//	scheduler.Task(T).Key(k).Now().After(ids...).WithRetry(policy).Schedule(ctx)
type Submission struct {
	s        *Scheduler
	kind     string
	input    string
	key      *string
	at       time.Time
	cron     *string
	deps     []string
	retry    RetryPolicy
	priority int
}

// Task begins a submission for a registered kind, with serialized as the
// context Build will receive on recovery.
func (s *Scheduler) Task(kind string, serialized string) *Submission {
	return &Submission{s: s, kind: kind, input: serialized, at: time.Now(), retry: DefaultRetryPolicy()}
}

// Key installs a singleton dedup key: submitting the same (kind, key)
// again while a non-terminal instance exists returns that instance's id
// unchanged (spec P8) instead of creating a new row.
func (b *Submission) Key(key string) *Submission {
	b.key = &key
	return b
}

// At schedules the task for a specific time.
func (b *Submission) At(t time.Time) *Submission {
	b.at = t
	b.cron = nil
	return b
}

// Cron arms a recurring schedule; the scheduler re-arms next_at from expr
// each time the task reaches Finished (spec §4.C).
func (b *Submission) Cron(expr string) *Submission {
	b.cron = &expr
	return b
}

// Now schedules the task to become Ready immediately (next_at = now).
func (b *Submission) Now() *Submission {
	b.at = time.Now()
	b.cron = nil
	return b
}

// After makes the task wait until every id in deps has reached Finished
// before it becomes Ready (spec §4.C dependency gating).
func (b *Submission) After(ids ...string) *Submission {
	b.deps = append(b.deps, ids...)
	return b
}

// WithRetry overrides the default retry policy.
func (b *Submission) WithRetry(p RetryPolicy) *Submission {
	b.retry = p
	return b
}

// Priority sets claim ordering among otherwise-tied Ready rows; higher
// claims first.
func (b *Submission) Priority(p int) *Submission {
	b.priority = p
	return b
}

// Schedule persists the submission. If Key was set and a non-terminal
// instance with the same (kind, key) already exists, its id is returned
// unchanged and no new row is created (spec P8).
func (b *Submission) Schedule(ctx context.Context) (string, error) {
	if _, ok := b.s.lookup(b.kind); !ok {
		return "", fmt.Errorf("scheduler: unknown task kind %q", b.kind)
	}
	rec := &Record{
		ID:          ids.New().String(),
		Kind:        b.kind,
		Key:         b.key,
		Status:      StatusPending,
		NextAt:      b.at,
		RetryPolicy: b.retry,
		Cron:        b.cron,
		Input:       b.input,
		Deps:        b.deps,
		Priority:    b.priority,
	}
	out, err := b.s.store.Insert(ctx, rec)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
