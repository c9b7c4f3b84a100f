package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type echoTask struct {
	id      string
	payload string
	fail    int  // number of times Run should fail before succeeding
	runs    *int // shared by every Build of the same task type
}

func (t *echoTask) Serialize() (string, error) { return t.payload, nil }

func (t *echoTask) Run(ctx context.Context, app any) error {
	*t.runs++
	if *t.runs <= t.fail {
		return errors.New("injected failure")
	}
	return nil
}

type echoTaskType struct {
	fail int
	runs *int
}

func (echoTaskType) Kind() string { return "test.echo" }

func (tt echoTaskType) Build(taskID, ctxStr string) (Task, error) {
	return &echoTask{id: taskID, payload: ctxStr, fail: tt.fail, runs: tt.runs}, nil
}

func newTestScheduler(fail int) (*Scheduler, *MemStore) {
	store := NewMemStore()
	sched := New(store, nil)
	sched.Register(echoTaskType{fail: fail, runs: new(int)})
	return sched, store
}

func TestSubmitAndClaimTransitionsToFinished(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(0)
	ctx := context.Background()

	id, err := sched.Task("test.echo", "payload").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	rec, err := store.ClaimNext(ctx, "worker-1", time.Minute, time.Now())
	if err != nil || rec == nil {
		t.Fatalf("expected claimable task: rec=%v err=%v", rec, err)
	}
	if rec.ID != id {
		t.Fatalf("claimed wrong task: got %s want %s", rec.ID, id)
	}
	if rec.Status != StatusRunning {
		t.Fatalf("expected Running after claim, got %s", rec.Status)
	}

	if err := store.MarkFinished(ctx, id, "done"); err != nil {
		t.Fatalf("mark finished: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFinished {
		t.Fatalf("expected Finished, got %s", got.Status)
	}
}

// TestSingletonKeyIdempotency is the property test for spec P8: submitting
// task T with key k twice while a non-terminal instance exists produces
// the same task_id both times.
func TestSingletonKeyIdempotency(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(0)
	ctx := context.Background()

	id1, err := sched.Task("test.echo", "p1").Key("dedupe-key").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	id2, err := sched.Task("test.echo", "p2").Key("dedupe-key").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same task id for duplicate singleton key, got %s and %s", id1, id2)
	}
}

func TestSingletonKeyAllowsResubmitAfterTerminal(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(0)
	ctx := context.Background()

	id1, err := sched.Task("test.echo", "p1").Key("k").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := store.MarkFinished(ctx, id1, "ok"); err != nil {
		t.Fatalf("mark finished: %v", err)
	}

	id2, err := sched.Task("test.echo", "p2").Key("k").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule after terminal: %v", err)
	}
	if id2 == id1 {
		t.Fatalf("expected a new task id once the prior instance reached a terminal state")
	}
}

func TestDependencyGatesClaim(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(0)
	ctx := context.Background()

	depID, err := sched.Task("test.echo", "dep").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule dep: %v", err)
	}
	childID, err := sched.Task("test.echo", "child").Now().After(depID).Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule child: %v", err)
	}

	rec, err := store.ClaimNext(ctx, "w", time.Minute, time.Now())
	if err != nil || rec == nil {
		t.Fatalf("expected to claim the dep task first: rec=%v err=%v", rec, err)
	}
	if rec.ID != depID {
		t.Fatalf("expected dep claimed before child (child's deps unsatisfied), got %s", rec.ID)
	}

	// Child still not claimable: dep is Running, not Finished.
	rec2, err := store.ClaimNext(ctx, "w2", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec2 != nil {
		t.Fatalf("expected no claimable task while dep is unfinished, got %s", rec2.ID)
	}

	if err := store.MarkFinished(ctx, depID, "ok"); err != nil {
		t.Fatalf("mark dep finished: %v", err)
	}
	rec3, err := store.ClaimNext(ctx, "w3", time.Minute, time.Now())
	if err != nil || rec3 == nil {
		t.Fatalf("expected child claimable after dep finished: rec=%v err=%v", rec3, err)
	}
	if rec3.ID != childID {
		t.Fatalf("expected to claim child, got %s", rec3.ID)
	}
}

func TestLeaseExpiryReturnsToPending(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	sched := New(store, nil)
	sched.Register(echoTaskType{})
	ctx := context.Background()

	id, err := sched.Task("test.echo", "p").Now().Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	now := time.Now()
	if _, err := store.ClaimNext(ctx, "w", time.Millisecond, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := store.ExpireLeases(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("expire leases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 lease expired, got %d", n)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected Pending after lease expiry, got %s", got.Status)
	}
}

func TestRetryPolicyBackoffIsBoundedAndJittered(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MinBackoff: time.Second, MaxBackoff: 8 * time.Second, MaxAttempts: 10}
	noJitter := func(max time.Duration) time.Duration { return max / 2 }

	d0 := p.NextDelay(0, noJitter)
	d3 := p.NextDelay(3, noJitter)
	if d0 <= 0 {
		t.Fatalf("expected positive delay, got %v", d0)
	}
	if d3 < d0 {
		t.Fatalf("expected backoff to grow with attempt count: d0=%v d3=%v", d0, d3)
	}
	dHigh := p.NextDelay(20, noJitter)
	if dHigh > p.MaxBackoff+p.MaxBackoff/10 {
		t.Fatalf("expected backoff capped near MaxBackoff, got %v", dHigh)
	}
}

func TestWorkerPoolRetriesThenFinishes(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(1) // fail once, then succeed
	ctx := context.Background()

	id, err := sched.Task("test.echo", "p").
		Now().
		WithRetry(RetryPolicy{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 5}).
		Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	pool := NewWorkerPool(sched, WorkerConfig{
		WorkerID:     "w1",
		Concurrency:  1,
		LeaseTTL:     time.Second,
		PollInterval: time.Millisecond,
	})
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status == StatusFinished {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached Finished within deadline")
}

func TestWorkerPoolFailsTerminalAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(100) // always fails
	ctx := context.Background()

	id, err := sched.Task("test.echo", "p").
		Now().
		WithRetry(RetryPolicy{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxAttempts: 2}).
		Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	pool := NewWorkerPool(sched, WorkerConfig{
		WorkerID:     "w1",
		Concurrency:  1,
		LeaseTTL:     time.Second,
		PollInterval: time.Millisecond,
	})
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status == StatusFailedTerminal {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached FailedTerminal within deadline")
}

func TestCronReschedulesOnFinish(t *testing.T) {
	t.Parallel()
	sched, store := newTestScheduler(0)
	ctx := context.Background()

	id, err := sched.Task("test.echo", "p").Cron("* * * * *").Schedule(ctx)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	pool := NewWorkerPool(sched, WorkerConfig{
		WorkerID:     "w1",
		Concurrency:  1,
		LeaseTTL:     time.Second,
		PollInterval: time.Millisecond,
	})
	defer pool.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status == StatusPending && rec.NextAt.After(time.Now()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cron task never re-armed a future next_at after finishing")
}
