package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerPool runs a fixed number of claim-run-commit loops against a
// Scheduler's store (spec §4.C "one or more workers poll ClaimNext").
type WorkerPool struct {
	sched    *Scheduler
	workerID string
	leaseTTL time.Duration
	poll     time.Duration
	shutdown time.Duration // hard cap for graceful shutdown
	log      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// WorkerConfig configures polling cadence, lease duration, and the hard
// cap on graceful shutdown (spec §5 "workers drain in-flight tasks up to
// a bounded grace period, then are cancelled").
type WorkerConfig struct {
	WorkerID     string
	Concurrency  int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	ShutdownCap  time.Duration
	Logger       *slog.Logger
}

// NewWorkerPool starts cfg.Concurrency claim loops against sched. Call
// Stop to drain.
func NewWorkerPool(sched *Scheduler, cfg WorkerConfig) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ShutdownCap <= 0 {
		cfg.ShutdownCap = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		sched:    sched,
		workerID: cfg.WorkerID,
		leaseTTL: cfg.LeaseTTL,
		poll:     cfg.PollInterval,
		shutdown: cfg.ShutdownCap,
		log:      cfg.Logger,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.loop(ctx, i)
	}
	return wp
}

func (wp *WorkerPool) loop(ctx context.Context, slot int) {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for wp.claimAndRun(ctx) {
				// drain all currently-ready work before waiting for the
				// next tick
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// claimAndRun claims one task and runs it to completion, reporting
// whether a task was claimed (so the caller can keep draining).
func (wp *WorkerPool) claimAndRun(ctx context.Context) bool {
	rec, err := wp.sched.store.ClaimNext(ctx, wp.workerID, wp.leaseTTL, time.Now())
	if err != nil {
		wp.log.Error("claim failed", "error", err)
		return false
	}
	if rec == nil {
		return false
	}

	taskType, ok := wp.sched.lookup(rec.Kind)
	if !ok {
		wp.log.Error("unknown task kind, failing terminally", "kind", rec.Kind, "task_id", rec.ID)
		_ = wp.sched.store.MarkFailedTerminal(ctx, rec.ID, "unknown task kind")
		return true
	}

	task, err := taskType.Build(rec.ID, rec.Input)
	if err != nil {
		wp.log.Error("build failed", "kind", rec.Kind, "task_id", rec.ID, "error", err)
		wp.finishWithFailure(ctx, rec, err)
		return true
	}

	runErr := task.Run(ctx, wp.sched.app)
	if runErr == nil {
		wp.onSuccess(ctx, rec, task)
		return true
	}
	wp.finishWithFailure(ctx, rec, runErr)
	return true
}

func (wp *WorkerPool) onSuccess(ctx context.Context, rec *Record, task Task) {
	out, err := task.Serialize()
	if err != nil {
		out = ""
	}
	if err := wp.sched.store.MarkFinished(ctx, rec.ID, out); err != nil {
		wp.log.Error("mark finished failed", "task_id", rec.ID, "error", err)
		return
	}
	if rec.Cron != nil {
		next, cronErr := nextCronTime(*rec.Cron, time.Now())
		if cronErr == nil {
			if err := wp.sched.store.Reschedule(ctx, rec.ID, next); err != nil {
				wp.log.Error("cron reschedule failed", "task_id", rec.ID, "error", err)
			}
		} else {
			wp.log.Error("invalid cron expression", "task_id", rec.ID, "cron", *rec.Cron, "error", cronErr)
		}
	}
}

func (wp *WorkerPool) finishWithFailure(ctx context.Context, rec *Record, runErr error) {
	if rec.RetryCount+1 >= rec.RetryPolicy.MaxAttempts {
		if err := wp.sched.store.MarkFailedTerminal(ctx, rec.ID, runErr.Error()); err != nil {
			wp.log.Error("mark failed terminal failed", "task_id", rec.ID, "error", err)
		}
		return
	}
	delay := rec.RetryPolicy.NextDelay(rec.RetryCount, jitter)
	retryAt := time.Now().Add(delay)
	if err := wp.sched.store.MarkRetry(ctx, rec.ID, retryAt, runErr.Error()); err != nil {
		wp.log.Error("mark retry failed", "task_id", rec.ID, "error", err)
	}
}

// Stop cancels all worker loops and waits up to the configured shutdown
// cap for in-flight tasks to finish (spec §5).
func (wp *WorkerPool) Stop() {
	wp.cancel()
	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wp.shutdown):
		wp.log.Warn("worker pool shutdown cap reached, abandoning in-flight tasks")
	}
}
