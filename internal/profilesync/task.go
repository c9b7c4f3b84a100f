// Package profilesync implements the ProfileRefreshBatch scheduler task
// (spec §4.C): periodically sweeping profiles that haven't been
// refreshed recently and re-fetching them from their home instance, plus
// an on-demand single-profile variant used when the action pipeline
// encounters a subject it hasn't cached yet.
package profilesync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/scheduler"
)

// ProfileData is the subset of a remote profile document the core
// caches locally (spec §6 "profiles").
type ProfileData struct {
	Name   string
	Type   string
	Pic    string
	Roles  map[string]any
	Status string
}

// StaleProfile identifies one cached profile due for a refresh.
type StaleProfile struct {
	TnID  string
	IDTag string
}

// Fetcher resolves a fresh profile document from its home instance (spec
// §4.G "GET /api/profile/<id_tag>").
type Fetcher interface {
	FetchProfile(ctx context.Context, idTag string) (ProfileData, error)
}

// Store is the narrow persistence interface this task needs.
type Store interface {
	UpsertProfile(ctx context.Context, tnID, idTag string, data ProfileData) error
	ListStaleProfiles(ctx context.Context, olderThan time.Time, limit int) ([]StaleProfile, error)
}

// Indexer pushes a refreshed profile into the search index (spec §2.1).
// It's optional: a TaskType with a nil Indexer just skips indexing.
type Indexer interface {
	IndexProfile(ctx context.Context, tnID, idTag string, data ProfileData) error
}

// Kind is the registered scheduler.TaskType.Kind for this task.
const Kind = "core.profile_refresh_batch"

// staleWindow is how old a cached profile must be before the batch sweep
// considers it stale (spec §4.C "periodically").
const staleWindow = 24 * time.Hour

// batchLimit caps how many profiles one cron firing refreshes, so a huge
// backlog doesn't monopolize a single lease.
const batchLimit = 200

// taskCtx is the serialized task context. TnID/IDTag are set for an
// on-demand single-profile refresh (spec §4.E inbound "profile
// existence"); both empty means "run the full stale sweep" (spec §4.C
// cron firing).
type taskCtx struct {
	TnID  string `json:"tnId,omitempty"`
	IDTag string `json:"idTag,omitempty"`
}

// TaskType builds ProfileRefreshBatch tasks. It holds the Store and
// Fetcher the pipeline's fan-out loop needs, following the
// action.DeliveryTaskType convention of closing over dependencies rather
// than threading them through the scheduler's app parameter.
type TaskType struct {
	Store   Store
	Fetcher Fetcher
	Indexer Indexer
}

func (TaskType) Kind() string { return Kind }

func (t TaskType) Build(taskID, serializedCtx string) (scheduler.Task, error) {
	var tc taskCtx
	if serializedCtx != "" {
		if err := json.Unmarshal([]byte(serializedCtx), &tc); err != nil {
			return nil, coreerr.Wrap(coreerr.Parse, "decoding profile refresh task context", err)
		}
	}
	return &task{store: t.Store, fetcher: t.Fetcher, indexer: t.Indexer, ctx: tc}, nil
}

type task struct {
	store   Store
	fetcher Fetcher
	indexer Indexer
	ctx     taskCtx
}

func (t *task) Serialize() (string, error) {
	b, err := json.Marshal(t.ctx)
	return string(b), err
}

// Run refreshes either a single profile (on-demand) or the full stale
// batch (cron), logging per-profile failures without aborting the batch
// (same resilience pattern as certmgr.RenewalTaskType.Run).
func (t *task) Run(ctx context.Context, _ any) error {
	if t.ctx.TnID != "" && t.ctx.IDTag != "" {
		return refreshOne(ctx, t.store, t.fetcher, t.indexer, t.ctx.TnID, t.ctx.IDTag)
	}

	stale, err := t.store.ListStaleProfiles(ctx, time.Now().Add(-staleWindow), batchLimit)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "listing stale profiles", err)
	}
	var firstErr error
	for _, p := range stale {
		if err := refreshOne(ctx, t.store, t.fetcher, t.indexer, p.TnID, p.IDTag); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func refreshOne(ctx context.Context, store Store, fetcher Fetcher, indexer Indexer, tnID, idTag string) error {
	data, err := fetcher.FetchProfile(ctx, idTag)
	if err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "fetching profile "+idTag, err)
	}
	if err := store.UpsertProfile(ctx, tnID, idTag, data); err != nil {
		return err
	}
	if indexer != nil {
		if err := indexer.IndexProfile(ctx, tnID, idTag, data); err != nil {
			return coreerr.Wrap(coreerr.ServiceUnavail, "indexing profile "+idTag, err)
		}
	}
	return nil
}

// NewSubmissionCtx serializes the on-demand single-profile task context,
// for callers building a scheduler.Submission directly.
func NewSubmissionCtx(tnID, idTag string) (string, error) {
	b, err := json.Marshal(taskCtx{TnID: tnID, IDTag: idTag})
	return string(b), err
}
