package action

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups that find nothing.
var ErrNotFound = errors.New("action: not found")

// Store is the narrow persistence interface the pipeline needs (spec §4.E
// / §6 "actions" table), mirroring the scheduler.Store / certmgr.Store
// pattern: each package owns the exact capability surface it consumes
// rather than depending on a shared adapters package directly.
type Store interface {
	// Insert persists a newly-signed action. Inserting an action_id that
	// already exists is a no-op that returns nil (spec P1: the id is
	// content-addressed, so a collision means the same token was
	// submitted twice).
	Insert(ctx context.Context, a *Action) error

	// Get fetches one action by id, scoped to the owning tenant.
	Get(ctx context.Context, tnID, actionID string) (*Action, error)

	// FindByDedupKey looks up a non-deleted action previously stored
	// under key (spec §4.E step 4 "Dedup key" / P8-equivalent for
	// actions), returning ErrNotFound if none exists.
	FindByDedupKey(ctx context.Context, tnID, key string) (*Action, error)

	// RegisterDedupKey associates key with an already-inserted action, so
	// a later FindByDedupKey call can short-circuit re-submission.
	RegisterDedupKey(ctx context.Context, tnID, key, actionID string) error

	// UpdateStatus transitions an action's Status (e.g. C -> A on APRV,
	// A -> D on delete/cancel).
	UpdateStatus(ctx context.Context, tnID, actionID string, status Status) error

	// UpdateFederationStatus records outbound delivery progress.
	UpdateFederationStatus(ctx context.Context, tnID, actionID string, status FederationStatus) error

	// IncrementCounter bumps the reactions_count or comments_count
	// rollup on the subject action by delta (which may be negative, but
	// never below zero — spec's "REACT/CMNT counter bump with
	// saturation at 0 on delete").
	IncrementCounter(ctx context.Context, tnID, actionID, counter string, delta int) error

	// ListByParent returns the direct children of parentID (used for
	// single-hop related-action recursion on inbound receive).
	ListByParent(ctx context.Context, tnID, parentID string) ([]*Action, error)

	// ListFollowers returns the id_tags following owner, for broadcast
	// fan-out planning when an action's audience is unaddressed.
	ListFollowers(ctx context.Context, tnID, owner string) ([]string, error)
}
