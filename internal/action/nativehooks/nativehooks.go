// Package nativehooks implements the per-type action behaviors of spec
// §4.E's "per-type visibility and hook summary": the small pieces of
// business logic specific to one action type that the generic pipeline
// in internal/action delegates to through its Hooks registry.
package nativehooks

import (
	"context"

	"github.com/cloudillo/cloudillo/internal/action"
	"github.com/cloudillo/cloudillo/internal/coreerr"
)

// Register installs every built-in hook into reg.
func Register(reg action.HookRegistry) {
	reg.Register("CONN", action.Hooks{OnReceive: connReceive})
	reg.Register("FLLW", action.Hooks{OnCreate: fllwCreate, OnReceive: fllwReceive})
	reg.Register("REACT", action.Hooks{OnCreate: reactCreate, OnReceive: reactReceive})
	reg.Register("CMNT", action.Hooks{OnCreate: cmntCreate, OnReceive: cmntReceive})
	reg.Register("SUBS", action.Hooks{OnCreate: subsCreate})
	reg.Register("INVT", action.Hooks{OnCreate: invtCreate})
	reg.Register("APRV", action.Hooks{OnCreate: aprvCreate})
	reg.Register("CONV", action.Hooks{OnCreate: convCreate})
	reg.Register("FSHR", action.Hooks{OnAccept: fshrAccept})
}

// connReceive implements mutual-connection detection: if we already have
// our own outbound CONN pending toward the sender, both sides flip to
// Active at once (symmetric cancellation of the pending confirmation
// rather than requiring a separate APRV round-trip).
func connReceive(ctx context.Context, h *action.HookContext, a *action.Action) error {
	key := "CONN:" + a.Issuer
	existing, err := h.Store.FindByDedupKey(ctx, a.TnID, key)
	if err == action.ErrNotFound {
		return nil
	}
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "looking up reciprocal CONN", err)
	}
	if existing.Status != action.StatusNeedsConfirmation {
		return nil
	}
	if err := h.Store.UpdateStatus(ctx, a.TnID, existing.ActionID, action.StatusActive); err != nil {
		return err
	}
	return h.Store.UpdateStatus(ctx, a.TnID, a.ActionID, action.StatusActive)
}

// fllwCreate is a no-op placeholder: FLLW is always one-way and needs no
// reciprocal bookkeeping on create. Kept as an explicit hook entry so the
// registry's intent is visible rather than implied by absence.
func fllwCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return nil
}

// fllwReceive accepts every inbound follow as persisted; it does not read
// the privacy.allow_followers setting and rejects no follow.
func fllwReceive(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return nil
}

// reactCreate bumps the subject action's reactions_count. A React
// withdrawal is expressed as a new REACT with Flags containing "D" (spec
// convention: delete-flagged actions decrement instead of increment).
func reactCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return bumpCounter(ctx, h, a, "reactions_count")
}

func reactReceive(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return bumpCounter(ctx, h, a, "reactions_count")
}

// cmntCreate/cmntReceive bump comments_count on the parent action.
func cmntCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return bumpCommentCounter(ctx, h, a)
}

func cmntReceive(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return bumpCommentCounter(ctx, h, a)
}

func bumpCounter(ctx context.Context, h *action.HookContext, a *action.Action, counter string) error {
	if a.Subject == nil {
		return nil
	}
	delta := 1
	if hasFlag(a.Flags, 'D') {
		delta = -1
	}
	return h.Store.IncrementCounter(ctx, a.TnID, *a.Subject, counter, delta)
}

func bumpCommentCounter(ctx context.Context, h *action.HookContext, a *action.Action) error {
	if a.ParentID == nil {
		return nil
	}
	delta := 1
	if hasFlag(a.Flags, 'D') {
		delta = -1
	}
	return h.Store.IncrementCounter(ctx, a.TnID, *a.ParentID, "comments_count", delta)
}

func hasFlag(flags string, f byte) bool {
	for i := 0; i < len(flags); i++ {
		if flags[i] == f {
			return true
		}
	}
	return false
}

// subsCreate validates that the subject (the group/collection being
// subscribed to) accepts this subscription without an invite: open
// groups stay NeedsConfirmation only until auto-accept runs; INVT-gated
// groups require a matching INVT to exist first.
func subsCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	if a.Subject == nil {
		return coreerr.New(coreerr.ValidationError, "SUBS requires a subject")
	}
	subject, err := h.Store.Get(ctx, a.TnID, *a.Subject)
	if err != nil {
		return coreerr.Wrap(coreerr.NotFound, "loading subscription subject", err)
	}
	openGroup, _ := subject.X["open"].(bool)
	if openGroup {
		_, err := h.Pipeline.Accept(ctx, a.TnID, a.ActionID)
		return err
	}
	inviteKey := "INVT:" + *a.Subject + ":" + a.Issuer
	if _, err := h.Store.FindByDedupKey(ctx, a.TnID, inviteKey); err != nil {
		return coreerr.New(coreerr.PermissionDenied, "subscription requires an invite")
	}
	return nil
}

// invtCreate checks that the inviter holds a moderator role on the
// subject resource before an invite can be issued.
func invtCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	if a.Subject == nil {
		return coreerr.New(coreerr.ValidationError, "INVT requires a subject")
	}
	subject, err := h.Store.Get(ctx, a.TnID, *a.Subject)
	if err != nil {
		return coreerr.Wrap(coreerr.NotFound, "loading invite subject", err)
	}
	if subject.Issuer != a.Issuer {
		roles, _ := subject.X["roles"].(map[string]any)
		if _, isMod := roles[a.Issuer]; !isMod {
			return coreerr.New(coreerr.PermissionDenied, "issuer lacks moderator role on subject")
		}
	}
	return nil
}

// aprvCreate transitions the referenced pending action's status: Accept
// unless Flags contains "R", then Reject. It does not re-broadcast the
// approved action.
func aprvCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	if a.Subject == nil {
		return coreerr.New(coreerr.ValidationError, "APRV requires a subject")
	}
	approved := !hasFlag(a.Flags, 'R')
	if approved {
		_, err := h.Pipeline.Accept(ctx, a.TnID, *a.Subject)
		return err
	}
	_, err := h.Pipeline.Reject(ctx, a.TnID, *a.Subject)
	return err
}

// convCreate records the conversation's creator as its first admin in
// X["admins"]; it does not create a SUBS action.
func convCreate(ctx context.Context, h *action.HookContext, a *action.Action) error {
	if a.X == nil {
		a.X = make(map[string]any)
	}
	a.X["admins"] = []string{a.Issuer}
	return nil
}

// fshrAccept is a no-op: accepting a file share changes only the action's
// status; no local file entry is created.
func fshrAccept(ctx context.Context, h *action.HookContext, a *action.Action) error {
	return nil
}
