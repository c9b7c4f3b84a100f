package action

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudillo/cloudillo/internal/bus"
	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/ratelimit"
	"github.com/cloudillo/cloudillo/internal/realtime"
	"github.com/cloudillo/cloudillo/internal/scheduler"
	"github.com/cloudillo/cloudillo/internal/token"
)

// KeyProvider resolves a tenant's current signing key (outbound) and a
// peer's verification key by (issuer, keyID) (inbound). Kept as its own
// narrow interface here rather than importing internal/fedclient or an
// adapters package directly, per the certmgr.Store / scheduler.Store
// convention: this package declares exactly the capability it consumes.
type KeyProvider interface {
	SigningKey(ctx context.Context, tnID string) (*token.Key, error)
	FetchKey(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error)
}

// ProfileChecker answers whether a profile is already synced locally, and
// triggers a sync when it's missing (spec §4.E inbound step "profile
// existence").
type ProfileChecker interface {
	Exists(ctx context.Context, tnID, idTag string) (bool, error)
	SyncProfile(ctx context.Context, tnID, idTag string) error
}

// AttachmentFetcher pre-fetches an inbound action's referenced blobs
// before the action itself is persisted (spec §4.E inbound step
// "attachment pre-fetch").
type AttachmentFetcher interface {
	Prefetch(ctx context.Context, tnID, issuer string, blobIDs []string) error
}

// TenantResolver maps a tenant id to its own id_tag, for stamping Issuer
// on outbound actions.
type TenantResolver interface {
	IDTag(ctx context.Context, tnID string) (string, error)
}

// Pipeline implements the outbound and inbound action flows of spec §4.E.
type Pipeline struct {
	Store     Store
	Keys      KeyProvider
	Profiles  ProfileChecker
	Blobs     AttachmentFetcher
	Tenants   TenantResolver
	Scheduler *scheduler.Scheduler
	Limiter   *ratelimit.Limiter
	Bus       *bus.Bus
	Broadcast *realtime.Manager
	Hooks     HookRegistry
}

// New builds a Pipeline. Hooks defaults to an empty registry if nil.
func New(store Store, keys KeyProvider, profiles ProfileChecker, blobs AttachmentFetcher, tenants TenantResolver, sched *scheduler.Scheduler, limiter *ratelimit.Limiter, b *bus.Bus, broadcast *realtime.Manager, hooks HookRegistry) *Pipeline {
	if hooks == nil {
		hooks = NewHookRegistry()
	}
	return &Pipeline{
		Store: store, Keys: keys, Profiles: profiles, Blobs: blobs, Tenants: tenants,
		Scheduler: sched, Limiter: limiter, Bus: b, Broadcast: broadcast, Hooks: hooks,
	}
}

// Create runs the full outbound flow of spec §4.E: ingest, type/audience
// resolution, inheritance, dedup, sign, persist, on_create hook, fan-out
// planning, delivery scheduling, local broadcast.
func (p *Pipeline) Create(ctx context.Context, tnID string, req Request) (*Action, error) {
	def := Lookup(req.Typ, req.SubTyp)
	if req.Typ == "" {
		return nil, coreerr.New(coreerr.ValidationError, "typ is required")
	}

	issuer, err := p.Tenants.IDTag(ctx, tnID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "resolving tenant id_tag", err)
	}

	var subjectAction, parentAction *Action
	if req.Subject != nil {
		subjectAction, err = p.Store.Get(ctx, tnID, *req.Subject)
		if err != nil && err != ErrNotFound {
			return nil, coreerr.Wrap(coreerr.DbError, "loading subject action", err)
		}
	}
	if req.ParentID != nil {
		parentAction, err = p.Store.Get(ctx, tnID, *req.ParentID)
		if err != nil && err != ErrNotFound {
			return nil, coreerr.Wrap(coreerr.DbError, "loading parent action", err)
		}
	}

	audience, err := resolveAudience(req, def, subjectAction, parentAction)
	if err != nil {
		return nil, err
	}

	anchor := subjectAction
	if anchor == nil {
		anchor = parentAction
	}
	visibility := inheritVisibility(req, anchor)

	var rootID *string
	if parentAction != nil {
		if parentAction.RootID != nil {
			rootID = parentAction.RootID
		} else {
			rootID = &parentAction.ActionID
		}
	}

	key := dedupKey(def, issuer, audience, req.Subject, "")
	if key != "" {
		if existing, err := p.Store.FindByDedupKey(ctx, tnID, key); err == nil {
			return existing, nil // spec P8-equivalent: idempotent re-submission
		} else if err != ErrNotFound {
			return nil, coreerr.Wrap(coreerr.DbError, "checking dedup key", err)
		}
	}

	signingKey, err := p.Keys.SigningKey(ctx, tnID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "resolving signing key", err)
	}

	claims := token.Claims{
		Iss: issuer,
		T:   token.JoinType(req.Typ, req.SubTyp),
		C:   json.RawMessage(req.Content),
		A:   req.Attachments,
		V:   string(visibility),
		F:   req.Flags,
	}
	if req.ParentID != nil {
		claims.P = *req.ParentID
	}
	if req.Subject != nil {
		claims.Sub = *req.Subject
	}
	if audience != nil {
		claims.Aud = *audience
	}

	tok, err := token.Sign(claims, signingKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	status := StatusActive
	if def.Code == "SUBS" || def.Code == "INVT" || def.Code == "FSHR" || def.Code == "CONN" {
		status = StatusNeedsConfirmation
	}

	a := &Action{
		ActionID:         token.HashID(tok),
		TnID:             tnID,
		Typ:              req.Typ,
		SubTyp:           req.SubTyp,
		Issuer:           issuer,
		Audience:         audience,
		ParentID:         req.ParentID,
		RootID:           rootID,
		Subject:          req.Subject,
		Content:          req.Content,
		Attachments:      req.Attachments,
		Visibility:       visibility,
		Flags:            req.Flags,
		X:                req.X,
		CreatedAt:        now,
		Status:           status,
		FederationStatus: FederationDraft,
		Token:            tok,
	}

	if err := p.Store.Insert(ctx, a); err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "persisting action", err)
	}

	hooks := p.Hooks.Lookup(req.Typ, req.SubTyp)
	if hooks.OnCreate != nil {
		if err := hooks.OnCreate(ctx, &HookContext{Store: p.Store, Pipeline: p}, a); err != nil {
			// The rejected row is marked Rejected and never claims the
			// dedup key, so a later resubmission runs the hook again.
			_ = p.Store.UpdateStatus(ctx, tnID, a.ActionID, StatusRejected)
			return nil, err
		}
		// A hook may have transitioned the action's own status (e.g. SUBS
		// auto-accept) through the store rather than through this local
		// copy; reload so the caller sees the authoritative result.
		if reloaded, err := p.Store.Get(ctx, tnID, a.ActionID); err == nil {
			a = reloaded
		}
	}
	if key != "" {
		if err := p.Store.RegisterDedupKey(ctx, tnID, key, a.ActionID); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "registering dedup key", err)
		}
	}

	targets, err := p.fanoutTargets(ctx, a, def)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "planning fan-out", err)
	}
	for _, target := range targets {
		if _, err := p.Scheduler.Task(DeliveryTaskKind, deliverySerialize(a.TnID, a.ActionID, target)).
			Key(fmt.Sprintf("deliver:%s:%s", a.ActionID, target)).
			Now().
			Schedule(ctx); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "scheduling delivery", err)
		}
	}
	if len(targets) > 0 {
		_ = p.Store.UpdateFederationStatus(ctx, tnID, a.ActionID, FederationPending)
		a.FederationStatus = FederationPending
	}

	if p.Broadcast != nil {
		msg := realtime.NewMessage("action.created", issuer, a.Content)
		p.Broadcast.Publish(localTopic(tnID, a), msg)
	}
	if p.Bus != nil {
		_ = p.Bus.Publish(ctx, bus.SubjectActionCreated, bus.Event{
			Type: bus.SubjectActionCreated, TnID: tnID, ActionID: a.ActionID, Timestamp: now,
		})
	}

	return a, nil
}

// fanoutTargets computes who an outbound action must be delivered to: the
// resolved audience if any, otherwise the full follower list when the
// type is broadcast-eligible (spec §4.E "fan-out planning").
func (p *Pipeline) fanoutTargets(ctx context.Context, a *Action, def TypeDef) ([]string, error) {
	if a.Audience != nil {
		return []string{*a.Audience}, nil
	}
	if !def.Broadcast {
		return nil, nil
	}
	return p.Store.ListFollowers(ctx, a.TnID, a.Issuer)
}

func localTopic(tnID string, a *Action) string {
	if a.Audience != nil {
		return "tn:" + tnID + ":user:" + *a.Audience
	}
	return "tn:" + tnID + ":owner:" + a.Issuer
}

// Receive runs the inbound flow of spec §4.E for a federated POST to
// /inbox: guard/PoW, peek, key fetch, verify, profile existence,
// attachment pre-fetch, persist, on_receive hook, then a realtime
// broadcast and a bus event. It does not check that the issuer is
// followed or connected, and sends no push notification. When the action
// has a parent, the parent's direct children are loaded but not processed.
func (p *Pipeline) Receive(ctx context.Context, tnID, remoteAddr string, wireToken string) (*Action, error) {
	claims, err := token.Peek(wireToken)
	if err != nil {
		return nil, err
	}
	typ, subTyp := token.SplitType(claims.T)
	def := Lookup(typ, subTyp)

	if typ == "CONN" {
		if err := p.checkPow(remoteAddr, wireToken); err != nil {
			return nil, err
		}
	}
	if p.Limiter != nil {
		if err := p.Limiter.Check(remoteAddr, ratelimit.CategoryFederation); err != nil {
			return nil, err
		}
	}

	pub, err := p.Keys.FetchKey(ctx, claims.Iss, claims.K)
	if err != nil {
		if p.Limiter != nil {
			p.Limiter.OnSignatureFailure(remoteAddr)
		}
		return nil, coreerr.Wrap(coreerr.CryptoError, "fetching issuer key", err)
	}

	verified, err := token.VerifyKey(wireToken, pub)
	if err != nil {
		if p.Limiter != nil {
			p.Limiter.OnSignatureFailure(remoteAddr)
		}
		return nil, err
	}

	if !def.AllowUnknown {
		ok, err := p.Profiles.Exists(ctx, tnID, verified.Iss)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "checking profile existence", err)
		}
		if !ok {
			if err := p.Profiles.SyncProfile(ctx, tnID, verified.Iss); err != nil {
				return nil, coreerr.Wrap(coreerr.Internal, "syncing unknown issuer profile", err)
			}
		}
	}

	if len(verified.A) > 0 {
		if err := p.Blobs.Prefetch(ctx, tnID, verified.Iss, verified.A); err != nil {
			return nil, coreerr.Wrap(coreerr.NetworkError, "prefetching attachments", err)
		}
	}

	var parentID, subject *string
	if verified.P != "" {
		parentID = &verified.P
	}
	if verified.Sub != "" {
		subject = &verified.Sub
	}
	var audience *string
	if verified.Aud != "" {
		audience = &verified.Aud
	}

	var rootID *string
	if parentID != nil {
		if parent, err := p.Store.Get(ctx, tnID, *parentID); err == nil && parent.RootID != nil {
			rootID = parent.RootID
		} else if err == nil {
			rootID = &parent.ActionID
		}
	}

	var expiresAt *time.Time
	if verified.Exp != nil {
		t := time.Unix(*verified.Exp, 0).UTC()
		expiresAt = &t
	}

	status := StatusActive
	if def.Code == "SUBS" || def.Code == "INVT" || def.Code == "FSHR" || def.Code == "CONN" {
		status = StatusNeedsConfirmation
	}

	a := &Action{
		ActionID:         token.HashID(wireToken),
		TnID:             tnID,
		Typ:              typ,
		SubTyp:           subTyp,
		Issuer:           verified.Iss,
		Audience:         audience,
		ParentID:         parentID,
		RootID:           rootID,
		Subject:          subject,
		Content:          []byte(verified.C),
		Attachments:      verified.A,
		Visibility:       Visibility(verified.V),
		Flags:            verified.F,
		CreatedAt:        time.Unix(verified.Iat, 0).UTC(),
		ExpiresAt:        expiresAt,
		Status:           status,
		FederationStatus: FederationSent,
		Token:            wireToken,
	}

	if err := p.Store.Insert(ctx, a); err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "persisting received action", err)
	}

	hooks := p.Hooks.Lookup(typ, subTyp)
	if hooks.OnReceive != nil {
		if err := hooks.OnReceive(ctx, &HookContext{Store: p.Store, Pipeline: p}, a); err != nil {
			return nil, err
		}
		if reloaded, err := p.Store.Get(ctx, tnID, a.ActionID); err == nil {
			a = reloaded
		}
	}

	if parentID != nil {
		if _, err := p.Store.ListByParent(ctx, tnID, *parentID); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "loading related actions", err)
		}
		// The loaded children are not used; no related action is
		// re-entered into the pipeline.
	}

	if p.Broadcast != nil {
		msg := realtime.NewMessage("action.received", a.Issuer, a.Content)
		p.Broadcast.Publish(localTopic(tnID, a), msg)
	}
	if p.Bus != nil {
		_ = p.Bus.Publish(ctx, bus.SubjectActionReceived, bus.Event{
			Type: bus.SubjectActionReceived, TnID: tnID, ActionID: a.ActionID, Target: a.Issuer, Timestamp: time.Now().UTC(),
		})
	}

	return a, nil
}

func (p *Pipeline) checkPow(remoteAddr, wireToken string) error {
	if p.Limiter == nil {
		return nil
	}
	return p.Limiter.CheckPow(remoteAddr, wireToken)
}

// Accept transitions a pending (Status=C) action to Active, running
// OnAccept (spec §4.E APRV-style confirmation flows: SUBS, INVT, FSHR).
func (p *Pipeline) Accept(ctx context.Context, tnID, actionID string) (*Action, error) {
	a, err := p.Store.Get(ctx, tnID, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusNeedsConfirmation {
		return nil, coreerr.New(coreerr.Conflict, "action is not pending confirmation")
	}
	if err := p.Store.UpdateStatus(ctx, tnID, actionID, StatusActive); err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "updating status", err)
	}
	a.Status = StatusActive

	hooks := p.Hooks.Lookup(a.Typ, a.SubTyp)
	if hooks.OnAccept != nil {
		if err := hooks.OnAccept(ctx, &HookContext{Store: p.Store, Pipeline: p}, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Reject transitions a pending action to Rejected, running OnReject.
func (p *Pipeline) Reject(ctx context.Context, tnID, actionID string) (*Action, error) {
	a, err := p.Store.Get(ctx, tnID, actionID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusNeedsConfirmation {
		return nil, coreerr.New(coreerr.Conflict, "action is not pending confirmation")
	}
	if err := p.Store.UpdateStatus(ctx, tnID, actionID, StatusRejected); err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "updating status", err)
	}
	a.Status = StatusRejected

	hooks := p.Hooks.Lookup(a.Typ, a.SubTyp)
	if hooks.OnReject != nil {
		if err := hooks.OnReject(ctx, &HookContext{Store: p.Store, Pipeline: p}, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}
