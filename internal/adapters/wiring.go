package adapters

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cloudillo/cloudillo/internal/action"
	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/fedclient"
	"github.com/cloudillo/cloudillo/internal/media"
	"github.com/cloudillo/cloudillo/internal/profilesync"
	"github.com/cloudillo/cloudillo/internal/push"
	"github.com/cloudillo/cloudillo/internal/scheduler"
	"github.com/cloudillo/cloudillo/internal/search"
	"github.com/cloudillo/cloudillo/internal/token"
)

// SchedulerStore adapts a MetaStore's Task-prefixed methods to the exact
// method names scheduler.Store expects. Go won't let one interface embed
// both scheduler.Store and action.Store (their Insert/Get collide with
// incompatible signatures), so instead of embedding we hold the MetaStore
// and forward one call at a time.
type SchedulerStore struct {
	Meta MetaStore
}

func NewSchedulerStore(meta MetaStore) *SchedulerStore { return &SchedulerStore{Meta: meta} }

func (s *SchedulerStore) Insert(ctx context.Context, rec *scheduler.Record) (*scheduler.Record, error) {
	return s.Meta.InsertTask(ctx, rec)
}

func (s *SchedulerStore) Get(ctx context.Context, id string) (*scheduler.Record, error) {
	return s.Meta.GetTask(ctx, id)
}

func (s *SchedulerStore) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*scheduler.Record, error) {
	return s.Meta.ClaimNextTask(ctx, workerID, leaseTTL, now)
}

func (s *SchedulerStore) DepsSatisfied(ctx context.Context, deps []string) (bool, error) {
	return s.Meta.TaskDepsSatisfied(ctx, deps)
}

func (s *SchedulerStore) MarkFinished(ctx context.Context, id string, output string) error {
	return s.Meta.MarkTaskFinished(ctx, id, output)
}

func (s *SchedulerStore) MarkRetry(ctx context.Context, id string, retryAt time.Time, errMsg string) error {
	return s.Meta.MarkTaskRetry(ctx, id, retryAt, errMsg)
}

func (s *SchedulerStore) MarkFailedTerminal(ctx context.Context, id string, errMsg string) error {
	return s.Meta.MarkTaskFailedTerminal(ctx, id, errMsg)
}

func (s *SchedulerStore) Reschedule(ctx context.Context, id string, nextAt time.Time) error {
	return s.Meta.RescheduleTask(ctx, id, nextAt)
}

func (s *SchedulerStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	return s.Meta.ExpireTaskLeases(ctx, now)
}

// ActionStoreAdapter adapts a MetaStore's Action-prefixed methods to
// action.Store, translating between adapters.ActionRecord and
// action.Action at the boundary so internal/action never has to know
// about this package.
type ActionStoreAdapter struct {
	Meta MetaStore
}

func NewActionStoreAdapter(meta MetaStore) *ActionStoreAdapter { return &ActionStoreAdapter{Meta: meta} }

func toRecord(a *action.Action) *ActionRecord {
	return &ActionRecord{
		ActionID: a.ActionID, TnID: a.TnID, Typ: a.Typ, SubTyp: a.SubTyp,
		Issuer: a.Issuer, Audience: a.Audience, ParentID: a.ParentID, RootID: a.RootID,
		Subject: a.Subject, Content: a.Content, Attachments: a.Attachments,
		Visibility: string(a.Visibility), Flags: a.Flags, X: a.X,
		CreatedAt: a.CreatedAt, ExpiresAt: a.ExpiresAt,
		Status: string(a.Status), FederationStatus: string(a.FederationStatus), Token: a.Token,
	}
}

func fromRecord(r *ActionRecord) *action.Action {
	return &action.Action{
		ActionID: r.ActionID, TnID: r.TnID, Typ: r.Typ, SubTyp: r.SubTyp,
		Issuer: r.Issuer, Audience: r.Audience, ParentID: r.ParentID, RootID: r.RootID,
		Subject: r.Subject, Content: r.Content, Attachments: r.Attachments,
		Visibility: action.Visibility(r.Visibility), Flags: r.Flags, X: r.X,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
		Status: action.Status(r.Status), FederationStatus: action.FederationStatus(r.FederationStatus), Token: r.Token,
	}
}

func (s *ActionStoreAdapter) Insert(ctx context.Context, a *action.Action) error {
	return s.Meta.InsertAction(ctx, toRecord(a))
}

func (s *ActionStoreAdapter) Get(ctx context.Context, tnID, actionID string) (*action.Action, error) {
	rec, err := s.Meta.GetAction(ctx, tnID, actionID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return fromRecord(rec), nil
}

func (s *ActionStoreAdapter) FindByDedupKey(ctx context.Context, tnID, key string) (*action.Action, error) {
	rec, err := s.Meta.FindActionByDedupKey(ctx, tnID, key)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if rec == nil {
		return nil, action.ErrNotFound
	}
	return fromRecord(rec), nil
}

func (s *ActionStoreAdapter) RegisterDedupKey(ctx context.Context, tnID, key, actionID string) error {
	return s.Meta.RegisterActionDedupKey(ctx, tnID, key, actionID)
}

func (s *ActionStoreAdapter) UpdateStatus(ctx context.Context, tnID, actionID string, status action.Status) error {
	return s.Meta.UpdateActionStatus(ctx, tnID, actionID, string(status))
}

func (s *ActionStoreAdapter) UpdateFederationStatus(ctx context.Context, tnID, actionID string, status action.FederationStatus) error {
	return s.Meta.UpdateActionFederationStatus(ctx, tnID, actionID, string(status))
}

func (s *ActionStoreAdapter) IncrementCounter(ctx context.Context, tnID, actionID, counter string, delta int) error {
	return s.Meta.IncrementActionCounter(ctx, tnID, actionID, counter, delta)
}

func (s *ActionStoreAdapter) ListByParent(ctx context.Context, tnID, parentID string) ([]*action.Action, error) {
	recs, err := s.Meta.ListActionsByParent(ctx, tnID, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*action.Action, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

func (s *ActionStoreAdapter) ListFollowers(ctx context.Context, tnID, owner string) ([]string, error) {
	return s.Meta.ListActionFollowers(ctx, tnID, owner)
}

// translateNotFound maps a coreerr NotFound error raised by the
// Postgres-backed MetaStore onto action.ErrNotFound, since
// action.Pipeline branches on that specific sentinel (spec §4.E step
// "subject/parent lookup may legitimately miss").
func translateNotFound(err error) error {
	if err == nil {
		return nil
	}
	if coreerr.Is(err, coreerr.NotFound) {
		return action.ErrNotFound
	}
	return err
}

// KeyProviderAdapter satisfies action.KeyProvider by combining an
// AuthStore's signing-key lookup with a fedclient.KeyFetcher's remote key
// fetch (spec §4.E outbound "sign with current key" / inbound "verify
// against issuer's published key").
type KeyProviderAdapter struct {
	Auth     AuthStore
	Fetcher  *fedclient.KeyFetcher
}

func NewKeyProviderAdapter(auth AuthStore, fetcher *fedclient.KeyFetcher) *KeyProviderAdapter {
	return &KeyProviderAdapter{Auth: auth, Fetcher: fetcher}
}

func (k *KeyProviderAdapter) SigningKey(ctx context.Context, tnID string) (*token.Key, error) {
	return k.Auth.CurrentSigningKey(ctx, tnID)
}

func (k *KeyProviderAdapter) FetchKey(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	key, err := k.Fetcher.Fetch(ctx, issuer, keyID)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, coreerr.New(coreerr.CryptoError, fmt.Sprintf("unsupported key type for %s/%s", issuer, keyID))
	}
	return pub, nil
}

// ProfileCheckerAdapter satisfies action.ProfileChecker against a
// MetaStore's profile table plus the scheduler, rather than blocking the
// request path on a synchronous federated fetch (spec §4.E inbound
// "profile existence" note: missing profiles are synced asynchronously).
type ProfileCheckerAdapter struct {
	Meta MetaStore
	Sched *scheduler.Scheduler
}

func NewProfileCheckerAdapter(meta MetaStore, sched *scheduler.Scheduler) *ProfileCheckerAdapter {
	return &ProfileCheckerAdapter{Meta: meta, Sched: sched}
}

func (p *ProfileCheckerAdapter) Exists(ctx context.Context, tnID, idTag string) (bool, error) {
	return p.Meta.ProfileExists(ctx, tnID, idTag)
}

func (p *ProfileCheckerAdapter) SyncProfile(ctx context.Context, tnID, idTag string) error {
	serialized, err := profilesync.NewSubmissionCtx(tnID, idTag)
	if err != nil {
		return err
	}
	_, err = p.Sched.Task(profilesync.Kind, serialized).Now().Schedule(ctx)
	return err
}

// AttachmentFetcherAdapter satisfies action.AttachmentFetcher by pulling
// each referenced blob from the issuer's remote store into the local
// BlobStore (spec §4.E inbound "attachment pre-fetch").
type AttachmentFetcherAdapter struct {
	Blobs  BlobStore
	Fedcli *fedclient.Client
}

func NewAttachmentFetcherAdapter(blobs BlobStore, fedcli *fedclient.Client) *AttachmentFetcherAdapter {
	return &AttachmentFetcherAdapter{Blobs: blobs, Fedcli: fedcli}
}

func (a *AttachmentFetcherAdapter) Prefetch(ctx context.Context, tnID, issuer string, blobIDs []string) error {
	for _, id := range blobIDs {
		rc, err := a.Fedcli.Stream(ctx, issuer, "/api/store/"+id)
		if err != nil {
			return coreerr.Wrap(coreerr.NetworkError, "prefetching attachment "+id, err)
		}
		err = a.Blobs.Put(ctx, id, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// TenantResolverAdapter satisfies action.TenantResolver directly off
// AuthStore's IDTag method.
type TenantResolverAdapter struct {
	Auth AuthStore
}

func NewTenantResolverAdapter(auth AuthStore) *TenantResolverAdapter {
	return &TenantResolverAdapter{Auth: auth}
}

func (t *TenantResolverAdapter) IDTag(ctx context.Context, tnID string) (string, error) {
	return t.Auth.IDTag(ctx, tnID)
}

// TokenMinterAdapter satisfies fedclient.TokenMinter, minting a
// short-lived access token for an outbound federated call by asking
// AuthStore for the tenant's current signing key and the access-token
// constructor in internal/token (spec §4.D "Access tokens").
type TokenMinterAdapter struct {
	Auth  AuthStore
	TnID  string
	Actor string
}

func NewTokenMinterAdapter(auth AuthStore, tnID, actor string) *TokenMinterAdapter {
	return &TokenMinterAdapter{Auth: auth, TnID: tnID, Actor: actor}
}

// accessTokenTTL bounds how long a minted outbound access token is
// accepted by the target instance (spec §4.D "short-lived").
const accessTokenTTL = 5 * time.Minute

func (m *TokenMinterAdapter) MintAccessToken(targetIDTag string) (string, error) {
	ctx := context.Background()
	key, err := m.Auth.CurrentSigningKey(ctx, m.TnID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	exp := now.Add(accessTokenTTL).Unix()
	claims := token.Claims{
		Iss: m.Actor,
		K:   key.KeyID,
		T:   "ACC:TOK",
		Aud: targetIDTag,
		Iat: now.Unix(),
		Exp: &exp,
	}
	return token.Sign(claims, key)
}

// ProfileSyncStoreAdapter satisfies profilesync.Store off a MetaStore,
// translating between profilesync's own ProfileData/StaleProfile shapes
// and MetaStore's ProfileFields/ProfileRef.
type ProfileSyncStoreAdapter struct {
	Meta MetaStore
}

func NewProfileSyncStoreAdapter(meta MetaStore) *ProfileSyncStoreAdapter {
	return &ProfileSyncStoreAdapter{Meta: meta}
}

func (a *ProfileSyncStoreAdapter) UpsertProfile(ctx context.Context, tnID, idTag string, data profilesync.ProfileData) error {
	return a.Meta.UpsertProfile(ctx, tnID, idTag, ProfileFields{
		Name: data.Name, Type: data.Type, Pic: data.Pic, Roles: data.Roles, Status: data.Status,
	})
}

func (a *ProfileSyncStoreAdapter) ListStaleProfiles(ctx context.Context, olderThan time.Time, limit int) ([]profilesync.StaleProfile, error) {
	refs, err := a.Meta.ListStaleProfiles(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	out := make([]profilesync.StaleProfile, len(refs))
	for i, r := range refs {
		out[i] = profilesync.StaleProfile{TnID: r.TnID, IDTag: r.IDTag}
	}
	return out, nil
}

// profileDoc mirrors spec §6's wire profile document shape.
type profileDoc struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Pic    string         `json:"pic,omitempty"`
	Roles  map[string]any `json:"roles,omitempty"`
	Status string         `json:"status,omitempty"`
}

// ProfileSyncFetcherAdapter satisfies profilesync.Fetcher over a
// fedclient.Client (spec §4.G "GET /api/profile/<id_tag>").
type ProfileSyncFetcherAdapter struct {
	Fedcli *fedclient.Client
}

func NewProfileSyncFetcherAdapter(fedcli *fedclient.Client) *ProfileSyncFetcherAdapter {
	return &ProfileSyncFetcherAdapter{Fedcli: fedcli}
}

func (f *ProfileSyncFetcherAdapter) FetchProfile(ctx context.Context, idTag string) (profilesync.ProfileData, error) {
	env, err := f.Fedcli.GetNoAuth(ctx, idTag, "/api/profile/"+idTag)
	if err != nil {
		return profilesync.ProfileData{}, err
	}
	var doc profileDoc
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		return profilesync.ProfileData{}, coreerr.Wrap(coreerr.Parse, "decoding profile document", err)
	}
	return profilesync.ProfileData{Name: doc.Name, Type: doc.Type, Pic: doc.Pic, Roles: doc.Roles, Status: doc.Status}, nil
}

// PushStoreAdapter satisfies push.Store off a MetaStore, translating
// between push.Subscription and MetaStore's PushSubscription.
type PushStoreAdapter struct {
	Meta MetaStore
}

func NewPushStoreAdapter(meta MetaStore) *PushStoreAdapter { return &PushStoreAdapter{Meta: meta} }

func (p *PushStoreAdapter) ListSubscriptions(ctx context.Context, tnID, idTag string) ([]push.Subscription, error) {
	subs, err := p.Meta.ListPushSubscriptions(ctx, tnID, idTag)
	if err != nil {
		return nil, err
	}
	out := make([]push.Subscription, len(subs))
	for i, s := range subs {
		out[i] = push.Subscription{ID: s.ID, Endpoint: s.Endpoint, P256dh: s.P256dh, Auth: s.Auth}
	}
	return out, nil
}

func (p *PushStoreAdapter) TouchSubscription(ctx context.Context, id string) error {
	return p.Meta.TouchPushSubscription(ctx, id)
}

func (p *PushStoreAdapter) DeleteSubscription(ctx context.Context, id string) error {
	return p.Meta.DeletePushSubscriptionByID(ctx, id)
}

// MediaBlobStoreAdapter satisfies media.BlobStore off a BlobStore,
// translating media.VariantClass to VariantClass at the boundary - the
// two are distinct named types with identical underlying strings, so Go
// requires the explicit conversion even though no value ever changes.
type MediaBlobStoreAdapter struct {
	Blobs BlobStore
}

func NewMediaBlobStoreAdapter(blobs BlobStore) *MediaBlobStoreAdapter {
	return &MediaBlobStoreAdapter{Blobs: blobs}
}

func (m *MediaBlobStoreAdapter) Put(ctx context.Context, fileID string, r io.Reader) error {
	return m.Blobs.Put(ctx, fileID, r)
}

func (m *MediaBlobStoreAdapter) PutVariant(ctx context.Context, fileID string, class media.VariantClass, r io.Reader) error {
	return m.Blobs.PutVariant(ctx, fileID, VariantClass(class), r)
}

// MediaFileStoreAdapter satisfies media.FileStore off a MetaStore.
type MediaFileStoreAdapter struct {
	Meta MetaStore
}

func NewMediaFileStoreAdapter(meta MetaStore) *MediaFileStoreAdapter {
	return &MediaFileStoreAdapter{Meta: meta}
}

func (m *MediaFileStoreAdapter) PutFile(ctx context.Context, tnID, fileID, ownerTag, mimeType, blurhashStr string) error {
	return m.Meta.PutFile(ctx, tnID, FileRecord{
		FileID: fileID, OwnerTag: ownerTag, MimeType: mimeType, Blurhash: blurhashStr, CreatedAt: time.Now(),
	})
}

func (m *MediaFileStoreAdapter) PutFileVariant(ctx context.Context, tnID, fileID string, class media.VariantClass, byteSize int64) error {
	return m.Meta.PutFileVariant(ctx, tnID, fileID, VariantClass(class), byteSize)
}

// ProfileIndexAdapter satisfies profilesync.Indexer over a search.Index,
// so the ProfileRefreshBatch task pushes every refreshed profile into
// Meilisearch as a side effect of the sweep (spec §2.1).
type ProfileIndexAdapter struct {
	Idx *search.Index
}

func NewProfileIndexAdapter(idx *search.Index) *ProfileIndexAdapter {
	return &ProfileIndexAdapter{Idx: idx}
}

func (p *ProfileIndexAdapter) IndexProfile(ctx context.Context, tnID, idTag string, data profilesync.ProfileData) error {
	return p.Idx.IndexProfile(ctx, search.ProfileDoc{
		ID: tnID + ":" + idTag, IDTag: idTag, Name: data.Name, Type: data.Type, Status: data.Status,
	})
}

// DeliveryClientAdapter satisfies action.Deliverer by POSTing the signed
// token to the target instance's /inbox (spec §4.C "ActionDelivery").
type DeliveryClientAdapter struct {
	Fedcli *fedclient.Client
}

func NewDeliveryClientAdapter(fedcli *fedclient.Client) *DeliveryClientAdapter {
	return &DeliveryClientAdapter{Fedcli: fedcli}
}

func (d *DeliveryClientAdapter) DeliverToInbox(ctx context.Context, targetIDTag, tok string) error {
	_, err := d.Fedcli.Post(ctx, targetIDTag, "/inbox", map[string]string{"token": tok})
	if err != nil {
		return coreerr.Wrap(coreerr.NetworkError, "delivering action to "+targetIDTag, err)
	}
	return nil
}
