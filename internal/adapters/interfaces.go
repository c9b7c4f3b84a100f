// Package adapters provides the reference persistence and blob-storage
// implementations for the capability interfaces the rest of the core
// declares (spec §6 "Persistent state layout" / §1 "The core depends on
// adapters, never the reverse"). Every other package — scheduler,
// certmgr, action, abac, fedclient — defines its own narrow interface for
// exactly what it needs; this package's job is to produce concrete types
// that structurally satisfy those interfaces, backed by Postgres, the
// filesystem, or MinIO/S3.
//
// AuthStore, MetaStore, BlobStore, CRDTStore, and RTDBStore below are the
// five adapter categories of spec §6, not consumer-side interfaces
// themselves. certmgr.Store and action.TenantResolver happen to share
// AuthStore's exact method names, so the concrete Postgres type satisfies
// them directly; scheduler.Store and action.Store both want a method
// literally named Insert/Get with incompatible signatures, so those two
// cannot be embedded in one interface — MetaStore exposes them under
// distinct names (task-prefixed, action-prefixed) and the thin adapter
// types in wiring.go translate each one back to its consumer's expected
// method names.
package adapters

import (
	"context"
	"io"
	"time"

	"github.com/cloudillo/cloudillo/internal/abac"
	"github.com/cloudillo/cloudillo/internal/certmgr"
	"github.com/cloudillo/cloudillo/internal/rtdb"
	"github.com/cloudillo/cloudillo/internal/scheduler"
	"github.com/cloudillo/cloudillo/internal/token"
)

// WebAuthnCredential is the persisted shape of one registered WebAuthn
// credential (spec §6 "webauthn_credentials").
type WebAuthnCredential struct {
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
}

// VariantClass is a file's rendered size tier (spec §4.J "tn | sd | md |
// hd | xd").
type VariantClass string

const (
	VariantThumbnail VariantClass = "tn"
	VariantSmall     VariantClass = "sd"
	VariantMedium    VariantClass = "md"
	VariantHigh      VariantClass = "hd"
	VariantOriginal  VariantClass = "xd"
)

// AuthStore is the reference persistence capability for spec §6's "Auth
// adapter": tenant identity, ES384 signing keys, TLS certificate
// material, API keys, registration tokens, WebAuthn credentials, and
// VAPID keypairs. It directly satisfies certmgr.Store (GetCert/PutCert/
// ListRenewable) and action.TenantResolver (IDTag) by sharing their exact
// method signatures.
type AuthStore interface {
	certmgr.Store

	// IDTag resolves a tenant's id_tag, satisfying action.TenantResolver.
	IDTag(ctx context.Context, tnID string) (string, error)
	// TenantByIDTag is the inverse lookup, used at inbound request time.
	TenantByIDTag(ctx context.Context, idTag string) (tnID string, err error)
	// CreateTenant provisions a new tenant row, storing an argon2id hash
	// of the plaintext password, and returns its tn_id.
	CreateTenant(ctx context.Context, idTag, tenantType, password string) (tnID string, err error)
	// VerifyPassword checks password against the tenant's stored argon2id hash.
	VerifyPassword(ctx context.Context, tnID, password string) (bool, error)

	// CurrentSigningKey returns the tenant's current ES384 key pair; it
	// backs action.KeyProvider.SigningKey through KeyProviderAdapter.
	CurrentSigningKey(ctx context.Context, tnID string) (*token.Key, error)
	// RotateSigningKey installs a new current key, retiring the previous one.
	RotateSigningKey(ctx context.Context, tnID string, key *token.Key) error
	// ListSigningKeys returns every key (current and not-yet-expired
	// retired ones) a remote instance may still need to verify an
	// in-flight token against, for publishing at /me/keys.
	ListSigningKeys(ctx context.Context, tnID string) ([]*token.Key, error)

	CreateAPIKey(ctx context.Context, tnID, keyID, secretHash string) error
	RevokeAPIKey(ctx context.Context, keyID string) error

	CreateRegistrationToken(ctx context.Context, tok, idTag string, expiresAt time.Time) error
	ConsumeRegistrationToken(ctx context.Context, tok string) (idTag string, err error)

	PutWebAuthnCredential(ctx context.Context, tnID string, cred WebAuthnCredential) error
	ListWebAuthnCredentials(ctx context.Context, tnID string) ([]WebAuthnCredential, error)
	UpdateWebAuthnSignCount(ctx context.Context, credentialID []byte, signCount uint32) error

	VAPIDKeyPair(ctx context.Context, tnID string) (pub, priv string, err error)
	PutVAPIDKeyPair(ctx context.Context, tnID, pub, priv string) error
}

// MetaStore is the reference persistence capability for spec §6's "Meta
// adapter": profiles, actions, scheduled tasks, settings, push
// subscriptions, and file/attachment bookkeeping.
//
// Its action/task method groups mirror action.Store and scheduler.Store
// field-for-field but under Action-/Task-prefixed names (Go forbids two
// embedded interfaces from sharing a bare "Insert"/"Get" with different
// signatures); wiring.go's SchedulerStore and ActionStoreAdapter restore
// the exact names each consumer expects.
type MetaStore interface {
	InsertTask(ctx context.Context, rec *scheduler.Record) (*scheduler.Record, error)
	GetTask(ctx context.Context, id string) (*scheduler.Record, error)
	ClaimNextTask(ctx context.Context, workerID string, leaseTTL time.Duration, now time.Time) (*scheduler.Record, error)
	TaskDepsSatisfied(ctx context.Context, deps []string) (bool, error)
	MarkTaskFinished(ctx context.Context, id string, output string) error
	MarkTaskRetry(ctx context.Context, id string, retryAt time.Time, errMsg string) error
	MarkTaskFailedTerminal(ctx context.Context, id string, errMsg string) error
	RescheduleTask(ctx context.Context, id string, nextAt time.Time) error
	ExpireTaskLeases(ctx context.Context, now time.Time) (int, error)

	InsertAction(ctx context.Context, a *ActionRecord) error
	GetAction(ctx context.Context, tnID, actionID string) (*ActionRecord, error)
	FindActionByDedupKey(ctx context.Context, tnID, key string) (*ActionRecord, error)
	RegisterActionDedupKey(ctx context.Context, tnID, key, actionID string) error
	UpdateActionStatus(ctx context.Context, tnID, actionID, status string) error
	UpdateActionFederationStatus(ctx context.Context, tnID, actionID, status string) error
	IncrementActionCounter(ctx context.Context, tnID, actionID, counter string, delta int) error
	ListActionsByParent(ctx context.Context, tnID, parentID string) ([]*ActionRecord, error)
	ListActionFollowers(ctx context.Context, tnID, owner string) ([]string, error)

	ProfileExists(ctx context.Context, tnID, idTag string) (bool, error)
	UpsertProfile(ctx context.Context, tnID, idTag string, fields ProfileFields) error
	ListStaleProfiles(ctx context.Context, olderThan time.Time, limit int) ([]ProfileRef, error)

	// ResolveRelationships satisfies abac.RelationshipResolver.Resolve.
	ResolveRelationships(subject string, owners []string) (map[string]abac.Relationships, error)

	PutSetting(ctx context.Context, tnID, key string, value []byte) error
	GetSetting(ctx context.Context, tnID, key string) ([]byte, error)

	CreatePushSubscription(ctx context.Context, tnID, idTag string, sub PushSubscription) error
	ListPushSubscriptions(ctx context.Context, tnID, idTag string) ([]PushSubscription, error)
	DeletePushSubscriptionByEndpoint(ctx context.Context, tnID, idTag, endpoint string) error
	TouchPushSubscription(ctx context.Context, id string) error
	DeletePushSubscriptionByID(ctx context.Context, id string) error

	PutFile(ctx context.Context, tnID string, f FileRecord) error
	PutFileVariant(ctx context.Context, tnID, fileID string, class VariantClass, byteSize int64) error
	LinkAttachment(ctx context.Context, tnID, actionID, fileID string) error
}

// ActionRecord is MetaStore's wire shape for one action row. It carries
// the same fields as action.Action; the adapters package keeps its own
// struct rather than importing internal/action, so MetaStore.InsertAction
// and friends can be translated 1:1 in wiring.go without action needing
// to know about adapters at all (dependency points the spec-mandated
// direction: adapters -> action, never action -> adapters).
type ActionRecord struct {
	ActionID         string
	TnID             string
	Typ              string
	SubTyp           string
	Issuer           string
	Audience         *string
	ParentID         *string
	RootID           *string
	Subject          *string
	Content          []byte
	Attachments      []string
	Visibility       string
	Flags            string
	X                map[string]any
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	Status           string
	FederationStatus string
	Token            string
}

// ProfileFields is the set of mutable profile columns a sync can update.
type ProfileFields struct {
	Name   string
	Type   string
	Pic    string
	Roles  map[string]any
	Status string
}

// ProfileRef identifies one cached remote profile, for the
// ProfileRefreshBatch scheduler task's candidate sweep.
type ProfileRef struct {
	TnID  string
	IDTag string
}

// PushSubscription is one browser Web Push registration (spec §6
// "push_subscriptions").
type PushSubscription struct {
	ID       string
	Endpoint string
	P256dh   string
	Auth     string
}

// FileRecord is the metadata row accompanying a blob (spec §6 "files").
type FileRecord struct {
	FileID    string
	OwnerTag  string
	MimeType  string
	Blurhash  string
	CreatedAt time.Time
}

// BlobStore is the reference persistence capability for spec §6's "Blob
// adapter": content-addressed file bodies plus their rendered variants
// (spec §4.J). Filesystem and MinIO/S3 implementations are provided in
// blob_fs.go and blob_minio.go.
type BlobStore interface {
	Put(ctx context.Context, fileID string, r io.Reader) error
	Get(ctx context.Context, fileID string) (io.ReadCloser, error)
	Delete(ctx context.Context, fileID string) error
	PutVariant(ctx context.Context, fileID string, class VariantClass, r io.Reader) error
	GetVariant(ctx context.Context, fileID string, class VariantClass) (io.ReadCloser, error)
}

// CRDTStore is the reference persistence capability for spec §6's "CRDT
// adapter": an append-only log of Yjs/Automerge update frames per
// document, replayed in sequence to reconstruct state (spec §4.H
// "/ws/crdt/<id>").
type CRDTStore interface {
	AppendUpdate(ctx context.Context, tnID, docID string, update []byte) (seq int64, err error)
	ListUpdatesSince(ctx context.Context, tnID, docID string, sinceSeq int64) ([][]byte, error)
}

// RTDBStore is the reference persistence capability for spec §6's "RTDB
// adapter": one JSON document per id, updated through the P10
// shallow-merge law in internal/rtdb (spec §4.H "/ws/rtdb/<id>").
type RTDBStore interface {
	Get(ctx context.Context, tnID, docID string) (rtdb.Document, error)
	Merge(ctx context.Context, tnID, docID string, patch rtdb.Document) (rtdb.Document, error)
}
