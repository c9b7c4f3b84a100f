package nativehooks

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/cloudillo/cloudillo/internal/action"
	"github.com/cloudillo/cloudillo/internal/scheduler"
	"github.com/cloudillo/cloudillo/internal/token"
)

type fakeKeys struct {
	key      *token.Key
	verifyAs *ecdsa.PublicKey // if set, FetchKey always returns this instead of key's own
}

func (f *fakeKeys) SigningKey(ctx context.Context, tnID string) (*token.Key, error) {
	return f.key, nil
}

func (f *fakeKeys) FetchKey(ctx context.Context, issuer, keyID string) (*ecdsa.PublicKey, error) {
	if f.verifyAs != nil {
		return f.verifyAs, nil
	}
	return &f.key.PrivateKey.PublicKey, nil
}

type fakeProfiles struct{}

func (fakeProfiles) Exists(ctx context.Context, tnID, idTag string) (bool, error) { return true, nil }
func (fakeProfiles) SyncProfile(ctx context.Context, tnID, idTag string) error    { return nil }

type fakeBlobs struct{}

func (fakeBlobs) Prefetch(ctx context.Context, tnID, issuer string, blobIDs []string) error {
	return nil
}

type fakeTenants struct{ idTag string }

func (f fakeTenants) IDTag(ctx context.Context, tnID string) (string, error) { return f.idTag, nil }

type noopDeliverer struct{}

func (noopDeliverer) DeliverToInbox(ctx context.Context, targetIDTag, tok string) error { return nil }

func newPipeline(t *testing.T, idTag string) (*action.Pipeline, *action.MemStore) {
	p, store, _ := newPipelineWithKeys(t, idTag)
	return p, store
}

func newPipelineWithKeys(t *testing.T, idTag string) (*action.Pipeline, *action.MemStore, *fakeKeys) {
	t.Helper()
	key, err := token.GenerateKey("k1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store := action.NewMemStore()
	sched := scheduler.New(scheduler.NewMemStore(), nil)
	sched.Register(action.DeliveryTaskType{Store: store, Deliverer: noopDeliverer{}})

	reg := action.NewHookRegistry()
	Register(reg)

	fk := &fakeKeys{key: key}
	p := action.New(store, fk, fakeProfiles{}, fakeBlobs{}, fakeTenants{idTag: idTag}, sched, nil, nil, nil, reg)
	return p, store, fk
}

func TestReactCreate_IncrementsCounter(t *testing.T) {
	p, store := newPipeline(t, "alice.example.com")
	ctx := context.Background()

	post, err := p.Create(ctx, "1", action.Request{Typ: "POST", Content: []byte(`{}`)})
	if err != nil {
		t.Fatalf("creating post: %v", err)
	}

	_, err = p.Create(ctx, "1", action.Request{Typ: "REACT", Subject: &post.ActionID})
	if err != nil {
		t.Fatalf("creating react: %v", err)
	}

	got, err := store.Get(ctx, "1", post.ActionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.X["reactions_count"] != 1 {
		t.Errorf("reactions_count = %v, want 1", got.X["reactions_count"])
	}
}

func TestReactCreate_DeleteFlagDecrementsWithFloor(t *testing.T) {
	p, store := newPipeline(t, "alice.example.com")
	ctx := context.Background()

	post, err := p.Create(ctx, "1", action.Request{Typ: "POST", Content: []byte(`{}`)})
	if err != nil {
		t.Fatalf("creating post: %v", err)
	}

	_, err = p.Create(ctx, "1", action.Request{Typ: "REACT", Subject: &post.ActionID, Flags: "D"})
	if err != nil {
		t.Fatalf("creating react withdrawal: %v", err)
	}

	got, err := store.Get(ctx, "1", post.ActionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.X["reactions_count"] != 0 {
		t.Errorf("reactions_count = %v, want 0 (floor, not negative)", got.X["reactions_count"])
	}
}

func TestCmntCreate_IncrementsParentCommentCount(t *testing.T) {
	p, store := newPipeline(t, "alice.example.com")
	ctx := context.Background()

	post, err := p.Create(ctx, "1", action.Request{Typ: "POST", Content: []byte(`{}`)})
	if err != nil {
		t.Fatalf("creating post: %v", err)
	}

	_, err = p.Create(ctx, "1", action.Request{Typ: "CMNT", ParentID: &post.ActionID, Content: []byte(`{"text":"nice"}`)})
	if err != nil {
		t.Fatalf("creating comment: %v", err)
	}

	got, err := store.Get(ctx, "1", post.ActionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.X["comments_count"] != 1 {
		t.Errorf("comments_count = %v, want 1", got.X["comments_count"])
	}
}

func TestConnReceive_MutualDetectionActivatesBoth(t *testing.T) {
	p, store, fk := newPipelineWithKeys(t, "alice.example.com")
	ctx := context.Background()

	bob := "bob.example.com"
	outbound, err := p.Create(ctx, "1", action.Request{Typ: "CONN", AudienceTag: &bob})
	if err != nil {
		t.Fatalf("creating outbound CONN: %v", err)
	}
	if outbound.Status != action.StatusNeedsConfirmation {
		t.Fatalf("outbound status = %q, want NeedsConfirmation", outbound.Status)
	}

	bobKey, err := token.GenerateKey("bk1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	bobTok, err := token.Sign(token.Claims{Iss: bob, T: "CONN", Aud: "alice.example.com"}, bobKey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	fk.verifyAs = &bobKey.PrivateKey.PublicKey
	inbound, err := p.Receive(ctx, "1", "203.0.113.7", bobTok)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if inbound.Status != action.StatusActive {
		t.Errorf("inbound status = %q, want Active (mutual connect)", inbound.Status)
	}
	got, err := store.Get(ctx, "1", outbound.ActionID)
	if err != nil {
		t.Fatalf("Get outbound: %v", err)
	}
	if got.Status != action.StatusActive {
		t.Errorf("outbound status after mutual detection = %q, want Active", got.Status)
	}
}

func TestSubsCreate_OpenGroupAutoAccepts(t *testing.T) {
	p, _ := newPipeline(t, "alice.example.com")
	ctx := context.Background()

	group, err := p.Create(ctx, "1", action.Request{Typ: "CONV", X: map[string]any{"open": true}})
	if err != nil {
		t.Fatalf("creating group: %v", err)
	}

	sub, err := p.Create(ctx, "1", action.Request{Typ: "SUBS", Subject: &group.ActionID})
	if err != nil {
		t.Fatalf("Create SUBS: %v", err)
	}
	if sub.Status != action.StatusActive {
		t.Errorf("status = %q, want Active (open group auto-accept)", sub.Status)
	}
}

func TestSubsCreate_ClosedGroupRequiresInvite(t *testing.T) {
	p, _ := newPipeline(t, "alice.example.com")
	ctx := context.Background()

	group, err := p.Create(ctx, "1", action.Request{Typ: "CONV"})
	if err != nil {
		t.Fatalf("creating group: %v", err)
	}

	if _, err := p.Create(ctx, "1", action.Request{Typ: "SUBS", Subject: &group.ActionID}); err == nil {
		t.Fatal("expected SUBS without an invite to be rejected on a closed group")
	}

	self := "alice.example.com"
	if _, err := p.Create(ctx, "1", action.Request{Typ: "INVT", Subject: &group.ActionID, AudienceTag: &self}); err != nil {
		t.Fatalf("creating invite: %v", err)
	}

	sub, err := p.Create(ctx, "1", action.Request{Typ: "SUBS", Subject: &group.ActionID})
	if err != nil {
		t.Fatalf("Create SUBS after invite: %v", err)
	}
	if sub.Status != action.StatusNeedsConfirmation {
		t.Errorf("status = %q, want NeedsConfirmation", sub.Status)
	}
}
