package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/cloudillo/cloudillo/internal/adapters"
	"github.com/cloudillo/cloudillo/internal/certmgr"
	"github.com/cloudillo/cloudillo/internal/ratelimit"
	"github.com/cloudillo/cloudillo/internal/token"
)

// fakeAuthStore is a minimal in-memory stand-in for adapters.AuthStore,
// enough to exercise the admin login and passkey handlers without a
// database.
type fakeAuthStore struct {
	idTag    string
	password string
	key      *token.Key
	creds    []adapters.WebAuthnCredential
}

func (f *fakeAuthStore) GetCert(domain string) (*certmgr.CertRecord, error)      { return nil, nil }
func (f *fakeAuthStore) PutCert(domain string, rec *certmgr.CertRecord) error    { return nil }
func (f *fakeAuthStore) ListRenewable(window int64) ([]string, error)           { return nil, nil }
func (f *fakeAuthStore) IDTag(ctx context.Context, tnID string) (string, error) { return f.idTag, nil }
func (f *fakeAuthStore) TenantByIDTag(ctx context.Context, idTag string) (string, error) {
	return "1", nil
}
func (f *fakeAuthStore) CreateTenant(ctx context.Context, idTag, tenantType, passwordHash string) (string, error) {
	return "1", nil
}
func (f *fakeAuthStore) VerifyPassword(ctx context.Context, tnID, password string) (bool, error) {
	return password == f.password, nil
}
func (f *fakeAuthStore) CurrentSigningKey(ctx context.Context, tnID string) (*token.Key, error) {
	return f.key, nil
}
func (f *fakeAuthStore) RotateSigningKey(ctx context.Context, tnID string, key *token.Key) error {
	f.key = key
	return nil
}
func (f *fakeAuthStore) ListSigningKeys(ctx context.Context, tnID string) ([]*token.Key, error) {
	return []*token.Key{f.key}, nil
}
func (f *fakeAuthStore) CreateAPIKey(ctx context.Context, tnID, keyID, secretHash string) error {
	return nil
}
func (f *fakeAuthStore) RevokeAPIKey(ctx context.Context, keyID string) error { return nil }
func (f *fakeAuthStore) CreateRegistrationToken(ctx context.Context, tok, idTag string, expiresAt time.Time) error {
	return nil
}
func (f *fakeAuthStore) ConsumeRegistrationToken(ctx context.Context, tok string) (string, error) {
	return "", nil
}
func (f *fakeAuthStore) PutWebAuthnCredential(ctx context.Context, tnID string, cred adapters.WebAuthnCredential) error {
	f.creds = append(f.creds, cred)
	return nil
}
func (f *fakeAuthStore) ListWebAuthnCredentials(ctx context.Context, tnID string) ([]adapters.WebAuthnCredential, error) {
	return f.creds, nil
}
func (f *fakeAuthStore) UpdateWebAuthnSignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	for i := range f.creds {
		if bytes.Equal(f.creds[i].CredentialID, credentialID) {
			f.creds[i].SignCount = signCount
		}
	}
	return nil
}
func (f *fakeAuthStore) VAPIDKeyPair(ctx context.Context, tnID string) (string, string, error) {
	return "", "", nil
}
func (f *fakeAuthStore) PutVAPIDKeyPair(ctx context.Context, tnID, pub, priv string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeAuthStore) {
	t.Helper()
	key, err := token.GenerateKey("base.example.com#1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auth := &fakeAuthStore{idTag: "base.example.com", password: "correct-horse", key: key}
	s := &Server{
		Auth:          auth,
		Limiter:       ratelimit.New(ratelimit.Config{Limits: ratelimit.DefaultLimits()}),
		TnID:          "1",
		adminSessions: make(map[string]*webauthn.SessionData),
	}
	return s, auth
}

func TestHandleAdminLoginSuccess(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"password": "correct-horse"})
	r := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleAdminLogin(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data.Token == "" {
		t.Error("expected a non-empty token")
	}
}

func TestHandleAdminLoginWrongPassword(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"password": "wrong"})
	r := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleAdminLogin(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleAdminLoginMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()

	s.handleAdminLogin(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestAdminWebAuthnHandlersUnconfigured(t *testing.T) {
	s, _ := newTestServer(t)
	s.WebAuthn = nil

	handlers := []func(http.ResponseWriter, *http.Request){
		s.handleAdminWebAuthnRegisterBegin,
		s.handleAdminWebAuthnRegisterFinish,
		s.handleAdminWebAuthnLoginBegin,
		s.handleAdminWebAuthnLoginFinish,
	}
	for _, h := range handlers {
		r := httptest.NewRequest(http.MethodPost, "/admin/webauthn/x", nil)
		w := httptest.NewRecorder()
		h(w, r)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503, body=%s", w.Code, w.Body.String())
		}
	}
}

func TestAdminSessionPutTake(t *testing.T) {
	s, _ := newTestServer(t)
	session := &webauthn.SessionData{UserID: []byte("1")}
	s.putAdminSession("register", session)

	got, ok := s.takeAdminSession("register")
	if !ok {
		t.Fatal("expected session to be present")
	}
	if string(got.UserID) != "1" {
		t.Errorf("unexpected session: %+v", got)
	}

	if _, ok := s.takeAdminSession("register"); ok {
		t.Error("session should have been consumed by the first take")
	}
}

func TestAdminWebAuthnLoginBeginNoCredentials(t *testing.T) {
	s, _ := newTestServer(t)
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "base.example.com",
		RPID:          "localhost",
		RPOrigins:     []string{"https://localhost"},
	})
	if err != nil {
		t.Fatalf("webauthn.New: %v", err)
	}
	s.WebAuthn = wa

	r := httptest.NewRequest(http.MethodPost, "/admin/webauthn/login/begin", nil)
	w := httptest.NewRecorder()
	s.handleAdminWebAuthnLoginBegin(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (no passkeys registered), body=%s", w.Code, w.Body.String())
	}
}
