package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/cloudillo/cloudillo/internal/adapters"
	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/ratelimit"
	"github.com/cloudillo/cloudillo/internal/token"
)

// adminTokenTTL bounds how long a successful admin login is honored by
// the token this handler mints (spec §4.D "short-lived" access tokens,
// reused here for the admin surface rather than inventing a session
// scheme of its own).
const adminTokenTTL = 12 * time.Hour

// handleAdminLogin is the password-based admin login path (spec §2.1
// "admin API"): POST {"password": "..."} verified against the base
// tenant's argon2id hash.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.Limiter.Check(remoteAddr(r), ratelimit.CategoryAuth); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerr.New(coreerr.Parse, "decoding request body"))
		return
	}
	ok, err := s.Auth.VerifyPassword(r.Context(), s.TnID, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		s.Limiter.Penalize(remoteAddr(r), ratelimit.AuthFailure, 1)
		writeError(w, coreerr.New(coreerr.Unauthorized, "invalid password"))
		return
	}
	tok, err := s.mintAdminToken(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"token": tok}})
}

func (s *Server) mintAdminToken(r *http.Request) (string, error) {
	key, err := s.Auth.CurrentSigningKey(r.Context(), s.TnID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	exp := now.Add(adminTokenTTL).Unix()
	claims := token.Claims{
		Iss: s.TnID,
		K:   key.KeyID,
		T:   "ADM:TOK",
		Iat: now.Unix(),
		Exp: &exp,
	}
	return token.Sign(claims, key)
}

// adminUser adapts this node's base tenant to webauthn.User, so a single
// node can register and verify its own passkeys for /admin without a
// broader multi-user identity model (spec §2.1 "optional passkey login
// for the admin surface").
type adminUser struct {
	tnID        string
	idTag       string
	credentials []webauthn.Credential
}

func (u *adminUser) WebAuthnID() []byte                         { return []byte(u.tnID) }
func (u *adminUser) WebAuthnName() string                       { return u.idTag }
func (u *adminUser) WebAuthnDisplayName() string                { return u.idTag }
func (u *adminUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (s *Server) loadAdminUser(r *http.Request) (*adminUser, error) {
	idTag, err := s.Auth.IDTag(r.Context(), s.TnID)
	if err != nil {
		return nil, err
	}
	stored, err := s.Auth.ListWebAuthnCredentials(r.Context(), s.TnID)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(stored))
	for _, c := range stored {
		creds = append(creds, webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		})
	}
	return &adminUser{tnID: s.TnID, idTag: idTag, credentials: creds}, nil
}

func (s *Server) putAdminSession(key string, session *webauthn.SessionData) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	s.adminSessions[key] = session
}

func (s *Server) takeAdminSession(key string) (*webauthn.SessionData, bool) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	session, ok := s.adminSessions[key]
	if ok {
		delete(s.adminSessions, key)
	}
	return session, ok
}

func (s *Server) handleAdminWebAuthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	if s.WebAuthn == nil {
		writeError(w, coreerr.New(coreerr.ServiceUnavail, "passkey login is not configured"))
		return
	}
	user, err := s.loadAdminUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	options, session, err := s.WebAuthn.BeginRegistration(user)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.Internal, "beginning passkey registration", err))
		return
	}
	s.putAdminSession("register", session)
	writeJSON(w, http.StatusOK, map[string]any{"data": options})
}

func (s *Server) handleAdminWebAuthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if s.WebAuthn == nil {
		writeError(w, coreerr.New(coreerr.ServiceUnavail, "passkey login is not configured"))
		return
	}
	user, err := s.loadAdminUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	session, ok := s.takeAdminSession("register")
	if !ok {
		writeError(w, coreerr.New(coreerr.ValidationError, "registration session expired or not found"))
		return
	}
	cred, err := s.WebAuthn.FinishRegistration(user, *session, r)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.ValidationError, "verifying passkey registration", err))
		return
	}
	err = s.Auth.PutWebAuthnCredential(r.Context(), s.TnID, adapters.WebAuthnCredential{
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		SignCount:    cred.Authenticator.SignCount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"registered": true}})
}

func (s *Server) handleAdminWebAuthnLoginBegin(w http.ResponseWriter, r *http.Request) {
	if s.WebAuthn == nil {
		writeError(w, coreerr.New(coreerr.ServiceUnavail, "passkey login is not configured"))
		return
	}
	user, err := s.loadAdminUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(user.credentials) == 0 {
		writeError(w, coreerr.New(coreerr.ValidationError, "no passkeys registered"))
		return
	}
	options, session, err := s.WebAuthn.BeginLogin(user)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.Internal, "beginning passkey login", err))
		return
	}
	s.putAdminSession("login", session)
	writeJSON(w, http.StatusOK, map[string]any{"data": options})
}

func (s *Server) handleAdminWebAuthnLoginFinish(w http.ResponseWriter, r *http.Request) {
	if s.WebAuthn == nil {
		writeError(w, coreerr.New(coreerr.ServiceUnavail, "passkey login is not configured"))
		return
	}
	user, err := s.loadAdminUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	session, ok := s.takeAdminSession("login")
	if !ok {
		writeError(w, coreerr.New(coreerr.ValidationError, "login session expired or not found"))
		return
	}
	cred, err := s.WebAuthn.FinishLogin(user, *session, r)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.Unauthorized, "verifying passkey", err))
		return
	}
	if err := s.Auth.UpdateWebAuthnSignCount(r.Context(), cred.ID, cred.Authenticator.SignCount); err != nil {
		writeError(w, err)
		return
	}
	tok, err := s.mintAdminToken(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"token": tok}})
}
