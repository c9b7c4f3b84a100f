package certmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
)

// ChallengeResponder serves the HTTP-01 challenge on port 80 (spec §4.D
// step 2: "A dedicated HTTP-only endpoint on port 80 serves
// /.well-known/acme-challenge/<token> by looking up the map").
type ChallengeResponder struct {
	mu  sync.RWMutex
	kas map[string]string // token -> key authorization
}

// NewChallengeResponder creates an empty responder.
func NewChallengeResponder() *ChallengeResponder {
	return &ChallengeResponder{kas: make(map[string]string)}
}

func (r *ChallengeResponder) put(token, keyAuth string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kas[token] = keyAuth
}

func (r *ChallengeResponder) delete(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kas, token)
}

// Lookup returns the key authorization for token, or false on miss.
func (r *ChallengeResponder) Lookup(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.kas[token]
	return v, ok
}

// purge removes every entry for a finished or abandoned enrollment (spec
// §4.D step 5 "Purge challenge map entries for the domains").
func (r *ChallengeResponder) purge(tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tokens {
		delete(r.kas, t)
	}
}

// Enroller drives ACME HTTP-01 enrollment against acme.Client (spec
// §4.D). One Enroller is shared across all tenants; accountKey is
// created once at bootstrap and reused for every order.
type Enroller struct {
	client     *acme.Client
	responder  *ChallengeResponder
	pollPolicy pollPolicy
}

type pollPolicy struct {
	initial time.Duration
	factor  float64
	ceiling time.Duration
}

// defaultPollPolicy mirrors spec §4.D step 3: "initial 1 s, 1.5x backoff,
// 90 s ceiling".
func defaultPollPolicy() pollPolicy {
	return pollPolicy{initial: time.Second, factor: 1.5, ceiling: 90 * time.Second}
}

// NewEnroller creates an Enroller against directoryURL (the ACME
// directory, e.g. Let's Encrypt production or staging), generating a
// fresh account key if accountKey is nil.
func NewEnroller(ctx context.Context, directoryURL, contactEmail string, accountKey *ecdsa.PrivateKey, responder *ChallengeResponder) (*Enroller, error) {
	if accountKey == nil {
		var err error
		accountKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating ACME account key: %w", err)
		}
	}
	client := &acme.Client{Key: accountKey, DirectoryURL: directoryURL}

	account := &acme.Account{Contact: []string{"mailto:" + contactEmail}}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return nil, fmt.Errorf("registering ACME account: %w", err)
	}

	return &Enroller{client: client, responder: responder, pollPolicy: defaultPollPolicy()}, nil
}

// Enroll runs the full order/authorize/challenge/finalize cycle for
// domains (spec §4.D steps 1-5) and returns the parsed certificate
// record ready to persist via the auth adapter.
func (e *Enroller) Enroll(ctx context.Context, domains []string) (*CertRecord, error) {
	order, err := e.client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, fmt.Errorf("creating ACME order: %w", err)
	}

	var tokens []string
	for _, authzURL := range order.AuthzURLs {
		authz, err := e.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("fetching authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		chal := findHTTP01(authz)
		if chal == nil {
			return nil, fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
		}

		keyAuth, err := e.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, fmt.Errorf("computing challenge response: %w", err)
		}
		e.responder.put(chal.Token, keyAuth)
		tokens = append(tokens, chal.Token)

		if _, err := e.client.Accept(ctx, chal); err != nil {
			return nil, fmt.Errorf("accepting challenge: %w", err)
		}

		if _, err := e.pollAuthorization(ctx, authzURL); err != nil {
			return nil, err
		}
	}
	defer e.responder.purge(tokens)

	accountKey, ok := e.client.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported account key type")
	}
	certKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating cert key: %w", err)
	}
	csr, err := buildCSR(certKey, domains)
	if err != nil {
		return nil, err
	}

	order, err = e.pollOrder(ctx, order.URI)
	if err != nil {
		return nil, err
	}

	der, _, err := e.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("finalizing order: %w", err)
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}

	keyPEM, err := marshalECKey(certKey)
	if err != nil {
		return nil, err
	}
	_ = accountKey // retained on e.client for subsequent renewals

	return &CertRecord{
		Domain:    domains[0],
		CertChain: marshalChain(der),
		Key:       keyPEM,
		ExpiresAt: leaf.NotAfter.Unix(),
	}, nil
}

func findHTTP01(authz *acme.Authorization) *acme.Challenge {
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			return c
		}
	}
	return nil
}

// pollAuthorization polls with the backoff described in spec §4.D step 3,
// tolerating unexpected states liberally (log-and-continue is the
// caller's responsibility; here we just keep polling until Valid,
// Invalid, or a 5-minute deadline passes; each individual delay is
// capped at the ceiling).
func (e *Enroller) pollAuthorization(ctx context.Context, authzURL string) (*acme.Authorization, error) {
	delay := e.pollPolicy.initial
	deadline := time.Now().Add(5 * time.Minute)
	for {
		authz, err := e.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, err
		}
		switch authz.Status {
		case acme.StatusValid:
			return authz, nil
		case acme.StatusInvalid:
			return nil, fmt.Errorf("authorization %s became invalid", authzURL)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("authorization %s did not validate before deadline", authzURL)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay, e.pollPolicy)
	}
}

func (e *Enroller) pollOrder(ctx context.Context, orderURL string) (*acme.Order, error) {
	delay := e.pollPolicy.initial
	deadline := time.Now().Add(5 * time.Minute)
	for {
		order, err := e.client.GetOrder(ctx, orderURL)
		if err != nil {
			return nil, err
		}
		if order.Status == acme.StatusReady || order.Status == acme.StatusValid {
			return order, nil
		}
		if order.Status == acme.StatusInvalid {
			return nil, fmt.Errorf("order %s became invalid", orderURL)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("order %s did not become ready before deadline", orderURL)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay, e.pollPolicy)
	}
}

func nextDelay(cur time.Duration, p pollPolicy) time.Duration {
	next := time.Duration(float64(cur) * p.factor)
	if next > p.ceiling {
		next = p.ceiling
	}
	return next
}

func buildCSR(key *ecdsa.PrivateKey, domains []string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{DNSNames: domains}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

func marshalECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func marshalChain(der [][]byte) []byte {
	var out []byte
	for _, b := range der {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	return out
}

// ParseCertRecord parses a stored record back into a *tls.Certificate
// for cache installation.
func ParseCertRecord(rec *CertRecord) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(rec.CertChain, rec.Key)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
