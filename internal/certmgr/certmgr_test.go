package certmgr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"
)

type memStore struct {
	certs map[string]*CertRecord
}

func newMemStore() *memStore { return &memStore{certs: make(map[string]*CertRecord)} }

func (s *memStore) GetCert(domain string) (*CertRecord, error) { return s.certs[domain], nil }

func (s *memStore) PutCert(domain string, rec *CertRecord) error {
	s.certs[domain] = rec
	return nil
}

func (s *memStore) ListRenewable(window int64) ([]string, error) {
	var out []string
	for d, r := range s.certs {
		if r.ExpiresAt <= window {
			out = append(out, d)
		}
	}
	return out, nil
}

func selfSignedRecord(t *testing.T, domain string, notAfter time.Time) *CertRecord {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return &CertRecord{Domain: domain, CertChain: certPEM, Key: keyPEM, ExpiresAt: notAfter.Unix()}
}

func TestCacheReadThroughFromStore(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	rec := selfSignedRecord(t, "example.test", time.Now().Add(60*24*time.Hour))
	store.certs["example.test"] = rec

	cache := NewCache(store)
	cert, err := cache.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.test"})
	if err != nil || cert == nil {
		t.Fatalf("expected read-through hit, got cert=%v err=%v", cert, err)
	}
	if _, ok := cache.Peek("example.test"); !ok {
		t.Error("expected read-through to populate the in-memory cache")
	}
}

func TestCacheMissReturnsNilWithoutError(t *testing.T) {
	t.Parallel()
	cache := NewCache(newMemStore())
	cert, err := cache.GetCertificate(&tls.ClientHelloInfo{ServerName: "nowhere.test"})
	if err != nil {
		t.Fatalf("miss must never error (spec: never block TLS on ACME issuance), got %v", err)
	}
	if cert != nil {
		t.Fatalf("expected nil cert on miss, got %v", cert)
	}
}

// TestCertCacheCoherenceAfterRenewal is the property test for spec P9:
// after a renewal completes, the SNI cache for the affected domain
// returns the new chain before the next TLS handshake.
func TestCertCacheCoherenceAfterRenewal(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	oldRec := selfSignedRecord(t, "renew.test", time.Now().Add(time.Hour))
	store.certs["renew.test"] = oldRec

	cache := NewCache(store)
	oldCert, _ := cache.GetCertificate(&tls.ClientHelloInfo{ServerName: "renew.test"})

	newRec := selfSignedRecord(t, "renew.test", time.Now().Add(90*24*time.Hour))
	newCert, err := ParseCertRecord(newRec)
	if err != nil {
		t.Fatal(err)
	}
	cache.Install("renew.test", newCert)

	got, ok := cache.Peek("renew.test")
	if !ok {
		t.Fatal("expected cached entry after install")
	}
	if got.Leaf != nil && oldCert.Leaf != nil && got.Leaf.NotAfter.Equal(oldCert.Leaf.NotAfter) {
		t.Error("expected the installed certificate to replace the old one")
	}
	if &got.Certificate[0] == &oldCert.Certificate[0] {
		t.Error("expected a distinct certificate after renewal install")
	}
}

func TestAliasServesSameCertificateAsPrimaryDomain(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.certs["home.example"] = selfSignedRecord(t, "home.example", time.Now().Add(60*24*time.Hour))

	cache := NewCache(store)
	if _, err := cache.GetCertificate(&tls.ClientHelloInfo{ServerName: "home.example"}); err != nil {
		t.Fatal(err)
	}
	cache.InstallAlias("home.example", "cl-o.home")

	if _, ok := cache.Peek("cl-o.home"); !ok {
		t.Error("expected alias domain to be served from cache after InstallAlias")
	}
}

func TestChallengeResponderRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewChallengeResponder()
	r.put("tok-123", "key-auth-value")

	if v, ok := r.Lookup("tok-123"); !ok || v != "key-auth-value" {
		t.Fatalf("expected lookup to find the stored key authorization, got %q ok=%v", v, ok)
	}
	r.purge([]string{"tok-123"})
	if _, ok := r.Lookup("tok-123"); ok {
		t.Error("expected purge to remove the challenge entry")
	}
}

func TestChallengeHandlerServesKeyAuthorization(t *testing.T) {
	t.Parallel()
	m := &Manager{Cache: NewCache(nil), Responder: NewChallengeResponder()}
	m.Responder.put("abc", "abc.thumbprint")

	req := httptest.NewRequest("GET", "/.well-known/acme-challenge/abc", nil)
	rec := httptest.NewRecorder()
	m.ChallengeHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "abc.thumbprint" {
		t.Errorf("expected key authorization body, got %q", rec.Body.String())
	}
}

func TestChallengeHandlerMissIsNotFound(t *testing.T) {
	t.Parallel()
	m := &Manager{Cache: NewCache(nil), Responder: NewChallengeResponder()}
	req := httptest.NewRequest("GET", "/.well-known/acme-challenge/missing", nil)
	rec := httptest.NewRecorder()
	m.ChallengeHandler().ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Errorf("expected 404 for unknown token, got %d", rec.Code)
	}
}

func TestPollBackoffRespectsCeiling(t *testing.T) {
	t.Parallel()
	p := defaultPollPolicy()
	d := p.initial
	for i := 0; i < 20; i++ {
		d = nextDelay(d, p)
	}
	if d > p.ceiling {
		t.Errorf("expected backoff capped at ceiling %v, got %v", p.ceiling, d)
	}
}
