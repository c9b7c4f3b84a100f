// Package certmgr implements the multi-tenant TLS front door of spec
// §4.D: on-demand SNI certificate resolution backed by an in-memory
// cache, and ACME HTTP-01 enrollment/renewal against the auth adapter's
// durable certificate store.
package certmgr

import (
	"crypto/tls"
	"sync"
)

// Store is the narrow capability certmgr needs from the auth adapter: a
// durable place to read and write certificate material per domain (spec
// §6 "Auth adapter owns: ... certs").
type Store interface {
	GetCert(domain string) (*CertRecord, error) // nil, nil on miss
	PutCert(domain string, rec *CertRecord) error
	ListRenewable(window int64 /* unix seconds cutoff */) ([]string, error)
}

// CertRecord is the persisted certificate material for one domain.
type CertRecord struct {
	Domain    string
	CertChain []byte // PEM
	Key       []byte // PEM
	ExpiresAt int64  // unix seconds
}

// Cache is the in-memory domain -> certificate map the TLS acceptor
// consults on every handshake. Lookup never blocks on network I/O (spec
// §4.D "Never block TLS on ACME issuance").
type Cache struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
	store Store
}

// NewCache creates an empty cache backed by store for read-through
// misses.
func NewCache(store Store) *Cache {
	return &Cache{certs: make(map[string]*tls.Certificate), store: store}
}

// GetCertificate implements the *tls.Config callback. Lookup order (spec
// §4.D): in-memory cache, then auth-store by domain, installing on hit.
// A miss returns a nil certificate, which fails the handshake rather than
// blocking on enrollment.
func (c *Cache) GetCertificate(info *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := info.ServerName
	if cert, ok := c.lookup(domain); ok {
		return cert, nil
	}

	if c.store == nil {
		return nil, nil
	}
	rec, err := c.store.GetCert(domain)
	if err != nil || rec == nil {
		return nil, nil
	}
	cert, err := tls.X509KeyPair(rec.CertChain, rec.Key)
	if err != nil {
		return nil, nil
	}
	c.Install(domain, &cert)
	return &cert, nil
}

func (c *Cache) lookup(domain string) (*tls.Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cert, ok := c.certs[domain]
	return cert, ok
}

// Install atomically replaces the cached certificate for domain, used
// both for read-through population and for renewal (spec §4.D "On
// renewal the new key replaces the old atomically").
func (c *Cache) Install(domain string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs[domain] = cert
}

// InstallAlias additionally serves the cached certificate for the
// implied `cl-o.<id_tag>` alias (spec §4.D step 2).
func (c *Cache) InstallAlias(domain, alias string) {
	c.mu.RLock()
	cert, ok := c.certs[domain]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.Install(alias, cert)
}

// Peek returns the currently cached certificate for domain without
// touching the store, for tests and diagnostics.
func (c *Cache) Peek(domain string) (*tls.Certificate, bool) {
	return c.lookup(domain)
}
