// Package token implements the ES384 action token codec of spec §4.A: a
// compact JWT over P-384, content-addressed by SHA-256 of its raw compact
// bytes. Claim names are the short wire names from spec §3/§6 — this
// package hand-rolls JSON+base64 rather than using a generic JWT library
// because the hash_id must be computed over the exact compact bytes a
// generic library's own encoding choices could perturb (see DESIGN.md).
package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

// Algo is the only signature algorithm the core supports.
const Algo = "ES384"

// clockSkew is the tolerance applied to exp checks (spec §4.A).
const clockSkew = 60 * time.Second

// header is the fixed JWT header: {"alg":"ES384","kid":"<key id>"}.
type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Claims is the compact claim set of spec §3/§4.A. Field names are the
// short wire names used on the wire.
type Claims struct {
	Iss string          `json:"iss"`           // issuer id_tag
	K   string          `json:"k"`             // key id
	T   string          `json:"t"`              // type, "TYP:SUBTYP" form
	C   json.RawMessage `json:"c,omitempty"`    // content
	P   string          `json:"p,omitempty"`    // parent_id
	A   []string        `json:"a,omitempty"`    // attachments
	Aud string          `json:"aud,omitempty"`  // audience id_tag
	Sub string          `json:"sub,omitempty"`  // subject
	Iat int64           `json:"iat"`            // issued-at, unix seconds
	Exp *int64          `json:"exp,omitempty"`  // expiry, unix seconds
	F   string          `json:"f,omitempty"`    // flags bit-string
	V   string          `json:"v,omitempty"`    // visibility
	Nonce string        `json:"_,omitempty"`    // proof-of-work nonce (CONN only)
}

// Key is a tenant's ES384 signing/verification key pair.
type Key struct {
	KeyID      string
	Algo       string
	PrivateKey *ecdsa.PrivateKey // nil for verification-only keys
	PublicPEM  string
	ExpiresAt  *time.Time
}

// Expired reports whether the key has passed its expiry.
func (k Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// GenerateKey creates a new P-384 key pair for a tenant.
func GenerateKey(keyID string) (*Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "generating P-384 key", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "marshaling public key", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return &Key{KeyID: keyID, Algo: Algo, PrivateKey: priv, PublicPEM: string(pubPEM)}, nil
}

// Sign builds and signs a token from claims using key. Fails with
// CryptoError if the key is missing or expired (spec §4.A).
func Sign(claims Claims, key *Key) (string, error) {
	if key == nil || key.PrivateKey == nil {
		return "", coreerr.New(coreerr.CryptoError, "signing key missing")
	}
	if key.Expired(time.Now()) {
		return "", coreerr.New(coreerr.CryptoError, "signing key expired")
	}
	claims.K = key.KeyID
	if claims.Iat == 0 {
		claims.Iat = time.Now().UTC().Unix()
	}

	hdrBytes, err := json.Marshal(header{Alg: Algo, Kid: key.KeyID})
	if err != nil {
		return "", coreerr.Wrap(coreerr.CryptoError, "marshaling header", err)
	}
	claimBytes, err := json.Marshal(claims)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CryptoError, "marshaling claims", err)
	}

	signingInput := b64(hdrBytes) + "." + b64(claimBytes)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := ecdsa.SignASN1(rand.Reader, key.PrivateKey, digest[:])
	if err != nil {
		return "", coreerr.Wrap(coreerr.CryptoError, "signing token", err)
	}
	return signingInput + "." + b64(sig), nil
}

// Peek decodes claims WITHOUT verifying the signature. Used only to route
// by iss/k before a verification key is available (spec §4.A).
func Peek(tok string) (Claims, error) {
	_, claimBytes, _, err := split(tok)
	if err != nil {
		return Claims{}, err
	}
	var claims Claims
	if err := json.Unmarshal(claimBytes, &claims); err != nil {
		return Claims{}, coreerr.Wrap(coreerr.Parse, "decoding claims", err)
	}
	return claims, nil
}

// Verify checks the ES384 signature against publicPEM and enforces exp
// with a ±60s clock skew tolerance when present. Must succeed before any
// side effect per spec P2.
func Verify(tok string, publicPEM string) (Claims, error) {
	pub, err := parsePublicKey(publicPEM)
	if err != nil {
		return Claims{}, err
	}
	return VerifyKey(tok, pub)
}

// VerifyKey is Verify against an already-parsed public key, for callers
// (fedclient's KeyFetcher) that hold a cached *ecdsa.PublicKey rather than
// a PEM string.
func VerifyKey(tok string, pub *ecdsa.PublicKey) (Claims, error) {
	hdrBytes, claimBytes, sigBytes, err := split(tok)
	if err != nil {
		return Claims{}, err
	}

	var hdr header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return Claims{}, coreerr.Wrap(coreerr.Parse, "decoding header", err)
	}
	if hdr.Alg != Algo {
		return Claims{}, coreerr.Newf(coreerr.CryptoError, "unsupported algorithm %q", hdr.Alg)
	}
	if pub == nil {
		return Claims{}, coreerr.New(coreerr.CryptoError, "verification key missing")
	}

	signingInput := b64(hdrBytes) + "." + b64(claimBytes)
	digest := sha256.Sum256([]byte(signingInput))
	if !ecdsa.VerifyASN1(pub, digest[:], sigBytes) {
		return Claims{}, coreerr.New(coreerr.CryptoError, "signature verification failed")
	}

	var claims Claims
	if err := json.Unmarshal(claimBytes, &claims); err != nil {
		return Claims{}, coreerr.Wrap(coreerr.Parse, "decoding claims", err)
	}

	if claims.Exp != nil {
		now := time.Now()
		expiry := time.Unix(*claims.Exp, 0).Add(clockSkew)
		if now.After(expiry) {
			return Claims{}, coreerr.New(coreerr.CryptoError, "token expired")
		}
	}

	return claims, nil
}

// HashID computes the canonical content-addressed reference for the exact
// compact token bytes: "a1~" + base64url_nopad(SHA256(token)) (spec P1).
func HashID(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return "a1~" + base64.RawURLEncoding.EncodeToString(sum[:])
}

func split(tok string) (hdrBytes, claimBytes, sigBytes []byte, err error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, nil, nil, coreerr.New(coreerr.Parse, "malformed token: expected 3 segments")
	}
	hdrBytes, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, coreerr.Wrap(coreerr.Parse, "decoding header segment", err)
	}
	claimBytes, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, coreerr.Wrap(coreerr.Parse, "decoding claims segment", err)
	}
	sigBytes, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, coreerr.Wrap(coreerr.Parse, "decoding signature segment", err)
	}
	return hdrBytes, claimBytes, sigBytes, nil
}

func parsePublicKey(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, coreerr.New(coreerr.CryptoError, "invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "parsing public key", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, coreerr.New(coreerr.CryptoError, "public key is not ECDSA")
	}
	return ecPub, nil
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// SplitType splits a wire type like "POST:TEXT" into (typ, sub_typ).
func SplitType(wire string) (typ, subTyp string) {
	if idx := strings.IndexByte(wire, ':'); idx >= 0 {
		return wire[:idx], wire[idx+1:]
	}
	return wire, ""
}

// JoinType is the inverse of SplitType, used when re-serializing claims.T.
func JoinType(typ, subTyp string) string {
	if subTyp == "" {
		return typ
	}
	return fmt.Sprintf("%s:%s", typ, subTyp)
}
