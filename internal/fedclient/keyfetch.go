package fedclient

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// meKeysResponse mirrors spec §6 "Wire — /me/keys endpoint".
type meKeysResponse struct {
	Keys []struct {
		KeyID     string  `json:"keyId"`
		PublicKey string  `json:"publicKey"` // PEM without headers
		ExpiresAt *string `json:"expiresAt,omitempty"`
	} `json:"keys"`
}

// KeyFetcher resolves a peer's public key by (issuer, keyID), consulting
// the key cache, then the failure cache, then the network (spec §4.G +
// §4.I).
type KeyFetcher struct {
	client   *Client
	keys     *KeyCache
	failures *FailureCache
}

// NewKeyFetcher wires a Client to its key and failure caches.
func NewKeyFetcher(client *Client, keys *KeyCache, failures *FailureCache) *KeyFetcher {
	return &KeyFetcher{client: client, keys: keys, failures: failures}
}

// ErrKeyFetchSuppressed is returned when a recent failure is still
// within its TTL and the network fetch was skipped (spec §4.I).
var ErrKeyFetchSuppressed = errors.New("fedclient: key fetch suppressed by failure cache")

// Fetch resolves issuer's public key for keyID. The fast path is the key
// cache; past its soft TTL a fetch is still attempted but the stale key
// is returned immediately if that fetch fails.
func (f *KeyFetcher) Fetch(ctx context.Context, issuer, keyID string) (any, error) {
	if key, fresh, ok := f.keys.Get(issuer, keyID); ok && fresh {
		return key, nil
	}

	if _, blocked := f.failures.Check(issuer, keyID); blocked {
		if key, _, ok := f.keys.Get(issuer, keyID); ok {
			return key, nil
		}
		return nil, ErrKeyFetchSuppressed
	}

	key, err := f.fetchNetwork(ctx, issuer, keyID)
	if err != nil {
		if stale, _, ok := f.keys.Get(issuer, keyID); ok {
			return stale, nil
		}
		return nil, err
	}
	f.failures.Clear(issuer, keyID)
	f.keys.Put(issuer, keyID, key)
	return key, nil
}

func (f *KeyFetcher) fetchNetwork(ctx context.Context, issuer, keyID string) (any, error) {
	env, err := f.client.GetNoAuth(ctx, issuer, "/me/keys")
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			switch {
			case statusErr.StatusCode == 404:
				f.failures.RecordFailure(issuer, keyID, FailureNotFound)
			case statusErr.StatusCode == 401 || statusErr.StatusCode == 403:
				f.failures.RecordFailure(issuer, keyID, FailureUnauthorized)
			default:
				f.failures.RecordFailure(issuer, keyID, FailureNetworkError)
			}
		} else {
			f.failures.RecordFailure(issuer, keyID, FailureNetworkError)
		}
		return nil, err
	}

	var resp meKeysResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		f.failures.RecordFailure(issuer, keyID, FailureParseError)
		return nil, fmt.Errorf("parsing /me/keys response: %w", err)
	}

	for _, k := range resp.Keys {
		if k.KeyID != keyID {
			continue
		}
		pub, err := parseBarePEM(k.PublicKey)
		if err != nil {
			f.failures.RecordFailure(issuer, keyID, FailureParseError)
			return nil, fmt.Errorf("parsing public key for %s: %w", keyID, err)
		}
		return pub, nil
	}
	f.failures.RecordFailure(issuer, keyID, FailureNotFound)
	return nil, fmt.Errorf("key %s not found for issuer %s", keyID, issuer)
}

// parseBarePEM reconstructs a full PEM block from the header-less body
// the wire sends (spec §6 "Public-key bodies are PEM without headers;
// server reconstructs the full PEM") and parses it as a PKIX public key.
func parseBarePEM(body string) (any, error) {
	der, err := base64.StdEncoding.DecodeString(collapseWhitespace(body))
	if err != nil {
		return nil, err
	}
	return x509.ParsePKIXPublicKey(der)
}

func collapseWhitespace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' || s[i] == ' ' || s[i] == '\t' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
