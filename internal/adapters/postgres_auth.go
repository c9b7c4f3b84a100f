package adapters

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudillo/cloudillo/internal/certmgr"
	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/token"
)

// parseStoredPrivateKey and marshalStoredPrivateKey convert between an
// ecdsa.PrivateKey and the PKCS#8 PEM form identity_keys.private_pem
// stores (spec §6 "identity_keys" carries private_pem only for keys this
// node itself signs with).
func parseStoredPrivateKey(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, coreerr.New(coreerr.CryptoError, "invalid PEM private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CryptoError, "parsing PKCS8 private key", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, coreerr.New(coreerr.CryptoError, "private key is not ECDSA")
	}
	return ecKey, nil
}

func marshalStoredPrivateKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CryptoError, "marshaling private key", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// PostgresAuthStore is the reference AuthStore implementation, backed by
// the tenants/identity_keys/certificates/api_keys/registration_tokens/
// webauthn_credentials/vapid_keys tables of the reference schema (spec §6
// "Auth adapter").
type PostgresAuthStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAuthStore wraps an existing connection pool.
func NewPostgresAuthStore(pool *pgxpool.Pool) *PostgresAuthStore {
	return &PostgresAuthStore{pool: pool}
}

func (s *PostgresAuthStore) IDTag(ctx context.Context, tnID string) (string, error) {
	var idTag string
	err := s.pool.QueryRow(ctx, `SELECT id_tag FROM tenants WHERE tn_id = $1::bigint`, tnID).Scan(&idTag)
	if err == pgx.ErrNoRows {
		return "", coreerr.New(coreerr.NotFound, "tenant "+tnID)
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "looking up tenant id_tag", err)
	}
	return idTag, nil
}

func (s *PostgresAuthStore) TenantByIDTag(ctx context.Context, idTag string) (string, error) {
	var tnID string
	err := s.pool.QueryRow(ctx, `SELECT tn_id::text FROM tenants WHERE id_tag = $1`, idTag).Scan(&tnID)
	if err == pgx.ErrNoRows {
		return "", coreerr.New(coreerr.NotFound, "tenant "+idTag)
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "looking up tenant by id_tag", err)
	}
	return tnID, nil
}

// CreateTenant provisions a new tenant row, hashing password with
// argon2id (spec §6 "BASE_PASSWORD is never stored plaintext").
func (s *PostgresAuthStore) CreateTenant(ctx context.Context, idTag, tenantType, password string) (string, error) {
	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CryptoError, "hashing tenant password", err)
	}
	var tnID string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO tenants (id_tag, type, password_hash) VALUES ($1, $2, $3) RETURNING tn_id::text`,
		idTag, tenantType, hash,
	).Scan(&tnID)
	if err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "inserting tenant", err)
	}
	return tnID, nil
}

func (s *PostgresAuthStore) VerifyPassword(ctx context.Context, tnID, password string) (bool, error) {
	var hash *string
	err := s.pool.QueryRow(ctx, `SELECT password_hash FROM tenants WHERE tn_id = $1::bigint`, tnID).Scan(&hash)
	if err == pgx.ErrNoRows || hash == nil {
		return false, nil
	}
	if err != nil {
		return false, coreerr.Wrap(coreerr.DbError, "looking up password hash", err)
	}
	match, err := argon2id.ComparePasswordAndHash(password, *hash)
	if err != nil {
		return false, coreerr.Wrap(coreerr.CryptoError, "comparing password hash", err)
	}
	return match, nil
}

func (s *PostgresAuthStore) CurrentSigningKey(ctx context.Context, tnID string) (*token.Key, error) {
	var k token.Key
	var expiresAt *time.Time
	var privatePEM *string
	err := s.pool.QueryRow(ctx,
		`SELECT key_id, algo, public_pem, private_pem, expires_at FROM identity_keys
		 WHERE tn_id = $1::bigint AND is_current ORDER BY key_id DESC LIMIT 1`,
		tnID,
	).Scan(&k.KeyID, &k.Algo, &k.PublicPEM, &privatePEM, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, coreerr.New(coreerr.NotFound, "no current signing key for tenant "+tnID)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up current signing key", err)
	}
	k.ExpiresAt = expiresAt
	if privatePEM != nil {
		pk, perr := parseStoredPrivateKey(*privatePEM)
		if perr != nil {
			return nil, coreerr.Wrap(coreerr.CryptoError, "parsing stored private key", perr)
		}
		k.PrivateKey = pk
	}
	return &k, nil
}

// RotateSigningKey installs key as the new current key and retires
// whatever was current before it (spec §4.A "key rotation overlap
// window" — the retired key stays queryable via ListSigningKeys until
// its ExpiresAt passes).
func (s *PostgresAuthStore) RotateSigningKey(ctx context.Context, tnID string, key *token.Key) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "beginning key rotation transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE identity_keys SET is_current = false WHERE tn_id = $1::bigint`, tnID); err != nil {
		return coreerr.Wrap(coreerr.DbError, "retiring previous signing key", err)
	}

	privatePEM, err := marshalStoredPrivateKey(key.PrivateKey)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO identity_keys (tn_id, key_id, algo, public_pem, private_pem, is_current, expires_at)
		 VALUES ($1::bigint, $2, $3, $4, $5, true, $6)`,
		tnID, key.KeyID, key.Algo, key.PublicPEM, privatePEM, key.ExpiresAt,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "inserting new signing key", err)
	}
	return tx.Commit(ctx)
}

// ListSigningKeys returns every key on file for tnID, current first, for
// publishing at /me/keys during a rotation overlap window.
func (s *PostgresAuthStore) ListSigningKeys(ctx context.Context, tnID string) ([]*token.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key_id, algo, public_pem, expires_at FROM identity_keys
		 WHERE tn_id = $1::bigint ORDER BY is_current DESC, key_id DESC`,
		tnID,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing signing keys", err)
	}
	defer rows.Close()

	var keys []*token.Key
	for rows.Next() {
		var k token.Key
		if err := rows.Scan(&k.KeyID, &k.Algo, &k.PublicPEM, &k.ExpiresAt); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning signing key row", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresAuthStore) CreateAPIKey(ctx context.Context, tnID, keyID, secretHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key_id, tn_id, secret_hash) VALUES ($1, $2::bigint, $3)`,
		keyID, tnID, secretHash,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "inserting api key", err)
	}
	return nil
}

func (s *PostgresAuthStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE key_id = $1`, keyID)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "revoking api key", err)
	}
	return nil
}

func (s *PostgresAuthStore) CreateRegistrationToken(ctx context.Context, tok, idTag string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registration_tokens (token, id_tag, expires_at) VALUES ($1, $2, $3)`,
		tok, idTag, expiresAt,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "inserting registration token", err)
	}
	return nil
}

func (s *PostgresAuthStore) ConsumeRegistrationToken(ctx context.Context, tok string) (string, error) {
	var idTag string
	var expiresAt time.Time
	var usedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id_tag, expires_at, used_at FROM registration_tokens WHERE token = $1`, tok,
	).Scan(&idTag, &expiresAt, &usedAt)
	if err == pgx.ErrNoRows {
		return "", coreerr.New(coreerr.NotFound, "registration token")
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "looking up registration token", err)
	}
	if usedAt != nil {
		return "", coreerr.New(coreerr.Conflict, "registration token already used")
	}
	if time.Now().After(expiresAt) {
		return "", coreerr.New(coreerr.ValidationError, "registration token expired")
	}
	if _, err := s.pool.Exec(ctx, `UPDATE registration_tokens SET used_at = now() WHERE token = $1`, tok); err != nil {
		return "", coreerr.Wrap(coreerr.DbError, "marking registration token used", err)
	}
	return idTag, nil
}

func (s *PostgresAuthStore) PutWebAuthnCredential(ctx context.Context, tnID string, cred WebAuthnCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webauthn_credentials (credential_id, tn_id, public_key, sign_count) VALUES ($1, $2::bigint, $3, $4)`,
		cred.CredentialID, tnID, cred.PublicKey, cred.SignCount,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "inserting webauthn credential", err)
	}
	return nil
}

func (s *PostgresAuthStore) ListWebAuthnCredentials(ctx context.Context, tnID string) ([]WebAuthnCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT credential_id, public_key, sign_count FROM webauthn_credentials WHERE tn_id = $1::bigint`, tnID,
	)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing webauthn credentials", err)
	}
	defer rows.Close()

	var creds []WebAuthnCredential
	for rows.Next() {
		var c WebAuthnCredential
		if err := rows.Scan(&c.CredentialID, &c.PublicKey, &c.SignCount); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning webauthn credential row", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *PostgresAuthStore) UpdateWebAuthnSignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webauthn_credentials SET sign_count = $1 WHERE credential_id = $2`, signCount, credentialID,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "updating webauthn sign count", err)
	}
	return nil
}

func (s *PostgresAuthStore) VAPIDKeyPair(ctx context.Context, tnID string) (string, string, error) {
	var pub, priv string
	err := s.pool.QueryRow(ctx, `SELECT public_key, private_key FROM vapid_keys WHERE tn_id = $1::bigint`, tnID).Scan(&pub, &priv)
	if err == pgx.ErrNoRows {
		return "", "", coreerr.New(coreerr.NotFound, "no vapid keypair for tenant "+tnID)
	}
	if err != nil {
		return "", "", coreerr.Wrap(coreerr.DbError, "looking up vapid keypair", err)
	}
	return pub, priv, nil
}

func (s *PostgresAuthStore) PutVAPIDKeyPair(ctx context.Context, tnID, pub, priv string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vapid_keys (tn_id, public_key, private_key) VALUES ($1::bigint, $2, $3)
		 ON CONFLICT (tn_id) DO UPDATE SET public_key = $2, private_key = $3`,
		tnID, pub, priv,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "storing vapid keypair", err)
	}
	return nil
}

// --- certmgr.Store: synchronous, no context (spec §4.D) ---

func (s *PostgresAuthStore) GetCert(domain string) (*certmgr.CertRecord, error) {
	ctx := context.Background()
	var rec certmgr.CertRecord
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT domain, cert_pem, key_pem, expires_at FROM certificates WHERE domain = $1`, domain,
	).Scan(&rec.Domain, &rec.CertChain, &rec.Key, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "looking up certificate", err)
	}
	rec.ExpiresAt = expiresAt.Unix()
	return &rec, nil
}

func (s *PostgresAuthStore) PutCert(domain string, rec *certmgr.CertRecord) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (tn_id, id_tag, domain, cert_pem, key_pem, expires_at)
		 VALUES ((SELECT tn_id FROM tenants ORDER BY tn_id LIMIT 1), $1, $1, $2, $3, $4)
		 ON CONFLICT (tn_id, domain) DO UPDATE SET cert_pem = $2, key_pem = $3, expires_at = $4`,
		domain, rec.CertChain, rec.Key, time.Unix(rec.ExpiresAt, 0),
	)
	if err != nil {
		return coreerr.Wrap(coreerr.DbError, "storing certificate", err)
	}
	return nil
}

func (s *PostgresAuthStore) ListRenewable(window int64) ([]string, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT domain FROM certificates WHERE expires_at <= $1`, time.Unix(window, 0))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DbError, "listing renewable certificates", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, coreerr.Wrap(coreerr.DbError, "scanning certificate domain", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}
