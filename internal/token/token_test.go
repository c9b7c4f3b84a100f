package token

import (
	"testing"
	"time"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

func mustKey(t *testing.T) *Key {
	t.Helper()
	key, err := GenerateKey("k1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	claims := Claims{Iss: "alice.example.com", T: "POST:TEXT", V: "Public"}

	tok, err := Sign(claims, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := Verify(tok, key.PublicPEM)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Iss != claims.Iss || got.T != claims.T {
		t.Errorf("round-tripped claims mismatch: %+v", got)
	}
	if got.K != key.KeyID {
		t.Errorf("expected kid to be set to %s, got %s", key.KeyID, got.K)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	tok, err := Sign(Claims{Iss: "alice.example.com", T: "POST"}, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered := tok[:len(tok)-4] + "abcd"
	if _, err := Verify(tampered, key.PublicPEM); err == nil {
		t.Error("expected tampered token to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	other := mustKey(t)
	tok, _ := Sign(Claims{Iss: "alice.example.com", T: "POST"}, key)
	if _, err := Verify(tok, other.PublicPEM); err == nil {
		t.Error("expected verification against the wrong key to fail")
	}
}

func TestVerifyEnforcesExpiryWithSkew(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	past := time.Now().Add(-10 * time.Minute).Unix()
	tok, _ := Sign(Claims{Iss: "alice.example.com", T: "POST", Exp: &past}, key)
	if _, err := Verify(tok, key.PublicPEM); err == nil {
		t.Error("expected expired token to fail verification")
	}

	withinSkew := time.Now().Add(-30 * time.Second).Unix()
	tok2, _ := Sign(Claims{Iss: "alice.example.com", T: "POST", Exp: &withinSkew}, key)
	if _, err := Verify(tok2, key.PublicPEM); err != nil {
		t.Errorf("expected token within clock skew tolerance to verify, got %v", err)
	}
}

func TestSignFailsOnMissingKey(t *testing.T) {
	t.Parallel()
	_, err := Sign(Claims{Iss: "alice.example.com"}, &Key{})
	if !coreerr.Is(err, coreerr.CryptoError) {
		t.Errorf("expected CryptoError, got %v", err)
	}
}

func TestSignFailsOnExpiredKey(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	_, err := Sign(Claims{Iss: "alice.example.com"}, key)
	if !coreerr.Is(err, coreerr.CryptoError) {
		t.Errorf("expected CryptoError for expired key, got %v", err)
	}
}

func TestHashIDDeterministicAndContentAddressed(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	tok, _ := Sign(Claims{Iss: "alice.example.com", T: "POST"}, key)
	id1 := HashID(tok)
	id2 := HashID(tok)
	if id1 != id2 {
		t.Errorf("HashID not deterministic: %s != %s", id1, id2)
	}
	tok2, _ := Sign(Claims{Iss: "bob.example.com", T: "POST"}, key)
	if HashID(tok2) == id1 {
		t.Error("different tokens produced identical hash ids")
	}
}

func TestPeekDoesNotRequireValidSignature(t *testing.T) {
	t.Parallel()
	key := mustKey(t)
	tok, _ := Sign(Claims{Iss: "alice.example.com", K: "k1", T: "CONN"}, key)
	// Corrupt the signature only; peek must still work.
	corrupted := tok[:len(tok)-2] + "zz"
	claims, err := Peek(corrupted)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if claims.Iss != "alice.example.com" || claims.K != "k1" {
		t.Errorf("unexpected peeked claims: %+v", claims)
	}
}

func TestSplitTypeAndJoinType(t *testing.T) {
	t.Parallel()
	typ, sub := SplitType("POST:TEXT")
	if typ != "POST" || sub != "TEXT" {
		t.Errorf("SplitType = %q,%q", typ, sub)
	}
	if JoinType(typ, sub) != "POST:TEXT" {
		t.Errorf("JoinType round trip failed")
	}
	typ2, sub2 := SplitType("FLLW")
	if typ2 != "FLLW" || sub2 != "" {
		t.Errorf("SplitType no-colon case = %q,%q", typ2, sub2)
	}
}
