package ratelimit

import (
	"testing"
	"time"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

func TestAddressKeysHierarchyIPv4(t *testing.T) {
	t.Parallel()
	keys := AddressKeys("203.0.113.7", CategoryGeneral)
	want := []string{"ipv4/32:203.0.113.7", "ipv4/24:203.0.113.0", "cat:general"}
	if len(keys) != len(want) {
		t.Fatalf("got %v want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q want %q", i, keys[i], want[i])
		}
	}
}

func TestAddressKeysHierarchyIPv6(t *testing.T) {
	t.Parallel()
	keys := AddressKeys("2001:db8:abcd:1234::1", CategoryFederation)
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}
	if keys[2] != "cat:federation" {
		t.Errorf("expected category key last, got %v", keys)
	}
}

// TestRateLimitHierarchy is the property test for spec P6: blocking IP I
// at level L also blocks anything in the enclosing network at level L.
func TestRateLimitHierarchy(t *testing.T) {
	t.Parallel()
	limits := map[Category]BucketLimits{
		CategoryGeneral: {ShortBurst: 1, ShortEvery: time.Hour, LongBurst: 1, LongEvery: time.Hour},
	}
	lim := New(Config{Limits: limits})

	if err := lim.Check("203.0.113.7", CategoryGeneral); err != nil {
		t.Fatalf("first request from .7 should pass: %v", err)
	}

	// A different host in the same /24 shares the network-level bucket,
	// which is now exhausted.
	err := lim.Check("203.0.113.99", CategoryGeneral)
	if !coreerr.Is(err, coreerr.RateLimited) {
		t.Errorf("expected RateLimited for sibling address in same /24, got %v", err)
	}
}

func TestLimiterAllowsUnderBurst(t *testing.T) {
	t.Parallel()
	limits := map[Category]BucketLimits{
		CategoryGeneral: {ShortBurst: 5, ShortEvery: time.Millisecond, LongBurst: 5, LongEvery: time.Millisecond},
	}
	lim := New(Config{Limits: limits})
	for i := 0; i < 5; i++ {
		if err := lim.Check("198.51.100.1", CategoryGeneral); err != nil {
			t.Fatalf("request %d should pass: %v", i, err)
		}
	}
}

func TestBanShortCircuits(t *testing.T) {
	t.Parallel()
	lim := New(Config{})
	ip := "198.51.100.55"
	for i := 0; i < 5; i++ {
		lim.Penalize(ip, AuthFailure, 1)
	}
	err := lim.Check(ip, CategoryGeneral)
	if !coreerr.Is(err, coreerr.RateLimited) {
		t.Errorf("expected ban to short-circuit with RateLimited, got %v", err)
	}
}

func TestGrantLiftsBan(t *testing.T) {
	t.Parallel()
	lim := New(Config{})
	ip := "198.51.100.77"
	for i := 0; i < 5; i++ {
		lim.Penalize(ip, AuthFailure, 1)
	}
	lim.Grant(ip, 10)
	if err := lim.Check(ip, CategoryGeneral); err != nil {
		t.Errorf("expected Grant to lift ban, got %v", err)
	}
}

// TestPowMonotonicity is the property test for spec P7: after a signature
// failure from peer P, required_difficulty(P) strictly increases until the
// next decay tick.
func TestPowMonotonicity(t *testing.T) {
	t.Parallel()
	lim := New(Config{PowDecayInterval: time.Hour})
	ip := "203.0.113.200"
	before := lim.RequiredPowDifficulty(ip)
	lim.OnSignatureFailure(ip)
	after := lim.RequiredPowDifficulty(ip)
	if after <= before {
		t.Errorf("expected strictly increasing difficulty: before=%d after=%d", before, after)
	}
}

func TestPowDecay(t *testing.T) {
	t.Parallel()
	gate := NewPowGate(10, time.Millisecond)
	ip := "203.0.113.201"
	now := time.Now()
	gate.bump(ip, now, true, true)
	gate.bump(ip, now, true, true)
	high := gate.RequiredDifficulty(ip, now)
	later := now.Add(10 * time.Millisecond)
	decayed := gate.RequiredDifficulty(ip, later)
	if decayed >= high {
		t.Errorf("expected decay to reduce difficulty: high=%d decayed=%d", high, decayed)
	}
}

func TestCheckCONNSuffix(t *testing.T) {
	t.Parallel()
	tok := "header.payload.sigAAA"
	if !CheckCONN(tok, 3, 'A') {
		t.Error("expected 3-char AAA suffix to satisfy difficulty 3")
	}
	if CheckCONN(tok, 4, 'A') {
		t.Error("expected difficulty 4 (AAAA) to reject a 3-char AAA suffix")
	}
}

func TestCheckPowRejectsInsufficientWork(t *testing.T) {
	t.Parallel()
	lim := New(Config{})
	ip := "203.0.113.210"
	// Bump difficulty to something > 0 first.
	lim.OnSignatureFailure(ip)
	err := lim.CheckPow(ip, "token-with-no-suffix")
	if !coreerr.Is(err, coreerr.PowRequired) {
		t.Errorf("expected PowRequired, got %v", err)
	}
}

func TestDualBucketSeparatesShortAndLong(t *testing.T) {
	t.Parallel()
	b := newDualBucket(BucketLimits{ShortBurst: 1, ShortEvery: time.Hour, LongBurst: 100, LongEvery: time.Millisecond})
	ok, _ := b.allow()
	if !ok {
		t.Fatal("first request should pass")
	}
	ok, _ = b.allow()
	if ok {
		t.Error("second request should be refused by the exhausted short bucket")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	t.Parallel()
	c := newLRUCache[int](2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a, making b the LRU
	c.Set("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted as least recently used")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Error("expected a to survive eviction")
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Error("expected c to be present")
	}
}
