package ratelimit

import (
	"time"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

// Limiter is the hierarchical rate limiter + PoW gate of spec §4.B. Bucket
// state is one bounded LRU cache; the ban registry and the PoW counters
// are plain maps with no size bound. Nothing here is persisted across
// restarts.
type Limiter struct {
	buckets *lruCache[*dualBucket]
	bans    *banRegistry
	pow     *PowGate
	limits  map[Category]BucketLimits
}

// Config configures the limiter's per-category bucket limits and bounds.
type Config struct {
	MaxTrackedKeys   int
	PowMaxCounter    int
	PowDecayInterval time.Duration
	Limits           map[Category]BucketLimits
}

// DefaultLimits mirrors the tiering the teacher applies in
// internal/api/ratelimit.go (auth strictest, general most generous),
// adapted to the spec's in-memory hierarchical model.
func DefaultLimits() map[Category]BucketLimits {
	return map[Category]BucketLimits{
		CategoryAuth: {
			ShortBurst: 10, ShortEvery: time.Second,
			LongBurst: 100, LongEvery: time.Hour / 100,
		},
		CategoryFederation: {
			ShortBurst: 50, ShortEvery: time.Second / 5,
			LongBurst: 5000, LongEvery: time.Hour / 5000,
		},
		CategoryGeneral: {
			ShortBurst: 100, ShortEvery: time.Second / 20,
			LongBurst: 6000, LongEvery: time.Hour / 6000,
		},
		CategoryWebsocket: {
			ShortBurst: 20, ShortEvery: time.Second / 2,
			LongBurst: 1200, LongEvery: time.Hour / 1200,
		},
	}
}

// New creates a Limiter. Zero-value Config fields fall back to sane
// defaults.
func New(cfg Config) *Limiter {
	if cfg.MaxTrackedKeys <= 0 {
		cfg.MaxTrackedKeys = 50_000
	}
	if cfg.PowMaxCounter <= 0 {
		cfg.PowMaxCounter = 12
	}
	if cfg.PowDecayInterval <= 0 {
		cfg.PowDecayInterval = 10 * time.Minute
	}
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	return &Limiter{
		buckets: newLRUCache[*dualBucket](cfg.MaxTrackedKeys),
		bans:    newBanRegistry(),
		pow:     NewPowGate(cfg.PowMaxCounter, cfg.PowDecayInterval),
		limits:  cfg.Limits,
	}
}

// Check runs the full hierarchical check for one request: ban lookup
// first (a ban short-circuits everything — spec §4.B "Ban registry is
// consulted first"), then every AddressKey's dual bucket in turn. Any
// refusal aborts with RateLimited.
func (l *Limiter) Check(ip string, category Category) error {
	now := time.Now()
	keys := AddressKeys(ip, category)

	for _, k := range keys {
		if banned, _ := l.bans.Banned(k, now); banned {
			return coreerr.New(coreerr.RateLimited, "address is banned").WithDetails(map[string]any{"level": "ban"})
		}
	}

	limits, ok := l.limits[category]
	if !ok {
		limits = l.limits[CategoryGeneral]
	}

	for _, k := range keys {
		b := l.buckets.GetOrCreate(k, func() *dualBucket { return newDualBucket(limits) })
		if ok, retryAfter := b.allow(); !ok {
			return coreerr.RateLimitedError(k, retryAfter.Seconds())
		}
	}
	return nil
}

// Penalize drains tokens from ip's buckets and, after the reason's
// threshold of strikes, installs a ban (spec §4.B penalty API). Never
// called implicitly by Check — upper layers call it on suspicious events.
func (l *Limiter) Penalize(ip string, reason Reason, amount int) {
	now := time.Now()
	keys := AddressKeys(ip, CategoryGeneral)
	// The trailing category key is shared by every client, so it is
	// neither drained nor banned.
	for _, k := range keys[:len(keys)-1] {
		if b, ok := l.buckets.Get(k); ok {
			b.drain(amount)
		}
		l.bans.Strike(k, reason, now)
	}
}

// Grant refunds tokens to ip's buckets and lifts any active ban — e.g.
// after a completed CAPTCHA (spec §4.B).
func (l *Limiter) Grant(ip string, amount int) {
	for _, k := range AddressKeys(ip, CategoryGeneral) {
		if b, ok := l.buckets.Get(k); ok {
			b.grant(amount)
		}
		l.bans.Unban(k)
	}
}

// RequiredPowDifficulty exposes the PoW gate's current requirement for ip.
func (l *Limiter) RequiredPowDifficulty(ip string) int {
	return l.pow.RequiredDifficulty(ip, time.Now())
}

// CheckPow verifies a CONN token's suffix against the current requirement
// and records a strike (both-level bump) on failure, per spec §4.B/S4.
func (l *Limiter) CheckPow(ip, tok string) error {
	required := l.RequiredPowDifficulty(ip)
	if CheckCONN(tok, required, 'A') {
		return nil
	}
	l.pow.OnInsufficientPow(ip, time.Now())
	newRequired := l.RequiredPowDifficulty(ip)
	return coreerr.PowRequiredError(newRequired, powPostfix(newRequired))
}

// OnSignatureFailure bumps the PoW counter and penalizes the rate limiter,
// wired together as spec §4.B describes for an inbound verify failure.
func (l *Limiter) OnSignatureFailure(ip string) {
	l.pow.OnSignatureFailure(ip, time.Now())
	l.Penalize(ip, TokenVerifyFailure, 1)
}

func powPostfix(difficulty int) string {
	b := make([]byte, difficulty)
	for i := range b {
		b[i] = 'A'
	}
	return string(b)
}
