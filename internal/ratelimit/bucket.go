package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// dualBucket holds the short-term (burst, seconds window) and long-term
// (sustained, hour window) token buckets for one AddressKey, per spec §4.B
// "each holds two token buckets (short-term rps burst, long-term rph
// sustained)".
type dualBucket struct {
	mu    sync.Mutex
	short *rate.Limiter
	long  *rate.Limiter
}

// BucketLimits configures one category's short/long token bucket pair.
type BucketLimits struct {
	ShortBurst int           // tokens available in the short window
	ShortEvery time.Duration // refill interval for one short-window token
	LongBurst  int
	LongEvery  time.Duration
}

func newDualBucket(limits BucketLimits) *dualBucket {
	return &dualBucket{
		short: rate.NewLimiter(rate.Every(limits.ShortEvery), limits.ShortBurst),
		long:  rate.NewLimiter(rate.Every(limits.LongEvery), limits.LongBurst),
	}
}

// allow consumes one token from both buckets. Any bucket refusal aborts
// the whole check (spec §4.B "Any bucket refusal aborts").
func (b *dualBucket) allow() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	shortRes := b.short.ReserveN(now, 1)
	if !shortRes.OK() {
		return false, time.Second
	}
	if d := shortRes.DelayFrom(now); d > 0 {
		shortRes.Cancel()
		return false, d
	}

	longRes := b.long.ReserveN(now, 1)
	if !longRes.OK() {
		shortRes.Cancel()
		return false, time.Minute
	}
	if d := longRes.DelayFrom(now); d > 0 {
		shortRes.Cancel()
		longRes.Cancel()
		return false, d
	}

	return true, 0
}

// drain removes `amount` tokens from the short bucket, used by Penalize.
func (b *dualBucket) drain(amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.short.ReserveN(time.Now(), amount)
}

// grant refunds `amount` tokens to the short bucket, used by Grant. A
// reservation of a negative count adds tokens; any excess over the burst
// is dropped the next time the bucket is consulted.
func (b *dualBucket) grant(amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.short.ReserveN(time.Now(), -amount)
}
