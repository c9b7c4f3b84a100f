package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// PowGate maintains the per-IP and per-network proof-of-work difficulty
// counters used to gate CONN actions (spec §4.B). Each counter decays by 1
// every decayInterval of quiet.
type PowGate struct {
	mu           sync.Mutex
	individual   map[string]*powCounter
	network      map[string]*powCounter
	maxCounter   int
	decayInterval time.Duration
}

type powCounter struct {
	value      int
	lastTouch  time.Time
}

// NewPowGate creates a gate with the given ceiling and decay interval.
func NewPowGate(maxCounter int, decayInterval time.Duration) *PowGate {
	return &PowGate{
		individual:    make(map[string]*powCounter),
		network:       make(map[string]*powCounter),
		maxCounter:    maxCounter,
		decayInterval: decayInterval,
	}
}

// RequiredDifficulty returns max(individual, network) difficulty currently
// required of ip (spec §4.B "the current requirement is
// max(individual, network)").
func (g *PowGate) RequiredDifficulty(ip string, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ind := g.decayedValueLocked(g.individual, ip, now)
	net := g.decayedValueLocked(g.network, NetworkKey(ip), now)
	if ind > net {
		return ind
	}
	return net
}

// bump increases the per-IP and/or per-network counter, as the caller
// chooses, by 1, capped at maxCounter.
func (g *PowGate) bump(ip string, now time.Time, bumpIndividual, bumpNetwork bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bumpIndividual {
		g.incrLocked(g.individual, ip, now)
	}
	if bumpNetwork {
		g.incrLocked(g.network, NetworkKey(ip), now)
	}
}

// OnSignatureFailure: +1 to both levels.
func (g *PowGate) OnSignatureFailure(ip string, now time.Time) {
	g.bump(ip, now, true, true)
}

// OnDuplicatePending: duplicate pending action from same issuer, +1 both.
func (g *PowGate) OnDuplicatePending(ip string, now time.Time) {
	g.bump(ip, now, true, true)
}

// OnUserRejection: user-visible rejection, +1 individual only.
func (g *PowGate) OnUserRejection(ip string, now time.Time) {
	g.bump(ip, now, true, false)
}

// OnInsufficientPow: insufficient PoW, +1 both.
func (g *PowGate) OnInsufficientPow(ip string, now time.Time) {
	g.bump(ip, now, true, true)
}

func (g *PowGate) incrLocked(m map[string]*powCounter, key string, now time.Time) {
	c, ok := m[key]
	if !ok {
		c = &powCounter{}
		m[key] = c
	}
	c.value = decay(c.value, c.lastTouch, now, g.decayInterval)
	if c.value < g.maxCounter {
		c.value++
	}
	c.lastTouch = now
}

func (g *PowGate) decayedValueLocked(m map[string]*powCounter, key string, now time.Time) int {
	c, ok := m[key]
	if !ok {
		return 0
	}
	c.value = decay(c.value, c.lastTouch, now, g.decayInterval)
	c.lastTouch = now
	return c.value
}

func decay(value int, last time.Time, now time.Time, interval time.Duration) int {
	if value <= 0 || interval <= 0 || last.IsZero() {
		return value
	}
	ticks := int(now.Sub(last) / interval)
	if ticks <= 0 {
		return value
	}
	value -= ticks
	if value < 0 {
		value = 0
	}
	return value
}

// CheckCONN verifies that tok ends with a suffix of requiredDifficulty
// repeated `suffixChar` characters, per spec §4.B / S4. The check runs
// over the whole compact token, whose last segment is the signature; the
// PoW nonce itself is carried in the dedicated "_" claim, not mixed into
// content (see DESIGN.md note on PoW nonce storage).
func CheckCONN(tok string, requiredDifficulty int, suffixChar byte) bool {
	if requiredDifficulty <= 0 {
		return true
	}
	want := strings.Repeat(string(suffixChar), requiredDifficulty)
	return strings.HasSuffix(tok, want)
}
