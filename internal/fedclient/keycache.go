package fedclient

import (
	"container/list"
	"crypto"
	"sync"
	"time"
)

// keyCacheEntry pairs a cached public key with a soft TTL: past softExpiry
// the entry is still served, but a refresh is kicked off next use (spec
// §4.G "bounded LRU (issuer, key_id) -> PublicKey with soft TTL").
type keyCacheEntry struct {
	key        crypto.PublicKey
	softExpiry time.Time
}

// KeyCache is a bounded LRU cache of peer public keys keyed by
// "<issuer>:<key_id>", generalizing the teacher's TTLCache[V]
// (internal/federation/ttlcache.go) with access-order eviction instead
// of earliest-expiry eviction.
type KeyCache struct {
	mu      sync.Mutex
	maxSize int
	softTTL time.Duration
	items   map[string]*list.Element
	order   *list.List
}

type keyCacheNode struct {
	cacheKey string
	entry    keyCacheEntry
}

// NewKeyCache creates a KeyCache bounded to maxSize entries with the
// given soft TTL.
func NewKeyCache(maxSize int, softTTL time.Duration) *KeyCache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &KeyCache{
		maxSize: maxSize,
		softTTL: softTTL,
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
	}
}

func cacheKey(issuer, keyID string) string { return issuer + ":" + keyID }

// Get returns the cached key and whether it is still within its soft
// TTL. A (key, false) result means the caller should still use the key
// but should also trigger a background refresh.
func (c *KeyCache) Get(issuer, keyID string) (key crypto.PublicKey, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.items[cacheKey(issuer, keyID)]
	if !found {
		return nil, false, false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*keyCacheNode).entry
	return e.key, time.Now().Before(e.softExpiry), true
}

// Put installs or refreshes a key.
func (c *KeyCache) Put(issuer, keyID string, key crypto.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := cacheKey(issuer, keyID)
	entry := keyCacheEntry{key: key, softExpiry: time.Now().Add(c.softTTL)}
	if el, ok := c.items[ck]; ok {
		el.Value.(*keyCacheNode).entry = entry
		c.order.MoveToFront(el)
		return
	}
	if len(c.items) >= c.maxSize {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*keyCacheNode).cacheKey)
		}
	}
	el := c.order.PushFront(&keyCacheNode{cacheKey: ck, entry: entry})
	c.items[ck] = el
}

// Invalidate drops a single entry, used when a peer rotates its key.
func (c *KeyCache) Invalidate(issuer, keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := cacheKey(issuer, keyID)
	if el, ok := c.items[ck]; ok {
		c.order.Remove(el)
		delete(c.items, ck)
	}
}

// Len reports the current entry count, for tests and metrics.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
