package fedclient

import (
	"container/list"
	"sync"
	"time"
)

// FailureType classifies why a key fetch failed, each with its own TTL
// (spec §4.I).
type FailureType string

const (
	FailureNetworkError FailureType = "NetworkError"
	FailureNotFound     FailureType = "NotFound"
	FailureUnauthorized FailureType = "Unauthorized"
	FailureParseError   FailureType = "ParseError"
)

// failureTTL returns the retry-after window for a failure type (spec
// §4.I "NetworkError 5 min, NotFound 1 h, Unauthorized 1 h, ParseError 1 h").
func failureTTL(t FailureType) time.Duration {
	switch t {
	case FailureNetworkError:
		return 5 * time.Minute
	case FailureNotFound, FailureUnauthorized, FailureParseError:
		return time.Hour
	default:
		return 5 * time.Minute
	}
}

type failureEntry struct {
	failedAt    time.Time
	failureType FailureType
	retryAfter  time.Time
}

// FailureCache is the bounded LRU of spec §4.I, keyed by
// "{issuer}:{key_id}", that dampens hot-loop key lookups against
// hostile or broken peers.
type FailureCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

type failureNode struct {
	cacheKey string
	entry    failureEntry
}

// NewFailureCache creates a FailureCache bounded to maxSize entries.
func NewFailureCache(maxSize int) *FailureCache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &FailureCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
	}
}

// RecordFailure installs or refreshes a failure entry for (issuer,
// keyID).
func (c *FailureCache) RecordFailure(issuer, keyID string, failureType FailureType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := cacheKey(issuer, keyID)
	now := time.Now()
	entry := failureEntry{failedAt: now, failureType: failureType, retryAfter: now.Add(failureTTL(failureType))}
	if el, ok := c.items[ck]; ok {
		el.Value.(*failureNode).entry = entry
		c.order.MoveToFront(el)
		return
	}
	if len(c.items) >= c.maxSize {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*failureNode).cacheKey)
		}
	}
	el := c.order.PushFront(&failureNode{cacheKey: ck, entry: entry})
	c.items[ck] = el
}

// Check reports whether (issuer, keyID) has a live, non-expired failure
// entry. If so, KeyFetcher.Fetch skips the network fetch (spec §4.I) and
// returns a still-cached key or ErrKeyFetchSuppressed instead of retrying.
func (c *FailureCache) Check(issuer, keyID string) (failureType FailureType, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := cacheKey(issuer, keyID)
	el, ok := c.items[ck]
	if !ok {
		return "", false
	}
	e := el.Value.(*failureNode).entry
	if time.Now().After(e.retryAfter) {
		c.order.Remove(el)
		delete(c.items, ck)
		return "", false
	}
	c.order.MoveToFront(el)
	return e.failureType, true
}

// Clear removes a failure entry, called on a successful fetch (spec
// §4.I "On a successful fetch, the entry is cleared").
func (c *FailureCache) Clear(issuer, keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := cacheKey(issuer, keyID)
	if el, ok := c.items[ck]; ok {
		c.order.Remove(el)
		delete(c.items, ck)
	}
}
