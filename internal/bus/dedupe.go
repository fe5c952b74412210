package bus

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduplicator is the advisory guard against redelivered events.
// Seen records fingerprint and reports whether it was already present.
type Deduplicator interface {
	Seen(fingerprint string) bool
}

// DedupeCache is a bounded TTL set of fingerprints. Entries expire after ttl;
// when full, the least recently used fingerprint is evicted first.
type DedupeCache struct {
	mu    sync.Mutex // makes check-and-record atomic
	cache *expirable.LRU[string, struct{}]
}

func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &DedupeCache{
		cache: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl),
	}
}

func (d *DedupeCache) Seen(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.cache.Get(fingerprint); ok {
		return true
	}
	d.cache.Add(fingerprint, struct{}{})
	return false
}

// Len reports how many fingerprints are currently tracked.
func (d *DedupeCache) Len() int {
	return d.cache.Len()
}
