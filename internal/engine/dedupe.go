package engine

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const dedupeCompactSize = 10000

// DedupeCache suppresses identical activity events seen within a ttl.
type DedupeCache struct {
	mu    sync.Mutex
	items map[uint64]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[uint64]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	h := xxhash.Sum64String(key)
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[h]; ok && now.Sub(ts) <= ttl {
		return true
	}
	d.items[h] = now
	if len(d.items) > dedupeCompactSize {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}
