// Package indexcache is the bounded, in-memory cache of parsed shard
// indexes that sits in front of the retrieval engine (§4.7). It mirrors
// the bound/evict vocabulary of the teacher's segmentManager age-based
// segment rollover (maxBytes, maxAge), applied here to cache entries
// instead of open segments.
package indexcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deslabs/des/internal/shard"
)

// Key identifies one cached shard index.
type Key struct {
	BackendID string
	ObjectKey string
}

// Entry is the cached value: the parsed index plus the data-section start
// offset a warm retrieval needs to skip straight to the payload range GET.
type Entry struct {
	Index     shard.IndexResult
	CachedAt  time.Time
	ByteCost  int64
}

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the LRU by entry count. Zero means
	// DefaultMaxEntries.
	MaxEntries int
	// MaxBytes bounds the LRU by estimated total entry size; the plain
	// generic LRU from golang-lru only bounds count, so this cache adds
	// its own byte-budget accountant alongside it. Zero means unbounded.
	MaxBytes int64
	// TTL expires entries older than this regardless of LRU recency.
	// Zero disables the TTL sweep.
	TTL time.Duration
}

// DefaultMaxEntries is used when Options.MaxEntries is unset.
const DefaultMaxEntries = 4096

// Cache is a thread-safe (backend_id, object_key) -> parsed index cache.
type Cache struct {
	inner *lru.Cache[Key, Entry]
	opts  Options

	mu        sync.Mutex
	usedBytes int64
}

// New builds a Cache with the given bounds.
func New(opts Options) (*Cache, error) {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{opts: opts}
	inner, err := lru.NewWithEvict[Key, Entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *Cache) onEvict(_ Key, v Entry) {
	c.mu.Lock()
	c.usedBytes -= v.ByteCost
	c.mu.Unlock()
}

// Get returns the cached index for key if present and, when a TTL is
// configured, not yet expired. An expired entry is evicted and reported
// as a miss.
func (c *Cache) Get(key Key) (shard.IndexResult, bool) {
	entry, ok := c.inner.Get(key)
	if !ok {
		return shard.IndexResult{}, false
	}
	if c.opts.TTL > 0 && time.Since(entry.CachedAt) > c.opts.TTL {
		c.inner.Remove(key)
		return shard.IndexResult{}, false
	}
	return entry.Index, true
}

// Put stores idx under key, estimating its byte cost from the decoded
// entries. If MaxBytes is set and adding this entry would exceed the
// budget, the cache evicts its oldest entries until there is room, and
// refuses to store an entry that alone exceeds the whole budget.
func (c *Cache) Put(key Key, idx shard.IndexResult, now time.Time) {
	cost := estimateBytes(idx)

	if c.opts.MaxBytes > 0 {
		if cost > c.opts.MaxBytes {
			return
		}
		// inner.Remove below invokes onEvict synchronously, which takes
		// c.mu itself; the budget check and the eviction loop must not
		// hold c.mu while calling into inner, or onEvict's lock acquisition
		// deadlocks against this one.
		for {
			c.mu.Lock()
			overBudget := c.usedBytes+cost > c.opts.MaxBytes
			c.mu.Unlock()
			if !overBudget {
				break
			}
			oldestKey, _, ok := c.inner.GetOldest()
			if !ok {
				break
			}
			c.inner.Remove(oldestKey)
		}
	}

	c.mu.Lock()
	c.usedBytes += cost
	c.mu.Unlock()

	c.inner.Add(key, Entry{Index: idx, CachedAt: now, ByteCost: cost})
}

// Remove evicts key if present, e.g. after an upstream ErrCorruptShard so a
// poisoned index is never served again.
func (c *Cache) Remove(key Key) {
	c.inner.Remove(key)
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	return c.inner.Len()
}

func estimateBytes(idx shard.IndexResult) int64 {
	var total int64
	for _, e := range idx.Entries {
		total += int64(len(e.UID)) + int64(len(e.Meta)) + int64(len(e.Hash)) + 64
	}
	return total
}
