package cache

import (
	"github.com/cachelab/blockcache/internal/util"
)

// Cache is a sharded, in-memory associative cache with strict capacity
// enforcement, two-tier priority LRU eviction, and reference-count pinning.
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] struct {
	shards    []*shard[K, V]
	shardBits uint
}

// New constructs a Cache from opt. It rejects NumShardBits >= 20 and a
// HighPriPoolRatio outside [0, 1].
func New[K comparable, V any](opt Options[K, V]) (*Cache[K, V], error) {
	if opt.NumShardBits >= 20 {
		return nil, ErrTooManyShardBits
	}
	if opt.HighPriPoolRatio < 0 || opt.HighPriPoolRatio > 1 {
		return nil, ErrInvalidPoolRatio
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	bits := opt.NumShardBits
	if bits < 0 {
		bits = util.DefaultShardBits(opt.Capacity)
	}
	numShards := 1 << uint(bits)
	perShard := (opt.Capacity + int64(numShards) - 1) / int64(numShards)

	shards := make([]*shard[K, V], numShards)
	for i := range shards {
		shards[i] = newShard[K, V](perShard, opt.StrictCapacityLimit, opt.HighPriPoolRatio, opt.Metrics)
	}

	return &Cache[K, V]{shards: shards, shardBits: uint(bits)}, nil
}

func (c *Cache[K, V]) shardFor(hash uint32) *shard[K, V] {
	return c.shards[util.ShardIndex(hash, c.shardBits)]
}

// Insert admits (key, value) with the given charge/deleter/priority and
// returns a pinned Handle that must eventually be passed to Release exactly
// once. Status is Incomplete if StrictCapacityLimit rejected the insert for
// lack of room.
func (c *Cache[K, V]) Insert(key K, hash uint32, value V, charge int64, deleter Deleter[K, V], priority Priority) (*Handle[K, V], Status) {
	return c.shardFor(hash).insert(key, hash, value, charge, deleter, true, priority)
}

// InsertNoHandle admits (key, value) without returning a handle. Unlike
// Insert, this always reports OK — even under StrictCapacityLimit — because
// an entry nobody holds a handle to may be evicted the instant it is
// admitted without that being an error.
func (c *Cache[K, V]) InsertNoHandle(key K, hash uint32, value V, charge int64, deleter Deleter[K, V], priority Priority) Status {
	_, status := c.shardFor(hash).insert(key, hash, value, charge, deleter, false, priority)
	return status
}

// Lookup returns a pinned Handle for key if present, or nil on a miss.
func (c *Cache[K, V]) Lookup(key K, hash uint32) *Handle[K, V] {
	return c.shardFor(hash).lookup(key, hash)
}

// Ref adds an additional pin to an already-held handle's entry. h must not
// be nil.
func (c *Cache[K, V]) Ref(h *Handle[K, V]) {
	c.shardFor(h.e.hash).ref(h)
}

// Release drops one pin held via h. It reports whether this was the last
// reference (in which case the Deleter, if any, has already run). forceErase
// additionally removes the entry from the cache outright rather than
// letting it rejoin the LRU list. A nil h is a no-op.
func (c *Cache[K, V]) Release(h *Handle[K, V], forceErase bool) bool {
	if h == nil {
		return false
	}
	return c.shardFor(h.e.hash).release(h, forceErase)
}

// Erase removes key from the cache if present. If no handle is currently
// pinning the entry, its Deleter runs immediately after removal.
func (c *Cache[K, V]) Erase(key K, hash uint32) {
	c.shardFor(hash).erase(key, hash)
}

// EraseUnRefEntries removes every currently unpinned entry across all
// shards, running their Deleters.
func (c *Cache[K, V]) EraseUnRefEntries() {
	for _, s := range c.shards {
		s.eraseUnRefEntries()
	}
}

// SetCapacity resizes the total capacity budget, evicting unpinned entries
// immediately if the new capacity is smaller than current usage.
func (c *Cache[K, V]) SetCapacity(capacity int64) {
	numShards := int64(len(c.shards))
	perShard := (capacity + numShards - 1) / numShards
	for _, s := range c.shards {
		s.setCapacity(perShard)
	}
}

// SetStrictCapacityLimit toggles whether Insert with a requested handle
// rejects (Incomplete) instead of admitting over budget.
func (c *Cache[K, V]) SetStrictCapacityLimit(strict bool) {
	for _, s := range c.shards {
		s.setStrictCapacityLimit(strict)
	}
}

// SetHighPriorityPoolRatio adjusts the fraction of capacity reserved for
// the high-priority pool, demoting entries immediately if it shrinks.
func (c *Cache[K, V]) SetHighPriorityPoolRatio(ratio float64) {
	for _, s := range c.shards {
		s.setHighPriorityPoolRatio(ratio)
	}
}

// GetUsage returns total accounted usage across all shards.
func (c *Cache[K, V]) GetUsage() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.getUsage()
	}
	return total
}

// GetPinnedUsage returns the portion of usage currently held by outstanding
// handles (i.e. not evictable).
func (c *Cache[K, V]) GetPinnedUsage() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.getPinnedUsage()
	}
	return total
}

// NumShards reports the shard count (always a power of two).
func (c *Cache[K, V]) NumShards() int { return len(c.shards) }

// DisownData releases the cache's reference to its shards without running
// any Deleters; entries still in the cache are never passed to their
// Deleters afterwards. The Cache has no shards once it returns: any later
// call that routes by hash (Insert, Lookup, Ref, Erase, or Release of a
// non-nil handle) panics. Intended for process-teardown paths where
// destructor ordering no longer matters.
func (c *Cache[K, V]) DisownData() {
	c.shards = nil
}

// Value returns h's cached value. h must not be nil.
func Value[K comparable, V any](h *Handle[K, V]) V { return h.Value() }

// GetCharge returns h's accounting charge. h must not be nil.
func GetCharge[K comparable, V any](h *Handle[K, V]) int64 { return h.Charge() }

// GetHash returns h's hash. h must not be nil.
func GetHash[K comparable, V any](h *Handle[K, V]) uint32 { return h.Hash() }
