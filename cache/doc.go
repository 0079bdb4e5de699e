// Package cache provides a sharded, in-memory key/value cache with strict
// capacity enforcement, two-tier (high/low priority) LRU eviction, and
// pinning via reference counts.
//
// Design
//
//   - Concurrency: the cache is split into shards, each protected by its own
//     mutex. Shards are fully independent; there is no cross-shard
//     synchronization. Shard count defaults to a capacity-derived heuristic
//     (see internal/util.DefaultShardBits) and is always a power of two.
//
//   - Storage: each shard owns an open-chained hash table keyed by
//     (hash, key) plus an intrusive doubly linked LRU list. Entries pinned by
//     an outstanding Handle are absent from the LRU list but remain
//     reachable through the table; they are immune to eviction.
//
//   - Eviction: entries are split into a high-priority pool and a
//     low-priority region by a single cursor inside one circular list — no
//     separate lists, no CLOCK/2Q/ARC approximations. The high-priority pool
//     is capped at Capacity * HighPriPoolRatio; overflow demotes the coldest
//     high-priority entry across the boundary.
//
//   - Pinning: Lookup and Ref increment a reference count and, on the 1→2
//     transition, unlink the entry from the LRU list. Release decrements the
//     count; on 2→1 the entry rejoins the LRU list, or is purged immediately
//     if usage already exceeds capacity.
//
//   - Deleters: entry destructors (the caller-supplied Deleter) never run
//     while a shard mutex is held. Every operation that may free entries
//     collects them into a local scratch slice and drains it after the
//     mutex is released.
//
//   - No TTL, no persistence, no iteration by insertion order, no range
//     queries, no memory defragmentation. This is a pure admit/retain/evict
//     cache, not a read-through or time-based cache.
//
// Basic usage
//
//	opt := cache.NewOptions[string, []byte](64 << 20) // 64 MiB budget
//	c, err := cache.New(opt)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	h, status := c.Insert("block-1", hash32("block-1"), payload, int64(len(payload)), nil, cache.Low)
//	if status == cache.StatusOK {
//	    defer c.Release(h, false)
//	    use(h.Value())
//	}
//
// Exporting metrics (example Prometheus adapter)
//
//	m := prom.New(nil, "blockcache", "demo", nil)
//	opt := cache.NewOptions[string, []byte](64 << 20)
//	opt.Metrics = m
//	c, _ := cache.New(opt)
//
// Thread-safety
//
// All methods on Cache are safe for concurrent use. Handles returned by
// Insert/Lookup must eventually be passed to Release exactly once.
package cache
