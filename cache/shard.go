package cache

import (
	"sync"

	"github.com/cachelab/blockcache/internal/util"
)

// shard is one independently locked partition of the cache. It owns a
// handleTable for (hash, key) lookup and a circular doubly linked LRU list
// partitioned into a low-priority region (lru.next side, coldest first) and
// a high-priority region (lru.prev side, hottest last) by the lruLowPri
// cursor. An entry sits on the list only while refs == 1.
type shard[K comparable, V any] struct {
	mu sync.Mutex

	table handleTable[K, V]

	lru       entry[K, V]
	lruLowPri *entry[K, V]

	usage            int64
	lruUsage         int64
	highPriPoolUsage int64

	capacity            int64
	highPriPoolCapacity int64
	highPriPoolRatio    float64
	strictCapacityLimit bool

	metrics Metrics

	_ util.CacheLinePad
}

func newShard[K comparable, V any](capacity int64, strict bool, ratio float64, metrics Metrics) *shard[K, V] {
	s := &shard[K, V]{
		table:               *newHandleTable[K, V](),
		strictCapacityLimit: strict,
		highPriPoolRatio:    ratio,
		metrics:             metrics,
	}
	s.lru.next = &s.lru
	s.lru.prev = &s.lru
	s.lruLowPri = &s.lru
	s.setCapacityLocked(capacity)
	return s
}

func (s *shard[K, V]) setCapacityLocked(capacity int64) {
	s.capacity = capacity
	s.highPriPoolCapacity = int64(float64(capacity) * s.highPriPoolRatio)
}

// lruRemove unlinks e from the LRU list. e must currently be on the list.
func (s *shard[K, V]) lruRemove(e *entry[K, V]) {
	if s.lruLowPri == e {
		s.lruLowPri = e.prev
	}
	e.next.prev = e.prev
	e.prev.next = e.next
	e.prev, e.next = nil, nil
	s.lruUsage -= e.charge
	if e.inHighPriPool() {
		s.highPriPoolUsage -= e.charge
		e.setInHighPriPool(false)
	}
}

// lruInsert places e into the high-priority pool (if it qualifies and the
// pool is enabled) or just past the low-priority cursor otherwise.
func (s *shard[K, V]) lruInsert(e *entry[K, V]) {
	if s.highPriPoolRatio > 0 && (e.isHighPri() || e.hasHit()) {
		e.next = &s.lru
		e.prev = s.lru.prev
		e.prev.next = e
		e.next.prev = e
		e.setInHighPriPool(true)
		s.highPriPoolUsage += e.charge
		s.maintainPoolSize()
	} else {
		e.next = s.lruLowPri.next
		e.prev = s.lruLowPri
		e.prev.next = e
		e.next.prev = e
		e.setInHighPriPool(false)
		s.lruLowPri = e
	}
	s.lruUsage += e.charge
}

// maintainPoolSize demotes coldest high-priority entries until the pool
// fits its capacity, advancing the low/high partition cursor.
func (s *shard[K, V]) maintainPoolSize() {
	for s.highPriPoolUsage > s.highPriPoolCapacity {
		s.lruLowPri = s.lruLowPri.next
		s.lruLowPri.setInHighPriPool(false)
		s.highPriPoolUsage -= s.lruLowPri.charge
	}
}

// evictFromLRU pops entries off the cold end of the list until usage
// (including a prospective extraCharge) fits capacity or the list is empty.
// Evicted entries are appended to scratch for the caller to free after
// unlocking.
func (s *shard[K, V]) evictFromLRU(extraCharge int64, scratch *[]*entry[K, V]) {
	for s.usage+extraCharge > s.capacity && s.lru.next != &s.lru {
		old := s.lru.next
		s.lruRemove(old)
		s.table.remove(old.key, old.hash)
		old.setInCache(false)
		s.unref(old)
		s.usage -= old.charge
		*scratch = append(*scratch, old)
	}
}

// unref decrements refs and reports whether this was the last reference.
func (s *shard[K, V]) unref(e *entry[K, V]) bool {
	e.refs--
	return e.refs == 0
}

func (s *shard[K, V]) lookup(key K, hash uint32) *Handle[K, V] {
	s.mu.Lock()
	e := s.table.lookup(key, hash)
	if e != nil {
		if e.refs == 1 {
			s.lruRemove(e)
		}
		e.refs++
		e.setHasHit(true)
	}
	s.mu.Unlock()

	if e == nil {
		s.metrics.Miss()
		return nil
	}
	s.metrics.Hit()
	return &Handle[K, V]{e: e}
}

func (s *shard[K, V]) ref(h *Handle[K, V]) {
	e := h.e
	s.mu.Lock()
	if e.inCache() && e.refs == 1 {
		s.lruRemove(e)
	}
	e.refs++
	s.mu.Unlock()
}

// release drops one reference on h's entry. If that was the last reference,
// the entry's Deleter runs after the shard mutex is released and release
// reports true. forceErase additionally removes the entry from the table
// instead of letting it rejoin the LRU list.
func (s *shard[K, V]) release(h *Handle[K, V], forceErase bool) bool {
	e := h.e
	var lastReference bool
	var evicted bool
	var reason EvictReason

	s.mu.Lock()
	lastReference = s.unref(e)
	if lastReference {
		s.usage -= e.charge
		if e.hasPendingEvict {
			// Removed from the table while still pinned (by Erase or a
			// displacing Insert); the Evict metric was deferred until
			// this, the actual last reference.
			evicted = true
			reason = e.pendingEvictReason
		}
	} else if e.refs == 1 && e.inCache() {
		if s.usage > s.capacity || forceErase {
			s.table.remove(e.key, e.hash)
			e.setInCache(false)
			lastReference = s.unref(e)
			s.usage -= e.charge
			evicted = true
			if forceErase {
				reason = EvictExplicit
			} else {
				reason = EvictLRU
			}
		} else {
			s.lruInsert(e)
		}
	}
	s.sizeLocked()
	s.mu.Unlock()

	if lastReference {
		if evicted {
			s.metrics.Evict(reason)
		}
		if e.deleter != nil {
			e.deleter(e.key, e.value)
		}
	}
	return lastReference
}

// insert creates a new entry for (key, hash) holding value with the given
// charge/deleter/priority. If needHandle, the caller receives a pinned
// Handle (refs starts at 2); otherwise the entry is admitted unpinned
// (refs starts at 1) and is immediately eligible for eviction.
func (s *shard[K, V]) insert(key K, hash uint32, value V, charge int64, deleter Deleter[K, V], needHandle bool, priority Priority) (*Handle[K, V], Status) {
	e := &entry[K, V]{
		key:     key,
		hash:    hash,
		value:   value,
		deleter: deleter,
		charge:  charge,
	}
	if needHandle {
		e.refs = 2
	} else {
		e.refs = 1
	}
	e.setInCache(true)
	e.setIsHighPri(priority == High)

	var scratch []*entry[K, V]
	var out *Handle[K, V]
	var status Status

	s.mu.Lock()
	s.evictFromLRU(charge, &scratch)

	if s.usage-s.lruUsage+charge > s.capacity && (s.strictCapacityLimit || !needHandle) {
		if !needHandle {
			// Admit conceptually, but never touch the table: the caller
			// never sees a handle, so there is nothing left to keep alive.
			e.setInCache(false)
			scratch = append(scratch, e)
			status = StatusOK
		} else {
			status = StatusIncomplete
		}
	} else {
		old := s.table.insert(e)
		s.usage += charge
		if old != nil {
			old.setInCache(false)
			if s.unref(old) {
				s.usage -= old.charge
				s.lruRemove(old)
				scratch = append(scratch, old)
			} else {
				// old is still pinned by an outstanding Handle; defer its
				// Evict metric to that Handle's eventual Release.
				old.hasPendingEvict = true
				old.pendingEvictReason = EvictLRU
			}
		}
		if needHandle {
			out = &Handle[K, V]{e: e}
		} else {
			s.lruInsert(e)
		}
		status = StatusOK
	}
	s.sizeLocked()
	s.mu.Unlock()

	for _, victim := range scratch {
		s.metrics.Evict(EvictLRU)
		if victim.deleter != nil {
			victim.deleter(victim.key, victim.value)
		}
	}
	return out, status
}

func (s *shard[K, V]) erase(key K, hash uint32) {
	s.mu.Lock()
	e := s.table.remove(key, hash)
	var lastReference bool
	if e != nil {
		e.setInCache(false)
		lastReference = s.unref(e)
		if lastReference {
			// Only an entry with refs==1 before this call was actually
			// spliced into the LRU list; a pinned entry (refs>1, e.g. a
			// live Handle from Insert/Ref) never was.
			s.lruRemove(e)
			s.usage -= e.charge
		} else {
			// Still pinned: the caller's outstanding Handle keeps it alive.
			// Record why it left the table so the eventual last Release
			// reports the right Evict reason instead of none at all.
			e.hasPendingEvict = true
			e.pendingEvictReason = EvictExplicit
		}
	}
	s.sizeLocked()
	s.mu.Unlock()

	if e != nil && lastReference {
		s.metrics.Evict(EvictExplicit)
		if e.deleter != nil {
			e.deleter(e.key, e.value)
		}
	}
}

func (s *shard[K, V]) eraseUnRefEntries() {
	var scratch []*entry[K, V]
	s.mu.Lock()
	for s.lru.next != &s.lru {
		old := s.lru.next
		s.lruRemove(old)
		s.table.remove(old.key, old.hash)
		old.setInCache(false)
		s.unref(old)
		s.usage -= old.charge
		scratch = append(scratch, old)
	}
	s.sizeLocked()
	s.mu.Unlock()

	for _, e := range scratch {
		s.metrics.Evict(EvictExplicit)
		if e.deleter != nil {
			e.deleter(e.key, e.value)
		}
	}
}

func (s *shard[K, V]) setCapacity(capacity int64) {
	var scratch []*entry[K, V]
	s.mu.Lock()
	s.setCapacityLocked(capacity)
	s.maintainPoolSize()
	s.evictFromLRU(0, &scratch)
	s.sizeLocked()
	s.mu.Unlock()

	for _, e := range scratch {
		s.metrics.Evict(EvictLRU)
		if e.deleter != nil {
			e.deleter(e.key, e.value)
		}
	}
}

func (s *shard[K, V]) setStrictCapacityLimit(strict bool) {
	s.mu.Lock()
	s.strictCapacityLimit = strict
	s.mu.Unlock()
}

func (s *shard[K, V]) setHighPriorityPoolRatio(ratio float64) {
	s.mu.Lock()
	s.highPriPoolRatio = ratio
	s.highPriPoolCapacity = int64(float64(s.capacity) * ratio)
	s.maintainPoolSize()
	s.mu.Unlock()
}

func (s *shard[K, V]) getUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *shard[K, V]) getPinnedUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage - s.lruUsage
}

// sizeLocked reports current usage to Metrics. Caller must hold s.mu.
func (s *shard[K, V]) sizeLocked() {
	s.metrics.Size(s.usage, s.usage-s.lruUsage)
}
