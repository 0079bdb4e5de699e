package cache

import "testing"

func newTestShard[K comparable, V any](capacity int64, ratio float64) *shard[K, V] {
	return newShard[K, V](capacity, false, ratio, NoopMetrics{})
}

// P1: residency. A freshly inserted entry is immediately Lookup-able.
func TestShard_Residency(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](10, 0)
	h, status := s.insert("a", 1, 7, 1, nil, true, Low)
	if !status.OK() {
		t.Fatalf("insert status = %v", status)
	}
	if got := s.lookup("a", 1); got == nil || got.e != h.e {
		t.Fatal("inserted entry must be resident")
	}
	s.release(h, false)
}

// P3: pin-exempt capacity. A pinned entry's charge is not retroactively
// evicted to make room for a subsequent over-budget Insert (non-strict, no
// handle); that Insert is dropped instead.
func TestShard_PinExemptFromCapacity(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](2, 0)
	h, status := s.insert("pinned", 1, 0, 2, nil, true, Low)
	if !status.OK() {
		t.Fatalf("insert pinned: %v", status)
	}

	// Non-strict, no handle: reported OK, but freed at once without
	// entering the table, since eviction has nowhere to draw from (the LRU
	// list is empty: "pinned" isn't on it) and nothing would pin it.
	_, status = s.insert("transient", 2, 0, 5, nil, false, Low)
	if !status.OK() {
		t.Fatalf("insert transient: %v", status)
	}

	if got := s.lookup("pinned", 1); got == nil {
		t.Fatal("pinned entry must still be resident")
	} else {
		s.release(got, false)
	}
	s.release(h, false)
}

// P6: the table stays internally consistent across displacement:
// inserting the same (hash, key) twice frees the old entry's charge.
func TestShard_InsertReplacesSameKey(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](10, 0)
	var freed []int
	deleter := func(k string, v int) { freed = append(freed, v) }

	h1, status := s.insert("a", 1, 10, 3, deleter, true, Low)
	if !status.OK() {
		t.Fatal("first insert failed")
	}
	s.release(h1, false) // unpin so the displaced-entry path actually frees it

	_, status = s.insert("a", 1, 20, 4, deleter, true, Low)
	if !status.OK() {
		t.Fatal("second insert failed")
	}

	if len(freed) != 1 || freed[0] != 10 {
		t.Fatalf("freed = %v, want [10] (old value freed exactly once)", freed)
	}
	if s.usage != 4 {
		t.Fatalf("usage = %d, want 4", s.usage)
	}
}

// Inserting over a key whose current entry is still pinned must defer that
// entry's deleter and EvictLRU metric to its holder's eventual Release,
// rather than dropping the metric on the floor.
func TestShard_InsertDisplacesPinnedEntry(t *testing.T) {
	t.Parallel()

	m := &AtomicMetrics{}
	s := newShard[string, int](10, false, 0, m)
	var freed []int
	deleter := func(k string, v int) { freed = append(freed, v) }

	h1, status := s.insert("a", 1, 10, 3, deleter, true, Low)
	if !status.OK() {
		t.Fatal("first insert failed")
	}
	// h1 is still outstanding here: the table-level displacement below
	// must not free the old entry or record its metric yet.

	_, status = s.insert("a", 1, 20, 4, deleter, true, Low)
	if !status.OK() {
		t.Fatal("second insert failed")
	}
	if len(freed) != 0 {
		t.Fatalf("freed = %v before release, want none", freed)
	}
	if _, _, evictsLRU, _, _, _ := m.Snapshot(); evictsLRU != 0 {
		t.Fatalf("evictsLRU = %d before release, want 0", evictsLRU)
	}

	s.release(h1, false)
	if len(freed) != 1 || freed[0] != 10 {
		t.Fatalf("freed = %v after release, want [10]", freed)
	}
	if _, _, evictsLRU, _, _, _ := m.Snapshot(); evictsLRU != 1 {
		t.Fatalf("evictsLRU after release = %d, want 1", evictsLRU)
	}
}

// P8: accounting invariant usage >= lruUsage, and usage - lruUsage equals
// pinned usage.
func TestShard_AccountingInvariant(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](100, 0)
	h, _ := s.insert("pinned", 1, 0, 10, nil, true, Low)
	s.insert("unpinned", 2, 0, 5, nil, false, Low)

	if s.usage < s.lruUsage {
		t.Fatalf("usage(%d) < lruUsage(%d)", s.usage, s.lruUsage)
	}
	if got := s.usage - s.lruUsage; got != 10 {
		t.Fatalf("pinned usage = %d, want 10", got)
	}
	s.release(h, false)
	if got := s.usage - s.lruUsage; got != 0 {
		t.Fatalf("pinned usage after release = %d, want 0", got)
	}
}

// P9: a deleter runs exactly once per entry even when Erase races a
// concurrent last Release (exercised serially here; the race_test.go
// file stresses the concurrent path).
func TestShard_DeleterExactlyOnceOnErase(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](10, 0)
	var calls int
	h, _ := s.insert("a", 1, 0, 1, func(string, int) { calls++ }, true, Low)
	s.release(h, false) // rejoins LRU, refs back to 1
	s.erase("a", 1)      // last reference goes away here

	if calls != 1 {
		t.Fatalf("deleter called %d times, want 1", calls)
	}
}

// Release with usage already over capacity purges the entry immediately
// instead of letting it rejoin the LRU list.
func TestShard_ReleaseOverCapacityPurges(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](1, 0)
	h, status := s.insert("a", 1, 0, 1, nil, true, Low)
	if !status.OK() {
		t.Fatal("insert failed")
	}
	// Shrink capacity to 0 while the entry is pinned: usage(1) > capacity(0).
	s.setCapacity(0)

	s.release(h, false)
	if got := s.lookup("a", 1); got != nil {
		t.Fatal("entry must have been purged on release, not requeued")
	}
}

// Erase on a key with a live outstanding handle must not touch the LRU
// list (the entry was never spliced into it, since refs >= 2) and must
// defer both the deleter and the EvictExplicit metric until the handle is
// released.
func TestShard_EraseWhilePinnedDefersDeleter(t *testing.T) {
	t.Parallel()

	m := &AtomicMetrics{}
	s := newShard[string, int](10, false, 0, m)
	var calls int
	h, status := s.insert("a", 1, 0, 1, func(string, int) { calls++ }, true, Low)
	if !status.OK() {
		t.Fatal("insert failed")
	}

	// h is still outstanding: refs == 2. Erase must not panic splicing an
	// entry that was never on the LRU list, and must leave the deleter and
	// the Evict metric unfired until the handle itself is released.
	s.erase("a", 1)
	if calls != 0 {
		t.Fatalf("deleter called %d times before release, want 0", calls)
	}
	if _, _, evictsLRU, evictsExplicit, _, _ := m.Snapshot(); evictsLRU != 0 || evictsExplicit != 0 {
		t.Fatalf("evicts = (lru=%d, explicit=%d) before release, want (0, 0)", evictsLRU, evictsExplicit)
	}
	if got := s.lookup("a", 1); got != nil {
		t.Fatal("erased entry must not be resident despite the live handle")
	}

	s.release(h, false)
	if calls != 1 {
		t.Fatalf("deleter called %d times after release, want 1", calls)
	}
	if _, _, _, evictsExplicit, _, _ := m.Snapshot(); evictsExplicit != 1 {
		t.Fatalf("evictsExplicit after release = %d, want 1 (deferred EvictExplicit reason must survive to the actual last reference)", evictsExplicit)
	}
}

func TestShard_SetHighPriorityPoolRatioDemotesImmediately(t *testing.T) {
	t.Parallel()

	s := newTestShard[string, int](10, 0.8)
	s.insert("hot", 1, 0, 5, nil, false, High)
	if s.highPriPoolUsage != 5 {
		t.Fatalf("highPriPoolUsage = %d, want 5", s.highPriPoolUsage)
	}

	s.setHighPriorityPoolRatio(0) // shrink pool to zero capacity
	if s.highPriPoolUsage != 0 {
		t.Fatalf("highPriPoolUsage after shrink = %d, want 0", s.highPriPoolUsage)
	}
}
