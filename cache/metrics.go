package cache

import (
	"sync/atomic"

	"github.com/cachelab/blockcache/internal/util"
)

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and is the default when no observability
// backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                          {}
func (NoopMetrics) Miss()                         {}
func (NoopMetrics) Evict(EvictReason)             {}
func (NoopMetrics) Size(usage, pinnedUsage int64) {}

var _ Metrics = NoopMetrics{}

// AtomicMetrics is a lock-free Metrics implementation for callers who want
// basic counters without wiring up an external backend such as
// metrics/prom. Its hit/miss/evict counters are padded to a full cache
// line each so that many shards incrementing them concurrently do not
// contend over the same cache line.
type AtomicMetrics struct {
	hits    util.PaddedAtomicInt64
	misses  util.PaddedAtomicInt64
	evictsLRU      util.PaddedAtomicUint64
	evictsExplicit util.PaddedAtomicUint64

	usage       atomic.Int64
	pinnedUsage atomic.Int64
}

func (m *AtomicMetrics) Hit()  { m.hits.Add(1) }
func (m *AtomicMetrics) Miss() { m.misses.Add(1) }

func (m *AtomicMetrics) Evict(reason EvictReason) {
	if reason == EvictExplicit {
		m.evictsExplicit.Add(1)
	} else {
		m.evictsLRU.Add(1)
	}
}

func (m *AtomicMetrics) Size(usage, pinnedUsage int64) {
	m.usage.Store(usage)
	m.pinnedUsage.Store(pinnedUsage)
}

// Snapshot returns a consistent-enough point-in-time view of the counters.
// Individual fields may be updated concurrently with the read.
func (m *AtomicMetrics) Snapshot() (hits, misses int64, evictsLRU, evictsExplicit uint64, usage, pinnedUsage int64) {
	return m.hits.Load(), m.misses.Load(), m.evictsLRU.Load(), m.evictsExplicit.Load(), m.usage.Load(), m.pinnedUsage.Load()
}

var _ Metrics = (*AtomicMetrics)(nil)
