package assetcache

import "sync/atomic"

// Stats is a point-in-time view of cache occupancy and cumulative counters.
type Stats struct {
	EncodedBytes   int64
	EncodedBudget  int64
	EncodedEntries int
	DecodedCost    int64
	DecodedBudget  int64
	DecodedEntries int
	PinnedEntries  int

	// DecodedHits counts requests served from the pinned set or decoded tier.
	DecodedHits int64
	// EncodedHits counts requests decoded from the encoded tier.
	EncodedHits int64
	// Misses counts requests that had to open the asset through the Reader.
	Misses int64
	// Decodes counts cache-populating decodes.
	Decodes int64
	// PassThroughDecodes counts decodes whose result was not cached.
	PassThroughDecodes int64
	// Rejections counts tier insertions refused for exceeding capacity.
	Rejections int64
	// Evictions counts entries evicted under budget pressure in either tier.
	Evictions int64
	// WeakRecoveries counts lookups answered by a value no longer in any
	// tier but still referenced elsewhere. They are included in DecodedHits.
	WeakRecoveries int64
	ReadErrors     int64
	DecodeErrors   int64
}

type counters struct {
	decodedHits    atomic.Int64
	encodedHits    atomic.Int64
	misses         atomic.Int64
	decodes        atomic.Int64
	passThrough    atomic.Int64
	rejections     atomic.Int64
	evictions      atomic.Int64
	weakRecoveries atomic.Int64
	readErrors     atomic.Int64
	decodeErrors   atomic.Int64
}

// Stats returns current occupancy and counters. Values for different
// fields are read independently and may not form a consistent snapshot
// under concurrent use.
func (c *Cache[V]) Stats() Stats {
	c.pinMu.RLock()
	pinned := len(c.pinned)
	c.pinMu.RUnlock()

	return Stats{
		EncodedBytes:       c.encoded.Cost(),
		EncodedBudget:      c.encoded.Budget(),
		EncodedEntries:     c.encoded.Len(),
		DecodedCost:        c.decoded.Cost(),
		DecodedBudget:      c.decoded.Budget(),
		DecodedEntries:     c.decoded.Len(),
		PinnedEntries:      pinned,
		DecodedHits:        c.counters.decodedHits.Load(),
		EncodedHits:        c.counters.encodedHits.Load(),
		Misses:             c.counters.misses.Load(),
		Decodes:            c.counters.decodes.Load(),
		PassThroughDecodes: c.counters.passThrough.Load(),
		Rejections:         c.counters.rejections.Load(),
		Evictions:          c.counters.evictions.Load(),
		WeakRecoveries:     c.counters.weakRecoveries.Load(),
		ReadErrors:         c.counters.readErrors.Load(),
		DecodeErrors:       c.counters.decodeErrors.Load(),
	}
}
