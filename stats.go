package mcbp

import "sync/atomic"

// ClientStats contains statistics about client operations.
// All fields are safe for concurrent access.
//
// For Prometheus integration, expose these as:
//   - Counters: Gets, Stores, Removes, Counters, Lookups, Mutations, Errors
//   - Counter: GetHits (derive hit rate as GetHits/Gets)
type ClientStats struct {
	Gets      uint64 // Total get-family operations
	GetHits   uint64 // Gets that found the document
	Stores    uint64 // Total insert/upsert/replace operations
	Removes   uint64 // Total remove operations
	Counters  uint64 // Total increment/decrement operations
	Lookups   uint64 // Total subdocument multi-lookups
	Mutations uint64 // Total subdocument multi-mutations
	Errors    uint64 // Total errors across all operations
}

// clientStatsCollector provides internal methods for updating client
// stats. Not exported - the client updates its own stats.
type clientStatsCollector struct {
	stats *ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{stats: &ClientStats{}}
}

func (c *clientStatsCollector) recordGet(found bool) {
	atomic.AddUint64(&c.stats.Gets, 1)
	if found {
		atomic.AddUint64(&c.stats.GetHits, 1)
	}
}

func (c *clientStatsCollector) recordStore() {
	atomic.AddUint64(&c.stats.Stores, 1)
}

func (c *clientStatsCollector) recordRemove() {
	atomic.AddUint64(&c.stats.Removes, 1)
}

func (c *clientStatsCollector) recordCounter() {
	atomic.AddUint64(&c.stats.Counters, 1)
}

func (c *clientStatsCollector) recordLookup() {
	atomic.AddUint64(&c.stats.Lookups, 1)
}

func (c *clientStatsCollector) recordMutation() {
	atomic.AddUint64(&c.stats.Mutations, 1)
}

func (c *clientStatsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:      atomic.LoadUint64(&c.stats.Gets),
		GetHits:   atomic.LoadUint64(&c.stats.GetHits),
		Stores:    atomic.LoadUint64(&c.stats.Stores),
		Removes:   atomic.LoadUint64(&c.stats.Removes),
		Counters:  atomic.LoadUint64(&c.stats.Counters),
		Lookups:   atomic.LoadUint64(&c.stats.Lookups),
		Mutations: atomic.LoadUint64(&c.stats.Mutations),
		Errors:    atomic.LoadUint64(&c.stats.Errors),
	}
}
