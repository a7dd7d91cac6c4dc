// Package stats implements the aggregate counters and control signals
// described in spec §4.8: one set of counters protected by a single RWMutex
// (which a caller may skip via skipLock), plus a reload channel
// used to request a coordinated reconfiguration of the capture pipeline.
package stats

import "sync"

// Counters aggregates the packet/byte/drop/error counters across every
// worker thread. Callers fold a Delta in via Add, or bump a single counter
// via AddTooManyFlowsDrop/AddParsingError, each under the shared lock
// unless skipLock is set.
type Counters struct {
	mu sync.RWMutex

	PacketsReceived uint64
	PacketsDropped  uint64
	BytesReceived   uint64

	FlowsActive  uint64
	FlowsExported uint64

	QueueDrops uint64

	// TooManyFlowsDrops counts packets for a brand-new flow that were
	// dropped because a shard was already at its configured
	// max_active_flows capacity (spec §4.4).
	TooManyFlowsDrops uint64

	ParsingErrors [NumParsingReasons]uint64
}

// NumParsingReasons mirrors capturetypes.NumParsingErrors; kept as a local
// constant so this package does not need to import capturetypes just for
// the array bound.
const NumParsingReasons = 5

// Delta holds the same fields as Counters, as a plain value, for the
// add/reset/snapshot API below.
type Delta struct {
	PacketsReceived uint64
	PacketsDropped  uint64
	BytesReceived   uint64
	FlowsActive     uint64
	FlowsExported   uint64
	QueueDrops      uint64
	TooManyFlowsDrops uint64
}

// Add folds a Delta into the shared counters. Skips the lock entirely when
// skipLock is true, for a caller with no concurrent writer to race with.
func (c *Counters) Add(skipLock bool, d Delta) {
	if !skipLock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.PacketsReceived += d.PacketsReceived
	c.PacketsDropped += d.PacketsDropped
	c.BytesReceived += d.BytesReceived
	c.FlowsActive = d.FlowsActive // gauge, not a counter: last writer wins
	c.FlowsExported += d.FlowsExported
	c.QueueDrops += d.QueueDrops
	c.TooManyFlowsDrops += d.TooManyFlowsDrops
}

// AddTooManyFlowsDrop increments the too-many-flows drop counter by one.
// Called directly from the worker hot path, which only ever adds a single
// drop at a time, rather than going through the batched Add/Delta API.
func (c *Counters) AddTooManyFlowsDrop(skipLock bool) {
	if !skipLock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.TooManyFlowsDrops++
}

// Snapshot returns a consistent copy of the current counters.
func (c *Counters) Snapshot() Delta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Delta{
		PacketsReceived: c.PacketsReceived,
		PacketsDropped:  c.PacketsDropped,
		BytesReceived:   c.BytesReceived,
		FlowsActive:     c.FlowsActive,
		FlowsExported:   c.FlowsExported,
		QueueDrops:      c.QueueDrops,
		TooManyFlowsDrops: c.TooManyFlowsDrops,
	}
}

// AddParsingError increments the per-reason parsing error counter.
func (c *Counters) AddParsingError(reason int, skipLock bool) {
	if reason < 0 || reason >= len(c.ParsingErrors) {
		return
	}
	if !skipLock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.ParsingErrors[reason]++
}
