// Package worker drains the per-shard hand-off queues into the matching
// flow-hash shard, closing the loop between the capture path's queue.Router
// (spec §4.3) and the scan/expiry engine's flowtable.Table (spec §4.4).
// One worker is spawned per shard so that a queue's consumer always touches
// the same shard's lock stripe, keeping contention local.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/els0r/goProbe/v4/pkg/flowtable"
	"github.com/els0r/goProbe/v4/pkg/plugin"
	"github.com/els0r/goProbe/v4/pkg/queue"
	"github.com/els0r/goProbe/v4/pkg/stats"
	"github.com/els0r/telemetry/logging"
)

// Pool runs one drain goroutine per router queue/flow-table shard pair.
type Pool struct {
	router   *queue.Router
	table    *flowtable.Table
	counters *stats.Counters
	plugins  plugin.Set
}

// NewPool returns a Pool draining router into table. router and table must
// have been built with the same shard count. counters may be nil, in which
// case drop accounting is skipped; plugins may be empty.
func NewPool(router *queue.Router, table *flowtable.Table, counters *stats.Counters, plugins plugin.Set) *Pool {
	return &Pool{router: router, table: table, counters: counters, plugins: plugins}
}

// Run spawns the worker goroutines and blocks until every queue has been
// drained and closed (i.e. until ctx is cancelled and the capture manager's
// CloseAll has closed the router).
func (p *Pool) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	queues := p.router.Queues()
	shards := p.table.Shards()
	if len(queues) != len(shards) {
		logger.Error("router/table shard count mismatch", "queues", len(queues), "shards", len(shards))
		return
	}

	var wg sync.WaitGroup
	for i := range queues {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.drain(queues[i], shards[i])
		}()
	}
	wg.Wait()
}

// drain pulls packets off q and folds them into shard until q is closed and
// empty.
func (p *Pool) drain(q *queue.Queue, shard *flowtable.Shard) {
	for {
		pkt, ok := q.Get()
		if !ok {
			return
		}
		if pkt.Errno.ParsingFailed() {
			q.Release(pkt)
			continue
		}

		rec, inserted, full := shard.LookupOrInsert(pkt.Fingerprint, pkt.NumBytes, pkt.NumPackets, pkt.TCPFlags, time.Now())
		if full {
			if p.counters != nil {
				p.counters.AddTooManyFlowsDrop(false)
			}
			q.Release(pkt)
			continue
		}

		if len(p.plugins) > 0 {
			if inserted {
				p.plugins.OnCreate(rec, pkt.Fingerprint)
			} else {
				p.plugins.OnPacket(rec, pkt.Decoded)
			}
		}

		q.Release(pkt)
	}
}
