// Package scanner implements the scan/expiry engine described in spec §4.5:
// a wall-clock-aligned periodic walker that sweeps every shard of the flow
// table, promoting idle or expired records to the export queue.
package scanner

import (
	"context"
	"time"

	"github.com/els0r/goProbe/v4/pkg/flowtable"
	"github.com/els0r/goProbe/v4/pkg/plugin"
	"github.com/els0r/goProbe/v4/pkg/stats"
	"github.com/els0r/telemetry/logging"
)

// Config controls the scan cycle's timing.
type Config struct {
	// ScanInterval is the wall-clock period between sweeps.
	ScanInterval time.Duration
	// IdleTimeout expires a record that has seen no traffic for this long.
	IdleTimeout time.Duration
	// MaxLifetime expires a record outright once it has existed this long,
	// regardless of idle activity. Zero disables the cap.
	MaxLifetime time.Duration
}

// Sink receives expired records, one shard at a time, for export.
type Sink interface {
	Export(shardIdx int, rec *flowtable.Record)
}

// Scanner periodically walks a flow table and hands expired records to a
// Sink. Each shard is scanned independently so the walker's lock hold time
// stays bounded to a single bucket stripe at a time.
type Scanner struct {
	table    *flowtable.Table
	sink     Sink
	cfg      Config
	counters *stats.Counters
	plugins  plugin.Set
}

// New returns a scanner over table, delivering expirations to sink.
// counters may be nil, in which case export accounting is skipped; plugins
// may be empty.
func New(table *flowtable.Table, sink Sink, cfg Config, counters *stats.Counters, plugins plugin.Set) *Scanner {
	return &Scanner{table: table, sink: sink, cfg: cfg, counters: counters, plugins: plugins}
}

// Run blocks, sweeping the table every ScanInterval until ctx is cancelled.
// Sweeps are aligned to wall-clock boundaries (truncated to the interval)
// rather than to the time Run was called, so cycles stay in phase across
// restarts.
func (s *Scanner) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	align := func(now time.Time) time.Duration {
		next := now.Truncate(s.cfg.ScanInterval).Add(s.cfg.ScanInterval)
		return next.Sub(now)
	}

	timer := time.NewTimer(align(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			expired := s.sweep(now)
			if expired > 0 {
				logger.Debug("scan cycle expired flows", "count", expired)
			}
			timer.Reset(align(time.Now()))
		}
	}
}

// sweep runs one scan cycle synchronously and returns the number of records
// expired across all shards. Exposed for tests that don't want to drive
// Run's timer.
func (s *Scanner) sweep(now time.Time) int {
	var total int
	for i, shard := range s.table.Shards() {
		idx := i
		total += shard.ScanExpired(now, s.cfg.IdleTimeout, s.cfg.MaxLifetime, func(rec *flowtable.Record) {
			if len(s.plugins) > 0 {
				s.plugins.OnDelete(rec)
			}
			if s.counters != nil {
				s.counters.Add(false, stats.Delta{FlowsExported: 1})
			}
			s.sink.Export(idx, rec)
		})
	}
	return total
}

// Sweep runs one scan cycle synchronously, for callers (tests, or a manual
// "flush now" signal) that need a deterministic, non-timer-driven pass.
func (s *Scanner) Sweep(now time.Time) int {
	return s.sweep(now)
}
