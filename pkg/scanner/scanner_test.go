package scanner

import (
	"net/netip"
	"testing"
	"time"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/els0r/goProbe/v4/pkg/flowtable"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	exported []*flowtable.Record
}

func (f *fakeSink) Export(shardIdx int, rec *flowtable.Record) {
	f.exported = append(f.exported, rec)
}

func TestSweepExpiresIdleRecords(t *testing.T) {
	table := flowtable.New(2, 16, 0, true)
	base := time.Unix(1000, 0)

	fp := capturetypes.Fingerprint{
		IPVersion: 4,
		SrcAddr:   netip.MustParseAddr("10.0.0.1"),
		DstAddr:   netip.MustParseAddr("10.0.0.2"),
		L4Proto:   capturetypes.UDP,
		SrcPort:   1,
		DstPort:   2,
	}
	table.ShardFor(fp).LookupOrInsert(fp, 100, 1, 0, base)

	sink := &fakeSink{}
	sc := New(table, sink, Config{ScanInterval: time.Second, IdleTimeout: 5 * time.Second}, nil, nil)

	n := sc.Sweep(base.Add(10 * time.Second))
	require.Equal(t, 1, n)
	require.Len(t, sink.exported, 1)
	require.Equal(t, 0, table.NumActive())
}

func TestSweepKeepsActiveRecords(t *testing.T) {
	table := flowtable.New(1, 16, 0, true)
	base := time.Unix(1000, 0)

	fp := capturetypes.Fingerprint{
		IPVersion: 4,
		SrcAddr:   netip.MustParseAddr("10.0.0.1"),
		DstAddr:   netip.MustParseAddr("10.0.0.2"),
		L4Proto:   capturetypes.UDP,
		SrcPort:   1,
		DstPort:   2,
	}
	table.ShardFor(fp).LookupOrInsert(fp, 100, 1, 0, base)

	sink := &fakeSink{}
	sc := New(table, sink, Config{ScanInterval: time.Second, IdleTimeout: 30 * time.Second}, nil, nil)

	n := sc.Sweep(base.Add(10 * time.Second))
	require.Equal(t, 0, n)
	require.Equal(t, 1, table.NumActive())
}
