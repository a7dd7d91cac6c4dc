package flowtable

import (
	"net/netip"
	"testing"
	"time"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/stretchr/testify/require"
)

func fp(src, dst string, sport, dport uint16) capturetypes.Fingerprint {
	return capturetypes.Fingerprint{
		IPVersion: 4,
		SrcAddr:   netip.MustParseAddr(src),
		DstAddr:   netip.MustParseAddr(dst),
		L4Proto:   capturetypes.TCP,
		SrcPort:   sport,
		DstPort:   dport,
	}
}

func TestLookupOrInsertCreatesRecord(t *testing.T) {
	s := NewShard(16, 0, true)
	now := time.Unix(1000, 0)

	r, inserted, full := s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1234, 80), 100, 1, 0x02, now)
	require.True(t, inserted)
	require.False(t, full)
	require.EqualValues(t, 1, r.PacketsSent)
	require.EqualValues(t, 100, r.BytesSent)
	require.True(t, r.Fingerprint.IsLowerAddressed())
}

func TestLookupOrInsertMergesBidirectional(t *testing.T) {
	s := NewShard(16, 0, true)
	now := time.Unix(1000, 0)

	fwd := fp("10.0.0.1", "10.0.0.2", 1234, 80)
	r1, inserted, _ := s.LookupOrInsert(fwd, 100, 1, 0x02, now)
	require.True(t, inserted)

	bwd := fwd.Reverse()
	r2, inserted, _ := s.LookupOrInsert(bwd, 200, 1, 0x10, now.Add(time.Second))
	require.False(t, inserted)
	require.Same(t, r1, r2)

	require.EqualValues(t, 1, r1.PacketsSent)
	require.EqualValues(t, 1, r1.PacketsRcvd)
	require.EqualValues(t, 100, r1.BytesSent)
	require.EqualValues(t, 200, r1.BytesRcvd)
	require.Equal(t, byte(0x02), r1.TCPFlagsSent)
	require.Equal(t, byte(0x10), r1.TCPFlagsRcvd)
	require.Equal(t, 1, s.NumActive())
}

func TestLookupOrInsertDoesNotMergeWhenDisabled(t *testing.T) {
	s := NewShard(16, 0, false)
	now := time.Unix(1000, 0)

	fwd := fp("10.0.0.1", "10.0.0.2", 1234, 80)
	r1, inserted, _ := s.LookupOrInsert(fwd, 100, 1, 0x02, now)
	require.True(t, inserted)

	bwd := fwd.Reverse()
	r2, inserted, _ := s.LookupOrInsert(bwd, 200, 1, 0x10, now.Add(time.Second))
	require.True(t, inserted, "merge disabled: the reverse direction must be tracked as its own record")
	require.NotSame(t, r1, r2)
	require.Equal(t, 2, s.NumActive())
}

func TestLookupOrInsertCreditsSmartUDPPacketCount(t *testing.T) {
	s := NewShard(16, 0, true)
	now := time.Unix(1000, 0)

	r, _, _ := s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1234, 80), 1400, 2, 0, now)
	require.EqualValues(t, 2, r.PacketsSent)
}

func TestLookupOrInsertRespectsCapacity(t *testing.T) {
	s := NewShard(16, 1, true)
	now := time.Unix(1000, 0)

	_, inserted, full := s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1, 2), 10, 1, 0, now)
	require.True(t, inserted)
	require.False(t, full)

	_, inserted, full = s.LookupOrInsert(fp("10.0.0.3", "10.0.0.4", 1, 2), 10, 1, 0, now)
	require.False(t, inserted)
	require.True(t, full)
}

func TestScanExpiredRemovesIdleRecords(t *testing.T) {
	s := NewShard(16, 0, true)
	base := time.Unix(1000, 0)

	s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1, 2), 10, 1, 0, base)
	s.LookupOrInsert(fp("10.0.0.5", "10.0.0.6", 1, 2), 10, 1, 0, base.Add(20*time.Second))

	var expired []*Record
	n := s.ScanExpired(base.Add(30*time.Second), 15*time.Second, 0, func(r *Record) {
		expired = append(expired, r)
	})

	require.Equal(t, 1, n)
	require.Len(t, expired, 1)
	require.Equal(t, 1, s.NumActive())
}

func TestScanExpiredRemovesTerminatedTCPConnections(t *testing.T) {
	s := NewShard(16, 0, true)
	base := time.Unix(1000, 0)

	fwd := fp("10.0.0.1", "10.0.0.2", 1234, 80)
	s.LookupOrInsert(fwd, 10, 1, 0x02, base) // SYN
	s.LookupOrInsert(fwd.Reverse(), 10, 1, 0x01, base.Add(time.Second)) // FIN from server
	s.LookupOrInsert(fwd, 10, 1, 0x01, base.Add(2*time.Second))        // FIN from client

	var expired []*Record
	n := s.ScanExpired(base.Add(3*time.Second), time.Hour, 0, func(r *Record) {
		expired = append(expired, r)
	})

	require.Equal(t, 1, n, "both directions observed FIN: the record must expire immediately, not wait out the idle timeout")
	require.Len(t, expired, 1)
}

func TestScanExpiredRemovesConnectionsOnRST(t *testing.T) {
	s := NewShard(16, 0, true)
	base := time.Unix(1000, 0)

	fwd := fp("10.0.0.1", "10.0.0.2", 1234, 80)
	s.LookupOrInsert(fwd, 10, 1, 0x02, base)
	s.LookupOrInsert(fwd.Reverse(), 10, 1, 0x04, base.Add(time.Second)) // RST

	n := s.ScanExpired(base.Add(2*time.Second), time.Hour, 0, func(r *Record) {})
	require.Equal(t, 1, n)
}

func TestScanExpiredKeepsOpenTCPConnections(t *testing.T) {
	s := NewShard(16, 0, true)
	base := time.Unix(1000, 0)

	fwd := fp("10.0.0.1", "10.0.0.2", 1234, 80)
	s.LookupOrInsert(fwd, 10, 1, 0x02, base)
	s.LookupOrInsert(fwd.Reverse(), 10, 1, 0x01, base.Add(time.Second)) // one-sided FIN only

	n := s.ScanExpired(base.Add(2*time.Second), time.Hour, 0, func(r *Record) {})
	require.Equal(t, 0, n)
}

func TestRebuildPreservesRecords(t *testing.T) {
	s := NewShard(4, 0, true)
	now := time.Unix(1000, 0)

	s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1, 2), 10, 1, 0, now)
	s.LookupOrInsert(fp("10.0.0.3", "10.0.0.4", 1, 2), 10, 1, 0, now)
	require.Equal(t, 2, s.NumActive())

	s.Rebuild(64)
	require.Equal(t, 2, s.NumActive())

	r, inserted, _ := s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1, 2), 5, 1, 0, now)
	require.False(t, inserted)
	require.EqualValues(t, 2, r.PacketsSent)
}

func TestTableShardForIsStable(t *testing.T) {
	tbl := New(4, 16, 0, true)
	f := fp("10.0.0.1", "10.0.0.2", 1, 2)

	require.Same(t, tbl.ShardFor(f), tbl.ShardFor(f.Reverse()))
}
