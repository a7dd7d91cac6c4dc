package flowtable

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/stretchr/testify/require"
)

func TestRecordMarshalJSON(t *testing.T) {
	r := &Record{
		Fingerprint: fp("10.0.0.1", "10.0.0.2", 1234, 80),
		FirstSeen:   time.Unix(1000, 0).UTC(),
		LastSeen:    time.Unix(1010, 0).UTC(),
		PacketsSent: 3,
		BytesSent:   300,
	}

	b, err := r.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(b), `"packets_sent":3`)
	require.Contains(t, string(b), `"bytes_sent":300`)
}

func TestRecordMarshalJSONCombinesTCPFlags(t *testing.T) {
	r := &Record{
		Fingerprint:  fp("10.0.0.1", "10.0.0.2", 1234, 80),
		TCPFlagsSent: 0x02,
		TCPFlagsRcvd: 0x10,
	}

	b, err := r.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(b), `"tcp_flags":18`)
}

func TestRecordTerminatedOnBothDirectionsFIN(t *testing.T) {
	r := &Record{TCPFlagsSent: 0x01, TCPFlagsRcvd: 0x01}
	require.True(t, r.Terminated())
}

func TestRecordTerminatedOnEitherRST(t *testing.T) {
	require.True(t, (&Record{TCPFlagsSent: 0x04}).Terminated())
	require.True(t, (&Record{TCPFlagsRcvd: 0x04}).Terminated())
}

func TestRecordNotTerminatedOnOneSidedFIN(t *testing.T) {
	r := &Record{TCPFlagsSent: 0x01}
	require.False(t, r.Terminated())
}

func TestShardWalkVisitsAllLiveRecords(t *testing.T) {
	s := NewShard(16, 0, true)
	now := time.Unix(1000, 0)

	_, _, _ = s.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1234, 80), 10, 1, 0, now)
	_, _, _ = s.LookupOrInsert(fp("10.0.0.3", "10.0.0.4", 1234, 80), 10, 1, 0, now)

	var seen int
	s.Walk(func(*Record) { seen++ })
	require.Equal(t, 2, seen)
}

func TestDumpRendersActiveRecords(t *testing.T) {
	table := New(1, 16, 0, true)
	now := time.Unix(1000, 0)

	shard := table.ShardFor(fp("10.0.0.1", "10.0.0.2", 1234, 80))
	_, _, _ = shard.LookupOrInsert(fp("10.0.0.1", "10.0.0.2", 1234, 80), 10, 1, 0, now)

	var buf bytes.Buffer
	Dump(&buf, table)
	require.Contains(t, buf.String(), "10.0.0.1")
}

func TestFingerprintString(t *testing.T) {
	f := capturetypes.Fingerprint{
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		DstAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 1234,
		DstPort: 80,
		L4Proto: capturetypes.TCP,
	}
	require.Equal(t, "10.0.0.1:1234 -> 10.0.0.2:80/6", f.String())
}
