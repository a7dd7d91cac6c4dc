package fragment

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeedCreatesEntryWithPorts(t *testing.T) {
	tbl := New()
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Seed(src, dst, 42, now, 53000, 53, 0x11, 1400)

	e, found := tbl.Remove(src, dst, 42)
	require.True(t, found)
	require.True(t, e.HasPorts)
	require.EqualValues(t, 53000, e.SrcPort)
	require.EqualValues(t, 53, e.DstPort)
	require.EqualValues(t, 1400, e.AccumulatedLen)
	require.EqualValues(t, 1, e.FragPackets)
	require.Equal(t, now, e.FirstSeen)
}

func TestAccumulateRequiresExistingEntry(t *testing.T) {
	tbl := New()
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	found := tbl.Accumulate(src, dst, 7, 500)
	require.False(t, found, "a non-initial fragment with no seeded entry must report not found")
}

func TestAccumulateFoldsIntoSeededEntry(t *testing.T) {
	tbl := New()
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	now := time.Unix(1000, 0)

	tbl.Seed(src, dst, 7, now, 53000, 53, 0x11, 1400)
	found := tbl.Accumulate(src, dst, 7, 1400)
	require.True(t, found)

	e, ok := tbl.Remove(src, dst, 7)
	require.True(t, ok)
	require.EqualValues(t, 2800, e.AccumulatedLen)
	require.EqualValues(t, 2, e.FragPackets)
}

func TestRemoveReportsAbsentEntry(t *testing.T) {
	tbl := New()
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	_, found := tbl.Remove(src, dst, 1)
	require.False(t, found)
}

func TestPurgeRemovesExpiredEntries(t *testing.T) {
	tbl := New()
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	base := time.Unix(1000, 0)

	tbl.Seed(src, dst, 1, base, 1, 2, 0x11, 100)
	tbl.Seed(src, dst, 2, base.Add(25*time.Second), 1, 2, 0x11, 100)

	purged := tbl.Purge(base.Add(31 * time.Second))
	require.Equal(t, 1, purged)

	purged = tbl.Purge(base.Add(56 * time.Second))
	require.Equal(t, 1, purged)
}
