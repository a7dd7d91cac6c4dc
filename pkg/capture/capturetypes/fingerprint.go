// Package capturetypes holds the types shared between the packet decoder,
// the fragment table, the hand-off queues and the sharded flow hash. None
// of these types carry synchronization of their own; ownership discipline
// is enforced by the packages that embed them.
package capturetypes

import (
	"fmt"
	"net/netip"

	"github.com/zeebo/xxh3"
)

// Enumeration of the IP protocols the decoder and flow hash treat specially.
// Values match their IANA protocol numbers.
const (
	ICMP   = 0x01 // ICMP : 1
	TCP    = 0x06 // TCP : 6
	UDP    = 0x11 // UDP : 17
	GRE    = 0x2F // GRE : 47
	ESP    = 0x32 // ESP : 50
	ICMPv6 = 0x3A // ICMPv6 : 58
)

// AggregationPolicy masks out individual fingerprint fields before they
// take part in the flow hash, per the CLI aggregation mask `v/p/i/P/t/a`.
type AggregationPolicy struct {
	MaskVLAN  bool // 'v': zero the VLAN ID
	MaskPort  bool // 'p': zero both source and destination ports
	MaskIface bool // 'i': zero the input interface index
	MaskProto bool // 'P': zero the L4 protocol
	MaskToS   bool // 't': zero the ToS / traffic class byte
	MaskAddr  bool // 'a': zero source and destination addresses (AS-level aggregation)
}

// Fingerprint is the tuple that identifies a flow record within a shard:
// (vlan_id, ip_version, src_addr, dst_addr, l4_proto, src_port, dst_port,
// tos, input_if, tunnel_id). Fingerprints are directional; Reverse swaps
// the endpoint-specific fields to enable bidirectional merging.
type Fingerprint struct {
	VLANID    uint16
	IPVersion uint8
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	L4Proto   uint8
	SrcPort   uint16
	DstPort   uint16
	ToS       uint8
	InputIf   uint32
	TunnelID  uint32
}

// Reverse returns the fingerprint with source and destination swapped. Used
// both for the reverse-key lookup during bidirectional merge and for
// canonicalizing a fingerprint's direction at flow creation time.
func (f Fingerprint) Reverse() Fingerprint {
	r := f
	r.SrcAddr, r.DstAddr = f.DstAddr, f.SrcAddr
	r.SrcPort, r.DstPort = f.DstPort, f.SrcPort
	return r
}

// Mask zeroes the fields excluded by the aggregation policy. It is applied
// once, at decode time, before the fingerprint ever reaches the flow hash.
func (f Fingerprint) Mask(p AggregationPolicy) Fingerprint {
	if p.MaskVLAN {
		f.VLANID = 0
	}
	if p.MaskPort {
		f.SrcPort, f.DstPort = 0, 0
	}
	if p.MaskIface {
		f.InputIf = 0
	}
	if p.MaskProto {
		f.L4Proto = 0
	}
	if p.MaskToS {
		f.ToS = 0
	}
	if p.MaskAddr {
		if f.SrcAddr.Is4() {
			f.SrcAddr = netip.IPv4Unspecified()
			f.DstAddr = netip.IPv4Unspecified()
		} else {
			f.DstAddr = netip.IPv6Unspecified()
			f.SrcAddr = netip.IPv6Unspecified()
		}
	}
	return f
}

// appendBytes serializes the fingerprint into dst in a stable, host-order
// layout suitable for hashing. Wire encoding is unrelated and always
// big-endian (see pkg/export); this layout only needs to be internally
// consistent and collision-free.
func (f Fingerprint) appendBytes(dst []byte) []byte {
	var buf [2]byte
	buf[0], buf[1] = byte(f.VLANID>>8), byte(f.VLANID)
	dst = append(dst, buf[0], buf[1], f.IPVersion)

	srcRaw := f.SrcAddr.As16()
	dstRaw := f.DstAddr.As16()
	dst = append(dst, srcRaw[:]...)
	dst = append(dst, dstRaw[:]...)

	dst = append(dst, f.L4Proto,
		byte(f.SrcPort>>8), byte(f.SrcPort),
		byte(f.DstPort>>8), byte(f.DstPort),
		f.ToS,
		byte(f.InputIf>>24), byte(f.InputIf>>16), byte(f.InputIf>>8), byte(f.InputIf),
		byte(f.TunnelID>>24), byte(f.TunnelID>>16), byte(f.TunnelID>>8), byte(f.TunnelID),
	)
	return dst
}

// Hash computes a 64 bit digest of the fingerprint used both for shard
// selection (hash mod N) and for bucket selection within a shard's chained
// hash table.
func (f Fingerprint) Hash() uint64 {
	var scratch [40]byte
	return xxh3.Hash(f.appendBytes(scratch[:0]))
}

// IsLowerAddressed reports whether the fingerprint's source endpoint
// compares less than its destination endpoint under (addr, port) ordering.
// Used as the deterministic tie-break for bidirectional merge: the
// lower-addressed endpoint is always recorded as the flow's source.
func (f Fingerprint) IsLowerAddressed() bool {
	if c := f.SrcAddr.Compare(f.DstAddr); c != 0 {
		return c < 0
	}
	return f.SrcPort < f.DstPort
}

// String renders the fingerprint as "src:port -> dst:port/proto", for debug
// output (see pkg/flowtable.Dump).
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%d", f.SrcAddr, f.SrcPort, f.DstAddr, f.DstPort, f.L4Proto)
}

// Canonical returns the fingerprint oriented so that the lower-addressed
// endpoint is the source, and reports whether it had to be reversed to get
// there.
func (f Fingerprint) Canonical() (canon Fingerprint, reversed bool) {
	if f.IsLowerAddressed() {
		return f, false
	}
	return f.Reverse(), true
}
