package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/stretchr/testify/require"
)

func ethHeader(etherType uint16) []byte {
	b := make([]byte, 14)
	binary.BigEndian.PutUint16(b[12:], etherType)
	return b
}

func ipv4Header(proto byte, tos byte, fragOff uint16, moreFrags bool) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	b[1] = tos
	flags := fragOff
	if moreFrags {
		flags |= 0x2000
	}
	binary.BigEndian.PutUint16(b[6:], flags)
	b[8] = 64
	b[9] = proto
	copy(b[12:16], []byte{10, 0, 0, 1})
	copy(b[16:20], []byte{10, 0, 0, 2})
	return b
}

func udpHeader(sport, dport uint16, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(b[0:], sport)
	binary.BigEndian.PutUint16(b[2:], dport)
	binary.BigEndian.PutUint16(b[4:], uint16(len(b)))
	copy(b[8:], payload)
	return b
}

func tcpHeader(sport, dport uint16, flags byte) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint16(b[0:], sport)
	binary.BigEndian.PutUint16(b[2:], dport)
	b[12] = 5 << 4
	b[13] = flags
	return b
}

func TestDecodeEthernetIPv4TCP(t *testing.T) {
	frame := append(ethHeader(etherTypeIPv4), ipv4Header(capturetypes.TCP, 0, 0, false)...)
	frame = append(frame, tcpHeader(1234, 443, 0x02)...)

	d, errno := Decode(LinkTypeEthernet, frame, Config{})
	require.Equal(t, capturetypes.ErrnoOK, errno)
	require.Equal(t, uint8(4), d.Fingerprint.IPVersion)
	require.Equal(t, capturetypes.TCP, d.Fingerprint.L4Proto)
	require.EqualValues(t, 1234, d.Fingerprint.SrcPort)
	require.EqualValues(t, 443, d.Fingerprint.DstPort)
	require.Equal(t, byte(0x02), d.TCPFlags)
}

func TestDecodeVLANTaggedUDP(t *testing.T) {
	eth := make([]byte, 18)
	binary.BigEndian.PutUint16(eth[12:], etherTypeVLAN)
	binary.BigEndian.PutUint16(eth[14:], 100) // VLAN ID 100
	binary.BigEndian.PutUint16(eth[16:], etherTypeIPv4)

	frame := append(eth, ipv4Header(capturetypes.UDP, 0, 0, false)...)
	frame = append(frame, udpHeader(53000, 53, nil)...)

	d, errno := Decode(LinkTypeEthernet, frame, Config{})
	require.Equal(t, capturetypes.ErrnoOK, errno)
	require.EqualValues(t, 100, d.Fingerprint.VLANID)
	require.EqualValues(t, 53, d.Fingerprint.DstPort)
}

func TestDecodeRawIPv4Fragment(t *testing.T) {
	frame := ipv4Header(capturetypes.UDP, 0, 40, true) // offset != 0 -> non-initial fragment

	d, errno := Decode(LinkTypeRaw, frame, Config{})
	require.Equal(t, capturetypes.ErrnoOK, errno)
	require.NotNil(t, d.Fragment)
	require.EqualValues(t, 40, d.Fragment.Offset)
	require.True(t, d.Fragment.MoreFrags)
	// Non-initial fragment: no transport header available yet.
	require.Zero(t, d.Fingerprint.DstPort)
}

func TestDecodeTruncatedEthernetFrame(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x02}
	_, errno := Decode(LinkTypeEthernet, frame, Config{})
	require.Equal(t, capturetypes.ErrnoPacketTruncated, errno)
}

func TestDecodeUnknownEtherType(t *testing.T) {
	frame := ethHeader(0x1234)
	_, errno := Decode(LinkTypeEthernet, frame, Config{})
	require.Equal(t, capturetypes.ErrnoUnknownEtherType, errno)
}

func TestDecodeICMPPortSubstitution(t *testing.T) {
	icmp := make([]byte, 8)
	icmp[0], icmp[1] = 8, 0 // echo request

	frame := append(ethHeader(etherTypeIPv4), ipv4Header(capturetypes.ICMP, 0, 0, false)...)
	frame = append(frame, icmp...)

	d, errno := Decode(LinkTypeEthernet, frame, Config{ICMPPortSubstitution: true})
	require.Equal(t, capturetypes.ErrnoOK, errno)
	require.Zero(t, d.Fingerprint.SrcPort)
	require.EqualValues(t, 8*256, d.Fingerprint.DstPort)
}

func TestDecodeAggregationMasking(t *testing.T) {
	frame := append(ethHeader(etherTypeIPv4), ipv4Header(capturetypes.TCP, 0, 0, false)...)
	frame = append(frame, tcpHeader(1234, 443, 0x02)...)

	d, errno := Decode(LinkTypeEthernet, frame, Config{
		Aggregation: capturetypes.AggregationPolicy{MaskPort: true},
	})
	require.Equal(t, capturetypes.ErrnoOK, errno)
	require.Zero(t, d.Fingerprint.SrcPort)
	require.Zero(t, d.Fingerprint.DstPort)
}

func TestDecodeMPLSUnicast(t *testing.T) {
	eth := make([]byte, 18)
	binary.BigEndian.PutUint16(eth[12:], etherTypeMPLSUnicst)
	label := uint32(100) << 4
	label |= 0x01 // bottom of stack
	eth[14] = byte(label >> 16)
	eth[15] = byte(label >> 8)
	eth[16] = byte(label)
	eth[17] = 64 // TTL

	frame := append(eth, ipv4Header(capturetypes.UDP, 0, 0, false)...)
	frame = append(frame, udpHeader(1, 2, nil)...)

	d, errno := Decode(LinkTypeEthernet, frame, Config{})
	require.Equal(t, capturetypes.ErrnoOK, errno)
	require.Len(t, d.MPLSLabels, 1)
	require.EqualValues(t, 100, d.MPLSLabels[0])
}
