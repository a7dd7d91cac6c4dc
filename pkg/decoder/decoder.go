// Package decoder implements the packet decoder described in spec §4.1: it
// parses link/network/transport headers from a raw captured frame, extracts
// the flow fingerprint and the metrics a flow record needs, and optionally
// peels one tunnel encapsulation layer. It never retains a reference to the
// input buffer past the call; all fixed-offset parsing is grounded on the
// manual byte-slicing approach used by the teacher's flow.go ParsePacket.
package decoder

import (
	"fmt"
	"net/netip"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
)

// ErrTruncated is returned (wrapped with offset context) whenever a header
// claims more bytes than the captured frame actually holds.
var ErrTruncated = fmt.Errorf("truncated packet")

// Config controls decoder behavior that depends on runtime configuration
// rather than the bytes on the wire.
type Config struct {
	// TunnelMode enables peeling of one GRE / GTP-U / ESP encapsulation layer.
	TunnelMode bool
	// ICMPPortSubstitution encodes (type, code) as (0, type*256+code) in the
	// fingerprint's port fields, per spec §3/§4.1.
	ICMPPortSubstitution bool
	// Aggregation is applied to the fingerprint before it is returned.
	Aggregation capturetypes.AggregationPolicy
}

// Fragment carries the IPv4 fragmentation fields the caller (normally the
// fragment table) needs; nil for non-fragmented / non-IPv4 packets.
type Fragment struct {
	ID       uint16
	Offset   uint16 // in 8-byte units, as on the wire
	MoreFrags bool
	IHL      uint8 // IPv4 header length in bytes
}

// Decoded is the decoder's output: a populated fingerprint plus the
// additional metrics a flow record accumulates.
type Decoded struct {
	Fingerprint capturetypes.Fingerprint

	// Untunneled holds the outer 5-tuple when tunnel mode peeled an
	// encapsulation layer; the Fingerprint field above then describes the
	// inner (post-tunnel) packet.
	Untunneled *capturetypes.Fingerprint

	NumBytes uint16

	// NumPackets is the number of packets this Decoded should credit a flow
	// with; always 1 except for the "smart UDP fragment" accounting
	// short-circuit (spec §4.2), which credits an unreassembled fragment
	// chain with 2 to approximate the packets it would otherwise have
	// produced.
	NumPackets uint16

	TCPFlags byte
	TCPSeq   uint32

	ICMPType byte
	ICMPCode byte

	// UDPDatagramLen is the wire-declared UDP length field (header + payload,
	// per RFC 768), independent of how many bytes were actually captured.
	// Used by the "smart UDP fragment" accounting short-circuit (spec §4.2),
	// which approximates a fragmented datagram's total size instead of
	// reassembling it.
	UDPDatagramLen uint16

	// PayloadOffset/PayloadLen describe the transport payload, for callers
	// that capture a bounded snapshot (spec §3, §6 payload export policy).
	PayloadOffset uint16
	PayloadLen    uint16

	MPLSLabels []uint32 // raw 20-bit labels, bottom-of-stack terminated

	Fragment *Fragment // set only for IPv4 packets carrying fragmentation info
}

// Decode parses a single captured frame of the given link type. On failure
// it returns a ParsingErrno describing why the packet was discarded;
// failures are never fatal (spec §7).
func Decode(linkType LinkType, frame []byte, cfg Config) (Decoded, capturetypes.ParsingErrno) {
	var d Decoded
	d.NumBytes = uint16(len(frame))
	d.NumPackets = 1

	payload, vlanID, errno := peelLinkLayer(linkType, frame)
	if errno != capturetypes.ErrnoOK {
		return d, errno
	}

	payload, mpls, errno := peelMPLS(payload)
	if errno != capturetypes.ErrnoOK {
		return d, errno
	}
	d.MPLSLabels = mpls

	errno = decodeNetwork(payload, &d, cfg)
	if errno != capturetypes.ErrnoOK {
		return d, errno
	}
	d.Fingerprint.VLANID = vlanID

	if cfg.TunnelMode && d.Fragment == nil {
		if inner, innerPayload, ok := peelTunnel(payload, d.Fingerprint, d.PayloadOffset); ok {
			outer := d.Fingerprint
			d.Untunneled = &outer
			d.Fingerprint = inner
			d.Fingerprint.TunnelID = tunnelID(outer)

			var innerD Decoded
			errno = decodeNetwork(innerPayload, &innerD, cfg)
			if errno == capturetypes.ErrnoOK {
				innerD.Fingerprint.TunnelID = d.Fingerprint.TunnelID
				innerD.Fingerprint.VLANID = vlanID
				innerD.Untunneled = d.Untunneled
				innerD.NumBytes = d.NumBytes
				innerD.NumPackets = d.NumPackets
				innerD.MPLSLabels = d.MPLSLabels
				d = innerD
			}
		}
	}

	d.Fingerprint = d.Fingerprint.Mask(cfg.Aggregation)
	return d, capturetypes.ErrnoOK
}

// peelLinkLayer strips the link-layer header for the given DLT, peeling any
// stacked 802.1Q tags and PPPoE session headers along the way, and returns
// the remaining payload plus the outermost VLAN ID (0 if none).
func peelLinkLayer(linkType LinkType, frame []byte) (payload []byte, vlanID uint16, errno capturetypes.ParsingErrno) {
	switch linkType {
	case LinkTypeRaw:
		return frame, 0, capturetypes.ErrnoOK

	case LinkTypeNull:
		if len(frame) < 4 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		// host-order 4 byte address family; only IPv4/IPv6 are of interest
		af := uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16 | uint32(frame[3])<<24
		if af != bsdAFInet && af != bsdAFInet6 {
			return nil, 0, capturetypes.ErrnoUnknownEtherType
		}
		return frame[4:], 0, capturetypes.ErrnoOK

	case LinkTypeLinuxSLL:
		if len(frame) < 16 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		etherType := uint16(frame[14])<<8 | uint16(frame[15])
		return peelEtherType(frame[16:], etherType)

	case LinkTypePPP:
		if len(frame) < 2 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		off := 0
		if frame[0] == 0xFF && len(frame) >= 4 && frame[1] == 0x03 {
			off = 2 // standard HDLC-like address/control bytes present
		}
		if len(frame) < off+2 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		proto := uint16(frame[off])<<8 | uint16(frame[off+1])
		switch proto {
		case pppProtoIPv4, pppProtoIPv6:
			return frame[off+2:], 0, capturetypes.ErrnoOK
		default:
			return nil, 0, capturetypes.ErrnoUnknownEtherType
		}

	case LinkTypeEthernet:
		if len(frame) < 14 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		etherType := uint16(frame[12])<<8 | uint16(frame[13])
		return peelEtherType(frame[14:], etherType)

	default:
		return nil, 0, capturetypes.ErrnoUnsupportedLinkType
	}
}

// peelEtherType consumes stacked 802.1Q/802.1ad tags and one PPPoE session
// header, returning the final payload and the outermost VLAN ID observed.
func peelEtherType(payload []byte, etherType uint16) ([]byte, uint16, capturetypes.ParsingErrno) {
	var outerVLAN uint16
	for tags := 0; tags < maxVLANTags && (etherType == etherTypeVLAN || etherType == etherTypeVLANQinQ); tags++ {
		if len(payload) < 4 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		vlanID := (uint16(payload[0])<<8 | uint16(payload[1])) & 0x0FFF
		if tags == 0 {
			outerVLAN = vlanID
		}
		etherType = uint16(payload[2])<<8 | uint16(payload[3])
		payload = payload[4:]
	}

	if etherType == etherTypePPPoESess {
		if len(payload) < 8 {
			return nil, 0, capturetypes.ErrnoPacketTruncated
		}
		pppProto := uint16(payload[6])<<8 | uint16(payload[7])
		payload = payload[8:]
		switch pppProto {
		case pppProtoIPv4, pppProtoIPv6:
			return payload, outerVLAN, capturetypes.ErrnoOK
		default:
			return nil, outerVLAN, capturetypes.ErrnoUnknownEtherType
		}
	}

	switch etherType {
	case etherTypeIPv4, etherTypeIPv6:
		return payload, outerVLAN, capturetypes.ErrnoOK
	case etherTypeMPLSUnicst, etherTypeMPLSMcast:
		// Re-tag so the caller's MPLS peeling step recognizes it; the
		// payload already starts at the label stack.
		return prependMPLSMarker(payload), outerVLAN, capturetypes.ErrnoOK
	default:
		return nil, outerVLAN, capturetypes.ErrnoUnknownEtherType
	}
}

// mplsMarker is an internal sentinel prefixed to a payload to tell
// peelMPLS it is looking at a label stack, not an IP header directly.
// Using a marker byte (rather than plumbing a bool through peelEtherType's
// callers) keeps peelLinkLayer's return signature uniform.
var mplsMarkerByte = byte(0xFF)

func prependMPLSMarker(payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = mplsMarkerByte
	copy(out[1:], payload)
	return out
}

// peelMPLS reads a (possibly absent) MPLS label stack, terminating on the
// bottom-of-stack bit, and returns the remaining IP payload.
func peelMPLS(payload []byte) ([]byte, []uint32, capturetypes.ParsingErrno) {
	if len(payload) == 0 || payload[0] != mplsMarkerByte {
		return payload, nil, capturetypes.ErrnoOK
	}
	payload = payload[1:]

	var labels []uint32
	for i := 0; i < maxMPLSLabel; i++ {
		if len(payload) < 4 {
			return nil, nil, capturetypes.ErrnoPacketTruncated
		}
		entry := uint32(payload[0])<<16 | uint32(payload[1])<<8 | uint32(payload[2])
		label := entry >> 4
		bottomOfStack := payload[2]&0x01 != 0
		labels = append(labels, label)
		payload = payload[4:]
		if bottomOfStack {
			break
		}
	}
	return payload, labels, capturetypes.ErrnoOK
}

// decodeNetwork parses the IPv4/IPv6 header (and, if present, the
// transport header) directly into d.
func decodeNetwork(payload []byte, d *Decoded, cfg Config) capturetypes.ParsingErrno {
	if len(payload) == 0 {
		return capturetypes.ErrnoPacketTruncated
	}

	versionNibble := payload[0] >> 4
	switch versionNibble {
	case 4:
		return decodeIPv4(payload, d, cfg)
	case 6:
		return decodeIPv6(payload, d, cfg)
	default:
		return capturetypes.ErrnoInvalidIPHeader
	}
}

func decodeIPv4(b []byte, d *Decoded, cfg Config) capturetypes.ParsingErrno {
	if len(b) < 20 {
		return capturetypes.ErrnoPacketTruncated
	}
	ihl := int(b[0]&0x0F) * 4
	if ihl < 20 || len(b) < ihl {
		return capturetypes.ErrnoPacketTruncated
	}

	tos := b[1]
	proto := b[9]
	srcAddr := netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
	dstAddr := netip.AddrFrom4([4]byte{b[16], b[17], b[18], b[19]})

	d.Fingerprint.IPVersion = 4
	d.Fingerprint.SrcAddr = srcAddr
	d.Fingerprint.DstAddr = dstAddr
	d.Fingerprint.L4Proto = proto
	d.Fingerprint.ToS = tos

	fragBits := (b[6] & 0xE0) >> 5
	fragOffset := (uint16(b[6]&0x1F) << 8) | uint16(b[7])
	moreFrags := fragBits&0x01 != 0

	if fragOffset != 0 || moreFrags {
		d.Fragment = &Fragment{
			ID:        uint16(b[4])<<8 | uint16(b[5]),
			Offset:    fragOffset,
			MoreFrags: moreFrags,
			IHL:       uint8(ihl),
		}
		if fragOffset != 0 {
			// Only the first fragment carries the transport header; §4.2
			// governs reassembly of the remaining bytes.
			return capturetypes.ErrnoOK
		}
	}

	return decodeTransport(b[ihl:], proto, d, cfg)
}

func decodeIPv6(b []byte, d *Decoded, cfg Config) capturetypes.ParsingErrno {
	const fixedHeaderLen = 40
	if len(b) < fixedHeaderLen {
		return capturetypes.ErrnoPacketTruncated
	}

	tos := (b[0]&0x0F)<<4 | (b[1] >> 4)
	nextHeader := b[6]
	srcAddr := netip.AddrFrom16([16]byte(b[8:24]))
	dstAddr := netip.AddrFrom16([16]byte(b[24:40]))

	d.Fingerprint.IPVersion = 6
	d.Fingerprint.SrcAddr = srcAddr
	d.Fingerprint.DstAddr = dstAddr
	d.Fingerprint.ToS = tos

	rest := b[fixedHeaderLen:]
	// Hop-by-hop extension header is skipped once, per spec §4.1.
	const hopByHop = 0
	if nextHeader == hopByHop {
		if len(rest) < 8 {
			return capturetypes.ErrnoPacketTruncated
		}
		nextHeader = rest[0]
		extLen := (int(rest[1]) + 1) * 8
		if len(rest) < extLen {
			return capturetypes.ErrnoPacketTruncated
		}
		rest = rest[extLen:]
	}

	d.Fingerprint.L4Proto = nextHeader
	return decodeTransport(rest, nextHeader, d, cfg)
}

func decodeTransport(b []byte, proto byte, d *Decoded, cfg Config) capturetypes.ParsingErrno {
	switch proto {
	case capturetypes.TCP:
		if len(b) < 20 {
			return capturetypes.ErrnoPacketTruncated
		}
		d.Fingerprint.SrcPort = uint16(b[0])<<8 | uint16(b[1])
		d.Fingerprint.DstPort = uint16(b[2])<<8 | uint16(b[3])
		d.TCPSeq = uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
		dataOffset := int(b[12]>>4) * 4
		d.TCPFlags = b[13]
		if dataOffset < 20 || len(b) < dataOffset {
			return capturetypes.ErrnoPacketTruncated
		}
		d.PayloadOffset = uint16(dataOffset)
		d.PayloadLen = uint16(len(b) - dataOffset)

	case capturetypes.UDP:
		if len(b) < 8 {
			return capturetypes.ErrnoPacketTruncated
		}
		d.Fingerprint.SrcPort = uint16(b[0])<<8 | uint16(b[1])
		d.Fingerprint.DstPort = uint16(b[2])<<8 | uint16(b[3])
		d.UDPDatagramLen = uint16(b[4])<<8 | uint16(b[5])
		d.PayloadOffset = 8
		d.PayloadLen = uint16(len(b) - 8)

	case capturetypes.ICMP:
		if len(b) < 8 {
			return capturetypes.ErrnoPacketTruncated
		}
		d.ICMPType, d.ICMPCode = b[0], b[1]
		d.PayloadOffset = 8
		d.PayloadLen = uint16(len(b) - 8)
		applyICMPPortSubstitution(d, cfg)

	case capturetypes.ICMPv6:
		// Per spec §9 open question: the ICMPv6 payload shift is treated as
		// "first 8 bytes of header", matching ICMPv4 rather than the
		// teacher's unexplained +64 placeholder.
		if len(b) < 8 {
			return capturetypes.ErrnoPacketTruncated
		}
		d.ICMPType, d.ICMPCode = b[0], b[1]
		d.PayloadOffset = 8
		d.PayloadLen = uint16(len(b) - 8)
		applyICMPPortSubstitution(d, cfg)

	default:
		// No transport layer we track ports/flags for (e.g. GRE, ESP); the
		// fingerprint is still valid on the IP 5-tuple alone.
	}
	return capturetypes.ErrnoOK
}

func applyICMPPortSubstitution(d *Decoded, cfg Config) {
	if !cfg.ICMPPortSubstitution {
		return
	}
	d.Fingerprint.SrcPort = 0
	d.Fingerprint.DstPort = uint16(d.ICMPType)*256 + uint16(d.ICMPCode)
}
