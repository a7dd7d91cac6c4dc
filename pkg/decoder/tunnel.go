package decoder

import "github.com/els0r/goProbe/v4/pkg/capture/capturetypes"

const (
	gtpUDPPort  = 2152
	gtpV1Flag   = 0x30 // version 1, protocol type GTP bits
	gtpMsgTPDU  = 0xFF
)

// peelTunnel detects and strips one level of GRE, GTP-U or IPSec-ESP
// encapsulation from the already-parsed outer packet. It returns the inner
// packet's fingerprint seed (only the fields derivable before the inner
// network header is parsed are populated; decodeNetwork fills the rest from
// innerPayload) and whether a tunnel was actually found.
//
// outerFP is the fully decoded outer fingerprint; payloadOffset locates the
// transport/tunnel payload within payload.
func peelTunnel(payload []byte, outerFP capturetypes.Fingerprint, payloadOffset uint16) (inner capturetypes.Fingerprint, innerPayload []byte, ok bool) {
	if int(payloadOffset) > len(payload) {
		return inner, nil, false
	}
	body := payload[payloadOffset:]

	switch outerFP.L4Proto {
	case capturetypes.GRE:
		return peelGRE(body)

	case capturetypes.UDP:
		if outerFP.DstPort == gtpUDPPort || outerFP.SrcPort == gtpUDPPort {
			return peelGTPU(body)
		}

	case capturetypes.ESP:
		return peelESP(body)
	}

	return inner, nil, false
}

// peelGRE strips a GRE header (RFC 2784: 4 byte base header, plus optional
// checksum/key/sequence words per the flag bits) and reports the ethertype
// of the encapsulated packet by handing the remainder back to decodeNetwork
// (which sniffs the version nibble itself, so only IP-in-GRE is supported).
func peelGRE(b []byte) (inner capturetypes.Fingerprint, innerPayload []byte, ok bool) {
	if len(b) < 4 {
		return inner, nil, false
	}
	flags := uint16(b[0])<<8 | uint16(b[1])
	hdrLen := 4
	if flags&0x8000 != 0 { // checksum present (+ reserved1, 4 bytes)
		hdrLen += 4
	}
	if flags&0x2000 != 0 { // key present
		hdrLen += 4
	}
	if flags&0x1000 != 0 { // sequence number present
		hdrLen += 4
	}
	if len(b) < hdrLen {
		return inner, nil, false
	}
	return capturetypes.Fingerprint{}, b[hdrLen:], true
}

// peelGTPU strips a GTPv1-U header (8 byte mandatory part, plus optional
// sequence/N-PDU/extension fields) from a T-PDU message and hands back the
// encapsulated IP packet.
func peelGTPU(b []byte) (inner capturetypes.Fingerprint, innerPayload []byte, ok bool) {
	if len(b) < 8 {
		return inner, nil, false
	}
	if b[0]&0xF0 != gtpV1Flag&0xF0 {
		return inner, nil, false
	}
	if b[1] != gtpMsgTPDU {
		return inner, nil, false
	}
	msgLen := uint16(b[2])<<8 | uint16(b[3])
	hdrLen := 8
	if b[0]&0x07 != 0 { // any of sequence/N-PDU/extension flags set
		hdrLen += 4
	}
	if len(b) < hdrLen || int(msgLen)+8 > len(b)+hdrLen-8 {
		return inner, nil, false
	}
	return capturetypes.Fingerprint{}, b[hdrLen:], true
}

// peelESP never reports a tunnel: it checks that the 8 byte ESP header (SPI
// + sequence number) is present but parses nothing beyond it, applies no
// auth-data length and does not record the SPI. ESP packets are therefore
// accounted on their outer 5-tuple.
func peelESP(b []byte) (inner capturetypes.Fingerprint, innerPayload []byte, ok bool) {
	if len(b) < 8 {
		return inner, nil, false
	}
	return inner, nil, false
}

// tunnelID derives a stable tunnel identifier from the outer fingerprint,
// used to distinguish flows riding over distinct tunnels that otherwise
// decode to the same inner 5-tuple (e.g. two GTP-U PDP contexts to the same
// destination).
func tunnelID(outer capturetypes.Fingerprint) uint32 {
	return uint32(outer.Hash())
}
