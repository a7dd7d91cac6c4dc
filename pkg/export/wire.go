package export

import (
	"encoding/binary"
	"time"
)

// encodeField writes one field's value for r into dst, which must be
// exactly fieldSpecs[ft].length bytes long. Shared between the v9 and IPFIX
// data record encoders: both use the same fixed-length field layout and
// differ only in their template/header framing.
func encodeField(dst []byte, ft FieldType, r Record, bootTime time.Time) {
	switch ft {
	case FieldSrcAddr:
		addr := r.Fingerprint.SrcAddr.As4()
		copy(dst, addr[:])
	case FieldDstAddr:
		addr := r.Fingerprint.DstAddr.As4()
		copy(dst, addr[:])
	case FieldSrcPort:
		binary.BigEndian.PutUint16(dst, r.Fingerprint.SrcPort)
	case FieldDstPort:
		binary.BigEndian.PutUint16(dst, r.Fingerprint.DstPort)
	case FieldProtocol:
		dst[0] = r.Fingerprint.L4Proto
	case FieldTOS:
		dst[0] = r.Fingerprint.ToS
	case FieldTCPFlags:
		dst[0] = r.TCPFlags
	case FieldPackets:
		binary.BigEndian.PutUint32(dst, uint32(r.PacketsSent+r.PacketsRcvd))
	case FieldBytes:
		binary.BigEndian.PutUint32(dst, uint32(r.BytesSent+r.BytesRcvd))
	case FieldFirstSwitched:
		binary.BigEndian.PutUint32(dst, uint32(r.FirstSeen.Sub(bootTime).Milliseconds()))
	case FieldLastSwitched:
		binary.BigEndian.PutUint32(dst, uint32(r.LastSeen.Sub(bootTime).Milliseconds()))
	case FieldInputSnmp:
		binary.BigEndian.PutUint16(dst, uint16(r.Fingerprint.InputIf))
	case FieldVlanID:
		binary.BigEndian.PutUint16(dst, r.Fingerprint.VLANID)
	case FieldL7Proto:
		// No DPI classifier is wired in; reported as unknown (0).
		binary.BigEndian.PutUint16(dst, 0)
	}
}

// encodeDataRecord packs one record according to tmpl's field order,
// appending to dst and returning the extended slice.
func encodeDataRecord(dst []byte, tmpl Template, r Record, bootTime time.Time) []byte {
	for _, f := range tmpl.Fields {
		spec := fieldSpecs[f]
		start := len(dst)
		dst = append(dst, make([]byte, spec.length)...)
		encodeField(dst[start:start+int(spec.length)], f, r, bootTime)
	}
	return dst
}
