package export

import (
	"encoding/binary"
	"time"
)

const (
	ipfixVersion         = 10
	ipfixHeaderLen       = 16
	ipfixTemplateSetID   = 2
	enterpriseBit uint16 = 0x8000
)

// EncodeIPFIXHeader writes the 16 byte IPFIX message header. length is the
// total message length (header included) and must be patched in once the
// full message is assembled.
func EncodeIPFIXHeader(dst []byte, length uint16, now time.Time, seq, domainID uint32) []byte {
	hdr := make([]byte, ipfixHeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], ipfixVersion)
	binary.BigEndian.PutUint16(hdr[2:4], length)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(now.Unix()))
	binary.BigEndian.PutUint32(hdr[8:12], seq)
	binary.BigEndian.PutUint32(hdr[12:16], domainID)
	return append(dst, hdr...)
}

// EncodeIPFIXTemplateSet packs tmpl as an IPFIX Template Set (Set ID 2).
// Fields marked enterprise-scoped (the ntop L7_PROTO element) carry the
// enterprise bit plus a trailing 4 byte Private Enterprise Number, per
// RFC 7011 §3.2.
func EncodeIPFIXTemplateSet(dst []byte, tmpl Template) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], tmpl.ID)
	binary.BigEndian.PutUint16(body[2:4], uint16(len(tmpl.Fields)))

	for _, f := range tmpl.Fields {
		spec := fieldSpecs[f]
		fieldID := spec.v9FieldID
		recLen := 4
		if spec.enterprise {
			fieldID |= enterpriseBit
			recLen = 8
		}
		rec := make([]byte, recLen)
		binary.BigEndian.PutUint16(rec[0:2], fieldID)
		binary.BigEndian.PutUint16(rec[2:4], spec.length)
		if spec.enterprise {
			binary.BigEndian.PutUint32(rec[4:8], ntopEnterpriseID)
		}
		body = append(body, rec...)
	}

	setLen := 4 + len(body)
	header := make([]byte, 4)
	binary.BigEndian.PutUint16(header[0:2], ipfixTemplateSetID)
	binary.BigEndian.PutUint16(header[2:4], uint16(setLen))

	start := len(dst)
	dst = append(dst, header...)
	dst = append(dst, body...)
	return padTo4(dst, start)
}

// EncodeIPFIXDataSet packs records into an IPFIX Data Set keyed by
// tmpl.ID (Set IDs 256+ identify data sets by the template that describes
// them, same convention as v9).
func EncodeIPFIXDataSet(dst []byte, tmpl Template, records []Record, bootTime time.Time) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, 4)...)

	for _, r := range records {
		dst = encodeDataRecord(dst, tmpl, r, bootTime)
	}

	dst = padTo4(dst, start)
	binary.BigEndian.PutUint16(dst[start:start+2], tmpl.ID)
	binary.BigEndian.PutUint16(dst[start+2:start+4], uint16(len(dst)-start))
	return dst
}
