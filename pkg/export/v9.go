package export

import (
	"encoding/binary"
	"time"
)

const (
	v9Version        = 9
	v9HeaderLen      = 20
	v9TemplateFlowSetID = 0
)

// EncodeV9Header writes the 20 byte NetFlow v9 packet header. count is the
// total number of records (template + data) carried in the packet.
func EncodeV9Header(dst []byte, count uint16, bootTime, now time.Time, seq, sourceID uint32) []byte {
	hdr := make([]byte, v9HeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], v9Version)
	binary.BigEndian.PutUint16(hdr[2:4], count)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(now.Sub(bootTime).Milliseconds()))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(now.Unix()))
	binary.BigEndian.PutUint32(hdr[12:16], seq)
	binary.BigEndian.PutUint32(hdr[16:20], sourceID)
	return append(dst, hdr...)
}

// EncodeV9TemplateFlowSet packs tmpl as a v9 template FlowSet (FlowSet ID 0).
func EncodeV9TemplateFlowSet(dst []byte, tmpl Template) []byte {
	body := make([]byte, 4) // template ID + field count
	binary.BigEndian.PutUint16(body[0:2], tmpl.ID)
	binary.BigEndian.PutUint16(body[2:4], uint16(len(tmpl.Fields)))

	for _, f := range tmpl.Fields {
		spec := fieldSpecs[f]
		rec := make([]byte, 4)
		binary.BigEndian.PutUint16(rec[0:2], spec.v9FieldID)
		binary.BigEndian.PutUint16(rec[2:4], spec.length)
		body = append(body, rec...)
	}

	flowSetLen := 4 + len(body) // flowset ID + length field + body
	header := make([]byte, 4)
	binary.BigEndian.PutUint16(header[0:2], v9TemplateFlowSetID)
	binary.BigEndian.PutUint16(header[2:4], uint16(flowSetLen))

	dst = append(dst, header...)
	dst = append(dst, body...)
	return padTo4(dst, len(dst)-flowSetLen)
}

// EncodeV9DataFlowSet packs records (which must already be known to match
// tmpl) into a v9 data FlowSet keyed by tmpl.ID.
func EncodeV9DataFlowSet(dst []byte, tmpl Template, records []Record, bootTime time.Time) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, 4)...) // placeholder for flowset ID + length

	for _, r := range records {
		dst = encodeDataRecord(dst, tmpl, r, bootTime)
	}

	dst = padTo4(dst, start)

	binary.BigEndian.PutUint16(dst[start:start+2], tmpl.ID)
	binary.BigEndian.PutUint16(dst[start+2:start+4], uint16(len(dst)-start))
	return dst
}

// padTo4 zero-pads dst (whose relevant region began at flowSetStart) up to a
// 4 byte boundary, as required between FlowSets in v9/IPFIX.
func padTo4(dst []byte, flowSetStart int) []byte {
	n := len(dst) - flowSetStart
	if rem := n % 4; rem != 0 {
		dst = append(dst, make([]byte, 4-rem)...)
	}
	return dst
}
