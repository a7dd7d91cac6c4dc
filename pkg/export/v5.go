package export

import (
	"encoding/binary"
	"time"
)

const (
	v5HeaderLen     = 24
	v5RecordLen     = 48
	v5MaxRecords    = 30
	v5Version       = 5
)

// EncodeV5 packs up to v5MaxRecords IPv4 records into a single NetFlow v5
// datagram. Records beyond the cap are silently left for the next call;
// bootTime anchors the SysUptime field and seq is the exporter's running
// flow sequence number (count of flows exported so far, per RFC spec).
func EncodeV5(records []Record, bootTime, now time.Time, seq uint32) (buf []byte, consumed int) {
	n := len(records)
	if n > v5MaxRecords {
		n = v5MaxRecords
	}

	buf = make([]byte, v5HeaderLen+n*v5RecordLen)
	binary.BigEndian.PutUint16(buf[0:2], v5Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	binary.BigEndian.PutUint32(buf[4:8], uint32(now.Sub(bootTime).Milliseconds()))
	binary.BigEndian.PutUint32(buf[8:12], uint32(now.Unix()))
	binary.BigEndian.PutUint32(buf[12:16], uint32(now.Nanosecond()))
	binary.BigEndian.PutUint32(buf[16:20], seq)
	// engine type, engine ID, sampling interval left at zero

	for i := 0; i < n; i++ {
		r := records[i]
		off := v5HeaderLen + i*v5RecordLen

		src4 := r.Fingerprint.SrcAddr.As4()
		dst4 := r.Fingerprint.DstAddr.As4()
		copy(buf[off:off+4], src4[:])
		copy(buf[off+4:off+8], dst4[:])
		// next hop left at 0.0.0.0

		binary.BigEndian.PutUint16(buf[off+12:off+14], uint16(r.Fingerprint.InputIf))
		// output interface left at 0

		packets := r.PacketsSent + r.PacketsRcvd
		bytes := r.BytesSent + r.BytesRcvd
		binary.BigEndian.PutUint32(buf[off+16:off+20], uint32(packets))
		binary.BigEndian.PutUint32(buf[off+20:off+24], uint32(bytes))
		binary.BigEndian.PutUint32(buf[off+24:off+28], uint32(r.FirstSeen.Sub(bootTime).Milliseconds()))
		binary.BigEndian.PutUint32(buf[off+28:off+32], uint32(r.LastSeen.Sub(bootTime).Milliseconds()))

		binary.BigEndian.PutUint16(buf[off+32:off+34], r.Fingerprint.SrcPort)
		binary.BigEndian.PutUint16(buf[off+34:off+36], r.Fingerprint.DstPort)
		// pad1 at off+36

		buf[off+37] = r.TCPFlags
		buf[off+38] = r.Fingerprint.L4Proto
		buf[off+39] = r.Fingerprint.ToS
		// src_as, dst_as, src_mask, dst_mask, pad2 left at zero
	}

	return buf, n
}
