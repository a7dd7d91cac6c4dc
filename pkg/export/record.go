// Package export implements the export queue and emitter described in
// spec §4.6: flow records expired by the scan engine are packed into
// NetFlow v5, v9 or IPFIX datagrams and sent to one or more collectors.
package export

import (
	"time"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
)

// Record is the flattened, wire-agnostic representation of one expired flow,
// as handed from pkg/flowtable/pkg/scanner into the export queue.
type Record struct {
	Fingerprint capturetypes.Fingerprint

	FirstSeen time.Time
	LastSeen  time.Time

	PacketsSent uint64
	PacketsRcvd uint64
	BytesSent   uint64
	BytesRcvd   uint64

	TCPFlags uint8
}

// Version identifies the wire protocol an emitter packs records into.
type Version int

const (
	// VersionV5 is NetFlow v5 (fixed format, IPv4 only, no templates).
	VersionV5 Version = 5
	// VersionV9 is NetFlow v9 (template-driven).
	VersionV9 Version = 9
	// VersionIPFIX is IPFIX (RFC 7011, template-driven, enterprise fields).
	VersionIPFIX Version = 10
)
