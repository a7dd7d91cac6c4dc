// Package flowtable implements the sharded flow hash described in spec
// §4.4: N independent shards, one per worker thread, each a chained hash
// table of Records guarded by a striped set of mutexes. Records merge
// bidirectional traffic deterministically and are promoted to the export
// queue by the scan/expiry engine in pkg/scanner.
package flowtable

import (
	"time"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TCP flag bits, as laid out in the TCP header's flags octet.
const (
	tcpFlagFIN uint8 = 0x01
	tcpFlagRST uint8 = 0x04
)

// Record is one flow: traffic observed for a single (possibly merged,
// bidirectional) fingerprint since it was first seen. Once a record has
// been handed off to the export queue it is treated as immutable by the
// shard that owned it.
type Record struct {
	Fingerprint capturetypes.Fingerprint

	FirstSeen time.Time
	LastSeen  time.Time

	PacketsSent uint64
	PacketsRcvd uint64
	BytesSent   uint64
	BytesRcvd   uint64

	// TCPFlagsSent/TCPFlagsRcvd are the OR of every TCP flags octet observed
	// in each direction, kept separate so Terminated can tell a genuine
	// two-way FIN close from a single direction merely retransmitting FIN
	// (spec §4.4 "TCP termination: both directions have observed FIN").
	TCPFlagsSent uint8
	TCPFlagsRcvd uint8

	// Plugins holds the intrusive (plugin_id, data) list attached at
	// creation time by every registered plugin's OnCreate hook.
	Plugins []PluginData

	next *Record // chaining within a shard bucket
}

// PluginData is one plugin's private per-flow state, keyed by the plugin's
// registered ID (see pkg/plugin).
type PluginData struct {
	PluginID int
	Data     any
}

// touch updates the record with one observed packet, crediting numPackets
// packets (normally 1; the "smart UDP fragment" accounting shortcut in
// pkg/capture credits an unreassembled fragment chain with 2, per spec
// §4.2). isReverse indicates the packet matched the record's fingerprint
// only after reversal (i.e. it is traveling from the record's destination
// to its source).
func (r *Record) touch(numBytes uint16, numPackets uint16, tcpFlags uint8, isReverse bool, now time.Time) {
	if r.FirstSeen.IsZero() || now.Before(r.FirstSeen) {
		r.FirstSeen = now
	}
	if now.After(r.LastSeen) {
		r.LastSeen = now
	}
	if numPackets == 0 {
		numPackets = 1
	}

	if isReverse {
		r.TCPFlagsRcvd |= tcpFlags
		r.PacketsRcvd += uint64(numPackets)
		r.BytesRcvd += uint64(numBytes)
	} else {
		r.TCPFlagsSent |= tcpFlags
		r.PacketsSent += uint64(numPackets)
		r.BytesSent += uint64(numBytes)
	}
}

// Terminated reports whether the TCP connection this record describes has
// closed: either direction sent RST, or both directions have been observed
// sending FIN. Per spec §4.4 a terminated flow becomes idle immediately,
// ahead of the regular idle timeout. Always false for non-TCP records,
// since neither flags field is ever set for them.
func (r *Record) Terminated() bool {
	if r.TCPFlagsSent&tcpFlagRST != 0 || r.TCPFlagsRcvd&tcpFlagRST != 0 {
		return true
	}
	return r.TCPFlagsSent&tcpFlagFIN != 0 && r.TCPFlagsRcvd&tcpFlagFIN != 0
}

// recordSnapshot is the wire shape of a Record exposed via the stats/debug
// endpoints. It excludes the intrusive next pointer and plugin payloads,
// which are opaque outside their owning plugin.
type recordSnapshot struct {
	Fingerprint capturetypes.Fingerprint `json:"fingerprint"`
	FirstSeen   time.Time                `json:"first_seen"`
	LastSeen    time.Time                `json:"last_seen"`
	PacketsSent uint64                   `json:"packets_sent"`
	PacketsRcvd uint64                   `json:"packets_rcvd"`
	BytesSent   uint64                   `json:"bytes_sent"`
	BytesRcvd   uint64                   `json:"bytes_rcvd"`
	TCPFlags    uint8                    `json:"tcp_flags"`
}

// MarshalJSON implements the jsoniter.Marshaler interface.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordSnapshot{
		Fingerprint: r.Fingerprint,
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
		PacketsSent: r.PacketsSent,
		PacketsRcvd: r.PacketsRcvd,
		BytesSent:   r.BytesSent,
		BytesRcvd:   r.BytesRcvd,
		TCPFlags:    r.TCPFlagsSent | r.TCPFlagsRcvd,
	})
}

// Idle reports whether the record has had no activity for longer than
// idleTimeout, relative to now.
func (r *Record) Idle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(r.LastSeen) > idleTimeout
}

// Expired reports whether the record has existed longer than maxLifetime,
// relative to now, regardless of idle activity. A zero maxLifetime disables
// the lifetime cap.
func (r *Record) Expired(now time.Time, maxLifetime time.Duration) bool {
	return maxLifetime > 0 && now.Sub(r.FirstSeen) > maxLifetime
}
