package export

import "github.com/els0r/goProbe/v4/pkg/flowtable"

// QueueSink adapts a Queue to the pkg/scanner.Sink interface, converting
// each expired flowtable.Record into the wire-agnostic Record this package
// packs onto the network.
type QueueSink struct {
	Queue *Queue
}

// Export implements pkg/scanner.Sink.
func (s QueueSink) Export(_ int, rec *flowtable.Record) {
	s.Queue.Push(Record{
		Fingerprint: rec.Fingerprint,
		FirstSeen:   rec.FirstSeen,
		LastSeen:    rec.LastSeen,
		PacketsSent: rec.PacketsSent,
		PacketsRcvd: rec.PacketsRcvd,
		BytesSent:   rec.BytesSent,
		BytesRcvd:   rec.BytesRcvd,
		TCPFlags:    rec.TCPFlagsSent | rec.TCPFlagsRcvd,
	})
}
