package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/els0r/telemetry/logging"
)

// Config controls the emitter's packing, pacing and template behavior.
type Config struct {
	Version Version

	// Collectors are dispatched to round-robin, one datagram each turn,
	// unless Reflector is set (spec §4.6 "round-robin/reflector collector
	// dispatch").
	Collectors []*Collector

	// Reflector, when true, sends every datagram to all Collectors instead
	// of round-robin — mirroring traffic to multiple independent collector
	// fleets (spec §4.6).
	Reflector bool

	Template Template

	// MaxRecordsPerPacket bounds how many records one datagram carries.
	// For v5 this is clamped to 30; zero means "as many as fit" for
	// v9/IPFIX, i.e. a 1440 byte budget divided by the template's record
	// length.
	MaxRecordsPerPacket int

	// MinRecordsPerPacket delays sending until at least this many records
	// are queued; a smaller batch is requeued and retried on the next tick,
	// however long it has already waited. Zero disables batching delay.
	MinRecordsPerPacket int

	// SendInterval paces emission: at most one packet per collector is
	// sent within this interval, even if more records are queued.
	SendInterval time.Duration

	// TemplateRetransmitEvery resends the template set after this many
	// data packets, so a collector that joined late (or dropped a UDP
	// datagram) eventually recovers the template (v9/IPFIX only).
	TemplateRetransmitEvery int

	SourceID uint32
	Domain   uint32

	// Spool, if set, receives packets that could not be delivered to any
	// collector, for later replay instead of being dropped outright.
	Spool *Spool
}

// Emitter drains an export Queue and packs records onto the wire.
type Emitter struct {
	cfg       Config
	queue     *Queue
	bootTime  time.Time
	seq       uint32
	nextColl  int
	sincePush int
}

// NewEmitter returns an emitter bound to queue, using bootTime as the epoch
// NetFlow v5/v9's relative uptime fields are computed against.
func NewEmitter(queue *Queue, bootTime time.Time, cfg Config) *Emitter {
	if cfg.Version == VersionV5 && (cfg.MaxRecordsPerPacket == 0 || cfg.MaxRecordsPerPacket > v5MaxRecords) {
		cfg.MaxRecordsPerPacket = v5MaxRecords
	}
	if (cfg.Version == VersionV9 || cfg.Version == VersionIPFIX) && cfg.MaxRecordsPerPacket == 0 {
		if l := int(cfg.Template.RecordLength()); l > 0 {
			cfg.MaxRecordsPerPacket = 1440 / l
		}
	}
	return &Emitter{cfg: cfg, queue: queue, bootTime: bootTime}
}

// Run drains the queue and sends packets until ctx is cancelled or the
// queue is closed and drained.
func (e *Emitter) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(max(e.cfg.SendInterval, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		records, ok := e.queue.Drain(e.cfg.MaxRecordsPerPacket)
		if !ok {
			return
		}
		if len(records) == 0 {
			continue
		}
		if len(records) < e.cfg.MinRecordsPerPacket && e.queue.Len() == 0 {
			// Not enough to justify a packet yet and nothing more is
			// immediately available; requeue and wait for the next tick.
			for _, r := range records {
				e.queue.Push(r)
			}
			continue
		}

		if err := e.emit(records); err != nil {
			logger.Warn("export send failed", "err", err)
		}
	}
}

func (e *Emitter) emit(records []Record) error {
	now := time.Now()
	e.seq++

	var buf []byte
	switch e.cfg.Version {
	case VersionV5:
		buf, _ = EncodeV5(records, e.bootTime, now, e.seq)

	case VersionV9:
		sendTemplate := e.cfg.TemplateRetransmitEvery <= 0 || e.sincePush%e.cfg.TemplateRetransmitEvery == 0
		count := uint16(len(records))
		if sendTemplate {
			count++ // the template flowset carries one template record
		}
		buf = EncodeV9Header(buf, count, e.bootTime, now, e.seq, e.cfg.SourceID)
		if sendTemplate {
			buf = EncodeV9TemplateFlowSet(buf, e.cfg.Template)
		}
		buf = EncodeV9DataFlowSet(buf, e.cfg.Template, records, e.bootTime)

	case VersionIPFIX:
		sendTemplate := e.cfg.TemplateRetransmitEvery <= 0 || e.sincePush%e.cfg.TemplateRetransmitEvery == 0
		buf = EncodeIPFIXHeader(buf, 0, now, e.seq, e.cfg.Domain)
		if sendTemplate {
			buf = EncodeIPFIXTemplateSet(buf, e.cfg.Template)
		}
		buf = EncodeIPFIXDataSet(buf, e.cfg.Template, records, e.bootTime)
		patchUint16(buf, 2, uint16(len(buf)))
	}

	e.sincePush++
	return e.dispatch(buf)
}

// dispatch sends buf to either all collectors (reflector mode) or the next
// collector in round-robin order, spooling it to disk instead if it reached
// no collector and a spool is configured.
func (e *Emitter) dispatch(buf []byte) error {
	if len(e.cfg.Collectors) == 0 {
		return nil
	}
	if e.cfg.Reflector {
		return e.dispatchReflected(buf)
	}

	c := e.cfg.Collectors[e.nextColl]
	e.nextColl = (e.nextColl + 1) % len(e.cfg.Collectors)

	err := c.Send(buf)
	if err != nil && e.cfg.Spool != nil {
		if spoolErr := e.cfg.Spool.Write(buf); spoolErr != nil {
			return fmt.Errorf("send failed (%w) and spool failed: %w", err, spoolErr)
		}
		return nil
	}
	return err
}

// dispatchReflected sends buf to every configured collector, mirroring the
// exact same datagram rather than splitting load round-robin. A collector
// that fails to receive its copy doesn't stop delivery to the rest; the
// failures are joined and returned only after every collector has been
// tried, and the packet is spooled (once, if configured) only when every
// collector failed.
func (e *Emitter) dispatchReflected(buf []byte) error {
	var errs []error
	for _, c := range e.cfg.Collectors {
		if err := c.Send(buf); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	joined := errors.Join(errs...)
	if e.cfg.Spool != nil && len(errs) == len(e.cfg.Collectors) {
		if spoolErr := e.cfg.Spool.Write(buf); spoolErr != nil {
			return fmt.Errorf("send failed (%w) and spool failed: %w", joined, spoolErr)
		}
		return nil
	}
	return joined
}

func patchUint16(buf []byte, offset int, v uint16) {
	buf[offset] = byte(v >> 8)
	buf[offset+1] = byte(v)
}
