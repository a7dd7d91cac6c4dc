// Package queue implements the hand-off queues described in spec §4.3: one
// bounded, single-producer/single-consumer ring per worker thread, fed by
// hash(fingerprint) mod N routing from the packet decoder and drained by the
// sharded flow hash. A full queue drops the packet rather than blocking the
// capture path, counting the drop for the stats surface.
package queue

import (
	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/els0r/goProbe/v4/pkg/decoder"
	"github.com/fako1024/gotools/concurrency"
	"golang.org/x/sys/unix"
)

// pageSize rounds payload growth up to whole pages, keeping the pool's
// backing allocations friendly to the kernel's page allocator.
var pageSize = unix.Getpagesize()

func roundToPage(n int) int {
	if n <= 0 {
		return pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

// Packet is one hand-off queue slot: a fully decoded packet plus the
// auxiliary fields the consuming shard needs to build or update a flow
// record. Payload, if non-nil, is a slice owned by the queue's memory pool
// and must be returned via Queue.Release once the consumer is done with it.
type Packet struct {
	decoder.Decoded
	Errno   capturetypes.ParsingErrno
	Payload []byte
}

// Queue is a single bounded hand-off ring feeding one flow-hash shard.
// Payload snapshots are allocated from a shared memory pool so that
// steady-state operation performs no further allocation once warmed up.
type Queue struct {
	ch    chan *Packet
	pool  *concurrency.MemPool
	drops uint64
}

// New returns a queue with room for capacity in-flight packets, backed by a
// payload-snapshot pool of the same size.
func New(capacity int) *Queue {
	return &Queue{
		ch:   make(chan *Packet, capacity),
		pool: concurrency.NewMemPool(capacity),
	}
}

// NewPayload fetches a pooled byte slice for a payload snapshot of at least
// size bytes, growing the pool's backing allocation if required.
func (q *Queue) NewPayload(size int) []byte {
	buf := q.pool.Get()
	if cap(buf) < size {
		buf = make([]byte, roundToPage(size))
	}
	return buf[:size]
}

// Release returns pkt's payload snapshot (if any) to the pool. Must be
// called by the consumer exactly once, after the packet has been fully
// processed (e.g. handed to a plugin's on_packet callback).
func (q *Queue) Release(pkt *Packet) {
	if pkt.Payload != nil {
		q.pool.Put(pkt.Payload)
		pkt.Payload = nil
	}
}

// TryPut attempts to enqueue pkt without blocking. It returns false (and
// counts a drop) if the queue is full; the caller retains ownership of pkt
// in that case and should discard it (releasing its payload, if any).
func (q *Queue) TryPut(pkt *Packet) bool {
	select {
	case q.ch <- pkt:
		return true
	default:
		q.drops++
		return false
	}
}

// Get blocks until a packet is available or the channel is closed, in which
// case ok is false.
func (q *Queue) Get() (pkt *Packet, ok bool) {
	pkt, ok = <-q.ch
	return
}

// Close signals that no further packets will be enqueued; the consumer
// drains remaining buffered packets and then observes ok=false from Get.
func (q *Queue) Close() {
	close(q.ch)
}

// Drops returns the number of packets dropped so far because the queue was
// full. Only meaningful after the producer side is known to be quiescent,
// or as an approximate counter otherwise (no atomic needed: each queue has
// exactly one producer).
func (q *Queue) Drops() uint64 {
	return q.drops
}

// Len returns the number of packets currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}
