package queue

// Router fans packets out across a fixed set of hand-off queues, one per
// flow-hash shard/worker thread, using hash(fingerprint) mod N so that every
// packet belonging to a given flow (in either direction's canonical form) is
// always routed to the same shard.
type Router struct {
	queues []*Queue
}

// NewRouter builds a router over n freshly allocated queues, each with the
// given per-queue capacity.
func NewRouter(n, capacity int) *Router {
	qs := make([]*Queue, n)
	for i := range qs {
		qs[i] = New(capacity)
	}
	return &Router{queues: qs}
}

// Queues returns the underlying per-shard queues, in shard-index order.
func (r *Router) Queues() []*Queue {
	return r.queues
}

// Route dispatches pkt to the queue selected by fingerprintHash mod N,
// returning false if that queue was full (the packet was dropped).
func (r *Router) Route(fingerprintHash uint64, pkt *Packet) bool {
	idx := fingerprintHash % uint64(len(r.queues))
	return r.queues[idx].TryPut(pkt)
}

// CloseAll closes every underlying queue, signalling shutdown to all
// consumers.
func (r *Router) CloseAll() {
	for _, q := range r.queues {
		q.Close()
	}
}

// TotalDrops sums the drop counters across all queues.
func (r *Router) TotalDrops() uint64 {
	var total uint64
	for _, q := range r.queues {
		total += q.Drops()
	}
	return total
}
