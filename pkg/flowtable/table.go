package flowtable

import "github.com/els0r/goProbe/v4/pkg/capture/capturetypes"

// Table owns one Shard per worker thread. The shard a fingerprint lives in
// is fixed at hash(fingerprint) mod N, matching the hand-off queue routing
// in pkg/queue so that a worker only ever touches the shard it owns.
type Table struct {
	shards []*Shard
}

// New builds a table of n shards, each with numBuckets buckets and a cap of
// maxActiveFlows live records. mergeEnabled is forwarded to every shard; see
// NewShard.
func New(n, numBuckets, maxActiveFlows int, mergeEnabled bool) *Table {
	shards := make([]*Shard, n)
	for i := range shards {
		shards[i] = NewShard(numBuckets, maxActiveFlows, mergeEnabled)
	}
	return &Table{shards: shards}
}

// ShardFor returns the shard responsible for fp. Selection is based on fp's
// canonical (direction-independent) form so that both directions of a flow
// are always routed to the same shard, matching the hand-off queue routing
// in pkg/queue.
func (t *Table) ShardFor(fp capturetypes.Fingerprint) *Shard {
	return t.shards[ShardHash(fp)%uint64(len(t.shards))]
}

// ShardHash returns the direction-independent hash used for both hand-off
// queue routing (pkg/queue.Router) and shard selection, so a single value
// computed once by the decoder can drive both.
func ShardHash(fp capturetypes.Fingerprint) uint64 {
	canon, _ := fp.Canonical()
	return canon.Hash()
}

// Shards returns all shards, in index order.
func (t *Table) Shards() []*Shard {
	return t.shards
}

// NumActive sums the active record count across every shard.
func (t *Table) NumActive() int {
	var total int
	for _, s := range t.shards {
		total += s.NumActive()
	}
	return total
}
