package flowtable

import (
	"sync"
	"time"
	"unsafe"

	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
)

// maxHashMutexes bounds the number of stripe locks used to guard a shard's
// bucket array, independent of the bucket count itself, per spec §4.4.
const maxHashMutexes = 64

// Shard is one independent chained hash table of flow Records, owned by a
// single worker thread's hand-off queue. All exported methods are safe for
// concurrent use by the scan/expiry walker running alongside the owning
// worker, but a Shard is not meant to be shared across workers.
type Shard struct {
	buckets []*Record
	mutexes []sync.Mutex

	numActive int
	maxActive int

	// mergeEnabled gates the reverse-direction bucket search in
	// LookupOrInsert (spec §4.4 bidirectional merge). Always false under
	// NetFlow v5, which is inherently unidirectional.
	mergeEnabled bool
}

// NewShard returns a shard with numBuckets buckets, enforcing at most
// maxActiveFlows live records (0 means unlimited). mergeEnabled controls
// whether traffic observed in either direction of a fingerprint is folded
// into one bidirectional record, or kept as two independent unidirectional
// records.
func NewShard(numBuckets, maxActiveFlows int, mergeEnabled bool) *Shard {
	nMutexes := numBuckets
	if nMutexes > maxHashMutexes {
		nMutexes = maxHashMutexes
	}
	if nMutexes < 1 {
		nMutexes = 1
	}
	return &Shard{
		buckets:      make([]*Record, numBuckets),
		mutexes:      make([]sync.Mutex, nMutexes),
		maxActive:    maxActiveFlows,
		mergeEnabled: mergeEnabled,
	}
}

func (s *Shard) bucketIndex(hash uint64) int {
	return int(hash % uint64(len(s.buckets)))
}

func (s *Shard) stripeFor(bucketIdx int) *sync.Mutex {
	return &s.mutexes[bucketIdx%len(s.mutexes)]
}

// LookupOrInsert finds the Record matching fp or (when merging is enabled)
// its reverse, merging the packet's contribution into whichever direction
// was found (spec §4.4 bidirectional merge). If no match exists and the
// shard is below its active-flow cap, a new Record is created canonically
// oriented (lower address as source, per capturetypes.Fingerprint.Canonical
// when merging, or exactly as observed otherwise) and inserted.
//
// inserted reports whether a new Record was created; full reports that the
// shard was at capacity and the packet could not be accounted for at all.
func (s *Shard) LookupOrInsert(fp capturetypes.Fingerprint, numBytes, numPackets uint16, tcpFlags uint8, now time.Time) (rec *Record, inserted, full bool) {
	fwdHash := fp.Hash()
	fwdIdx := s.bucketIndex(fwdHash)

	if !s.mergeEnabled {
		stripe := s.stripeFor(fwdIdx)
		stripe.Lock()
		defer stripe.Unlock()

		if r := findInBucket(s.buckets[fwdIdx], fp); r != nil {
			r.touch(numBytes, numPackets, tcpFlags, false, now)
			return r, false, false
		}
		if s.maxActive > 0 && s.numActive >= s.maxActive {
			return nil, false, true
		}
		r := &Record{Fingerprint: fp}
		r.touch(numBytes, numPackets, tcpFlags, false, now)
		r.next = s.buckets[fwdIdx]
		s.buckets[fwdIdx] = r
		s.numActive++
		return r, true, false
	}

	revHash := fp.Reverse().Hash()
	revIdx := s.bucketIndex(revHash)

	// Lock the lower stripe index first, always, to avoid lock-order
	// inversion when fwdIdx and revIdx hash to different stripes.
	s1, s2 := s.stripeFor(fwdIdx), s.stripeFor(revIdx)
	if s1 != s2 {
		if uintptr(unsafe.Pointer(s1)) > uintptr(unsafe.Pointer(s2)) { // #nosec G103
			s1, s2 = s2, s1
		}
		s1.Lock()
		defer s1.Unlock()
		s2.Lock()
		defer s2.Unlock()
	} else {
		s1.Lock()
		defer s1.Unlock()
	}

	if r := findInBucket(s.buckets[fwdIdx], fp); r != nil {
		r.touch(numBytes, numPackets, tcpFlags, false, now)
		return r, false, false
	}
	if r := findInBucket(s.buckets[revIdx], fp.Reverse()); r != nil {
		r.touch(numBytes, numPackets, tcpFlags, true, now)
		return r, false, false
	}

	if s.maxActive > 0 && s.numActive >= s.maxActive {
		return nil, false, true
	}

	canon, reversed := fp.Canonical()
	r := &Record{Fingerprint: canon}
	r.touch(numBytes, numPackets, tcpFlags, reversed, now)

	idx := s.bucketIndex(canon.Hash())
	r.next = s.buckets[idx]
	s.buckets[idx] = r
	s.numActive++

	return r, true, false
}

func findInBucket(head *Record, fp capturetypes.Fingerprint) *Record {
	for r := head; r != nil; r = r.next {
		if r.Fingerprint == fp {
			return r
		}
	}
	return nil
}

// ScanExpired walks every bucket, removing and returning records that are
// idle past idleTimeout, older than maxLifetime, or whose TCP connection has
// terminated (spec §4.4, immediate expiry on FIN/FIN or RST). The callback
// runs with that bucket's stripe locked, so it must not call back into the
// shard.
func (s *Shard) ScanExpired(now time.Time, idleTimeout, maxLifetime time.Duration, fn func(*Record)) (expired int) {
	for i := range s.buckets {
		stripe := s.stripeFor(i)
		stripe.Lock()
		var prev *Record
		for r := s.buckets[i]; r != nil; {
			next := r.next
			if r.Idle(now, idleTimeout) || r.Expired(now, maxLifetime) || r.Terminated() {
				if prev == nil {
					s.buckets[i] = next
				} else {
					prev.next = next
				}
				s.numActive--
				expired++
				r.next = nil
				fn(r)
			} else {
				prev = r
			}
			r = next
		}
		stripe.Unlock()
	}
	return expired
}

// NumActive returns the current number of live records in the shard.
func (s *Shard) NumActive() int {
	return s.numActive
}

// Walk calls fn for every live record in the shard, one bucket's stripe
// locked at a time. fn must not call back into the shard.
func (s *Shard) Walk(fn func(*Record)) {
	for i := range s.buckets {
		stripe := s.stripeFor(i)
		stripe.Lock()
		for r := s.buckets[i]; r != nil; r = r.next {
			fn(r)
		}
		stripe.Unlock()
	}
}

// Rebuild reallocates the shard's bucket array to newNumBuckets, rehashing
// every live record. Used when the configured hash table size changes at
// runtime (spec §4.4 "optional hash rebuild"). Callers must ensure no
// concurrent LookupOrInsert/ScanExpired calls are in flight.
func (s *Shard) Rebuild(newNumBuckets int) {
	old := s.buckets
	s.buckets = make([]*Record, newNumBuckets)
	for _, head := range old {
		for r := head; r != nil; {
			next := r.next
			idx := s.bucketIndex(r.Fingerprint.Hash())
			r.next = s.buckets[idx]
			s.buckets[idx] = r
			r = next
		}
	}
}
