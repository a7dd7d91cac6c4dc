package capturetypes

// ParsingErrno denotes a non-critical packet decode failure. Per §7 these are
// never fatal: the packet is silently discarded and the reason is counted.
type ParsingErrno int

const (
	// ErrnoOK : No Error
	ErrnoOK ParsingErrno = iota - 2

	// ErrnoPacketFragmentIgnore : packet fragment does not carry relevant information
	// (will be skipped as non-error, e.g. a non-initial fragment with no table entry)
	ErrnoPacketFragmentIgnore

	// ErrnoInvalidIPHeader : IP version nibble matched neither 4 nor 6
	ErrnoInvalidIPHeader

	// ErrnoPacketTruncated : packet too short / truncated before a required header
	ErrnoPacketTruncated

	// ErrnoUnknownEtherType : link-layer payload carried an EtherType the decoder
	// does not handle
	ErrnoUnknownEtherType

	// ErrnoUnsupportedLinkType : the capture source reported a DLT the decoder
	// has no demultiplexer for
	ErrnoUnsupportedLinkType

	// ErrnoMalformedTunnel : a tunnel header (GRE / GTP-U / ESP) failed validation
	ErrnoMalformedTunnel

	// NumParsingErrors : Number of tracked parsing errors
	NumParsingErrors
)

// ParsingErrnoNames maps a ParsingErrno to a string
var ParsingErrnoNames = [NumParsingErrors]string{
	"invalid IP header",
	"packet truncated",
	"unknown ethertype",
	"unsupported link type",
	"malformed tunnel header",
}

// String returns a string representation of the underlying ParsingErrno
func (e ParsingErrno) String() string {
	if e < ErrnoInvalidIPHeader || e >= NumParsingErrors {
		return "ok"
	}
	return ParsingErrnoNames[e-ErrnoInvalidIPHeader]
}

// ParsingFailed denotes if a ParsingErrno actually signifies that packet parsing failed
func (e ParsingErrno) ParsingFailed() bool {
	return e >= ErrnoInvalidIPHeader
}

// ParsingErrTracker is a table-based counter for every tracked decode failure
// reason, indexed by ParsingErrno. It satisfies the per-reason counters
// required by §7 ("Protocol malformed ... counter per reason").
type ParsingErrTracker [NumParsingErrors]int

// Count increments the counter for the given errno, ignoring ErrnoOK and
// ErrnoPacketFragmentIgnore (which are not failures).
func (e *ParsingErrTracker) Count(errno ParsingErrno) {
	if errno.ParsingFailed() {
		e[errno]++
	}
}

// Sum returns the sum of all errors currently tracked in the error table
func (e ParsingErrTracker) Sum() (res int) {
	for i := ErrnoInvalidIPHeader; i < NumParsingErrors; i++ {
		res += e[i]
	}
	return
}

// Reset resets all error counters in the error table (for reuse)
func (e *ParsingErrTracker) Reset() {
	for i := ErrnoInvalidIPHeader; i < NumParsingErrors; i++ {
		e[i] = 0
	}
}
