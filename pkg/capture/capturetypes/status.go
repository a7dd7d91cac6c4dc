package capturetypes

// State enumerates the activity states of a capture
type State byte

const (
	// StateInitializing means that the capture is setting up
	StateInitializing State = iota + 1
	// StateCapturing means that the capture is actively capturing packets
	StateCapturing
	// StateClose means that the capture is fully terminating and it's held resources are
	// cleaned up
	StateClosing
	// StateError means that the capture has hit the error threshold on the interface (set by ErrorThreshold)
	StateError
)

func (cs State) String() string {
	switch cs {
	case StateInitializing:
		return "initializing"
	case StateCapturing:
		return "capturing"
	case StateClosing:
		return "closing"
	case StateError:
		return "inError"
	default:
		return "unknown"
	}
}

// CaptureStats stores the packet statistics of one interface's capture
// source, as reported by the underlying pcap handle.
type CaptureStats struct {
	PacketsReceived int `json:"packets_received"`
	PacketsDropped  int `json:"packets_dropped"`
}

// InterfaceStatus stores both a capture's state and its statistics
type InterfaceStatus struct {
	State State        `json:"state"`
	Stats CaptureStats `json:"stats"`
}

// Sub subtracts b's counters from a's in place. Used to compute the delta
// since the last scan cycle / rotation without an extra allocation.
func Sub(a, b *CaptureStats) {
	if a == nil || b == nil {
		return
	}
	a.PacketsReceived -= b.PacketsReceived
	a.PacketsDropped -= b.PacketsDropped
}
