package decoder

// LinkType identifies the link-layer framing of a captured frame, mirroring
// the pcap DLT_* constants for the subset of link types this decoder
// understands.
type LinkType int

const (
	// LinkTypeEthernet : DLT_EN10MB
	LinkTypeEthernet LinkType = iota
	// LinkTypeLinuxSLL : DLT_LINUX_SLL ("Linux any")
	LinkTypeLinuxSLL
	// LinkTypeRaw : DLT_RAW, no link header at all
	LinkTypeRaw
	// LinkTypeNull : DLT_NULL, BSD loopback with a 4 byte address-family header
	LinkTypeNull
	// LinkTypePPP : DLT_PPP
	LinkTypePPP
)

func (l LinkType) String() string {
	switch l {
	case LinkTypeEthernet:
		return "ethernet"
	case LinkTypeLinuxSLL:
		return "linux_sll"
	case LinkTypeRaw:
		return "raw"
	case LinkTypeNull:
		return "null"
	case LinkTypePPP:
		return "ppp"
	default:
		return "unknown"
	}
}

// EtherType / protocol constants relevant to the peeling logic below.
const (
	etherTypeIPv4       = 0x0800
	etherTypeIPv6       = 0x86DD
	etherTypeVLAN       = 0x8100
	etherTypeVLANQinQ   = 0x88A8
	etherTypeMPLSUnicst = 0x8847
	etherTypeMPLSMcast  = 0x8848
	etherTypePPPoESess  = 0x8864

	pppProtoIPv4 = 0x0021
	pppProtoIPv6 = 0x0057

	// BSD address families used in the DLT_NULL 4 byte header
	bsdAFInet  = 2
	bsdAFInet6 = 30
)

const (
	maxVLANTags  = 2  // one QinQ stack: outer + inner
	maxMPLSLabel = 10 // flow record MPLS label stack capacity
)
