package capture

import (
	"net/netip"
	"testing"

	"github.com/els0r/goProbe/v4/cmd/goProbe/config"
	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/els0r/goProbe/v4/pkg/decoder"
	"github.com/els0r/goProbe/v4/pkg/fragment"
	"github.com/stretchr/testify/require"
)

func newTestCapture(cfg config.CaptureConfig) *Capture {
	return &Capture{
		config:    cfg,
		fragments: fragment.New(),
		errMap:    make(ErrorMap),
	}
}

func fragmentedFingerprint() capturetypes.Fingerprint {
	return capturetypes.Fingerprint{
		IPVersion: 4,
		SrcAddr:   netip.MustParseAddr("10.0.0.1"),
		DstAddr:   netip.MustParseAddr("10.0.0.2"),
		L4Proto:   capturetypes.UDP,
	}
}

func TestReassembleFragmentDropsNonInitialFragmentWithNoEntry(t *testing.T) {
	c := newTestCapture(config.CaptureConfig{})

	d := decoder.Decoded{
		Fingerprint: fragmentedFingerprint(),
		NumBytes:    500,
		Fragment:    &decoder.Fragment{ID: 7, Offset: 185, MoreFrags: false, IHL: 20},
	}

	require.False(t, c.reassembleFragment(&d), "a non-initial fragment with no seeded entry must be dropped, not forwarded with zeroed ports")
}

func TestReassembleFragmentHoldsNonTerminalFragments(t *testing.T) {
	c := newTestCapture(config.CaptureConfig{})
	fp := fragmentedFingerprint()
	fp.SrcPort, fp.DstPort = 53000, 53

	initial := decoder.Decoded{
		Fingerprint: fp,
		NumBytes:    1480,
		Fragment:    &decoder.Fragment{ID: 9, Offset: 0, MoreFrags: true, IHL: 20},
	}
	require.False(t, c.reassembleFragment(&initial), "the initial fragment of a multi-fragment chain must not be forwarded yet")

	middle := decoder.Decoded{
		Fingerprint: fragmentedFingerprint(),
		NumBytes:    1480,
		Fragment:    &decoder.Fragment{ID: 9, Offset: 185, MoreFrags: true, IHL: 20},
	}
	require.False(t, c.reassembleFragment(&middle))
}

func TestReassembleFragmentForwardsOnceOnTerminalFragment(t *testing.T) {
	c := newTestCapture(config.CaptureConfig{})
	fp := fragmentedFingerprint()
	fp.SrcPort, fp.DstPort = 53000, 53

	initial := decoder.Decoded{
		Fingerprint: fp,
		NumBytes:    1480,
		Fragment:    &decoder.Fragment{ID: 11, Offset: 0, MoreFrags: true, IHL: 20},
	}
	require.False(t, c.reassembleFragment(&initial))

	terminal := decoder.Decoded{
		Fingerprint: fragmentedFingerprint(),
		NumBytes:    620,
		Fragment:    &decoder.Fragment{ID: 11, Offset: 185, MoreFrags: false, IHL: 20},
	}
	require.True(t, c.reassembleFragment(&terminal))
	require.EqualValues(t, 53000, terminal.Fingerprint.SrcPort, "the terminal fragment must recover the chain's transport ports")
	require.EqualValues(t, 2100, terminal.NumBytes, "the terminal fragment must carry the chain's accumulated length")
	require.EqualValues(t, 2, terminal.NumPackets)
}

func TestReassembleFragmentSmartUDPDropsNonInitialFragment(t *testing.T) {
	c := newTestCapture(config.CaptureConfig{SmartUDPFragments: true})

	d := decoder.Decoded{
		Fingerprint: fragmentedFingerprint(),
		Fragment:    &decoder.Fragment{ID: 3, Offset: 185, MoreFrags: false, IHL: 20},
	}
	require.False(t, c.reassembleFragment(&d))
}

func TestReassembleFragmentSmartUDPCreditsInitialFragment(t *testing.T) {
	c := newTestCapture(config.CaptureConfig{SmartUDPFragments: true})

	d := decoder.Decoded{
		Fingerprint:    fragmentedFingerprint(),
		UDPDatagramLen: 3000,
		Fragment:       &decoder.Fragment{ID: 5, Offset: 0, MoreFrags: true, IHL: 20},
	}
	require.True(t, c.reassembleFragment(&d))
	require.EqualValues(t, 3040, d.NumBytes)
	require.EqualValues(t, 2, d.NumPackets)
	require.Nil(t, d.Fragment)
}

func TestReassembleFragmentSmartUDPIgnoredForNonUDP(t *testing.T) {
	c := newTestCapture(config.CaptureConfig{SmartUDPFragments: true})
	fp := fragmentedFingerprint()
	fp.L4Proto = capturetypes.TCP

	d := decoder.Decoded{
		Fingerprint: fp,
		NumBytes:    100,
		Fragment:    &decoder.Fragment{ID: 4, Offset: 0, MoreFrags: true, IHL: 20},
	}
	require.False(t, c.reassembleFragment(&d), "smart UDP mode must not affect non-UDP fragment chains")
}
