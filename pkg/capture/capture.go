/////////////////////////////////////////////////////////////////////////////////
//
// capture.go
//
// Written by Lorenz Breidenbach lob@open.ch, December 2015
// Copyright (c) 2015 Open Systems AG, Switzerland
// All Rights Reserved.
//
/////////////////////////////////////////////////////////////////////////////////

package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/els0r/goProbe/v4/cmd/goProbe/config"
	"github.com/els0r/goProbe/v4/pkg/capture/capturetypes"
	"github.com/els0r/goProbe/v4/pkg/decoder"
	"github.com/els0r/goProbe/v4/pkg/flowtable"
	"github.com/els0r/goProbe/v4/pkg/fragment"
	"github.com/els0r/goProbe/v4/pkg/queue"
	"github.com/els0r/telemetry/logging"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"log/slog"
)

const (
	// ErrorThreshold is the maximum amount of consecutive errors that can occur on an interface before capturing is halted.
	ErrorThreshold = 10000
)

//////////////////////// Ancillary types ////////////////////////

// ErrorMap stores all encountered decode/capture errors and their number of occurrence
type ErrorMap map[string]int

// String prints the errors that occurred during capturing
func (e ErrorMap) String() string {
	var errs = make([]string, len(e))

	i := 0
	for err, count := range e {
		errs[i] = fmt.Sprintf("%s (%d)", err, count)
		i++
	}
	sort.Slice(errs, func(i, j int) bool {
		return errs[i] < errs[j]
	})
	return strings.Join(errs, "; ")
}

// Stats stores the packet statistics of the capture, reported relative to
// the last reset.
type Stats struct {
	capturetypes.CaptureStats
	PacketsLogged int `json:"packets_logged"`
}

// Status stores both the capture's state and statistics
type Status struct {
	State capturetypes.State `json:"state"`
	Stats Stats               `json:"stats"`
}

//////////////////////// capture commands ////////////////////////

// captureCommand is an interface implemented by all capture commands. A
// capture command is sent to the process() of a Capture over the Capture's
// cmdChan. The captureCommand's execute() method is then executed by
// process() (and in process()'s goroutine).
type captureCommand interface {
	execute(c *Capture) stateFn
}

type captureCommandStatus struct{ returnChan chan<- Status }
type captureCommandErrors struct{ returnChan chan<- ErrorMap }

func (cmd captureCommandStatus) execute(c *Capture) stateFn {
	cmd.returnChan <- Status{
		State: c.state,
		Stats: Stats{
			CaptureStats:  c.tryGetCaptureStats(),
			PacketsLogged: c.packetsLogged,
		},
	}
	return nil
}

func (cmd captureCommandErrors) execute(c *Capture) stateFn {
	cmd.returnChan <- c.errMap
	return nil
}

type capturecommandEnable struct{}

func (cmd capturecommandEnable) execute(c *Capture) stateFn {
	return initializing
}

type captureCommandUpdate struct {
	config config.CaptureConfig
	done   context.CancelFunc
}

func (cmd captureCommandUpdate) execute(c *Capture) stateFn {
	defer cmd.done()

	logger := logging.FromContext(c.ctx)

	if c.needReinitialization(cmd.config) {
		logger.Info("interface received updated configuration")

		c.reset()
		c.config = cmd.config

		return initializing
	}
	return nil
}

// Capture captures packets on a given network interface, decodes them and
// routes them into the shared flow hash. For each Capture, a goroutine is
// spawned at creation time. To avoid leaking this goroutine, be sure to
// call Close() when you're done with a Capture.
//
// Each Capture is a finite state machine. Each capture is associated with a
// network interface when created; this interface can never be changed.
// All public methods of Capture are threadsafe.
type Capture struct {
	iface string
	mutex sync.Mutex

	closed bool
	state  capturetypes.State

	config config.CaptureConfig

	cmdChan       chan captureCommand
	captureErrors chan error

	packetsLogged int

	captureHandle *pcap.Handle
	linkType      decoder.LinkType

	router    *queue.Router
	fragments *fragment.Table

	errMap   ErrorMap
	errCount int

	ctx context.Context
}

// NewCapture creates a new Capture associated with the given iface, routing
// decoded packets into router (shared across every interface, per spec
// §4.4's "one shard per worker thread", independent of interface count).
func NewCapture(ctx context.Context, iface string, cfg config.CaptureConfig, router *queue.Router, fragments *fragment.Table) *Capture {
	capCtx := logging.WithFields(ctx, slog.String("iface", iface))

	return &Capture{
		iface:         iface,
		config:        cfg,
		cmdChan:       make(chan captureCommand),
		captureErrors: make(chan error),
		router:        router,
		fragments:     fragments,
		errMap:        make(ErrorMap),
		ctx:           capCtx,
	}
}

// stateFn enables the implementation of the state machine
type stateFn func(*Capture) stateFn

func (c *Capture) setState(s capturetypes.State) {
	c.state = s
	c.ctx = logging.WithFields(c.ctx, slog.String("state", s.String()))
	logging.FromContext(c.ctx).Debug("interface state transition")
}

// Run spawns the capture state machine
func (c *Capture) Run() {
	go func() {
		if c.closed {
			logging.FromContext(c.ctx).Error("unable to run closed capture")
			return
		}
		for state := initializing; state != nil; {
			state = state(c)
		}
	}()
}

func initializing(c *Capture) stateFn {
	c.setState(capturetypes.StateInitializing)
	logger := logging.FromContext(c.ctx)
	logger.Info("initializing capture")

	inactive, err := pcap.NewInactiveHandle(c.iface)
	if err != nil {
		logger.Error("failed to create packet source", "err", err)
		return inError
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(c.config.Snaplen); err != nil {
		logger.Error("failed to set snaplen", "err", err)
		return inError
	}
	if err := inactive.SetPromisc(c.config.Promisc); err != nil {
		logger.Error("failed to set promiscuous mode", "err", err)
		return inError
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		logger.Error("failed to set capture timeout", "err", err)
		return inError
	}
	if c.config.BPFFilter != "" {
		// applied post-activation below, pcap requires a live handle
	}

	handle, err := inactive.Activate()
	if err != nil {
		logger.Error("failed to activate packet source", "err", err)
		return inError
	}
	if c.config.BPFFilter != "" {
		if err := handle.SetBPFFilter(c.config.BPFFilter); err != nil {
			logger.Error("failed to set capture filter", "err", err)
			handle.Close()
			return inError
		}
	}

	c.captureHandle = handle
	c.linkType = linkTypeFor(handle.LinkType())

	return capturing
}

// linkTypeFor maps a gopacket/pcap DLT to the decoder's LinkType enum,
// defaulting to Ethernet for any DLT not explicitly handled.
func linkTypeFor(lt layers.LinkType) decoder.LinkType {
	switch lt.String() {
	case "Linux SLL":
		return decoder.LinkTypeLinuxSLL
	case "Raw IP":
		return decoder.LinkTypeRaw
	case "Null", "Loopback":
		return decoder.LinkTypeNull
	case "PPP":
		return decoder.LinkTypePPP
	default:
		return decoder.LinkTypeEthernet
	}
}

func capturing(c *Capture) stateFn {
	c.setState(capturetypes.StateCapturing)
	logger := logging.FromContext(c.ctx)
	logger.Info("capturing packets")

	go c.process()

	for {
		select {
		case <-c.ctx.Done():
			return closing
		case cmd := <-c.cmdChan:
			switch cmd.(type) {
			case capturecommandEnable:
				continue
			default:
				if nextState := cmd.execute(c); nextState != nil {
					return nextState
				}
			}
		case err := <-c.captureErrors:
			logger.Error("capture error", "err", err)
			return inError
		}
	}
}

func inError(c *Capture) stateFn {
	c.setState(capturetypes.StateError)
	logging.FromContext(c.ctx).Info("waiting for configuration update to re-initialize")

	for {
		select {
		case <-c.ctx.Done():
			return closing
		case cmd := <-c.cmdChan:
			if nextState := cmd.execute(c); nextState != nil {
				return nextState
			}
		}
	}
}

func closing(c *Capture) stateFn {
	c.setState(capturetypes.StateClosing)
	c.reset()

	close(c.cmdChan)
	c.closed = true

	if c.captureHandle != nil {
		c.captureHandle.Close()
		c.captureHandle = nil
	}

	return nil
}

func (c *Capture) reset() {
	logger := logging.FromContext(c.ctx)
	if c.captureHandle != nil {
		logger.Info("closing capture handle")
		c.captureHandle.Close()
	}
	c.errMap = make(ErrorMap)
}

// process is the heart of the Capture: it reads packets from the handle,
// decodes them and routes them to the shared flow hash via the router.
func (c *Capture) process() {
	logger := logging.FromContext(c.ctx)
	c.errCount = 0

	for {
		data, _, err := c.captureHandle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, pcap.ErrNotActive) {
				return
			}
			c.captureErrors <- fmt.Errorf("capture error: %w", err)
			return
		}

		if err := c.handlePacket(data); err != nil {
			c.errCount++
			c.errMap[err.Error()]++
			if c.errCount > ErrorThreshold {
				c.captureErrors <- fmt.Errorf("the last %d packets could not be decoded: [%s]", ErrorThreshold, c.errMap.String())
				return
			}
			continue
		}
		c.errCount = 0
		c.packetsLogged++
	}
	_ = logger
}

func (c *Capture) handlePacket(data []byte) error {
	d, errno := decoder.Decode(c.linkType, data, decoder.Config{
		TunnelMode:           c.config.TunnelMode,
		ICMPPortSubstitution: c.config.ICMPPortSubstitution,
		Aggregation:          c.config.Aggregation,
	})
	if errno.ParsingFailed() {
		return fmt.Errorf("%s", errno.String())
	}

	if d.Fragment != nil && !c.reassembleFragment(&d) {
		return nil
	}

	pkt := &queue.Packet{Decoded: d, Errno: errno}
	hash := flowtable.ShardHash(d.Fingerprint)
	c.router.Route(hash, pkt)
	return nil
}

// reassembleFragment folds one IPv4 fragment into the in-progress chain for
// its (src, dst, identification) and reports whether d should be forwarded
// to the flow hash now.
//
// Per spec §4.2, the initial fragment (offset zero) seeds the chain's
// entry with the real transport header; later fragments only accumulate
// length and packet count onto it and are never individually forwarded. A
// non-initial fragment that arrives with no seeded entry cannot be
// assigned to a flow and is dropped (capturetypes.ErrnoPacketFragmentIgnore
// describes exactly this case). Only the terminal fragment (MF=0) is
// forwarded, carrying the chain's accumulated totals.
//
// When SmartUDPFragments is enabled, UDP fragments skip reassembly
// entirely: non-initial fragments are dropped outright, and the initial
// fragment is forwarded immediately, credited with an approximation of the
// datagram's total size (ip_payload_len + 2*ip_header_len) and a packet
// count of two — the same accounting shortcut the original exporter offers
// as an alternative to full reassembly.
func (c *Capture) reassembleFragment(d *decoder.Decoded) (forward bool) {
	src, dst, id := d.Fingerprint.SrcAddr, d.Fingerprint.DstAddr, d.Fragment.ID
	now := time.Now()

	if c.config.SmartUDPFragments && d.Fingerprint.L4Proto == capturetypes.UDP {
		if d.Fragment.Offset != 0 {
			return false
		}
		d.NumBytes = uint16(uint32(d.UDPDatagramLen) + 2*uint32(d.Fragment.IHL))
		d.NumPackets = 2
		d.Fragment = nil
		return true
	}

	if d.Fragment.Offset == 0 {
		c.fragments.Seed(src, dst, id, now, d.Fingerprint.SrcPort, d.Fingerprint.DstPort, d.Fingerprint.L4Proto, uint32(d.NumBytes))
	} else if !c.fragments.Accumulate(src, dst, id, uint32(d.NumBytes)) {
		return false
	}

	if d.Fragment.MoreFrags {
		return false
	}

	entry, ok := c.fragments.Remove(src, dst, id)
	if !ok {
		return false
	}
	if entry.HasPorts {
		d.Fingerprint.SrcPort = entry.SrcPort
		d.Fingerprint.DstPort = entry.DstPort
		d.Fingerprint.L4Proto = entry.L4Proto
	}
	d.NumBytes = uint16(entry.AccumulatedLen)
	d.NumPackets = uint16(entry.FragPackets)
	return true
}

//////////////////////// utilities ////////////////////////

func (c *Capture) needReinitialization(config config.CaptureConfig) bool {
	return c.config != config
}

func (c *Capture) tryGetCaptureStats() capturetypes.CaptureStats {
	logger := logging.FromContext(c.ctx)

	if c.captureHandle == nil {
		return capturetypes.CaptureStats{}
	}
	stats, err := c.captureHandle.Stats()
	if err != nil {
		logger.Error("failed to get capture stats", "err", err)
		return capturetypes.CaptureStats{}
	}
	return capturetypes.CaptureStats{
		PacketsReceived: stats.PacketsReceived,
		PacketsDropped:  stats.PacketsDropped,
	}
}

//////////////////////// public functions ////////////////////////

// Enable instructs the capture to initialize itself. This command has no
// effect if the capture is already running.
func (c *Capture) Enable() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		logging.FromContext(c.ctx).Error("cannot enable closed capture")
		return
	}
	c.cmdChan <- capturecommandEnable{}
}

// Status returns the current State as well as the statistics collected
// since the capture was last (re-)initialized.
func (c *Capture) Status() (result Status) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		logging.FromContext(c.ctx).Error("cannot get status of closed capture")
		return
	}

	ch := make(chan Status, 1)
	c.cmdChan <- captureCommandStatus{ch}
	return <-ch
}

// Errors implements the status call to return all interface errors
func (c *Capture) Errors() (result ErrorMap) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		logging.FromContext(c.ctx).Error("cannot get status of closed capture")
		return
	}

	ch := make(chan ErrorMap, 1)
	c.cmdChan <- captureCommandErrors{ch}
	return <-ch
}

// Update will attempt to put the Capture instance back into the capturing
// state with the given config. If the Capture is already active with the
// given config, Update does no work.
func (c *Capture) Update(config config.CaptureConfig) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		logging.FromContext(c.ctx).Error("cannot update closed capture")
		return
	}

	updateCtx, done := context.WithCancel(c.ctx)
	c.cmdChan <- captureCommandUpdate{config, done}
	<-updateCtx.Done()
}
