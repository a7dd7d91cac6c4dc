/////////////////////////////////////////////////////////////////////////////////
//
// capture_manager.go
//
// Written by Lorenz Breidenbach lob@open.ch,
//            Lennart Elsen lel@open.ch, December 2015
// Copyright (c) 2015 Open Systems AG, Switzerland
// All Rights Reserved.
//
/////////////////////////////////////////////////////////////////////////////////

package capture

import (
	"context"
	"sync"
	"time"

	"github.com/els0r/goProbe/v4/cmd/goProbe/config"
	"github.com/els0r/goProbe/v4/pkg/flowtable"
	"github.com/els0r/goProbe/v4/pkg/fragment"
	"github.com/els0r/goProbe/v4/pkg/queue"
	"github.com/els0r/goProbe/v4/pkg/stats"
	"github.com/els0r/telemetry/logging"
)

const (
	// MaxIfaces is the maximum number of interfaces we can monitor
	MaxIfaces = 1024
)

// Manager manages a set of Capture instances, one per monitored interface,
// all of which route decoded packets into a single shared flow hash via a
// shared Router. The flow hash's shard count (and therefore the worker pool
// size draining it) is independent of the number of interfaces.
type Manager struct {
	sync.Mutex
	captures map[string]*ManagedCapture

	table     *flowtable.Table
	router    *queue.Router
	fragments *fragment.Table
	counters  *stats.Counters

	ctx context.Context
}

// ManagedCapture pairs a running Capture with the CancelFunc that tears it
// down.
type ManagedCapture struct {
	capture *Capture
	cancel  context.CancelFunc
}

// NewManager creates a new Manager backed by a freshly allocated flow hash
// of numShards shards (numBuckets chained buckets each) and a Router of the
// same shard count feeding it. mergeEnabled controls whether the flow hash
// folds both directions of a fingerprint into one record.
func NewManager(ctx context.Context, numShards, numBuckets, queueCapacity, maxActiveFlows int, mergeEnabled bool) *Manager {
	return &Manager{
		captures:  make(map[string]*ManagedCapture),
		table:     flowtable.New(numShards, numBuckets, maxActiveFlows, mergeEnabled),
		router:    queue.NewRouter(numShards, queueCapacity),
		fragments: fragment.New(),
		counters:  &stats.Counters{},
		ctx:       ctx,
	}
}

// Table returns the shared flow hash, for wiring into a scanner.
func (cm *Manager) Table() *flowtable.Table { return cm.table }

// Router returns the shared hand-off router, for wiring into the worker
// pool that drains it into the flow hash.
func (cm *Manager) Router() *queue.Router { return cm.router }

// Counters returns the manager's shared packet/flow/drop counters, for
// wiring into the worker pool that accumulates into them and the status API
// that reports them.
func (cm *Manager) Counters() *stats.Counters { return cm.counters }

func (cm *Manager) enable(ifaces map[string]config.CaptureConfig) {
	var rg RunGroup

	for iface, cfg := range ifaces {
		if cm.captureExists(iface) {
			mc, cfg := cm.getCapture(iface), cfg
			rg.Run(func() {
				mc.capture.Update(cfg)
			})
		} else {
			// the parent context is background: cancellation of a parent
			// context shouldn't propagate through and stop the capture, the
			// manager solely decides when it should be stopped
			capCtx, cancel := context.WithCancel(context.Background())

			cap := NewCapture(capCtx, iface, cfg, cm.router, cm.fragments)

			cm.setCapture(iface, &ManagedCapture{capture: cap, cancel: cancel})

			logging.FromContext(cap.ctx).Info("added interface to capture list")

			cap.Run()
		}
	}
	rg.Wait()
}

// EnableAll attempts to enable all existing managed Capture instances.
func (cm *Manager) EnableAll() {
	var rg RunGroup

	cm.Lock()
	for _, mc := range cm.captures {
		mc := mc
		rg.Run(func() {
			mc.capture.Enable()
		})
	}
	cm.Unlock()

	rg.Wait()
}

func (cm *Manager) getCapture(iface string) *ManagedCapture {
	cm.Lock()
	c := cm.captures[iface]
	cm.Unlock()

	return c
}

func (cm *Manager) setCapture(iface string, mc *ManagedCapture) {
	cm.Lock()
	cm.captures[iface] = mc
	cm.Unlock()
}

func (cm *Manager) delCapture(iface string) {
	cm.Lock()
	delete(cm.captures, iface)
	cm.Unlock()
}

func (cm *Manager) captureExists(iface string) bool {
	cm.Lock()
	_, exists := cm.captures[iface]
	cm.Unlock()

	return exists
}

func (cm *Manager) capturesCopy() map[string]*ManagedCapture {
	copyMap := make(map[string]*ManagedCapture, len(cm.captures))

	cm.Lock()
	for iface, mc := range cm.captures {
		copyMap[iface] = mc
	}
	cm.Unlock()

	return copyMap
}

// Update brings the set of monitored interfaces in line with ifaces: new
// interfaces are started, interfaces with a changed configuration are
// re-initialized, and interfaces no longer present are stopped and removed.
func (cm *Manager) Update(ifaces config.Ifaces) {
	logger := logging.FromContext(cm.ctx)
	t0 := time.Now()

	ifaceSet := make(map[string]struct{}, len(ifaces))
	for iface := range ifaces {
		ifaceSet[iface] = struct{}{}
	}

	var disableIfaces []string
	cm.Lock()
	for iface := range cm.captures {
		if _, exists := ifaceSet[iface]; !exists {
			disableIfaces = append(disableIfaces, iface)
		}
	}
	cm.Unlock()

	var rg RunGroup
	rg.Run(func() {
		cm.enable(ifaces)
	})
	rg.Wait()

	for _, iface := range disableIfaces {
		iface, mc := iface, cm.getCapture(iface)
		rg.Run(func() {
			mc.cancel()
			cm.delCapture(iface)
			logging.FromContext(mc.capture.ctx).Info("deleted interface from capture list")
		})
	}
	rg.Wait()

	logger.Debug("updated interface list", "elapsed", time.Since(t0).Round(time.Millisecond).String())
}

// Status returns the statuses of all interfaces provided in the arguments,
// or of every managed interface if none are given.
func (cm *Manager) Status(ifaces ...string) map[string]Status {
	var mu sync.Mutex
	statusmap := make(map[string]Status)

	var rg RunGroup
	cmCopy := cm.capturesCopy()

	targets := ifaces
	if len(targets) == 0 {
		targets = make([]string, 0, len(cmCopy))
		for iface := range cmCopy {
			targets = append(targets, iface)
		}
	}

	for _, iface := range targets {
		iface := iface
		mc, exists := cmCopy[iface]
		if !exists {
			continue
		}
		rg.Run(func() {
			status := mc.capture.Status()
			mu.Lock()
			statusmap[iface] = status
			mu.Unlock()
		})
	}
	rg.Wait()

	return statusmap
}

// ErrorsAll returns the error maps of all managed Capture instances.
func (cm *Manager) ErrorsAll() map[string]ErrorMap {
	var mu sync.Mutex
	errormap := make(map[string]ErrorMap)

	var rg RunGroup
	for iface, mc := range cm.capturesCopy() {
		iface, mc := iface, mc
		rg.Run(func() {
			errs := mc.capture.Errors()
			mu.Lock()
			errormap[iface] = errs
			mu.Unlock()
		})
	}
	rg.Wait()

	return errormap
}

// ActiveFlows returns the number of flow records currently active across
// the shared flow hash, independent of which interface they arrived on.
func (cm *Manager) ActiveFlows() int {
	return cm.table.NumActive()
}

// CloseAll closes and deletes all Capture instances managed by the Manager,
// then closes the shared router so downstream workers observe shutdown.
func (cm *Manager) CloseAll() {
	logger := logging.Logger()
	t0 := time.Now()

	var rg RunGroup
	for _, mc := range cm.capturesCopy() {
		mc := mc
		rg.Run(func() {
			mc.cancel()
		})
	}

	cm.Lock()
	cm.captures = make(map[string]*ManagedCapture)
	cm.Unlock()

	rg.Wait()
	cm.router.CloseAll()

	logger.Debug("closed all captures", "elapsed", time.Since(t0).Round(time.Millisecond).String())
}
