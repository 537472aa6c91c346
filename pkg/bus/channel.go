// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"fmt"
	"sync"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// Config carries the controller restrictions read at channel
// registration.
type Config struct {
	Name       string
	MaxDevices int  // 1 or 2; zero defaults to 2
	CanDMA     bool // controller has a bus-master engine
	CanQueue   bool // recorded only; the engine keeps queue depth at one
}

// Channel owns one register set and the up to two devices sharing it. All
// bus access is serialized through its state machine: a request is
// accepted only while the channel is idle, and no second command starts
// until the first has fully unwound through the completion sink.
type Channel struct {
	ctrl Controller
	sink CompletionSink
	cfg  Config

	mu           sync.Mutex
	state        State
	active       *Request
	activeDevice int
	selected     int // -1 until a device has been selected
	disconnected bool
	devices      [2]*Device
	dmaDemoted   [2]bool

	// irq carries the interrupt-to-waiter handoff for DMA completions.
	irq chan struct{}
}

// NewChannel builds a channel over the given controller. The sink
// receives every completion. Call Scan before submitting requests.
func NewChannel(ctrl Controller, sink CompletionSink, cfg Config) *Channel {
	if cfg.MaxDevices <= 0 || cfg.MaxDevices > 2 {
		cfg.MaxDevices = 2
	}
	if cfg.Name == "" {
		cfg.Name = "ata"
	}
	return &Channel{
		ctrl:     ctrl,
		sink:     sink,
		cfg:      cfg,
		selected: -1,
		irq:      make(chan struct{}, 1),
	}
}

// Name returns the channel name used in log messages.
func (c *Channel) Name() string { return c.cfg.Name }

// Config returns the restrictions the channel was built with.
func (c *Channel) Config() Config { return c.cfg }

// Device returns the device at the given target id, or ErrNoDevice.
func (c *Channel) Device(target int) (*Device, error) {
	if target < 0 || target >= c.cfg.MaxDevices || c.devices[target] == nil {
		return nil, ErrNoDevice
	}
	return c.devices[target], nil
}

// Disconnected reports whether the controller is gone. The flag is
// monotonic; once set the channel refuses all new work.
func (c *Channel) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Disconnect marks the controller as lost. Requests submitted afterwards
// complete immediately with StatusNoHBA; a request in flight fails at its
// next wait.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	// Wake a DMA waiter so it observes the flag instead of its timeout.
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

// Begin tries to make req the channel's active request. While another
// request owns the channel the submission is handed to the sink's Requeue
// and ErrBusBusy is returned; on a disconnected channel the request
// completes with StatusNoHBA.
func (c *Channel) Begin(req *Request) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		req.Status = StatusNoHBA
		c.sink.Finished(req, 1)
		return ErrChannelGone
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		req.Status = StatusBusBusy
		c.sink.Requeue(req)
		return ErrBusBusy
	}
	c.state = StateBusy
	c.active = req
	c.activeDevice = req.TargetID
	req.Status = StatusPending
	req.Residual = req.DataLength()
	c.mu.Unlock()
	return nil
}

// Finish completes the channel's active request: synthesizes autosense
// from the device's stored tuple, promotes the status pair, hands the
// request to the sink, and only after the sink returns puts the channel
// back to idle.
func (c *Channel) Finish(dev *Device, req *Request) {
	if req.Status == StatusPending {
		req.Status = StatusCompleted
	}

	if dev != nil && dev.sense.IsSet() {
		if req.Status == StatusCompleted || req.Status == StatusDataOverrun {
			req.Status = StatusCompletedWithError
		}
		req.DeviceStatus = wire.StatusCheckCondition
		if !req.DisableAutosense {
			req.Sense = dev.sense.Encode()
			req.SenseValid = true
			// Delivered through autosense; a following REQUEST SENSE must
			// not report it again.
			dev.ClearSense()
		}
	}

	// The channel stays owned until the completion has fully unwound; a
	// second command must not start while the sink still runs.
	c.sink.Finished(req, 1)

	c.mu.Lock()
	c.state = StateIdle
	c.active = nil
	c.mu.Unlock()
}

// CompleteDetached finishes a request that never reached Begin, for
// validation failures and absent targets.
func (c *Channel) CompleteDetached(req *Request, status SubsysStatus) {
	req.Status = status
	c.sink.Finished(req, 1)
}

// HandleInterrupt is called by the controller glue when the channel's
// interrupt fires. It must not block. The return value reports whether
// the interrupt belonged to this channel.
func (c *Channel) HandleInterrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.state != StateDMA {
		// No waiter; a spurious or shared interrupt.
		return false
	}
	if c.ctrl.AltStatus()&wire.StatusBSY != 0 {
		// Fired before the command actually left; ignore.
		return false
	}
	select {
	case c.irq <- struct{}{}:
	default:
	}
	return true
}

// state transitions under the channel lock, used by the protocol code.

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current bus state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s (%s)", c.cfg.Name, c.State())
}
