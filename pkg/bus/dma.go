// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// DMA data phase: the transfer runs in the bus-master engine and the
// completion interrupt wakes the submitting goroutine.

package bus

import (
	"log"
	"time"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// execDMATransfer starts the prepared bus-master transfer and blocks on
// the interrupt handoff. Must be entered with the channel in StateDMA.
func (c *Channel) execDMATransfer(dev *Device, req *Request, flags commandFlags) {
	if err := c.ctrl.StartDMA(); err != nil {
		c.ctrl.FinishDMA()
		req.Status = StatusHBAError
		return
	}

	if !c.waitForIRQ(dev, req) {
		return
	}

	result, transferred := c.ctrl.FinishDMA()

	devErr := c.finishCommand(dev, req, flags, 0xff) != nil

	switch {
	case result == DMAFatal || devErr:
		if !dev.Sense().IsSet() {
			dev.SetSense(wire.KeyHardwareError, wire.AscLUNCommFailure)
		}
		c.dmaFailedOn(dev)
	case result == DMAOverrun:
		dev.dmaWorked()
		req.Status = StatusDataOverrun
		req.Residual = req.DataLength() - transferred
	default:
		dev.dmaWorked()
		req.Residual = req.DataLength() - transferred
	}
}

// waitForIRQ blocks until the completion interrupt signals the channel
// or the request deadline passes. On timeout the engine resets the
// channel, the only way to get a wedged device back. Reports whether the
// interrupt arrived.
func (c *Channel) waitForIRQ(dev *Device, req *Request) bool {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.irq:
	case <-timer.C:
		c.ctrl.FinishDMA()
		if c.Disconnected() {
			req.Status = StatusNoHBA
			return false
		}
		req.Status = StatusCommandTimeout
		c.dmaFailedOn(dev)
		if _, _, err := c.SoftReset(); err != nil {
			log.Printf("%s: reset after DMA timeout failed: %v", c.cfg.Name, err)
		}
		return false
	}

	if c.Disconnected() {
		c.ctrl.FinishDMA()
		req.Status = StatusNoHBA
		return false
	}
	return true
}

func (c *Channel) dmaFailedOn(dev *Device) {
	if dev.dmaFailed() {
		// The demotion must survive a rescan of the channel.
		c.dmaDemoted[dev.Index] = true
		log.Printf("%s: device %d: disabling DMA after %d consecutive failures",
			c.cfg.Name, dev.Index, maxDMAFailures)
	}
}
