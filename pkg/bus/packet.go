// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// ATAPI packet protocol: the SCSI CDB travels inside an ATA PACKET
// command and the device behaves as a SCSI target from then on. Errors
// are not classified here; the device carries its own sense, which the
// upper stack fetches with a REQUEST SENSE through this same path.

package bus

import (
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// Interrupt-reason register bits (shared with sector count).
const (
	ireasonCoD = 0x01 // command (1) or data (0)
	ireasonIO  = 0x02 // device-to-host (1) or host-to-device (0)
)

// ExecPacket sends an ATAPI command packet and runs its data phase. dma
// selects the bus-master engine for the transfer; the caller restricts
// it to data-bearing opcodes since the byte counts of anything else are
// not worth the setup.
func (c *Channel) ExecPacket(dev *Device, req *Request, packet wire.Packet, write, dma bool) {
	if dma {
		if err := c.ctrl.PrepareDMA(req.Data, write); err != nil {
			dma = false
		}
	}

	length := req.DataLength()
	tf := wire.TaskFile{
		LBAMid:  uint8(length),
		LBAHigh: uint8(length >> 8),
		Command: wire.ATACmdPacket,
	}
	if dma {
		tf.Features = 0x01
	}

	// The packet itself is always transferred by polled PIO; interrupts
	// stay masked until it is on the wire so a quick device cannot signal
	// completion into a half-programmed channel.
	if err := c.sendCommand(dev, req, &tf, wire.MaskFeatures|wire.MaskLBAMid|wire.MaskLBAHigh|wire.MaskCommand, 0); err != nil {
		return
	}

	if err := c.wait(wire.StatusDRQ, wire.StatusBSY, false, packetDRQTimeout); err != nil {
		req.Status = StatusSequenceFail
		return
	}

	var ireason wire.TaskFile
	if err := c.ctrl.ReadRegs(&ireason, wire.MaskSectorCount); err != nil {
		req.Status = StatusHBAError
		return
	}
	if ireason.SectorCount&ireasonCoD == 0 || ireason.SectorCount&ireasonIO != 0 {
		req.Status = StatusSequenceFail
		return
	}

	if err := c.ctrl.WritePIO(packet[:]); err != nil {
		req.Status = StatusHBAError
		return
	}

	if dma {
		c.mu.Lock()
		if err := c.ctrl.WriteControl(wire.DevCtlBit3); err != nil {
			c.mu.Unlock()
			req.Status = StatusHBAError
			return
		}
		select {
		case <-c.irq:
		default:
		}
		c.state = StateDMA
		c.mu.Unlock()

		c.execPacketDMA(dev, req)
		return
	}

	c.execPacketPIO(dev, req, write)
}

// execPacketPIO polls through the packet data phase: each DRQ burst
// announces its direction and byte count in the interrupt-reason and
// byte-count registers.
func (c *Channel) execPacketPIO(dev *Device, req *Request, write bool) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cur := &sgCursor{sg: req.Data}
	overrun := false

	for {
		if err := c.wait(0, wire.StatusBSY, false, timeout); err != nil {
			req.Status = StatusCommandTimeout
			return
		}

		status := c.ctrl.AltStatus()
		if status&wire.StatusDRQ == 0 {
			// Transfer done; the final status decides the outcome.
			break
		}

		var tf wire.TaskFile
		if err := c.ctrl.ReadRegs(&tf, wire.MaskSectorCount|wire.MaskLBAMid|wire.MaskLBAHigh); err != nil {
			req.Status = StatusHBAError
			return
		}
		if tf.SectorCount&ireasonCoD != 0 {
			req.Status = StatusSequenceFail
			return
		}
		deviceReads := tf.SectorCount&ireasonIO == 0
		if deviceReads != write {
			// The device moves data against the caller's direction;
			// nothing sane can come of continuing.
			req.Status = StatusSequenceFail
			return
		}

		burst := int(tf.LBAMid) | int(tf.LBAHigh)<<8
		var (
			short bool
			err   error
		)
		if write {
			_, short, err = c.writePIO(cur, burst)
		} else {
			_, short, err = c.readPIO(cur, burst)
		}
		if err != nil {
			req.Status = StatusHBAError
			return
		}
		overrun = overrun || short
	}

	if !write {
		finishCursor(cur)
	}
	req.Residual = req.DataLength() - cur.consumed
	c.finishPacket(dev, req)
	if overrun && req.Status == StatusCompleted {
		req.Status = StatusDataOverrun
	}
}

// execPacketDMA waits for the transfer-done interrupt like the ATA DMA
// path, but leaves sense alone: ATAPI devices report their own.
func (c *Channel) execPacketDMA(dev *Device, req *Request) {
	if err := c.ctrl.StartDMA(); err != nil {
		c.ctrl.FinishDMA()
		req.Status = StatusHBAError
		return
	}

	if !c.waitForIRQ(dev, req) {
		return
	}

	result, transferred := c.ctrl.FinishDMA()
	req.Residual = req.DataLength() - transferred

	c.finishPacket(dev, req)

	switch result {
	case DMAFatal:
		if req.Status == StatusCompleted {
			req.Status = StatusHBAError
		}
		c.dmaFailedOn(dev)
	case DMAOverrun:
		dev.dmaWorked()
		if req.Status == StatusCompleted {
			req.Status = StatusDataOverrun
		}
	default:
		dev.dmaWorked()
	}
}

// finishPacket reads the final status and flags a check condition
// without synthesizing sense; the device's own sense data is fetched by
// the following REQUEST SENSE packet.
func (c *Channel) finishPacket(dev *Device, req *Request) {
	var tf wire.TaskFile
	if err := c.ctrl.ReadRegs(&tf, wire.MaskStatus|wire.MaskError); err != nil {
		req.Status = StatusSequenceFail
		return
	}
	req.Status = StatusCompleted
	if tf.Status&(wire.StatusErr|wire.StatusDF) != 0 {
		req.Status = StatusCompletedWithError
		req.DeviceStatus = wire.StatusCheckCondition
	}
}
