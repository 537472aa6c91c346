// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// An SG_IO-backed implementation of the bus.Controller capability: the
// channel engine programs it register by register, and the latched task
// file goes to the kernel as one ATA PASS-THROUGH command when the
// command register is written. The data phase is then replayed to the
// engine through the PIO and DMA methods. This lets the whole stack run
// against a real disk without owning the host controller.

package sgio

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// Controller drives one /dev/sdX or /dev/srX node. It serves a single
// device at index 0; the presence probe for index 1 fails by design.
type Controller struct {
	f     *os.File
	atapi bool

	mu       sync.Mutex
	selected int
	regs     wire.TaskFile
	status   uint8
	errReg   uint8

	pioOut []byte
	pioIn  []byte
	pioGot []byte

	packetPhase bool

	dmaSG    bus.SGList
	dmaWrite bool
	dmaArmed bool
	dmaRes   bus.DMAResult
	dmaMoved int

	// IRQ is invoked on DMA completion; wire it to the channel's
	// HandleInterrupt.
	IRQ func()
}

// Open prepares a controller over a block device node. atapi selects the
// packet protocol (optical drives and friends).
func Open(path string, atapi bool) (*Controller, error) {
	f, err := os.OpenFile(path, unix.O_RDWR|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, err
	}
	return &Controller{f: f, atapi: atapi}, nil
}

// Close releases the device node.
func (c *Controller) Close() error {
	return c.f.Close()
}

// SelectDevice implements bus.Controller.
func (c *Controller) SelectDevice(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = index
	return nil
}

// WriteRegs implements bus.Controller.
func (c *Controller) WriteRegs(tf *wire.TaskFile, mask wire.RegMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != 0 {
		return nil
	}
	if mask&wire.MaskFeatures != 0 {
		c.regs.Features = tf.Features
	}
	if mask&wire.MaskFeatures48 != 0 {
		c.regs.Features48 = tf.Features48
	}
	if mask&wire.MaskSectorCount != 0 {
		c.regs.SectorCount = tf.SectorCount
	}
	if mask&wire.MaskSectorCount48 != 0 {
		c.regs.SectorCount48 = tf.SectorCount48
	}
	if mask&wire.MaskLBALow != 0 {
		c.regs.LBALow = tf.LBALow
	}
	if mask&wire.MaskLBALow48 != 0 {
		c.regs.LBALow48 = tf.LBALow48
	}
	if mask&wire.MaskLBAMid != 0 {
		c.regs.LBAMid = tf.LBAMid
	}
	if mask&wire.MaskLBAMid48 != 0 {
		c.regs.LBAMid48 = tf.LBAMid48
	}
	if mask&wire.MaskLBAHigh != 0 {
		c.regs.LBAHigh = tf.LBAHigh
	}
	if mask&wire.MaskLBAHigh48 != 0 {
		c.regs.LBAHigh48 = tf.LBAHigh48
	}
	if mask&wire.MaskDeviceHead != 0 {
		c.regs.DeviceHead = tf.DeviceHead
	}
	if mask&wire.MaskCommand != 0 {
		c.regs.Command = tf.Command
		c.issue()
	}
	return nil
}

// ReadRegs implements bus.Controller.
func (c *Controller) ReadRegs(tf *wire.TaskFile, mask wire.RegMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != 0 {
		tf.SectorCount = 0xff
		tf.LBALow = 0xff
		tf.Status = 0xff
		return nil
	}
	if mask&wire.MaskSectorCount != 0 {
		tf.SectorCount = c.regs.SectorCount
	}
	if mask&wire.MaskLBALow != 0 {
		tf.LBALow = c.regs.LBALow
	}
	if mask&wire.MaskLBAMid != 0 {
		tf.LBAMid = c.regs.LBAMid
	}
	if mask&wire.MaskLBAHigh != 0 {
		tf.LBAHigh = c.regs.LBAHigh
	}
	if mask&wire.MaskError != 0 {
		tf.Error = c.errReg
	}
	if mask&wire.MaskStatus != 0 {
		tf.Status = c.status
	}
	return nil
}

// AltStatus implements bus.Controller.
func (c *Controller) AltStatus() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != 0 {
		return 0x00
	}
	return c.status
}

// WriteControl implements bus.Controller. Software reset is the
// kernel's business; asserting SRST just resynthesizes the signature so
// the engine's scan works.
func (c *Controller) WriteControl(bits uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bits&wire.DevCtlSRST != 0 {
		c.errReg = 0x01
		c.regs.SectorCount = 0x01
		c.regs.LBALow = 0x01
		if c.atapi {
			c.regs.LBAMid = 0x14
			c.regs.LBAHigh = 0xeb
		} else {
			c.regs.LBAMid = 0
			c.regs.LBAHigh = 0
		}
		c.status = wire.StatusDRDY
	}
	return nil
}

// ReadPIO implements bus.Controller.
func (c *Controller) ReadPIO(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(p, c.pioOut)
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	c.pioOut = c.pioOut[n:]
	if len(c.pioOut) == 0 {
		c.status &^= wire.StatusDRQ
	}
	return nil
}

// WritePIO implements bus.Controller.
func (c *Controller) WritePIO(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pioGot = append(c.pioGot, p...)

	if c.packetPhase {
		if len(c.pioGot) >= wire.PacketLength {
			packet := append([]byte(nil), c.pioGot[:wire.PacketLength]...)
			c.pioGot = nil
			c.packetPhase = false
			c.issuePacket(packet)
		}
		return nil
	}

	if len(c.pioIn) > 0 && len(c.pioGot) >= len(c.pioIn) {
		data := c.pioGot[:len(c.pioIn)]
		c.pioGot = nil
		c.pioIn = nil
		c.runPassThrough(data, false)
		c.status &^= wire.StatusDRQ
	}
	return nil
}

// PrepareDMA implements bus.Controller.
func (c *Controller) PrepareDMA(sg bus.SGList, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dmaSG = sg
	c.dmaWrite = write
	c.dmaArmed = true
	return nil
}

// StartDMA implements bus.Controller: the transfer happens synchronously
// through SG_IO and the completion callback fires before returning.
func (c *Controller) StartDMA() error {
	c.mu.Lock()
	if !c.dmaArmed {
		c.mu.Unlock()
		return errors.New("sgio: DMA not prepared")
	}
	c.dmaArmed = false

	flat := make([]byte, 0, c.dmaSG.TotalLength())
	if c.dmaWrite {
		for _, seg := range c.dmaSG {
			flat = append(flat, seg...)
		}
	} else {
		flat = flat[:cap(flat)]
	}

	c.runPassThrough(flat, !c.dmaWrite)

	if !c.dmaWrite {
		off := 0
		for _, seg := range c.dmaSG {
			off += copy(seg, flat[off:])
		}
	}
	if c.status&wire.StatusErr != 0 {
		c.dmaRes = bus.DMAFatal
		c.dmaMoved = 0
	} else {
		c.dmaRes = bus.DMAOK
		c.dmaMoved = len(flat)
	}
	irq := c.IRQ
	c.mu.Unlock()

	if irq != nil {
		irq()
	}
	return nil
}

// FinishDMA implements bus.Controller.
func (c *Controller) FinishDMA() (bus.DMAResult, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dmaRes, c.dmaMoved
}

// issue maps the latched command onto an SG_IO transaction. Data-in
// commands execute immediately and stage their data for ReadPIO;
// data-out commands wait for the engine to deliver the payload.
// Called with the lock held.
func (c *Controller) issue() {
	c.errReg = 0
	c.status = wire.StatusDRDY

	switch c.regs.Command {
	case wire.ATACmdIdentify, wire.ATACmdIdentifyPacket:
		buf := make([]byte, wire.IdentifyLength)
		c.runPassThrough(buf, true)
		if c.status&wire.StatusErr == 0 {
			c.pioOut = buf
			c.status |= wire.StatusDRQ
		}

	case wire.ATACmdReadSectors, wire.ATACmdReadSectorsExt:
		buf := make([]byte, c.blocks()*512)
		c.runPassThrough(buf, true)
		if c.status&wire.StatusErr == 0 {
			c.pioOut = buf
			c.status |= wire.StatusDRQ
		}

	case wire.ATACmdWriteSectors, wire.ATACmdWriteSectorsExt:
		c.pioIn = make([]byte, c.blocks()*512)
		c.pioGot = nil
		c.status |= wire.StatusDRQ

	case wire.ATACmdDataSetManagement:
		c.pioIn = make([]byte, c.blocks()*512)
		c.pioGot = nil
		c.status |= wire.StatusDRQ

	case wire.ATACmdReadDMA, wire.ATACmdReadDMAExt,
		wire.ATACmdWriteDMA, wire.ATACmdWriteDMAExt:
		// Runs when StartDMA fires.

	case wire.ATACmdPacket:
		c.packetPhase = true
		c.pioGot = nil
		c.regs.SectorCount = 0x01
		c.status = wire.StatusDRQ

	default:
		// Non-data commands: flush, set features, media control.
		c.runPassThrough(nil, false)
	}
}

func (c *Controller) blocks() int {
	n := int(c.regs.SectorCount) | int(c.regs.SectorCount48)<<8
	if n == 0 {
		n = 256
		if c.ext() {
			n = 65536
		}
	}
	return n
}

func (c *Controller) ext() bool {
	switch c.regs.Command {
	case wire.ATACmdReadSectorsExt, wire.ATACmdWriteSectorsExt,
		wire.ATACmdReadDMAExt, wire.ATACmdWriteDMAExt,
		wire.ATACmdFlushCacheExt, wire.ATACmdDataSetManagement:
		return true
	}
	return false
}

// runPassThrough executes the latched task file via ATA PASS-THROUGH and
// folds the returned registers into the emulated status. Called with the
// lock held.
func (c *Controller) runPassThrough(data []byte, in bool) {
	proto := uint8(protoNonData)
	dir := cdbNone
	blocks := 0
	if len(data) > 0 {
		blocks = (len(data) + 511) / 512
		if in {
			proto = protoPIOIn
			dir = cdbFromDevice
		} else {
			proto = protoPIOOut
			dir = cdbToDevice
		}
	}
	switch c.regs.Command {
	case wire.ATACmdReadDMA, wire.ATACmdReadDMAExt,
		wire.ATACmdWriteDMA, wire.ATACmdWriteDMAExt:
		proto = protoDMA
	}

	cdb := ataPassThroughCDB(&c.regs, proto, in, blocks)
	sense, err := sendCDB(c.f.Fd(), cdb[:], dir, data)

	if status, errReg, ok := decodeATAReturn(sense); ok {
		c.status = status
		c.errReg = errReg
		return
	}
	if err != nil {
		c.status = wire.StatusDRDY | wire.StatusErr
		c.errReg = wire.ErrorABRT
		return
	}
	c.status = wire.StatusDRDY
	c.errReg = 0
}

// issuePacket forwards a captured ATAPI packet as a plain SCSI CDB; the
// kernel talks to packet devices natively. Data-bearing packets are
// treated as reads, which covers the passthrough tool's needs. Called
// with the lock held.
func (c *Controller) issuePacket(packet []byte) {
	length := int(c.regs.LBAMid) | int(c.regs.LBAHigh)<<8

	n := wire.CDBLen(packet[0])
	if n == 0 || n > len(packet) {
		n = len(packet)
	}
	trimmed := packet[:n]

	var (
		err  error
		data []byte
	)
	switch {
	case length == 0:
		_, err = sendCDB(c.f.Fd(), trimmed, cdbNone, nil)
		c.status = 0
	default:
		data = make([]byte, length)
		_, err = sendCDB(c.f.Fd(), trimmed, cdbFromDevice, data)
		c.pioOut = data
		c.regs.SectorCount = 0x02
		c.regs.LBAMid = uint8(length)
		c.regs.LBAHigh = uint8(length >> 8)
		c.status = wire.StatusDRQ
	}
	if err != nil {
		c.status = wire.StatusErr
		c.pioOut = nil
	}
}
