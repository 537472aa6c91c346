// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bustest emulates a legacy ATA channel behind the bus.Controller
// interface: register latches, reset signatures, PIO data phases and a
// bus-master engine, with hooks for injecting device errors. Tests drive
// the real engine against it.
package bustest

import (
	"encoding/binary"
	"sync"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// Device models one emulated device on the channel.
type Device struct {
	Kind        wire.DeviceKind
	IdentifyRaw []byte // 512 bytes, wire format
	Sectors     []byte // backing store, multiple of SectorSize
	SectorSize  int    // zero defaults to 512

	// Fault injection.
	NextError        uint8 // error register bits latched for the next command
	MediaStatusError uint8 // error bits for GET MEDIA STATUS
	FailDMA          int   // fail this many bus-master transfers fatally

	// ATAPI behavior: data returned per packet opcode, and error register
	// content (sense key in the high nibble) reported after a packet.
	PacketResponses map[byte][]byte
	PacketError     uint8

	// Records for assertions.
	Commands    []wire.TaskFile
	DSMPayloads [][]byte
	Packets     [][]byte
}

func (d *Device) sectorSize() int {
	if d.SectorSize == 0 {
		return 512
	}
	return d.SectorSize
}

// Controller implements bus.Controller over up to two emulated devices.
type Controller struct {
	Devs [2]*Device

	// IRQ is invoked whenever the emulated bus-master engine completes;
	// tests wire it to Channel.HandleInterrupt.
	IRQ func()

	// PrepareDMAErr, when set, makes PrepareDMA fail so the engine falls
	// back to PIO.
	PrepareDMAErr error

	mu         sync.Mutex
	selected   int
	regs       wire.TaskFile
	status     uint8
	errReg     uint8
	resetSeen  bool
	sigPlanted bool

	pioOut  []byte // data the device hands out
	pioIn   []byte // data the device expects
	pioGot  []byte
	onPIOIn func([]byte)

	packetPhase bool

	dmaSG       bus.SGList
	dmaWrite    bool
	dmaPrepared bool
	dmaResult   bus.DMAResult
	dmaMoved    int
}

func (c *Controller) dev() *Device {
	if c.selected < 0 || c.selected > 1 {
		return nil
	}
	return c.Devs[c.selected]
}

// SelectDevice implements bus.Controller.
func (c *Controller) SelectDevice(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = index
	if c.sigPlanted {
		// Each device keeps its own post-reset signature.
		c.plantSignature()
	}
	return nil
}

// WriteRegs implements bus.Controller.
func (c *Controller) WriteRegs(tf *wire.TaskFile, mask wire.RegMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mask&wire.MaskFeatures != 0 {
		c.regs.Features = tf.Features
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
		c.execute()
	}
	return nil
}

// ReadRegs implements bus.Controller.
func (c *Controller) ReadRegs(tf *wire.TaskFile, mask wire.RegMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev := c.dev()
	if dev == nil {
		// Floating bus.
		if mask&wire.MaskSectorCount != 0 {
			tf.SectorCount = 0xff
		}
		if mask&wire.MaskLBALow != 0 {
			tf.LBALow = 0xff
		}
		if mask&wire.MaskStatus != 0 {
			tf.Status = 0xff
		}
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
	if c.dev() == nil {
		return 0x00
	}
	return c.status
}

// WriteControl implements bus.Controller. Releasing SRST after asserting
// it plants the post-reset signature for whichever device gets selected
// next.
func (c *Controller) WriteControl(bits uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bits&wire.DevCtlSRST != 0 {
		c.resetSeen = true
	} else if c.resetSeen {
		c.resetSeen = false
		c.sigPlanted = true
		c.plantSignature()
	}
	return nil
}

// plantSignature loads the signature of the selected device; ReadRegs
// after a reset sees it. Selection changes reload it.
func (c *Controller) plantSignature() {
	dev := c.dev()
	if dev == nil {
		return
	}
	c.errReg = 0x01
	c.regs.SectorCount = 0x01
	c.regs.LBALow = 0x01
	if dev.Kind == wire.KindATAPI {
		c.regs.LBAMid = 0x14
		c.regs.LBAHigh = 0xeb
	} else {
		c.regs.LBAMid = 0
		c.regs.LBAHigh = 0
	}
	c.status = wire.StatusDRDY
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

	if c.packetPhase {
		c.pioGot = append(c.pioGot, p...)
		if len(c.pioGot) >= wire.PacketLength {
			packet := append([]byte(nil), c.pioGot[:wire.PacketLength]...)
			c.pioGot = nil
			c.packetPhase = false
			c.executePacket(packet)
		}
		return nil
	}

	c.pioGot = append(c.pioGot, p...)
	if len(c.pioGot) >= len(c.pioIn) && c.onPIOIn != nil {
		got := c.pioGot[:len(c.pioIn)]
		done := c.onPIOIn
		c.onPIOIn = nil
		c.pioGot = nil
		c.status &^= wire.StatusDRQ
		done(got)
	}
	return nil
}

// PrepareDMA implements bus.Controller.
func (c *Controller) PrepareDMA(sg bus.SGList, write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PrepareDMAErr != nil {
		return c.PrepareDMAErr
	}
	c.dmaSG = sg
	c.dmaWrite = write
	c.dmaPrepared = true
	return nil
}

// StartDMA implements bus.Controller: the emulated engine moves the
// whole transfer at once and raises the completion interrupt.
func (c *Controller) StartDMA() error {
	c.mu.Lock()
	dev := c.dev()
	if dev == nil || !c.dmaPrepared {
		c.mu.Unlock()
		return bus.ErrNoDevice
	}

	if dev.FailDMA > 0 {
		dev.FailDMA--
		c.dmaResult = bus.DMAFatal
		c.dmaMoved = 0
	} else {
		c.dmaResult = bus.DMAOK
		c.dmaMoved = c.moveDMAData(dev)
	}
	c.dmaPrepared = false
	irq := c.IRQ
	c.mu.Unlock()

	if irq != nil {
		irq()
	}
	return nil
}

func (c *Controller) moveDMAData(dev *Device) int {
	lba, count := c.decodeLBA(dev)
	offset := int(lba) * dev.sectorSize()
	length := int(count) * dev.sectorSize()
	if offset+length > len(dev.Sectors) {
		return 0
	}
	moved := 0
	if c.dmaWrite {
		for _, seg := range c.dmaSG {
			n := copy(dev.Sectors[offset+moved:offset+length], seg)
			moved += n
			if moved == length {
				break
			}
		}
	} else {
		data := dev.Sectors[offset : offset+length]
		for _, seg := range c.dmaSG {
			n := copy(seg, data[moved:])
			moved += n
			if moved == length {
				break
			}
		}
	}
	return moved
}

// FinishDMA implements bus.Controller.
func (c *Controller) FinishDMA() (bus.DMAResult, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dmaResult, c.dmaMoved
}

// decodeLBA extracts address and count from the latched registers,
// following the command's addressing mode.
func (c *Controller) decodeLBA(dev *Device) (uint64, uint32) {
	switch c.regs.Command {
	case wire.ATACmdReadSectorsExt, wire.ATACmdWriteSectorsExt,
		wire.ATACmdReadDMAExt, wire.ATACmdWriteDMAExt,
		wire.ATACmdDataSetManagement:
		lba := uint64(c.regs.LBALow) | uint64(c.regs.LBAMid)<<8 |
			uint64(c.regs.LBAHigh)<<16 | uint64(c.regs.LBALow48)<<24 |
			uint64(c.regs.LBAMid48)<<32 | uint64(c.regs.LBAHigh48)<<40
		count := uint32(c.regs.SectorCount) | uint32(c.regs.SectorCount48)<<8
		if count == 0 {
			count = 65536
		}
		return lba, count
	default:
		lba := uint64(c.regs.LBALow) | uint64(c.regs.LBAMid)<<8 |
			uint64(c.regs.LBAHigh)<<16 | uint64(c.regs.DeviceHead&0x0f)<<24
		count := uint32(c.regs.SectorCount)
		if count == 0 {
			count = 256
		}
		return lba, count
	}
}

// execute runs the latched command against the selected device. Called
// with the lock held.
func (c *Controller) execute() {
	dev := c.dev()
	if dev == nil {
		return
	}
	dev.Commands = append(dev.Commands, c.regs)
	c.sigPlanted = false

	if dev.NextError != 0 {
		c.errReg = dev.NextError
		dev.NextError = 0
		c.status = wire.StatusDRDY | wire.StatusErr
		return
	}

	c.errReg = 0
	c.status = wire.StatusDRDY

	switch c.regs.Command {
	case wire.ATACmdIdentify, wire.ATACmdIdentifyPacket:
		wantPacket := c.regs.Command == wire.ATACmdIdentifyPacket
		if (dev.Kind == wire.KindATAPI) != wantPacket {
			c.errReg = wire.ErrorABRT
			c.status = wire.StatusDRDY | wire.StatusErr
			return
		}
		c.pioOut = append([]byte(nil), dev.IdentifyRaw...)
		c.status = wire.StatusDRDY | wire.StatusDRQ

	case wire.ATACmdReadSectors, wire.ATACmdReadSectorsExt:
		lba, count := c.decodeLBA(dev)
		offset := int(lba) * dev.sectorSize()
		length := int(count) * dev.sectorSize()
		if offset+length > len(dev.Sectors) {
			c.errReg = wire.ErrorIDNF
			c.status = wire.StatusDRDY | wire.StatusErr
			return
		}
		c.pioOut = append([]byte(nil), dev.Sectors[offset:offset+length]...)
		c.status = wire.StatusDRDY | wire.StatusDRQ

	case wire.ATACmdWriteSectors, wire.ATACmdWriteSectorsExt:
		lba, count := c.decodeLBA(dev)
		offset := int(lba) * dev.sectorSize()
		length := int(count) * dev.sectorSize()
		if offset+length > len(dev.Sectors) {
			c.errReg = wire.ErrorIDNF
			c.status = wire.StatusDRDY | wire.StatusErr
			return
		}
		c.expectPIOIn(length, func(data []byte) {
			copy(dev.Sectors[offset:offset+length], data)
		})

	case wire.ATACmdReadDMA, wire.ATACmdReadDMAExt,
		wire.ATACmdWriteDMA, wire.ATACmdWriteDMAExt:
		// Data moves when StartDMA runs.

	case wire.ATACmdDataSetManagement:
		_, count := c.decodeLBA(dev)
		c.expectPIOIn(int(count)*512, func(data []byte) {
			dev.DSMPayloads = append(dev.DSMPayloads, append([]byte(nil), data...))
		})

	case wire.ATACmdGetMediaStatus:
		if dev.MediaStatusError != 0 {
			c.errReg = dev.MediaStatusError
			c.status = wire.StatusDRDY | wire.StatusErr
		}

	case wire.ATACmdFlushCache, wire.ATACmdFlushCacheExt,
		wire.ATACmdMediaEject, wire.ATACmdSetFeatures:
		// Completed instantly.

	case wire.ATACmdPacket:
		c.packetPhase = true
		c.pioGot = nil
		c.regs.SectorCount = 0x01 // C/D set, I/O clear: send the packet
		c.status = wire.StatusDRQ

	default:
		c.errReg = wire.ErrorABRT
		c.status = wire.StatusDRDY | wire.StatusErr
	}
}

func (c *Controller) expectPIOIn(length int, done func([]byte)) {
	c.pioIn = make([]byte, length)
	c.pioGot = nil
	c.onPIOIn = done
	c.status = wire.StatusDRDY | wire.StatusDRQ
}

// executePacket emulates the device side of an ATAPI command. Called
// with the lock held.
func (c *Controller) executePacket(packet []byte) {
	dev := c.dev()
	if dev == nil {
		return
	}
	dev.Packets = append(dev.Packets, packet)

	if dev.PacketError != 0 {
		c.errReg = dev.PacketError
		c.status = wire.StatusErr
		return
	}

	if data, ok := dev.PacketResponses[packet[0]]; ok {
		c.pioOut = append([]byte(nil), data...)
		c.regs.SectorCount = 0x02 // I/O set: data to host
		c.regs.LBAMid = uint8(len(data))
		c.regs.LBAHigh = uint8(len(data) >> 8)
		c.status = wire.StatusDRQ
		return
	}

	c.status = 0 // good, no data
}

// NewIdentify builds a 512-byte identify block for the fake device.
// Callers adjust words for the capabilities under test.
func NewIdentify(kind wire.DeviceKind, sectors uint64, mutate func(words []uint16)) []byte {
	words := make([]uint16, 256)
	if kind == wire.KindATAPI {
		words[0] = 0x8000 | 5<<8 | 0x0080
	} else {
		words[0] = 0x0040
	}
	putString := func(w []uint16, s string) {
		for i := range w {
			hi, lo := byte(' '), byte(' ')
			if 2*i < len(s) {
				hi = s[2*i]
			}
			if 2*i+1 < len(s) {
				lo = s[2*i+1]
			}
			w[i] = uint16(hi)<<8 | uint16(lo)
		}
	}
	putString(words[10:20], "FAKE00000001")
	putString(words[23:27], "1.0")
	putString(words[27:47], "BUSTEST DISK")
	words[49] = 0x0300 // LBA + DMA
	words[53] = 0x0001
	lba28 := sectors
	if lba28 > 0x0fffffff {
		lba28 = 0x0fffffff
	}
	words[60] = uint16(lba28)
	words[61] = uint16(lba28 >> 16)
	words[82] = 0x0020 // write cache
	words[83] = 0x5400 // LBA48 + flush
	words[100] = uint16(sectors)
	words[101] = uint16(sectors >> 16)
	words[102] = uint16(sectors >> 32)

	if mutate != nil {
		mutate(words)
	}

	buf := make([]byte, 512)
	for i, w := range words {
		binary.LittleEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}
