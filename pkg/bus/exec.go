// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command execution entry points used by the SCSI translator. All of
// them run the full lifecycle against the selected device but leave the
// request open: the caller decides when the request is finished.

package bus

import (
	"log"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// read/write opcode table, indexed by [dma][write].
var cmd28 = [2][2]uint8{
	{wire.ATACmdReadSectors, wire.ATACmdWriteSectors},
	{wire.ATACmdReadDMA, wire.ATACmdWriteDMA},
}

var cmd48 = [2][2]uint8{
	{wire.ATACmdReadSectorsExt, wire.ATACmdWriteSectorsExt},
	{wire.ATACmdReadDMAExt, wire.ATACmdWriteDMAExt},
}

func boolIdx(b bool) int {
	if b {
		return 1
	}
	return 0
}

// lba28Limit is the first address beyond 28-bit reach.
const lba28Limit = uint64(1) << 28

// buildRWTaskFile composes the task file for a read or write. The 48-bit
// form is used only when address or length leave the 28-bit envelope and
// the device supports it; pre-LBA devices get a CHS program.
func (c *Channel) buildRWTaskFile(dev *Device, req *Request, lba uint64, count uint32, write, dma bool) (wire.TaskFile, wire.RegMask, bool) {
	var tf wire.TaskFile

	if dev.UseLBA {
		if dev.Use48Bit && (lba+uint64(count) > lba28Limit-1 || count > 0x100) {
			if count > 0x10000 {
				dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
				return tf, 0, false
			}
			tf.SetLBA48(lba, count, dev.Index)
			tf.Command = cmd48[boolIdx(dma)][boolIdx(write)]
			return tf, wire.MaskLBA48, true
		}
		if count > 0x100 || lba+uint64(count) > lba28Limit {
			dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
			return tf, 0, false
		}
		tf.SetLBA28(lba, count, dev.Index)
		tf.Command = cmd28[boolIdx(dma)][boolIdx(write)]
		return tf, wire.MaskLBA28, true
	}

	// CHS for devices predating LBA; dropping this would probably go
	// unnoticed, but it is cheap to keep.
	if count > 0x100 {
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
		return tf, 0, false
	}
	trackSize := uint32(dev.Info.CurrentHeads) * uint32(dev.Info.CurrentSectors)
	if trackSize == 0 {
		dev.SetSense(wire.KeyMediumError, wire.AscInternalFailure)
		return tf, 0, false
	}
	cylinder := uint32(lba / uint64(trackSize))
	offset := uint32(lba) - cylinder*trackSize
	head := uint8(offset / uint32(dev.Info.CurrentSectors))
	sector := uint8(offset%uint32(dev.Info.CurrentSectors) + 1)
	tf.SetCHS(cylinder, head, sector, count, dev.Index)
	tf.Command = cmd28[boolIdx(dma)][boolIdx(write)]
	return tf, wire.MaskLBA28, true
}

// ExecReadWrite runs one READ or WRITE converted from the SCSI form:
// program the task file, issue the command, and move the data by DMA or
// by the PIO pump. The request stays open for the caller to finish.
func (c *Channel) ExecReadWrite(dev *Device, req *Request, lba uint64, count uint32, write bool) {
	dma := dev.DMAEnabled
	if dma {
		if err := c.ctrl.PrepareDMA(req.Data, write); err != nil {
			// Bus-master setup failure is not fatal, PIO still works.
			dma = false
		}
	}

	tf, mask, ok := c.buildRWTaskFile(dev, req, lba, count, write, dma)
	if !ok {
		return
	}

	flags := commandFlags(0)
	if dev.Kind == wire.KindATA {
		flags |= flagDRDYRequired
	}
	if write {
		flags |= flagIsWrite
	}
	if dma {
		flags |= flagDMATransfer
	}

	if err := c.sendCommand(dev, req, &tf, mask|wire.MaskCommand, flags); err != nil {
		return
	}

	if dma {
		c.execDMATransfer(dev, req, flags)
	} else {
		c.execPIOTransfer(dev, req, int(count), write)
	}
}

// ExecSimple runs a non-data command (flush, eject, media status, set
// features) to completion and classifies any latched error against
// errorMask.
func (c *Channel) ExecSimple(dev *Device, req *Request, tf wire.TaskFile, mask wire.RegMask, errorMask uint8) error {
	flags := flagDRDYRequired
	if dev.Kind == wire.KindATAPI {
		flags = 0
	}
	if err := c.sendCommand(dev, req, &tf, mask|wire.MaskCommand, flags); err != nil {
		return err
	}
	err := c.finishCommand(dev, req, flags|flagWaitFinish, errorMask)
	c.setState(StateBusy)
	return err
}

// ExecDataOut runs a PIO data-out command with a payload that is not the
// request's own buffer (DATA SET MANAGEMENT range blocks). blockSize is
// the unit the device requests per DRQ.
func (c *Channel) ExecDataOut(dev *Device, req *Request, tf wire.TaskFile, mask wire.RegMask, payload []byte, blockSize int) error {
	flags := flagDRDYRequired | flagIsWrite
	if err := c.sendCommand(dev, req, &tf, mask|wire.MaskCommand, flags); err != nil {
		return err
	}

	cur := &sgCursor{sg: SGList{payload}}
	for sent := 0; sent < len(payload); sent += blockSize {
		if err := c.waitForDRQ(drqTimeout); err != nil {
			if err == errWaitError {
				break // final status read sorts it out
			}
			req.Status = StatusSequenceFail
			c.setState(StateBusy)
			return err
		}
		if _, _, err := c.writePIO(cur, blockSize); err != nil {
			req.Status = StatusSequenceFail
			c.setState(StateBusy)
			return err
		}
	}
	if err := c.waitForDRQDown(); err != nil && err != errWaitError {
		req.Status = StatusSequenceFail
		c.setState(StateBusy)
		return err
	}
	err := c.finishCommand(dev, req, flagWaitFinish|flagDRDYRequired|flagIsWrite, wire.ErrorABRT)
	c.setState(StateBusy)
	return err
}

// SetFeature issues SET FEATURES with the given subcommand.
func (c *Channel) SetFeature(dev *Device, feature uint8) error {
	req := &Request{TargetID: dev.Index, Timeout: drdyTimeout}
	tf := wire.TaskFile{Features: feature, Command: wire.ATACmdSetFeatures}
	return c.ExecSimple(dev, req, tf, wire.MaskFeatures, wire.ErrorABRT)
}

// ResetDevice soft-resets the device and re-runs identify and
// configuration. The legacy channel has no per-device reset line, so the
// reset is channel-wide and both devices are re-identified.
func (c *Channel) ResetDevice(dev *Device) error {
	log.Printf("%s: resetting device %d", c.cfg.Name, dev.Index)
	return c.Scan()
}
