// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scsi2ata converts SCSI command blocks to ATA task-file
// programs or ATAPI packets. Commands a disk cannot answer natively are
// emulated from the cached identify block; everything else is programmed
// onto the channel engine in package bus.
package scsi2ata

import (
	"errors"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// Dispatcher is the upstream face of one channel: the SCSI stack hands
// it command blocks and receives completions through the channel's sink.
type Dispatcher struct {
	ch *bus.Channel
}

// New wraps a scanned channel.
func New(ch *bus.Channel) *Dispatcher {
	return &Dispatcher{ch: ch}
}

// Channel exposes the underlying engine.
func (d *Dispatcher) Channel() *bus.Channel { return d.ch }

// Execute accepts one command block. It returns once the request has
// been handed to the completion sink (finished or requeued); the
// engine's data phases run on the calling goroutine.
func (d *Dispatcher) Execute(req *bus.Request) {
	if d.ch.Disconnected() {
		d.ch.CompleteDetached(req, bus.StatusNoHBA)
		return
	}

	dev, err := d.ch.Device(req.TargetID)
	if err != nil {
		d.ch.CompleteDetached(req, bus.StatusSelectionTimeout)
		return
	}
	if req.TargetLUN > dev.LastLUN {
		d.ch.CompleteDetached(req, bus.StatusSelectionTimeout)
		return
	}

	if err := d.ch.Begin(req); err != nil {
		// Requeued or completed with no-HBA by Begin.
		return
	}

	if dev.Kind == wire.KindATAPI {
		d.execATAPI(dev, req)
	} else {
		d.execATA(dev, req)
	}
}

// execATA classifies the opcode and either synthesizes the answer or
// programs the device. The stored sense is cleared on entry for every
// opcode except REQUEST SENSE, which exists to consume it.
func (d *Dispatcher) execATA(dev *bus.Device, req *bus.Request) {
	defer d.ch.Finish(dev, req)

	cdb := req.CDB[:]

	if cdb[0] == wire.OpRequestSense {
		d.requestSense(dev, req)
		return
	}
	dev.ClearSense()

	switch cdb[0] {
	case wire.OpTestUnitReady:
		d.testUnitReady(dev, req)

	case wire.OpInquiry:
		d.inquiry(dev, req)

	case wire.OpModeSense10:
		d.modeSense10(dev, req)

	case wire.OpModeSelect10:
		d.modeSelect10(dev, req)

	case wire.OpModeSense6, wire.OpModeSelect6:
		// The upper layer was told to emulate the 6-byte mode commands.
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidOpcode)

	case wire.OpReadCapacity10:
		d.readCapacity10(dev, req)

	case wire.OpServiceActionIn:
		if cdb[1]&0x1f == wire.SAIReadCapacity16 {
			d.readCapacity16(dev, req)
		} else {
			dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidOpcode)
		}

	case wire.OpRead6, wire.OpWrite6, wire.OpRead10, wire.OpWrite10,
		wire.OpRead12, wire.OpWrite12, wire.OpRead16, wire.OpWrite16:
		d.readWrite(dev, req)

	case wire.OpSynchronizeCache:
		d.synchronizeCache(dev, req)

	case wire.OpStartStopUnit:
		d.startStopUnit(dev, req)

	case wire.OpUnmap:
		d.unmap(dev, req)

	case wire.OpPreventAllow, wire.OpFormatUnit, wire.OpReserve,
		wire.OpRelease, wire.OpVerify10:
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidOpcode)

	default:
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidOpcode)
	}
}

// ErrInvalidArgument is returned by Ioctl for unknown operations or
// absent targets.
var ErrInvalidArgument = errors.New("scsi2ata: invalid argument")

// Ioctl operations.
const (
	IoctlGetInfoBlock = 0x2710
	IoctlGetStatus    = 0x2711
)

// DeviceStatusLength is the size of the GET_STATUS ioctl payload:
// reserved, DMA status, the active multiword DMA mode bits, and the active
// ultra DMA mode bits. No PIO mode is reported.
const DeviceStatusLength = 4

// DMA status codes reported by GET_STATUS.
const (
	DMAStatusEnabled           = 1
	DMAStatusDisabled          = 2
	DMAStatusControllerLimited = 4
	DMAStatusFailed            = 6
)

// Ioctl serves the two read-only device queries. It fills buf and
// returns the number of bytes written.
func (d *Dispatcher) Ioctl(target int, op uint32, buf []byte) (int, error) {
	dev, err := d.ch.Device(target)
	if err != nil {
		return 0, ErrInvalidArgument
	}

	switch op {
	case IoctlGetInfoBlock:
		return copy(buf, dev.Info.Raw()), nil

	case IoctlGetStatus:
		var status [DeviceStatusLength]byte
		switch {
		case dev.DMAEnabled:
			status[1] = DMAStatusEnabled
		case !dev.DMASupported:
			status[1] = DMAStatusDisabled
		case dev.DMAFailures() > 0:
			status[1] = DMAStatusFailed
		case d.ch.Config().CanDMA:
			status[1] = DMAStatusDisabled
		default:
			status[1] = DMAStatusControllerLimited
		}
		status[2] = dev.Info.MDMAActive
		status[3] = dev.Info.UDMAActive
		return copy(buf, status[:]), nil
	}
	return 0, ErrInvalidArgument
}

// PathInquiry reports the channel's transport capabilities.
type PathInquiry struct {
	Wide16      bool
	TaggedQueue bool
	QueueSize   int
	InitiatorID int
	Family      string
}

// PathInquiry fills out the bus capability report.
func (d *Dispatcher) PathInquiry(info *PathInquiry) bus.SubsysStatus {
	if d.ch.Disconnected() {
		return bus.StatusNoHBA
	}
	info.Wide16 = true
	info.TaggedQueue = true
	info.QueueSize = 1 // one request per device
	info.InitiatorID = 2
	info.Family = "ATA"
	return bus.StatusCompleted
}

// quirkyModels lists drives that corrupt transfers larger than 64
// blocks; matched by model number prefix.
var quirkyModels = []string{
	"IOMEGA  ZIP 100       ATAPI",
	"IOMEGA  Clik!",
}

// GetRestrictions reports per-target behavior to the upper stack. Every
// target is declared ATAPI so the stack leaves command emulation to this
// driver; autosense synthesis exists for ATA targets only.
func (d *Dispatcher) GetRestrictions(target int) (isATAPI, noAutosense bool, maxBlocks uint32, err error) {
	dev, derr := d.ch.Device(target)
	if derr != nil {
		return false, false, 0, derr
	}

	isATAPI = true
	noAutosense = dev.Kind == wire.KindATAPI

	if dev.Use48Bit {
		maxBlocks = 65536
	} else {
		maxBlocks = 256
	}
	model := string(dev.Info.ModelNumber[:])
	for _, prefix := range quirkyModels {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			maxBlocks = 64
			break
		}
	}
	return isATAPI, noAutosense, maxBlocks, nil
}

// Abort acknowledges without acting; a command already on the wire
// cannot be withdrawn from a legacy channel.
func (d *Dispatcher) Abort(req *bus.Request) bus.SubsysStatus {
	if d.ch.Disconnected() {
		return bus.StatusNoHBA
	}
	return bus.StatusCompleted
}

// ResetDevice soft-resets the target device. The LUN must be zero.
func (d *Dispatcher) ResetDevice(target int, lun uint8) bus.SubsysStatus {
	if d.ch.Disconnected() {
		return bus.StatusNoHBA
	}
	dev, err := d.ch.Device(target)
	if err != nil || lun != 0 {
		return bus.StatusInvalidRequest
	}
	if err := d.ch.ResetDevice(dev); err != nil {
		return bus.StatusHBAError
	}
	return bus.StatusCompleted
}

// ResetChannel is not supported on the legacy channel.
func (d *Dispatcher) ResetChannel() bus.SubsysStatus {
	if d.ch.Disconnected() {
		return bus.StatusNoHBA
	}
	return bus.StatusInvalidRequest
}
