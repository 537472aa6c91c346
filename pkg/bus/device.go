// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// maxDMAFailures is the number of consecutive DMA failures after which a
// device is demoted to PIO for the rest of the driver lifetime.
const maxDMAFailures = 3

// Device describes one probed and identified device on a channel. It is
// owned by the channel; fields are stable after configuration except for
// the pending sense and the DMA failure accounting, which are only
// touched while the device's single in-flight request is being handled.
type Device struct {
	Index int
	Kind  wire.DeviceKind
	Info  *wire.Identify

	UseLBA       bool
	Use48Bit     bool
	TotalSectors uint64
	SectorSize   uint32

	DMASupported bool
	DMAEnabled   bool

	TrimSupported      bool
	TrimReturnsZeros   bool
	MaxTrimRangeBlocks uint16

	LastLUN uint8

	// ATAPI only: device raises an interrupt before accepting the packet.
	PacketIRQ bool

	sense       wire.Sense
	dmaFailures int
}

// Sense returns the pending sense tuple without clearing it.
func (d *Device) Sense() wire.Sense { return d.sense }

// SetSense records a pending sense tuple, replacing any previous one.
func (d *Device) SetSense(key uint8, code wire.AdditionalSense) {
	d.sense = wire.Sense{Key: key, Code: code}
}

// ClearSense drops the pending sense tuple.
func (d *Device) ClearSense() { d.sense = wire.Sense{} }

// dmaFailed counts one failed bus-master transfer and demotes the device
// to PIO once the threshold is reached. Reports whether demotion happened
// on this call.
func (d *Device) dmaFailed() bool {
	d.dmaFailures++
	if d.dmaFailures >= maxDMAFailures && d.DMAEnabled {
		d.DMAEnabled = false
		return true
	}
	return false
}

// dmaWorked resets the failure streak after a clean transfer.
func (d *Device) dmaWorked() { d.dmaFailures = 0 }

// DMAFailures returns the current consecutive failure count, reported by
// the GET_STATUS ioctl.
func (d *Device) DMAFailures() int { return d.dmaFailures }
