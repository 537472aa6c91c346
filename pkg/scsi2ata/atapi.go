// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// ATAPI forwarding: the CDB goes to the device verbatim inside a PACKET
// command. Two opcodes are emulated on this path: REQUEST SENSE for sense
// the dispatcher itself synthesized, and TEST UNIT READY on devices with
// media-status notification, which is answered through GET MEDIA STATUS.

package scsi2ata

import (
	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// execATAPI wraps the CDB in a zero-padded packet and hands it to the
// channel's packet path.
func (d *Dispatcher) execATAPI(dev *bus.Device, req *bus.Request) {
	defer d.ch.Finish(dev, req)

	cdb := req.CDB[:req.CDBLength]

	if cdb[0] == wire.OpRequestSense && dev.Sense().IsSet() {
		// Sense synthesized by this driver takes precedence over asking
		// the device, which never saw the failed command.
		d.requestSense(dev, req)
		return
	}
	if cdb[0] != wire.OpRequestSense {
		dev.ClearSense()
	}

	if cdb[0] == wire.OpTestUnitReady && dev.Info.RMSNSupported {
		// Media changes surface through GET MEDIA STATUS, which also
		// covers devices that drop the medium without telling anyone.
		d.testUnitReady(dev, req)
		return
	}

	if req.CDBLength > wire.PacketLength {
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidOpcode)
		return
	}

	packet := wire.NewPacket(cdb)
	write := req.Direction == bus.DirOut

	// The direction mask is advisory; for the well-known data opcodes
	// the opcode itself is authoritative.
	switch cdb[0] {
	case wire.OpRead6, wire.OpRead10, wire.OpRead12, wire.OpReadCD:
		write = false
	case wire.OpWrite6, wire.OpWrite10, wire.OpWrite12:
		write = true
	}

	// Only the data-bearing opcodes are worth the bus-master setup; for
	// everything else the byte counts are tiny and PIO is simpler.
	dma := dev.DMAEnabled
	switch cdb[0] {
	case wire.OpRead6, wire.OpWrite6, wire.OpRead10, wire.OpWrite10,
		wire.OpRead12, wire.OpWrite12, wire.OpReadCD:
	default:
		dma = false
	}

	d.ch.ExecPacket(dev, req, packet, write, dma)
}
