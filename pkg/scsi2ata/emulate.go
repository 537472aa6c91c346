// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Emulated SCSI commands, answered from the cached identify block
// without touching the device.

package scsi2ata

import (
	"encoding/binary"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// copyToSG scatters data into a request's buffer and returns the number
// of bytes that fit.
func copyToSG(sg bus.SGList, data []byte) int {
	copied := 0
	for _, seg := range sg {
		if len(data) == 0 {
			break
		}
		n := copy(seg, data)
		data = data[n:]
		copied += n
	}
	return copied
}

// gatherSG flattens a request's data buffer, for small parameter lists.
func gatherSG(sg bus.SGList) []byte {
	out := make([]byte, 0, sg.TotalLength())
	for _, seg := range sg {
		out = append(out, seg...)
	}
	return out
}

// respond copies a synthesized response into the request buffer,
// truncated to the CDB allocation length, and accounts the residual.
func respond(req *bus.Request, allocLen int, data []byte) {
	if allocLen >= 0 && len(data) > allocLen {
		data = data[:allocLen]
	}
	copied := copyToSG(req.Data, data)
	req.Residual = req.DataLength() - copied
}

// requestSense answers from the device's stored sense tuple and clears
// it, so a repeated REQUEST SENSE reads all zeros. This is the one
// opcode that must not clear sense on entry.
func (d *Dispatcher) requestSense(dev *bus.Device, req *bus.Request) {
	var sense [wire.FixedSenseLength]byte
	if s := dev.Sense(); s.IsSet() {
		sense = s.Encode()
	}
	respond(req, int(req.CDB[4]), sense[:])
	dev.ClearSense()
}

func (d *Dispatcher) testUnitReady(dev *bus.Device, req *bus.Request) {
	if !dev.Info.RMSNSupported {
		return
	}
	// The device can tell us about a missing or swapped medium.
	tf := wire.TaskFile{Command: wire.ATACmdGetMediaStatus}
	d.ch.ExecSimple(dev, req, tf, 0,
		wire.ErrorNM|wire.ErrorABRT|wire.ErrorMCR|wire.ErrorMC)
}

func (d *Dispatcher) inquiry(dev *bus.Device, req *bus.Request) {
	cdb := req.CDB[:]
	allocLen := int(binary.BigEndian.Uint16(cdb[3:5]))
	evpd := cdb[1]&0x01 != 0
	page := cdb[2]

	if !evpd {
		if page != 0 {
			dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
			return
		}
		data := wire.EncodeInquiry(dev.Info)
		respond(req, allocLen, data[:])
		return
	}

	switch page {
	case wire.PageSupportedVPD:
		respond(req, allocLen, wire.EncodeVPDSupportedPages())
	case wire.PageBlockLimits:
		respond(req, allocLen, wire.EncodeVPDBlockLimits(dev.TrimSupported))
	case wire.PageLBProvisioning:
		respond(req, allocLen, wire.EncodeVPDLBProvisioning(dev.TrimSupported, dev.TrimReturnsZeros))
	default:
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
	}
}

func (d *Dispatcher) modeSense10(dev *bus.Device, req *bus.Request) {
	cdb := req.CDB[:]
	allocLen := int(binary.BigEndian.Uint16(cdb[7:9]))
	pageCode := cdb[2] & 0x3f
	pageControl := cdb[2] >> 6

	data, sense := wire.EncodeModeSense10(pageCode, pageControl, dev.SectorSize)
	if sense.IsSet() {
		dev.SetSense(sense.Key, sense.Code)
		return
	}
	respond(req, allocLen, data[:])
}

func (d *Dispatcher) modeSelect10(dev *bus.Device, req *bus.Request) {
	cdb := req.CDB[:]
	if cdb[1]&0x01 != 0 || cdb[1]&0x10 == 0 {
		// Saving pages is not supported and vendor-specific page formats
		// are not understood.
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
		return
	}
	listLen := int(binary.BigEndian.Uint16(cdb[7:9]))
	if listLen == 0 {
		return
	}
	param := gatherSG(req.Data)
	if listLen < len(param) {
		param = param[:listLen]
	}
	if sense := wire.DecodeModeSelect10(param); sense.IsSet() {
		dev.SetSense(sense.Key, sense.Code)
		return
	}
	req.Residual = req.DataLength() - len(param)
}

func (d *Dispatcher) readCapacity10(dev *bus.Device, req *bus.Request) {
	cdb := req.CDB[:]
	if cdb[8]&0x01 != 0 || binary.BigEndian.Uint32(cdb[2:6]) != 0 {
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
		return
	}
	data := wire.EncodeReadCapacity10(dev.TotalSectors, dev.SectorSize)
	respond(req, -1, data[:])
}

func (d *Dispatcher) readCapacity16(dev *bus.Device, req *bus.Request) {
	cdb := req.CDB[:]
	allocLen := int(binary.BigEndian.Uint32(cdb[10:14]))
	if cdb[14]&0x01 != 0 || binary.BigEndian.Uint64(cdb[2:10]) != 0 {
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
		return
	}
	data := wire.EncodeReadCapacity16(dev.TotalSectors, dev.SectorSize,
		dev.TrimSupported, dev.TrimReturnsZeros)
	respond(req, allocLen, data[:])
}
