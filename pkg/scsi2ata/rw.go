// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Data commands and cache control translated onto the device.

package scsi2ata

import (
	"time"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// flushTimeout allows for drives that take their time emptying a large
// write cache.
const flushTimeout = 60 * time.Second

func (d *Dispatcher) readWrite(dev *bus.Device, req *bus.Request) {
	rw, err := wire.DecodeReadWrite(req.CDB[:req.CDBLength])
	if err != nil {
		dev.SetSense(wire.KeyIllegalRequest, wire.AscInvalidCDBField)
		return
	}

	if rw.Length == 0 {
		// A zero-block transfer on the 10/12/16 forms is a successful
		// no-op; the device never hears about it.
		return
	}

	if rw.LBA+uint64(rw.Length) > dev.TotalSectors {
		dev.SetSense(wire.KeyIllegalRequest, wire.AscLBAOutOfRange)
		return
	}
	if uint64(req.DataLength()) != uint64(rw.Length)*uint64(dev.SectorSize) {
		// The upper layer guarantees this; a mismatch means the request
		// is corrupt and must not touch the device.
		req.Status = bus.StatusInvalidRequest
		return
	}

	d.ch.ExecReadWrite(dev, req, rw.LBA, rw.Length, rw.Write)
}

// synchronizeCache flushes the write cache. Drives routinely deny FLUSH
// CACHE support while implementing it, so only the write-cache bit
// gates the command.
func (d *Dispatcher) synchronizeCache(dev *bus.Device, req *bus.Request) {
	if !dev.Info.WriteCacheSupported {
		return
	}
	tf := wire.TaskFile{Command: wire.ATACmdFlushCache}
	if dev.Use48Bit {
		tf.Command = wire.ATACmdFlushCacheExt
	}
	if req.Timeout <= 0 {
		req.Timeout = flushTimeout
	}
	d.ch.ExecSimple(dev, req, tf, 0, wire.ErrorABRT)
}

func (d *Dispatcher) startStopUnit(dev *bus.Device, req *bus.Request) {
	cdb := req.CDB[:]
	start := cdb[4]&0x01 != 0
	loadEject := cdb[4]&0x02 != 0

	if !start {
		// Stopping implies the cache must be clean.
		d.synchronizeCache(dev, req)
		if dev.Sense().IsSet() || req.Status != bus.StatusPending {
			return
		}
	}

	if !loadEject {
		return
	}
	if start {
		// ATA has no load.
		dev.SetSense(wire.KeyIllegalRequest, wire.AscParamNotSupported)
		return
	}
	tf := wire.TaskFile{Command: wire.ATACmdMediaEject}
	d.ch.ExecSimple(dev, req, tf, 0, wire.ErrorABRT|wire.ErrorNM)
}
