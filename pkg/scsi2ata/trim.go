// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// UNMAP to DATA SET MANAGEMENT translation. SCSI descriptors carry
// 32-bit block counts, ATA range entries 16-bit ones, so every SCSI
// range splits into one or more ATA entries, batched into as few
// commands as the device's limits allow.

package scsi2ata

import (
	"encoding/binary"
	"log"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// trimScratchBytes caps the in-core range buffer per DATA SET MANAGEMENT
// command.
const trimScratchBytes = 64 * 1024

func (d *Dispatcher) unmap(dev *bus.Device, req *bus.Request) {
	if !dev.TrimSupported || dev.MaxTrimRangeBlocks == 0 {
		req.Status = bus.StatusAborted
		return
	}

	cdb := req.CDB[:]
	listLen := int(binary.BigEndian.Uint16(cdb[7:9]))
	param := gatherSG(req.Data)
	if listLen != len(param) {
		req.Status = bus.StatusAborted
		return
	}
	descs, err := wire.DecodeUnmapList(param)
	if err != nil {
		req.Status = bus.StatusAborted
		return
	}
	if len(descs) == 0 {
		req.Residual = 0
		return
	}

	// One command carries at most this many range entries, whichever
	// limit binds first: the device's reported range-block count, the
	// 48-bit sector-count field, or the scratch buffer.
	entriesCap := int(dev.MaxTrimRangeBlocks) * wire.DSMRangeEntriesPerBlock
	if max := wire.DSMMaxRangeLength * wire.DSMRangeEntriesPerBlock; entriesCap > max {
		entriesCap = max
	}
	if entriesCap > trimScratchBytes/8 {
		entriesCap = trimScratchBytes / 8
	}

	entries := make([]uint64, 0, entriesCap)

	flush := func() bool {
		if len(entries) == 0 {
			return true
		}
		blocks := (len(entries) + wire.DSMRangeEntriesPerBlock - 1) /
			wire.DSMRangeEntriesPerBlock
		payload := make([]byte, blocks*512)
		for i, e := range entries {
			binary.LittleEndian.PutUint64(payload[i*8:], e)
		}
		entries = entries[:0]

		var tf wire.TaskFile
		tf.SetLBA48(0, uint32(blocks), dev.Index)
		tf.Features = wire.FeatureTrim
		tf.Command = wire.ATACmdDataSetManagement

		err := d.ch.ExecDataOut(dev, req, tf,
			wire.MaskLBA48|wire.MaskFeatures, payload, 512)
		return err == nil
	}

	for _, desc := range descs {
		if desc.Blocks == 0 {
			continue
		}
		if desc.LBA > wire.DSMMaxLBA {
			// Cannot be expressed on the wire; drop the range rather
			// than failing the whole request.
			log.Printf("%s: unmap range at LBA %#x beyond 48-bit reach, skipped",
				d.ch.Name(), desc.LBA)
			continue
		}
		lba, length := desc.LBA, uint64(desc.Blocks)
		for length > 0 {
			chunk := length
			if chunk > wire.DSMMaxRangeLength {
				chunk = wire.DSMMaxRangeLength
			}
			entries = append(entries, wire.EncodeDSMRange(lba, uint16(chunk)))
			if len(entries) == entriesCap {
				if !flush() {
					return
				}
			}
			lba += chunk
			length -= chunk
		}
	}
	if !flush() {
		return
	}
	req.Residual = 0
}
