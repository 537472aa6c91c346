// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// AHCI 1.3.1 in-memory structures: command list entries, the command
// table with its H2D register FIS and ATAPI command area, and physical
// region descriptors. All fields are little-endian; byte-count fields use
// the specification's zero-based encoding.

package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// CommandListEntryLength is the size of one command header.
	CommandListEntryLength = 32
	// CommandListSlots is the number of slots in a command list.
	CommandListSlots = 32
	// PRDLength is the size of one physical region descriptor.
	PRDLength = 16
	// PRDMaxData is the largest data byte count one PRD can describe.
	PRDMaxData = 0x400000
	// FISReceiveLength is the size of the received-FIS area.
	FISReceiveLength = 256
	// CommandFISLength is the size of the H2D register FIS in bytes.
	CommandFISLength = 20

	fisTypeRegisterH2D = 0x27
	fisCommandBit      = 0x80
)

// Offsets of the received FIS types inside the FIS receive area.
const (
	FISOffsetDMASetup  = 0x00
	FISOffsetPIOSetup  = 0x20
	FISOffsetD2H       = 0x40
	FISOffsetSetDevice = 0x58
	FISOffsetUnknown   = 0x60
)

// CommandHeader describes one command list entry before serialization.
type CommandHeader struct {
	FISLength   uint8 // in dwords
	ATAPI       bool
	Write       bool
	Prefetch    bool
	ClearBusy   bool
	PMPort      uint8
	PRDCount    uint16
	TablePhys   uint64 // command table base, 128-byte aligned
}

// Encode serializes the command header into a 32-byte command list entry.
// The PRD byte count field starts at zero; the HBA updates it as the
// transfer progresses.
func (h CommandHeader) Encode() [CommandListEntryLength]byte {
	var b [CommandListEntryLength]byte
	flags := uint16(h.FISLength & 0x1f)
	if h.ATAPI {
		flags |= 1 << 5
	}
	if h.Write {
		flags |= 1 << 6
	}
	if h.Prefetch {
		flags |= 1 << 7
	}
	if h.ClearBusy {
		flags |= 1 << 10
	}
	flags |= uint16(h.PMPort&0x0f) << 12
	binary.LittleEndian.PutUint16(b[0:2], flags)
	binary.LittleEndian.PutUint16(b[2:4], h.PRDCount)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.TablePhys))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.TablePhys>>32))
	return b
}

// EncodeH2DFIS builds the 20-byte host-to-device register FIS that issues
// the task file as one AHCI command.
func EncodeH2DFIS(tf *TaskFile) [CommandFISLength]byte {
	var b [CommandFISLength]byte
	b[0] = fisTypeRegisterH2D
	b[1] = fisCommandBit
	b[2] = tf.Command
	b[3] = tf.Features
	b[4] = tf.LBALow
	b[5] = tf.LBAMid
	b[6] = tf.LBAHigh
	b[7] = tf.DeviceHead
	b[8] = tf.LBALow48
	b[9] = tf.LBAMid48
	b[10] = tf.LBAHigh48
	b[11] = tf.Features48
	b[12] = tf.SectorCount
	b[13] = tf.SectorCount48
	return b
}

// EncodeATAPIFIS builds the register FIS framing an ATAPI PACKET command.
// The mid/high LBA bytes carry the 0xFFFE byte-count signature the packet
// protocol expects.
func EncodeATAPIFIS() [CommandFISLength]byte {
	var b [CommandFISLength]byte
	b[0] = fisTypeRegisterH2D
	b[1] = fisCommandBit
	b[2] = ATACmdPacket
	b[5] = 0xfe
	b[6] = 0xff
	return b
}

// PhysEntry is one physical address range of a scatter/gather table.
type PhysEntry struct {
	Address uint64
	Length  uint32
}

var (
	ErrPRDAlignment = errors.New("wire: PRD data address must be 2-byte aligned")
	ErrPRDExhausted = errors.New("wire: scatter/gather list needs more PRDs than the table holds")
	ErrPRDShortList = errors.New("wire: scatter/gather list shorter than the transfer")
)

// FillPRDTable serializes a scatter/gather list into PRDs, splitting
// entries larger than the 4 MiB PRD limit, and returns the encoded table.
// dataSize bounds the transfer; surplus scatter/gather space is ignored.
func FillPRDTable(sg []PhysEntry, dataSize uint64, maxEntries int) ([]byte, error) {
	var out []byte
	count := 0
	for _, e := range sg {
		if dataSize == 0 {
			break
		}
		if e.Address&1 != 0 {
			return nil, ErrPRDAlignment
		}
		size := uint64(e.Length)
		if size > dataSize {
			size = dataSize
		}
		dataSize -= size
		addr := e.Address
		for size > 0 {
			chunk := size
			if chunk > PRDMaxData {
				chunk = PRDMaxData
			}
			if count == maxEntries {
				return nil, ErrPRDExhausted
			}
			var prd [PRDLength]byte
			binary.LittleEndian.PutUint32(prd[0:4], uint32(addr))
			binary.LittleEndian.PutUint32(prd[4:8], uint32(addr>>32))
			binary.LittleEndian.PutUint32(prd[12:16], uint32(chunk-1))
			out = append(out, prd[:]...)
			count++
			addr += chunk
			size -= chunk
		}
	}
	if dataSize > 0 {
		return nil, ErrPRDShortList
	}
	return out, nil
}
