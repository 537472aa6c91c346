// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// SCSI command blocks, status codes and sense data as defined by SPC-3/SBC-3.
// All multi-byte SCSI fields are big-endian.

package wire

import (
	"encoding/binary"
	"errors"
)

// SCSI operation codes handled or rejected by the dispatcher.
const (
	OpTestUnitReady    = 0x00
	OpRequestSense     = 0x03
	OpFormatUnit       = 0x04
	OpRead6            = 0x08
	OpWrite6           = 0x0a
	OpInquiry          = 0x12
	OpModeSelect6      = 0x15
	OpReserve          = 0x16
	OpRelease          = 0x17
	OpModeSense6       = 0x1a
	OpStartStopUnit    = 0x1b
	OpPreventAllow     = 0x1e
	OpReadCapacity10   = 0x25
	OpRead10           = 0x28
	OpWrite10          = 0x2a
	OpVerify10         = 0x2f
	OpSynchronizeCache = 0x35
	OpUnmap            = 0x42
	OpModeSelect10     = 0x55
	OpModeSense10      = 0x5a
	OpRead16           = 0x88
	OpWrite16          = 0x8a
	OpServiceActionIn  = 0x9e
	OpRead12           = 0xa8
	OpWrite12          = 0xaa
	OpReadCD           = 0xbe
)

// SERVICE ACTION IN service actions.
const (
	SAIReadCapacity16 = 0x10
)

// VPD page codes.
const (
	PageSupportedVPD   = 0x00
	PageBlockLimits    = 0xb0
	PageLBProvisioning = 0xb2
)

// SCSI status byte values.
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
)

// Sense keys.
const (
	KeyNoSense        = 0
	KeyRecoveredError = 1
	KeyNotReady       = 2
	KeyMediumError    = 3
	KeyHardwareError  = 4
	KeyIllegalRequest = 5
	KeyUnitAttention  = 6
	KeyDataProtect    = 7
	KeyAbortedCommand = 11
)

// AdditionalSense packs ASC and ASCQ into one value, ASC in the high byte.
type AdditionalSense uint16

const (
	AscNoSense             AdditionalSense = 0x0000
	AscLUNCommFailure      AdditionalSense = 0x0800
	AscLUNCommCRC          AdditionalSense = 0x0803
	AscUnrecoveredReadErr  AdditionalSense = 0x1100
	AscRandomPosError      AdditionalSense = 0x1500
	AscParamListLengthErr  AdditionalSense = 0x1a00
	AscInvalidOpcode       AdditionalSense = 0x2000
	AscLBAOutOfRange       AdditionalSense = 0x2100
	AscIllegalFunction     AdditionalSense = 0x2200
	AscInvalidCDBField     AdditionalSense = 0x2400
	AscInvalidParamField   AdditionalSense = 0x2600
	AscParamNotSupported   AdditionalSense = 0x2601
	AscWriteProtected      AdditionalSense = 0x2700
	AscMediumChanged       AdditionalSense = 0x2800
	AscNoMedium            AdditionalSense = 0x3a00
	AscInternalFailure     AdditionalSense = 0x4400
	AscRemovalRequested    AdditionalSense = 0x5a01
)

// ASC returns the additional sense code byte.
func (a AdditionalSense) ASC() uint8 { return uint8(a >> 8) }

// ASCQ returns the additional sense code qualifier byte.
func (a AdditionalSense) ASCQ() uint8 { return uint8(a) }

// Sense is the three-level SCSI error classification carried by a device
// between a failed command and the consuming REQUEST SENSE.
type Sense struct {
	Key  uint8
	Code AdditionalSense
}

// IsSet reports whether any sense information is pending.
func (s Sense) IsSet() bool {
	return s.Key != 0 || s.Code != 0
}

// FixedSenseLength is the size of the fixed-format sense response the
// translator synthesizes for emulated autosense.
const FixedSenseLength = 18

const senseCurrentError = 0x70

// Encode serializes s into the fixed sense data format (SPC-3 4.5.3).
func (s Sense) Encode() [FixedSenseLength]byte {
	var b [FixedSenseLength]byte
	b[0] = senseCurrentError
	b[2] = s.Key & 0x0f
	b[7] = FixedSenseLength - 7 // additional sense length
	b[12] = s.Code.ASC()
	b[13] = s.Code.ASCQ()
	return b
}

var errShortCDB = errors.New("wire: CDB shorter than its operation code requires")

// CDBLen returns the length in bytes of a CDB based on its group code
// (SPC-4 4.2.5.1).
func CDBLen(opcode byte) int {
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	default:
		return 0
	}
}

// ReadWrite describes a decoded READ or WRITE CDB of any length.
type ReadWrite struct {
	LBA    uint64
	Length uint32 // in blocks; 0 on the 10/12/16 forms means "no transfer"
	Write  bool
}

// DecodeReadWrite decodes the 6/10/12/16-byte READ and WRITE CDB forms.
// A 6-byte transfer length of zero means 256 blocks; on the longer forms
// zero stays zero and the caller completes the request without touching
// the device.
func DecodeReadWrite(cdb []byte) (ReadWrite, error) {
	if len(cdb) == 0 {
		return ReadWrite{}, errShortCDB
	}
	var rw ReadWrite
	switch cdb[0] {
	case OpWrite6, OpWrite10, OpWrite12, OpWrite16:
		rw.Write = true
	}
	switch cdb[0] {
	case OpRead6, OpWrite6:
		if len(cdb) < 6 {
			return ReadWrite{}, errShortCDB
		}
		rw.LBA = uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		rw.Length = uint32(cdb[4])
		if rw.Length == 0 {
			rw.Length = 256
		}
	case OpRead10, OpWrite10:
		if len(cdb) < 10 {
			return ReadWrite{}, errShortCDB
		}
		rw.LBA = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		rw.Length = uint32(binary.BigEndian.Uint16(cdb[7:9]))
	case OpRead12, OpWrite12:
		if len(cdb) < 12 {
			return ReadWrite{}, errShortCDB
		}
		rw.LBA = uint64(binary.BigEndian.Uint32(cdb[2:6]))
		rw.Length = binary.BigEndian.Uint32(cdb[6:10])
	case OpRead16, OpWrite16:
		if len(cdb) < 16 {
			return ReadWrite{}, errShortCDB
		}
		rw.LBA = binary.BigEndian.Uint64(cdb[2:10])
		rw.Length = binary.BigEndian.Uint32(cdb[10:14])
	default:
		return ReadWrite{}, errors.New("wire: not a READ or WRITE CDB")
	}
	return rw, nil
}
