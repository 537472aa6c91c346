// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Copyright 2021 Christian Svensson. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// SCSI generic IO plumbing: the sg_io_hdr ioctl and the ATA PASS-THROUGH
// (16) CDB that carries a task file through the kernel's SG layer.

package sgio

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/dswarbrick/smart/ioctl"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

type cdbDirection int32

const (
	cdbNone       cdbDirection = -1
	cdbToDevice   cdbDirection = -2
	cdbFromDevice cdbDirection = -3

	sgInfoOKMask = 0x1
	sgInfoOK     = 0x0

	sgIO = 0x2285

	// Timeout in milliseconds.
	defaultTimeout = 60000

	ataPassThrough16 = 0x85

	// ATA PASS-THROUGH protocol values.
	protoNonData = 3
	protoPIOIn   = 4
	protoPIOOut  = 5
	protoDMA     = 6
)

var errSGIOFailed = errors.New("sgio: SG_IO transaction failed")

// sgIoHdr is sg_io_hdr_t from <scsi/sg.h>.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection cdbDirection
	cmdLen         uint8
	mxSBLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// sendCDB runs one SG_IO transaction and returns the sense buffer, which
// carries the ATA status/error descriptor for pass-through commands.
func sendCDB(fd uintptr, cdb []byte, dir cdbDirection, buf []byte) ([]byte, error) {
	senseBuf := make([]byte, 32)

	hdr := sgIoHdr{
		interfaceID:    'S',
		dxferDirection: dir,
		timeout:        defaultTimeout,
		cmdLen:         uint8(len(cdb)),
		mxSBLen:        uint8(len(senseBuf)),
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&senseBuf[0])),
	}
	if len(buf) > 0 {
		hdr.dxferLen = uint32(len(buf))
		hdr.dxferp = uintptr(unsafe.Pointer(&buf[0]))
	}

	if err := ioctl.Ioctl(fd, sgIO, uintptr(unsafe.Pointer(&hdr))); err != nil {
		return senseBuf, err
	}
	if hdr.info&sgInfoOKMask != sgInfoOK {
		// Pass-through completions with the check-condition descriptor
		// land here too; the caller digs the ATA registers out of the
		// sense data.
		return senseBuf, fmt.Errorf("%w: status %#02x, host %#02x, driver %#02x",
			errSGIOFailed, hdr.status, hdr.hostStatus, hdr.driverStatus)
	}
	return senseBuf, nil
}

// ataPassThroughCDB builds the 16-byte pass-through CDB for a task file.
// The ck_cond bit is always set, so the SATL returns the completion
// registers in the sense data.
func ataPassThroughCDB(tf *wire.TaskFile, proto uint8, in bool, blocks int) [16]byte {
	var cdb [16]byte
	cdb[0] = ataPassThrough16
	cdb[1] = proto << 1
	switch tf.Command {
	case wire.ATACmdReadSectorsExt, wire.ATACmdWriteSectorsExt,
		wire.ATACmdReadDMAExt, wire.ATACmdWriteDMAExt,
		wire.ATACmdFlushCacheExt, wire.ATACmdDataSetManagement:
		cdb[1] |= 0x01 // extend: the 48-bit fields are live
	}
	if blocks > 0 {
		// t_length = sector count field, byte-block units
		cdb[2] = 0x06
		if in {
			cdb[2] |= 0x08 // t_dir: from device
		}
	}
	cdb[2] |= 0x20 // ck_cond: always surface the registers

	cdb[3] = tf.Features48
	cdb[4] = tf.Features
	cdb[5] = tf.SectorCount48
	cdb[6] = tf.SectorCount
	cdb[7] = tf.LBALow48
	cdb[8] = tf.LBALow
	cdb[9] = tf.LBAMid48
	cdb[10] = tf.LBAMid
	cdb[11] = tf.LBAHigh48
	cdb[12] = tf.LBAHigh
	cdb[13] = tf.DeviceHead
	cdb[14] = tf.Command
	return cdb
}

// decodeATAReturn extracts the status and error registers from the
// fixed-format sense an SATL returns for ck_cond pass-through.
func decodeATAReturn(sense []byte) (status, errReg uint8, ok bool) {
	if len(sense) < 22 {
		return 0, 0, false
	}
	if sense[0]&0x7f == 0x72 {
		// Descriptor format: find the ATA status return descriptor.
		desc := sense[8:]
		for len(desc) >= 2 {
			dlen := int(desc[1]) + 2
			if dlen > len(desc) {
				break
			}
			if desc[0] == 0x09 && dlen >= 14 {
				return desc[13], desc[3], true
			}
			desc = desc[dlen:]
		}
		return 0, 0, false
	}
	if sense[0]&0x7f == 0x70 {
		// Fixed format: registers live in the information field.
		return sense[21], sense[19], true
	}
	return 0, 0, false
}
