// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Synthesized SCSI response PDUs: standard inquiry, VPD pages, capacity
// and mode data. These are built from the cached identify block, never
// from the device directly.

package wire

import (
	"bytes"
	"encoding/binary"
)

// InquiryLength is the size of the standard inquiry response.
const InquiryLength = 36

const (
	inquiryVendorLen  = 8
	inquiryProductLen = 16
	inquiryRevLen     = 4
)

// EncodeInquiry builds the 36-byte standard inquiry response. The ANSI
// version is reported as SPC-3 so the peripheral layer uses READ CAPACITY
// (16) and asks for VPD pages.
//
// ATA has 40 bytes of model number where SCSI has 8+16 for vendor and
// product; the model is split at the first space, at a hyphen if no space
// fits the vendor field, and as a blind 8/16 split otherwise. The product
// revision is the last four bytes of the serial number.
func EncodeInquiry(id *Identify) [InquiryLength]byte {
	var b [InquiryLength]byte

	if id.Kind == KindATAPI {
		b[0] = id.ATAPIType
	}
	if id.Removable {
		b[1] = 0x80
	}
	b[2] = 5    // SPC-3
	b[3] = 2    // response data format
	b[4] = InquiryLength - 5 // additional length
	b[7] = 0x20              // 16-bit wide transfers

	model := id.ModelNumber[:]
	vendorLen := bytes.IndexByte(model, ' ')
	if vendorLen < 0 || vendorLen >= inquiryVendorLen {
		vendorLen = bytes.IndexByte(model, '-')
	}
	if vendorLen >= 0 && vendorLen < inquiryVendorLen {
		pad(b[8:8+inquiryVendorLen], model[:vendorLen])
		pad(b[16:16+inquiryProductLen], model[vendorLen+1:])
	} else {
		copy(b[8:8+inquiryVendorLen], model)
		copy(b[16:16+inquiryProductLen], model[inquiryVendorLen:])
	}
	copy(b[32:32+inquiryRevLen], id.SerialNumber[len(id.SerialNumber)-inquiryRevLen:])

	return b
}

// pad copies src into dst and fills the remainder with spaces.
func pad(dst, src []byte) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// EncodeVPDSupportedPages builds VPD page 0x00 listing the supported
// pages in ascending order.
func EncodeVPDSupportedPages() []byte {
	pages := []byte{PageSupportedVPD, PageBlockLimits, PageLBProvisioning}
	b := make([]byte, 4+len(pages))
	b[1] = PageSupportedVPD
	b[3] = byte(len(pages))
	copy(b[4:], pages)
	return b
}

// EncodeVPDBlockLimits builds VPD page 0xB0. The unmap limits are filled
// only when the device supports TRIM; the engine batches arbitrarily
// large parameter lists itself, so the advertised limits are unbounded.
func EncodeVPDBlockLimits(trimSupported bool) []byte {
	b := make([]byte, 64)
	b[1] = PageBlockLimits
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)-4))
	if trimSupported {
		binary.BigEndian.PutUint32(b[20:24], 0xffffffff) // max unmap LBA count
		binary.BigEndian.PutUint32(b[24:28], 0xffffffff) // max unmap descriptor count
	}
	return b
}

// EncodeVPDLBProvisioning builds VPD page 0xB2 with the LBPU and LBPRZ
// bits derived from the device's TRIM capabilities.
func EncodeVPDLBProvisioning(trimSupported, trimReturnsZeros bool) []byte {
	b := make([]byte, 8)
	b[1] = PageLBProvisioning
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)-4))
	if trimSupported {
		b[5] |= 0x80 // LBPU
	}
	if trimReturnsZeros {
		b[5] |= 0x04 // LBPRZ
	}
	return b
}

// ReadCapacity10Length is the size of the READ CAPACITY (10) response.
const ReadCapacity10Length = 8

// EncodeReadCapacity10 builds the 8-byte capacity response. Devices larger
// than 32-bit addressing report 0xFFFFFFFF, telling the initiator to use
// READ CAPACITY (16).
func EncodeReadCapacity10(sectorCount uint64, blockSize uint32) [ReadCapacity10Length]byte {
	var b [ReadCapacity10Length]byte
	lastBlock := uint32(0xffffffff)
	if sectorCount <= 0xffffffff {
		lastBlock = uint32(sectorCount - 1)
	}
	binary.BigEndian.PutUint32(b[0:4], lastBlock)
	binary.BigEndian.PutUint32(b[4:8], blockSize)
	return b
}

// ReadCapacity16Length is the size of the READ CAPACITY (16) response.
const ReadCapacity16Length = 32

// EncodeReadCapacity16 builds the 32-byte capacity response with the full
// 64-bit last block address and the provisioning bits.
func EncodeReadCapacity16(sectorCount uint64, blockSize uint32, trimSupported, trimReturnsZeros bool) [ReadCapacity16Length]byte {
	var b [ReadCapacity16Length]byte
	binary.BigEndian.PutUint64(b[0:8], sectorCount-1)
	binary.BigEndian.PutUint32(b[8:12], blockSize)
	b[12] = 0x10 // RC BASIS: full capacity reported
	if trimSupported {
		b[14] |= 0x80 // LBPME
	}
	if trimReturnsZeros {
		b[14] |= 0x40 // LBPRZ
	}
	return b
}

// Mode page codes and page-control values used by the 10-byte mode
// commands.
const (
	ModePageControl = 0x0a
	ModePageAll     = 0x3f

	ModePCCurrent = 0
	ModePCSaved   = 3
)

const (
	modeHeaderLen     = 8
	modeBlockDescLen  = 8
	modeControlLen    = 12
	ModeSense10Length = modeHeaderLen + modeBlockDescLen + modeControlLen
)

// EncodeModeSense10 builds the MODE SENSE (10) response: a parameter
// header, one block descriptor advertising the sector size, and the
// control mode page. Page-control values other than current and saved,
// and page codes other than control or all-pages, are invalid.
func EncodeModeSense10(pageCode, pageControl uint8, blockSize uint32) ([ModeSense10Length]byte, Sense) {
	var b [ModeSense10Length]byte

	if pageCode != ModePageControl && pageCode != ModePageAll {
		return b, Sense{Key: KeyIllegalRequest, Code: AscInvalidCDBField}
	}
	if pageControl != ModePCCurrent && pageControl != ModePCSaved {
		return b, Sense{Key: KeyIllegalRequest, Code: AscInvalidCDBField}
	}

	binary.BigEndian.PutUint16(b[0:2], ModeSense10Length-2) // mode data length
	binary.BigEndian.PutUint16(b[6:8], modeBlockDescLen)

	desc := b[modeHeaderLen:]
	desc[5] = uint8(blockSize >> 16)
	desc[6] = uint8(blockSize >> 8)
	desc[7] = uint8(blockSize)

	page := b[modeHeaderLen+modeBlockDescLen:]
	page[0] = ModePageControl
	page[1] = modeControlLen - 2
	page[3] = 0x11 // unrestricted reordering, queuing disabled

	return b, Sense{}
}

// DecodeModeSelect10 walks the mode pages in a MODE SELECT (10) parameter
// list. Only the control page is recognized; any other page is an invalid
// parameter-list field, and a malformed length is a parameter-list length
// error.
func DecodeModeSelect10(param []byte) Sense {
	lengthErr := Sense{Key: KeyIllegalRequest, Code: AscParamListLengthErr}

	if len(param) < modeHeaderLen {
		return lengthErr
	}
	total := int(binary.BigEndian.Uint16(param[0:2])) + 2
	if total > len(param) {
		total = len(param)
	}
	offset := modeHeaderLen + int(binary.BigEndian.Uint16(param[6:8]))

	for offset < total {
		if offset+2 > total {
			return lengthErr
		}
		pageLen := int(param[offset+1]) + 2
		if offset+pageLen > total {
			return lengthErr
		}
		switch param[offset] & 0x3f {
		case ModePageControl:
			if pageLen != modeControlLen {
				return lengthErr
			}
		default:
			return Sense{Key: KeyIllegalRequest, Code: AscInvalidParamField}
		}
		offset += pageLen
	}
	if offset != total {
		return lengthErr
	}
	return Sense{}
}
