// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDecodeReadWrite(t *testing.T) {
	testCases := []struct {
		name   string
		cdb    []byte
		lba    uint64
		length uint32
		write  bool
	}{
		{"Read6", []byte{OpRead6, 0x01, 0x23, 0x45, 10, 0}, 0x012345, 10, false},
		{"Read6ZeroMeans256", []byte{OpRead6, 0, 0, 1, 0, 0}, 1, 256, false},
		{"Write6", []byte{OpWrite6, 0, 0, 4, 2, 0}, 4, 2, true},
		{"Read10", []byte{OpRead10, 0, 0, 0, 1, 0x8f, 0, 0, 8, 0}, 0x18f, 8, false},
		{"Read10Zero", []byte{OpRead10, 0, 0, 0, 0, 1, 0, 0, 0, 0}, 1, 0, false},
		{"Write12", []byte{OpWrite12, 0, 0, 0, 0, 0x64, 0, 1, 0, 0, 0, 0}, 100, 0x10000, true},
		{"Read16", append([]byte{OpRead16, 0},
			0, 0, 0, 1, 0, 0, 0, 0, // lba = 1 << 32
			0, 0, 0, 8, 0, 0), 1 << 32, 8, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rw, err := DecodeReadWrite(tc.cdb)
			if err != nil {
				t.Fatalf("DecodeReadWrite: %v", err)
			}
			if rw.LBA != tc.lba || rw.Length != tc.length || rw.Write != tc.write {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)",
					rw.LBA, rw.Length, rw.Write, tc.lba, tc.length, tc.write)
			}
		})
	}

	if _, err := DecodeReadWrite([]byte{OpInquiry, 0, 0, 0, 0, 0}); err == nil {
		t.Error("expected error for non-read/write opcode")
	}
}

func TestCDBLen(t *testing.T) {
	testCases := []struct {
		opcode byte
		want   int
	}{
		{OpTestUnitReady, 6},
		{OpRead10, 10},
		{OpModeSense10, 10},
		{OpRead16, 16},
		{OpServiceActionIn, 16},
		{OpRead12, 12},
		{OpReadCD, 12},
	}
	for _, tc := range testCases {
		if got := CDBLen(tc.opcode); got != tc.want {
			t.Errorf("CDBLen(%#02x) = %d, want %d", tc.opcode, got, tc.want)
		}
	}
}

func TestSenseEncode(t *testing.T) {
	s := Sense{Key: KeyMediumError, Code: AscNoMedium}
	b := s.Encode()
	if b[0] != 0x70 {
		t.Errorf("error code = %#02x, want 0x70", b[0])
	}
	if b[2] != KeyMediumError {
		t.Errorf("sense key = %d, want %d", b[2], KeyMediumError)
	}
	if b[12] != 0x3a || b[13] != 0x00 {
		t.Errorf("asc/ascq = %#02x/%#02x, want 0x3a/0x00", b[12], b[13])
	}
	if b[7] != FixedSenseLength-7 {
		t.Errorf("additional length = %d, want %d", b[7], FixedSenseLength-7)
	}
}

func TestEncodeReadCapacity10(t *testing.T) {
	t.Run("Small", func(t *testing.T) {
		// 400 sectors of 512 bytes: last LBA 399, block size 512.
		got := EncodeReadCapacity10(400, 512)
		want := []byte{0x00, 0x00, 0x01, 0x8f, 0x00, 0x00, 0x02, 0x00}
		if !bytes.Equal(got[:], want) {
			t.Errorf("got % x, want % x", got[:], want)
		}
	})
	t.Run("Clamped", func(t *testing.T) {
		got := EncodeReadCapacity10(uint64(1)<<33, 512)
		if binary.BigEndian.Uint32(got[0:4]) != 0xffffffff {
			t.Errorf("last LBA = %#x, want 0xffffffff", got[0:4])
		}
	})
}

func TestEncodeReadCapacity16(t *testing.T) {
	count := uint64(1) << 33
	got := EncodeReadCapacity16(count, 512, true, true)
	if lba := binary.BigEndian.Uint64(got[0:8]); lba != count-1 {
		t.Errorf("last LBA = %d, want %d", lba, count-1)
	}
	if bs := binary.BigEndian.Uint32(got[8:12]); bs != 512 {
		t.Errorf("block size = %d, want 512", bs)
	}
	if got[14]&0x80 == 0 {
		t.Error("LBPME not set")
	}
	if got[14]&0x40 == 0 {
		t.Error("LBPRZ not set")
	}
}

func identifyWithModel(t *testing.T, model, serial string) *Identify {
	t.Helper()
	return testIdentify(t, func(words []uint16) {
		putATAString(words[27:47], model)
		putATAString(words[10:20], serial)
	})
}

func TestEncodeInquiry(t *testing.T) {
	testCases := []struct {
		name    string
		model   string
		vendor  string
		product string
	}{
		{"SplitAtSpace", "WDC WD5000AAKX-001CA0", "WDC     ", "WD5000AAKX-001CA"},
		{"SplitAtHyphen", "SAMSUNG-HD204UI", "SAMSUNG ", "HD204UI         "},
		{"BlindSplit", "INTELSSDSC2CT120A3xxxxxx", "INTELSSD", "SC2CT120A3xxxxxx"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id := identifyWithModel(t, tc.model, "S2RBNB0HA12200B     ")
			inq := EncodeInquiry(id)
			if got := string(inq[8:16]); got != tc.vendor {
				t.Errorf("vendor = %q, want %q", got, tc.vendor)
			}
			if got := string(inq[16:32]); got != tc.product {
				t.Errorf("product = %q, want %q", got, tc.product)
			}
		})
	}

	id := identifyWithModel(t, "ACME DISK", "0123456789ABCDEFGHIJ")
	inq := EncodeInquiry(id)
	if inq[2] != 5 {
		t.Errorf("ANSI version = %d, want 5", inq[2])
	}
	if inq[4] != 31 {
		t.Errorf("additional length = %d, want 31", inq[4])
	}
	if got := string(inq[32:36]); got != "GHIJ" {
		t.Errorf("product revision = %q, want %q", got, "GHIJ")
	}
}

func TestEncodeVPDPages(t *testing.T) {
	t.Run("SupportedPages", func(t *testing.T) {
		b := EncodeVPDSupportedPages()
		want := []byte{PageSupportedVPD, PageBlockLimits, PageLBProvisioning}
		if !bytes.Equal(b[4:], want) {
			t.Errorf("page list = % x, want % x", b[4:], want)
		}
		for i := 1; i < len(want); i++ {
			if want[i-1] >= want[i] {
				t.Error("supported pages not in ascending order")
			}
		}
	})
	t.Run("BlockLimitsTrim", func(t *testing.T) {
		b := EncodeVPDBlockLimits(true)
		if len(b) < 16 {
			t.Fatalf("page too short: %d", len(b))
		}
		if binary.BigEndian.Uint32(b[20:24]) != 0xffffffff {
			t.Errorf("max unmap LBA count = %#x, want 0xffffffff", b[20:24])
		}
	})
	t.Run("BlockLimitsNoTrim", func(t *testing.T) {
		b := EncodeVPDBlockLimits(false)
		if binary.BigEndian.Uint32(b[20:24]) != 0 {
			t.Error("unmap limits must stay zero without TRIM")
		}
	})
	t.Run("LBProvisioning", func(t *testing.T) {
		b := EncodeVPDLBProvisioning(true, false)
		if b[5]&0x80 == 0 {
			t.Error("LBPU not set")
		}
		if b[5]&0x04 != 0 {
			t.Error("LBPRZ set without read-zero-after-trim")
		}
	})
}

func TestEncodeModeSense10(t *testing.T) {
	b, sense := EncodeModeSense10(ModePageControl, ModePCCurrent, 512)
	if sense.IsSet() {
		t.Fatalf("unexpected sense %+v", sense)
	}
	if got := binary.BigEndian.Uint16(b[0:2]); got != ModeSense10Length-2 {
		t.Errorf("mode data length = %d, want %d", got, ModeSense10Length-2)
	}
	if got := binary.BigEndian.Uint16(b[6:8]); got != 8 {
		t.Errorf("block descriptor length = %d, want 8", got)
	}
	desc := b[8:16]
	blockLen := uint32(desc[5])<<16 | uint32(desc[6])<<8 | uint32(desc[7])
	if blockLen != 512 {
		t.Errorf("block length = %d, want 512", blockLen)
	}
	if b[16] != ModePageControl {
		t.Errorf("page code = %#02x, want %#02x", b[16], ModePageControl)
	}

	// The response must survive its own MODE SELECT parser.
	if s := DecodeModeSelect10(b[:]); s.IsSet() {
		t.Errorf("round-trip through DecodeModeSelect10 failed: %+v", s)
	}

	for _, tc := range []struct {
		name          string
		code, control uint8
	}{
		{"BadPage", 0x08, ModePCCurrent},
		{"Changeable", ModePageControl, 1},
		{"Default", ModePageControl, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, s := EncodeModeSense10(tc.code, tc.control, 512); !s.IsSet() || s.Code != AscInvalidCDBField {
				t.Errorf("expected invalid-CDB-field sense, got %+v", s)
			}
		})
	}
}

func TestDecodeModeSelect10(t *testing.T) {
	t.Run("UnknownPage", func(t *testing.T) {
		param := make([]byte, 8+14)
		binary.BigEndian.PutUint16(param[0:2], uint16(len(param)-2))
		param[8] = 0x08 // caching page, not emulated
		param[9] = 12
		if s := DecodeModeSelect10(param); s.Code != AscInvalidParamField {
			t.Errorf("expected invalid-parameter-field, got %+v", s)
		}
	})
	t.Run("TruncatedPage", func(t *testing.T) {
		param := make([]byte, 8+6)
		binary.BigEndian.PutUint16(param[0:2], uint16(len(param)-2))
		param[8] = ModePageControl
		param[9] = 10 // claims 12 bytes, only 6 present
		if s := DecodeModeSelect10(param); s.Code != AscParamListLengthErr {
			t.Errorf("expected parameter-list-length error, got %+v", s)
		}
	})
}

func TestDecodeUnmapList(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		in := []UnmapDescriptor{{LBA: 100, Blocks: 200000}, {LBA: 5, Blocks: 1}}
		got, err := DecodeUnmapList(EncodeUnmapList(in))
		if err != nil {
			t.Fatalf("DecodeUnmapList: %v", err)
		}
		if len(got) != len(in) || got[0] != in[0] || got[1] != in[1] {
			t.Errorf("got %+v, want %+v", got, in)
		}
	})
	t.Run("Empty", func(t *testing.T) {
		got, err := DecodeUnmapList(EncodeUnmapList(nil))
		if err != nil || got != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", got, err)
		}
	})
	t.Run("LengthMismatch", func(t *testing.T) {
		b := EncodeUnmapList([]UnmapDescriptor{{LBA: 1, Blocks: 1}})
		binary.BigEndian.PutUint16(b[2:4], 100)
		if _, err := DecodeUnmapList(b); err != ErrUnmapListLength {
			t.Errorf("expected ErrUnmapListLength, got %v", err)
		}
	})
	t.Run("Truncated", func(t *testing.T) {
		if _, err := DecodeUnmapList(make([]byte, 4)); err != ErrUnmapListLength {
			t.Errorf("expected ErrUnmapListLength, got %v", err)
		}
	})
}
