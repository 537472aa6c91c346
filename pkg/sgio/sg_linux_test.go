// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgio

import (
	"testing"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

func TestATAPassThroughCDB(t *testing.T) {
	var tf wire.TaskFile
	tf.SetLBA48(0x123456789a, 16, 0)
	tf.Command = wire.ATACmdReadDMAExt

	cdb := ataPassThroughCDB(&tf, protoDMA, true, 16)

	if cdb[0] != 0x85 {
		t.Errorf("opcode = %#02x", cdb[0])
	}
	if cdb[1]&0x01 == 0 {
		t.Error("extend bit not set for a 48-bit task file")
	}
	if cdb[1]>>1 != protoDMA {
		t.Errorf("protocol = %d", cdb[1]>>1)
	}
	if cdb[2]&0x08 == 0 {
		t.Error("t_dir not set for data-in")
	}
	if cdb[14] != wire.ATACmdReadDMAExt {
		t.Errorf("command = %#02x", cdb[14])
	}
	if cdb[8] != 0x9a || cdb[10] != 0x78 || cdb[12] != 0x56 {
		t.Errorf("low LBA bytes = %#02x %#02x %#02x", cdb[8], cdb[10], cdb[12])
	}
	if cdb[7] != 0x34 || cdb[9] != 0x12 || cdb[11] != 0x00 {
		t.Errorf("high LBA bytes = %#02x %#02x %#02x", cdb[7], cdb[9], cdb[11])
	}
	if cdb[6] != 16 {
		t.Errorf("sector count = %d", cdb[6])
	}
}

func TestDecodeATAReturn(t *testing.T) {
	t.Run("Descriptor", func(t *testing.T) {
		sense := make([]byte, 32)
		sense[0] = 0x72
		desc := sense[8:]
		desc[0] = 0x09 // ATA status return
		desc[1] = 0x0c
		desc[3] = wire.ErrorABRT
		desc[13] = wire.StatusDRDY | wire.StatusErr
		status, errReg, ok := decodeATAReturn(sense)
		if !ok {
			t.Fatal("descriptor sense not decoded")
		}
		if status != wire.StatusDRDY|wire.StatusErr || errReg != wire.ErrorABRT {
			t.Errorf("got %#02x/%#02x", status, errReg)
		}
	})
	t.Run("Fixed", func(t *testing.T) {
		sense := make([]byte, 32)
		sense[0] = 0x70
		sense[19] = wire.ErrorUNC
		sense[21] = wire.StatusDRDY | wire.StatusErr
		status, errReg, ok := decodeATAReturn(sense)
		if !ok || status != wire.StatusDRDY|wire.StatusErr || errReg != wire.ErrorUNC {
			t.Errorf("got %#02x/%#02x/%v", status, errReg, ok)
		}
	})
	t.Run("Garbage", func(t *testing.T) {
		if _, _, ok := decodeATAReturn(make([]byte, 8)); ok {
			t.Error("short sense decoded")
		}
	})
}
