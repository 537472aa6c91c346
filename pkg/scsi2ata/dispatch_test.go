// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi2ata_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/bus/bustest"
	"github.com/open-source-firmware/go-atabus/pkg/scsi2ata"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

type sink struct {
	mu       sync.Mutex
	finished []*bus.Request
	requeued []*bus.Request
}

func (s *sink) Finished(r *bus.Request, runCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, r)
}

func (s *sink) Requeue(r *bus.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, r)
}

func newDispatcher(t *testing.T, fake *bustest.Controller, canDMA bool) (*scsi2ata.Dispatcher, *sink) {
	t.Helper()
	s := &sink{}
	ch := bus.NewChannel(fake, s, bus.Config{Name: "test", CanDMA: canDMA})
	fake.IRQ = func() { ch.HandleInterrupt() }
	if err := ch.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return scsi2ata.New(ch), s
}

func ataController(sectors uint64, mutate func(words []uint16)) *bustest.Controller {
	backed := int(sectors)
	if backed > 128 {
		backed = 128
	}
	data := make([]byte, backed*512)
	for i := range data {
		data[i] = byte(i * 3)
	}
	return &bustest.Controller{
		Devs: [2]*bustest.Device{{
			Kind:        wire.KindATA,
			IdentifyRaw: bustest.NewIdentify(wire.KindATA, sectors, mutate),
			Sectors:     data,
		}},
	}
}

func request(cdb []byte, dir bus.Direction, buf []byte) *bus.Request {
	req := &bus.Request{TargetID: 0, Direction: dir, CDBLength: len(cdb)}
	copy(req.CDB[:], cdb)
	if buf != nil {
		req.Data = bus.SGList{buf}
	}
	return req
}

// S1: READ(10) of one sector at LBA 0 on a 1Mi-sector disk goes out as a
// 28-bit DMA read and completes cleanly.
func TestRead10BecomesDMA28(t *testing.T) {
	fake := ataController(1048576, nil)
	d, _ := newDispatcher(t, fake, true)

	buf := make([]byte, 512)
	req := request([]byte{wire.OpRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0}, bus.DirIn, buf)
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	if req.DeviceStatus != wire.StatusGood || req.Residual != 0 {
		t.Errorf("device status %#02x, residual %d", req.DeviceStatus, req.Residual)
	}
	last := fake.Devs[0].Commands[len(fake.Devs[0].Commands)-1]
	if last.Command != wire.ATACmdReadDMA {
		t.Errorf("command = %#02x, want READ DMA", last.Command)
	}
	if last.SectorCount != 1 || last.LBALow != 0 || last.DeviceHead&0x40 == 0 {
		t.Errorf("taskfile = %+v", last)
	}
	if !bytes.Equal(buf, fake.Devs[0].Sectors[:512]) {
		t.Error("data mismatch")
	}
}

// S2: READ(16) at LBA 2^32 selects the 48-bit opcode.
func TestRead16BecomesDMA48(t *testing.T) {
	fake := ataController(uint64(1)<<33, nil)
	d, _ := newDispatcher(t, fake, true)

	cdb := make([]byte, 16)
	cdb[0] = wire.OpRead16
	binary.BigEndian.PutUint64(cdb[2:10], 1<<32)
	binary.BigEndian.PutUint32(cdb[10:14], 8)
	req := request(cdb, bus.DirIn, make([]byte, 8*512))
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	last := fake.Devs[0].Commands[len(fake.Devs[0].Commands)-1]
	if last.Command != wire.ATACmdReadDMAExt {
		t.Errorf("command = %#02x, want READ DMA EXT", last.Command)
	}
	if last.LBAMid48 != 1 || last.SectorCount != 8 {
		t.Errorf("taskfile = %+v", last)
	}
}

// S3: READ CAPACITY(10) on a 400-sector device.
func TestReadCapacity10Bytes(t *testing.T) {
	fake := ataController(400, nil)
	d, _ := newDispatcher(t, fake, false)

	buf := make([]byte, 8)
	req := request([]byte{wire.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, bus.DirIn, buf)
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	want := []byte{0x00, 0x00, 0x01, 0x8f, 0x00, 0x00, 0x02, 0x00}
	if !bytes.Equal(buf, want) {
		t.Errorf("response = % x, want % x", buf, want)
	}
}

// P4: capacity clamp on devices beyond 32-bit addressing.
func TestReadCapacityClamp(t *testing.T) {
	fake := ataController(uint64(1)<<33, nil)
	d, _ := newDispatcher(t, fake, false)

	buf := make([]byte, 8)
	d.Execute(request([]byte{wire.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, bus.DirIn, buf))
	if binary.BigEndian.Uint32(buf[0:4]) != 0xffffffff {
		t.Errorf("READ CAPACITY(10) lba = %#x, want clamp", buf[0:4])
	}

	long := make([]byte, 32)
	cdb := make([]byte, 16)
	cdb[0] = wire.OpServiceActionIn
	cdb[1] = wire.SAIReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], 32)
	d.Execute(request(cdb, bus.DirIn, long))
	if got := binary.BigEndian.Uint64(long[0:8]); got != (uint64(1)<<33)-1 {
		t.Errorf("READ CAPACITY(16) lba = %d, want %d", got, (uint64(1)<<33)-1)
	}
}

// P6: a zero-length transfer never reaches the device.
func TestZeroLengthTransfer(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, true)

	before := len(fake.Devs[0].Commands)
	buf := make([]byte, 4096)
	req := request([]byte{wire.OpRead10, 0, 0, 0, 0, 1, 0, 0, 0, 0}, bus.DirIn, buf)
	d.Execute(req)

	if req.Status != bus.StatusCompleted || req.DeviceStatus != wire.StatusGood {
		t.Fatalf("status = %v/%#02x", req.Status, req.DeviceStatus)
	}
	if req.Residual != len(buf) {
		t.Errorf("residual = %d, want %d", req.Residual, len(buf))
	}
	if len(fake.Devs[0].Commands) != before {
		t.Error("zero-length transfer touched the device")
	}
}

// P2: sense carry from a failed command into exactly one REQUEST SENSE.
func TestSenseCarry(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	fake.Devs[0].NextError = wire.ErrorUNC
	read := request([]byte{wire.OpRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0}, bus.DirIn, make([]byte, 512))
	read.DisableAutosense = true
	d.Execute(read)
	if read.DeviceStatus != wire.StatusCheckCondition {
		t.Fatalf("failed read: device status %#02x, subsys %v", read.DeviceStatus, read.Status)
	}

	sense := make([]byte, 18)
	rs := request([]byte{wire.OpRequestSense, 0, 0, 0, 18, 0}, bus.DirIn, sense)
	d.Execute(rs)
	if rs.Status != bus.StatusCompleted {
		t.Fatalf("request sense status = %v", rs.Status)
	}
	if sense[2] != wire.KeyMediumError || sense[12] != 0x11 || sense[13] != 0x00 {
		t.Errorf("sense = %d/%#02x/%#02x, want medium-error/0x11/0x00",
			sense[2], sense[12], sense[13])
	}

	again := make([]byte, 18)
	d.Execute(request([]byte{wire.OpRequestSense, 0, 0, 0, 18, 0}, bus.DirIn, again))
	if !bytes.Equal(again, make([]byte, 18)) {
		t.Errorf("second REQUEST SENSE not all zero: % x", again)
	}
}

// The dispatcher clears stale sense before any other opcode.
func TestSenseClearedOnNewCommand(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	fake.Devs[0].NextError = wire.ErrorUNC
	bad := request([]byte{wire.OpRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0}, bus.DirIn, make([]byte, 512))
	bad.DisableAutosense = true
	d.Execute(bad)

	good := request([]byte{wire.OpRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0}, bus.DirIn, make([]byte, 512))
	d.Execute(good)
	if good.Status != bus.StatusCompleted || good.DeviceStatus != wire.StatusGood {
		t.Fatalf("good read after failure: %v/%#02x", good.Status, good.DeviceStatus)
	}

	sense := make([]byte, 18)
	d.Execute(request([]byte{wire.OpRequestSense, 0, 0, 0, 18, 0}, bus.DirIn, sense))
	if !bytes.Equal(sense, make([]byte, 18)) {
		t.Errorf("sense survived an intervening command: % x", sense)
	}
}

// S4: ATAPI TEST UNIT READY after a medium swap reports no-medium sense,
// consumable by one REQUEST SENSE.
func TestATAPITestUnitReadyNoMedium(t *testing.T) {
	fake := &bustest.Controller{
		Devs: [2]*bustest.Device{{
			Kind: wire.KindATAPI,
			IdentifyRaw: bustest.NewIdentify(wire.KindATAPI, 0, func(words []uint16) {
				words[83] = 1 << 4 // RMSN
				words[127] = 0x0001
			}),
		}},
	}
	d, _ := newDispatcher(t, fake, false)

	fake.Devs[0].MediaStatusError = wire.ErrorNM
	tur := request([]byte{wire.OpTestUnitReady, 0, 0, 0, 0, 0}, bus.DirNone, nil)
	tur.DisableAutosense = true
	d.Execute(tur)

	if tur.DeviceStatus != wire.StatusCheckCondition {
		t.Fatalf("device status = %#02x, want check condition", tur.DeviceStatus)
	}
	if tur.Status != bus.StatusCompletedWithError {
		t.Errorf("subsystem status = %v", tur.Status)
	}

	sense := make([]byte, 18)
	fake.Devs[0].MediaStatusError = 0
	d.Execute(request([]byte{wire.OpRequestSense, 0, 0, 0, 18, 0}, bus.DirIn, sense))
	if sense[2] != wire.KeyMediumError || sense[12] != 0x3a || sense[13] != 0x00 {
		t.Errorf("sense = %d/%#02x/%#02x, want 3/0x3a/0x00", sense[2], sense[12], sense[13])
	}
}

// ATAPI data commands travel as packets with the CDB intact.
func TestATAPIPacketForwarding(t *testing.T) {
	inqData := make([]byte, 36)
	inqData[0] = 0x05
	fake := &bustest.Controller{
		Devs: [2]*bustest.Device{{
			Kind:        wire.KindATAPI,
			IdentifyRaw: bustest.NewIdentify(wire.KindATAPI, 0, nil),
			PacketResponses: map[byte][]byte{
				wire.OpInquiry: inqData,
			},
		}},
	}
	d, _ := newDispatcher(t, fake, false)

	buf := make([]byte, 36)
	cdb := []byte{wire.OpInquiry, 0, 0, 0, 36, 0}
	req := request(cdb, bus.DirIn, buf)
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	if len(fake.Devs[0].Packets) != 1 {
		t.Fatalf("packet count = %d", len(fake.Devs[0].Packets))
	}
	packet := fake.Devs[0].Packets[0]
	if len(packet) != wire.PacketLength {
		t.Errorf("packet length = %d", len(packet))
	}
	if !bytes.Equal(packet[:6], cdb) {
		t.Errorf("packet = % x", packet)
	}
	for _, b := range packet[6:] {
		if b != 0 {
			t.Error("packet padding not zero")
		}
	}
	if !bytes.Equal(buf, inqData) {
		t.Error("inquiry data mismatch")
	}
}

func unmapCDB(listLen int) []byte {
	cdb := make([]byte, 10)
	cdb[0] = wire.OpUnmap
	binary.BigEndian.PutUint16(cdb[7:9], uint16(listLen))
	return cdb
}

func trimController(maxRangeBlocks uint16) *bustest.Controller {
	return ataController(1048576, func(words []uint16) {
		words[105] = maxRangeBlocks
		words[169] = 0x0001
	})
}

// S5: one 200000-block descriptor splits into four range entries inside
// a single 512-byte DATA SET MANAGEMENT payload.
func TestUnmapSplit(t *testing.T) {
	fake := trimController(8)
	d, _ := newDispatcher(t, fake, false)

	param := wire.EncodeUnmapList([]wire.UnmapDescriptor{{LBA: 100, Blocks: 200000}})
	req := request(unmapCDB(len(param)), bus.DirOut, param)
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	payloads := fake.Devs[0].DSMPayloads
	if len(payloads) != 1 {
		t.Fatalf("DSM command count = %d, want 1", len(payloads))
	}
	if len(payloads[0]) != 512 {
		t.Fatalf("payload length = %d, want 512", len(payloads[0]))
	}

	want := []struct {
		lba    uint64
		length uint64
	}{
		{100, 65535}, {65635, 65535}, {131170, 65535}, {196705, 3395},
	}
	for i, w := range want {
		e := binary.LittleEndian.Uint64(payloads[0][i*8:])
		if e&wire.DSMMaxLBA != w.lba || e>>48 != w.length {
			t.Errorf("entry %d = (%d, %d), want (%d, %d)",
				i, e&wire.DSMMaxLBA, e>>48, w.lba, w.length)
		}
	}
	for i := len(want); i < 64; i++ {
		if binary.LittleEndian.Uint64(payloads[0][i*8:]) != 0 {
			t.Errorf("entry %d not zero-padded", i)
		}
	}
}

// P5: the union of emitted ranges equals the input, no entry exceeds
// 0xffff blocks, and every payload is a multiple of 512 bytes.
func TestUnmapSplitProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		var descs []wire.UnmapDescriptor
		n := 1 + rng.Intn(6)
		for i := 0; i < n; i++ {
			descs = append(descs, wire.UnmapDescriptor{
				LBA:    uint64(rng.Intn(1 << 30)),
				Blocks: uint32(rng.Intn(300000)),
			})
		}

		fake := trimController(uint16(1 + rng.Intn(3)))
		d, _ := newDispatcher(t, fake, false)

		param := wire.EncodeUnmapList(descs)
		req := request(unmapCDB(len(param)), bus.DirOut, param)
		d.Execute(req)
		if req.Status != bus.StatusCompleted {
			t.Fatalf("round %d: status = %v", round, req.Status)
		}

		want := map[uint64]uint64{} // lba -> blocks, merged naively
		for _, desc := range descs {
			if desc.Blocks != 0 {
				want[desc.LBA] += uint64(desc.Blocks)
			}
		}
		var wantTotal uint64
		for _, b := range want {
			wantTotal += b
		}

		var gotTotal uint64
		got := map[uint64]bool{}
		for _, payload := range fake.Devs[0].DSMPayloads {
			if len(payload)%512 != 0 {
				t.Fatalf("round %d: payload not a 512 multiple", round)
			}
			for off := 0; off+8 <= len(payload); off += 8 {
				e := binary.LittleEndian.Uint64(payload[off:])
				length := e >> 48
				if length == 0 {
					continue
				}
				if length > 0xffff {
					t.Fatalf("round %d: range length %d exceeds 0xffff", round, length)
				}
				gotTotal += length
				got[e&wire.DSMMaxLBA] = true
			}
		}
		if gotTotal != wantTotal {
			t.Errorf("round %d: trimmed %d blocks, want %d", round, gotTotal, wantTotal)
		}
		for lba := range want {
			if !got[lba] {
				t.Errorf("round %d: range start %d never emitted", round, lba)
			}
		}
	}
}

func TestUnmapZeroDescriptors(t *testing.T) {
	fake := trimController(8)
	d, _ := newDispatcher(t, fake, false)

	param := wire.EncodeUnmapList(nil)
	req := request(unmapCDB(len(param)), bus.DirOut, param)
	d.Execute(req)

	if req.Status != bus.StatusCompleted || req.DeviceStatus != wire.StatusGood {
		t.Fatalf("status = %v/%#02x", req.Status, req.DeviceStatus)
	}
	if len(fake.Devs[0].DSMPayloads) != 0 {
		t.Error("empty unmap reached the device")
	}
}

func TestUnmapLengthMismatchAborts(t *testing.T) {
	fake := trimController(8)
	d, _ := newDispatcher(t, fake, false)

	param := wire.EncodeUnmapList([]wire.UnmapDescriptor{{LBA: 1, Blocks: 2}})
	binary.BigEndian.PutUint16(param[0:2], 0x99) // corrupt inner length
	req := request(unmapCDB(len(param)), bus.DirOut, param)
	d.Execute(req)

	if req.Status != bus.StatusAborted {
		t.Errorf("status = %v, want aborted", req.Status)
	}
}

// S6: block-limits VPD page advertises unbounded unmap on a trimming
// device.
func TestVPDBlockLimits(t *testing.T) {
	fake := trimController(8)
	d, _ := newDispatcher(t, fake, false)

	buf := make([]byte, 64)
	cdb := []byte{wire.OpInquiry, 0x01, wire.PageBlockLimits, 0, 64, 0}
	req := request(cdb, bus.DirIn, buf)
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	if got := len(buf) - req.Residual; got < 16 {
		t.Fatalf("response length = %d, want >= 16", got)
	}
	if binary.BigEndian.Uint32(buf[20:24]) != 0xffffffff {
		t.Errorf("max unmap LBA count = %#x", buf[20:24])
	}
}

func TestInquiryAllocationTruncation(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	buf := make([]byte, 64)
	req := request([]byte{wire.OpInquiry, 0, 0, 0, 16, 0}, bus.DirIn, buf)
	d.Execute(req)

	if req.Status != bus.StatusCompleted {
		t.Fatalf("status = %v", req.Status)
	}
	if got := len(buf) - req.Residual; got != 16 {
		t.Errorf("transferred %d bytes, want 16", got)
	}
}

func TestInvalidOpcode(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	for _, op := range []byte{wire.OpFormatUnit, wire.OpReserve, wire.OpRelease,
		wire.OpVerify10, wire.OpPreventAllow, wire.OpModeSense6, 0xd7} {
		req := request([]byte{op, 0, 0, 0, 0, 0}, bus.DirNone, nil)
		d.Execute(req)
		if req.DeviceStatus != wire.StatusCheckCondition {
			t.Errorf("opcode %#02x: device status %#02x", op, req.DeviceStatus)
		}
		if req.Sense[2] != wire.KeyIllegalRequest || req.Sense[12] != 0x20 {
			t.Errorf("opcode %#02x: sense %d/%#02x", op, req.Sense[2], req.Sense[12])
		}
	}
}

func TestLUNGate(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	req := request([]byte{wire.OpTestUnitReady, 0, 0, 0, 0, 0}, bus.DirNone, nil)
	req.TargetLUN = 1
	d.Execute(req)
	if req.Status != bus.StatusSelectionTimeout {
		t.Errorf("status = %v, want selection timeout", req.Status)
	}

	absent := request([]byte{wire.OpTestUnitReady, 0, 0, 0, 0, 0}, bus.DirNone, nil)
	absent.TargetID = 1
	d.Execute(absent)
	if absent.Status != bus.StatusSelectionTimeout {
		t.Errorf("absent target status = %v", absent.Status)
	}
}

func TestModeSense10RoundTrip(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	buf := make([]byte, wire.ModeSense10Length)
	cdb := []byte{wire.OpModeSense10, 0, wire.ModePageControl, 0, 0, 0, 0, 0, byte(len(buf)), 0}
	req := request(cdb, bus.DirIn, buf)
	d.Execute(req)
	if req.Status != bus.StatusCompleted {
		t.Fatalf("mode sense status = %v", req.Status)
	}

	sel := request([]byte{wire.OpModeSelect10, 0x10, 0, 0, 0, 0, 0, 0, byte(len(buf)), 0},
		bus.DirOut, buf)
	d.Execute(sel)
	if sel.Status != bus.StatusCompleted || sel.DeviceStatus != wire.StatusGood {
		t.Errorf("mode select of own mode sense rejected: %v/%#02x",
			sel.Status, sel.DeviceStatus)
	}
}

func TestGetRestrictions(t *testing.T) {
	fake := ataController(1048576, nil)
	d, _ := newDispatcher(t, fake, false)

	isATAPI, noAutosense, maxBlocks, err := d.GetRestrictions(0)
	if err != nil {
		t.Fatalf("GetRestrictions: %v", err)
	}
	if !isATAPI {
		t.Error("targets must be declared ATAPI to suppress upper-layer emulation")
	}
	if noAutosense {
		t.Error("ATA targets have synthesized autosense")
	}
	if maxBlocks != 65536 {
		t.Errorf("max blocks = %d, want 65536 for a 48-bit device", maxBlocks)
	}
}

func TestGetRestrictionsQuirkyDrive(t *testing.T) {
	fake := &bustest.Controller{
		Devs: [2]*bustest.Device{{
			Kind: wire.KindATAPI,
			IdentifyRaw: bustest.NewIdentify(wire.KindATAPI, 0, func(words []uint16) {
				model := "IOMEGA  ZIP 100       ATAPI"
				for i := 0; i < 20; i++ {
					hi, lo := byte(' '), byte(' ')
					if 2*i < len(model) {
						hi = model[2*i]
					}
					if 2*i+1 < len(model) {
						lo = model[2*i+1]
					}
					words[27+i] = uint16(hi)<<8 | uint16(lo)
				}
			}),
		}},
	}
	d, _ := newDispatcher(t, fake, false)

	_, noAutosense, maxBlocks, err := d.GetRestrictions(0)
	if err != nil {
		t.Fatalf("GetRestrictions: %v", err)
	}
	if !noAutosense {
		t.Error("ATAPI target must report no autosense")
	}
	if maxBlocks != 64 {
		t.Errorf("max blocks = %d, want 64 for a quirky drive", maxBlocks)
	}
}

func TestIoctl(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	t.Run("InfoBlock", func(t *testing.T) {
		buf := make([]byte, 512)
		n, err := d.Ioctl(0, scsi2ata.IoctlGetInfoBlock, buf)
		if err != nil || n != 512 {
			t.Fatalf("Ioctl: %d, %v", n, err)
		}
		if !bytes.Equal(buf, fake.Devs[0].IdentifyRaw) {
			t.Error("info block differs from device identify data")
		}
		short := make([]byte, 16)
		if n, _ := d.Ioctl(0, scsi2ata.IoctlGetInfoBlock, short); n != 16 {
			t.Errorf("truncated copy = %d bytes", n)
		}
	})
	t.Run("Status", func(t *testing.T) {
		buf := make([]byte, scsi2ata.DeviceStatusLength)
		n, err := d.Ioctl(0, scsi2ata.IoctlGetStatus, buf)
		if err != nil || n != scsi2ata.DeviceStatusLength {
			t.Fatalf("Ioctl: %d, %v", n, err)
		}
		if buf[1] != scsi2ata.DMAStatusControllerLimited {
			t.Errorf("dma status = %d, want controller-limited (channel has no DMA)", buf[1])
		}
	})
	t.Run("Invalid", func(t *testing.T) {
		if _, err := d.Ioctl(0, 0x9999, nil); err != scsi2ata.ErrInvalidArgument {
			t.Errorf("unknown op: %v", err)
		}
		if _, err := d.Ioctl(1, scsi2ata.IoctlGetStatus, nil); err != scsi2ata.ErrInvalidArgument {
			t.Errorf("absent target: %v", err)
		}
	})
}

// P1-flavored smoke test: concurrent submitters with requeue-and-retry
// all complete, one at a time.
func TestConcurrentSubmitRetry(t *testing.T) {
	fake := ataController(1024, nil)
	d, _ := newDispatcher(t, fake, false)

	const workers, each = 4, 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				for {
					req := request([]byte{wire.OpRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0},
						bus.DirIn, make([]byte, 512))
					d.Execute(req)
					if req.Status != bus.StatusBusBusy {
						if req.Status != bus.StatusCompleted {
							t.Errorf("status = %v", req.Status)
						}
						break
					}
				}
			}
		}()
	}
	wg.Wait()
}
