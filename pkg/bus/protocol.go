// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Basic ATA register protocol: status waits, device selection, presence
// probing, software reset, command issue and completion classification.

package bus

import (
	"errors"
	"log"
	"time"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// Protocol timeouts. Wall-clock deadlines measured against the monotonic
// clock.
const (
	// selectTimeout bounds the wait for BSY and DRQ to clear before a
	// command is issued.
	selectTimeout = 50 * time.Millisecond
	// resetBusyTimeout bounds the post-reset busy wait per device.
	resetBusyTimeout = 31 * time.Second
	// drqTimeout bounds the wait for DRQ to rise during a data phase.
	drqTimeout = 4 * time.Second
	// drqFirstBlockTimeout applies to the first PIO block only.
	drqFirstBlockTimeout = 10 * time.Second
	// drqDownTimeout bounds the wait for DRQ to drop after the last block.
	drqDownTimeout = 1 * time.Second
	// drdyTimeout bounds the wait for device ready.
	drdyTimeout = 5 * time.Second
	// packetDRQTimeout bounds the wait for the device to request the
	// command packet after PACKET was issued.
	packetDRQTimeout = 100 * time.Millisecond
	// DefaultTimeout applies when the caller supplies none.
	DefaultTimeout = 20 * time.Second

	// passiveWaitThreshold is how long a status poll spins before falling
	// back to sleeping.
	passiveWaitThreshold = 5 * time.Millisecond
)

var errWaitTimeout = errors.New("bus: status wait timed out")
var errWaitError = errors.New("bus: device reported error during wait")

// wait polls the alternate status register until all bits in set are set
// and all bits in cleared are clear. With checkErr the wait aborts as
// soon as ERR is latched. The poll spins for the first few milliseconds
// and then backs off to passive sleeping.
func (c *Channel) wait(set, cleared uint8, checkErr bool, timeout time.Duration) error {
	// The device needs 400ns to settle status after a register write; one
	// extra alt-status read covers that on any bus speed.
	c.ctrl.AltStatus()

	start := time.Now()
	for {
		if c.Disconnected() {
			return ErrChannelGone
		}
		status := c.ctrl.AltStatus()
		if checkErr && status&wire.StatusErr != 0 {
			return errWaitError
		}
		if status&set == set && status&cleared == 0 {
			return nil
		}
		elapsed := time.Since(start)
		if elapsed > timeout {
			return errWaitTimeout
		}
		if elapsed < passiveWaitThreshold {
			time.Sleep(10 * time.Microsecond)
		} else {
			time.Sleep(4 * time.Millisecond)
		}
	}
}

func (c *Channel) waitForDRQ(timeout time.Duration) error {
	return c.wait(wire.StatusDRQ, wire.StatusBSY, true, timeout)
}

func (c *Channel) waitForDRQDown() error {
	return c.wait(0, wire.StatusDRQ|wire.StatusBSY, true, drqDownTimeout)
}

func (c *Channel) waitIdle() error {
	return c.wait(0, wire.StatusBSY|wire.StatusDRQ, false, selectTimeout)
}

// selectDevice makes the controller select the given device index and
// records the selection.
func (c *Channel) selectDevice(index int) error {
	if err := c.ctrl.SelectDevice(index); err != nil {
		return err
	}
	c.mu.Lock()
	c.selected = index
	c.mu.Unlock()
	return nil
}

// probePresence tests whether a device responds at the given index by
// writing a known pattern to the sector-count and LBA-low registers and
// reading it back. Some controllers report false positives; the identify
// step weeds those out.
func (c *Channel) probePresence(index int) bool {
	if err := c.selectDevice(index); err != nil {
		return false
	}
	tf := wire.TaskFile{SectorCount: 0xaa, LBALow: 0x55}
	mask := wire.MaskSectorCount | wire.MaskLBALow
	if err := c.ctrl.WriteRegs(&tf, mask); err != nil {
		return false
	}
	c.ctrl.AltStatus()
	tf = wire.TaskFile{}
	if err := c.ctrl.ReadRegs(&tf, mask); err != nil {
		return false
	}
	return tf.SectorCount == 0xaa && tf.LBALow == 0x55
}

// signatureATAPI is the signature a freshly reset ATAPI device leaves in
// the sector count and LBA registers; any other value is taken as ATA.
const signatureATAPI = 0xeb140101

// SoftReset pulses SRST on the channel and waits out the reset protocol
// for every device index that answered the presence probe. The returned
// arrays report presence and the raw signature per index.
func (c *Channel) SoftReset() (present [2]bool, signature [2]uint32, err error) {
	for i := 0; i < c.cfg.MaxDevices; i++ {
		present[i] = c.probePresence(i)
	}

	if err = c.selectDevice(0); err != nil {
		return
	}

	// Assert SRST for at least 5us with interrupts masked, then give the
	// devices the customary 150ms after release.
	if err = c.ctrl.WriteControl(wire.DevCtlBit3 | wire.DevCtlNIEN | wire.DevCtlSRST); err != nil {
		return
	}
	c.ctrl.AltStatus()
	time.Sleep(20 * time.Microsecond)
	if err = c.ctrl.WriteControl(wire.DevCtlBit3 | wire.DevCtlNIEN); err != nil {
		return
	}
	c.ctrl.AltStatus()
	time.Sleep(150 * time.Millisecond)

	for i := 0; i < c.cfg.MaxDevices; i++ {
		if !present[i] {
			continue
		}
		if err = c.selectDevice(i); err != nil {
			return
		}
		if werr := c.wait(0, wire.StatusBSY, false, resetBusyTimeout); werr != nil {
			log.Printf("%s: device %d: busy did not clear after reset", c.cfg.Name, i)
			present[i] = false
			continue
		}
		tf := wire.TaskFile{}
		mask := wire.MaskSectorCount | wire.MaskLBALow | wire.MaskLBAMid |
			wire.MaskLBAHigh | wire.MaskError
		if err = c.ctrl.ReadRegs(&tf, mask); err != nil {
			return
		}
		if tf.Error != 0x01 && tf.Error != 0x81 {
			log.Printf("%s: device %d diagnostic failed, error %#02x",
				c.cfg.Name, i, tf.Error)
		}
		signature[i] = uint32(tf.SectorCount) | uint32(tf.LBALow)<<8 |
			uint32(tf.LBAMid)<<16 | uint32(tf.LBAHigh)<<24
	}
	return present, signature, nil
}

// commandFlags modify sendCommand and finishCommand behavior.
type commandFlags uint8

const (
	flagDRDYRequired commandFlags = 1 << iota
	flagDMATransfer
	flagIsWrite
	flagWaitFinish
)

// sendCommand runs the command issue sequence: select the device, verify
// it is idle (and ready if required), write the parameter registers, and
// finally write the command byte under the channel lock so an early
// interrupt cannot observe a torn state. On success the channel is in
// StatePIO or StateDMA.
func (c *Channel) sendCommand(dev *Device, req *Request, tf *wire.TaskFile, mask wire.RegMask, flags commandFlags) error {
	// For PIO the completion is polled, so the device must not raise
	// interrupts that nobody will acknowledge.
	if flags&flagDMATransfer == 0 {
		if err := c.ctrl.WriteControl(wire.DevCtlBit3 | wire.DevCtlNIEN); err != nil {
			req.Status = StatusHBAError
			return errors.New("bus: device control write failed")
		}
	}

	if err := c.selectDevice(dev.Index); err != nil {
		req.Status = StatusHBAError
		return err
	}

	if c.ctrl.AltStatus() == 0xff {
		// Bus floats high: nothing is there, retries are pointless.
		req.Status = StatusSelectionTimeout
		return errors.New("bus: no device (status reads 0xff)")
	}

	if err := c.waitIdle(); err != nil {
		req.Status = StatusSelectionTimeout
		return errors.New("bus: device selection timeout")
	}

	if flags&flagDRDYRequired != 0 && c.ctrl.AltStatus()&wire.StatusDRDY == 0 {
		req.Status = StatusSequenceFail
		return errors.New("bus: DRDY not set")
	}

	if err := c.ctrl.WriteRegs(tf, mask&^wire.MaskCommand); err != nil {
		req.Status = StatusHBAError
		return err
	}

	c.mu.Lock()
	if flags&flagDMATransfer != 0 {
		// Interrupt-driven completion; let the device signal again.
		if err := c.ctrl.WriteControl(wire.DevCtlBit3); err != nil {
			c.mu.Unlock()
			req.Status = StatusHBAError
			return err
		}
		// Drop a stale wakeup from a previous command.
		select {
		case <-c.irq:
		default:
		}
	}

	if err := c.ctrl.WriteRegs(tf, wire.MaskCommand); err != nil {
		c.mu.Unlock()
		c.ctrl.WriteControl(wire.DevCtlBit3 | wire.DevCtlNIEN)
		req.Status = StatusHBAError
		return err
	}

	if flags&flagDMATransfer != 0 {
		c.state = StateDMA
	} else {
		c.state = StatePIO
	}
	c.mu.Unlock()
	return nil
}

// finishCommand reads the final status and error registers and maps any
// latched error bits onto a sense tuple, first match wins. Only the bits
// in errorMask participate; a masked-off bit is treated as absent.
func (c *Channel) finishCommand(dev *Device, req *Request, flags commandFlags, errorMask uint8) error {
	if flags&flagWaitFinish != 0 {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		if err := c.wait(0, wire.StatusBSY, false, timeout); err != nil {
			req.Status = StatusCommandTimeout
			return err
		}
	}

	tf := wire.TaskFile{}
	if err := c.ctrl.ReadRegs(&tf, wire.MaskStatus|wire.MaskError); err != nil {
		req.Status = StatusSequenceFail
		return err
	}

	if tf.Status&wire.StatusBSY != 0 {
		req.Status = StatusSequenceFail
		return errors.New("bus: device still busy after command")
	}
	if flags&flagDRDYRequired != 0 && tf.Status&wire.StatusDRDY == 0 {
		req.Status = StatusSequenceFail
		return errors.New("bus: DRDY lost after command")
	}
	if tf.Status&wire.StatusErr == 0 {
		return nil
	}

	c.classifyError(dev, tf.Error&errorMask, flags&flagIsWrite != 0)
	return errors.New("bus: device reported command error")
}

// classifyError maps ATA error register bits onto the device's sense
// tuple. Checked in a fixed order so the first matching bit wins.
func (c *Channel) classifyError(dev *Device, errBits uint8, isWrite bool) {
	switch {
	case errBits&wire.ErrorICRC != 0:
		dev.SetSense(wire.KeyHardwareError, wire.AscLUNCommCRC)
	case isWrite && errBits&wire.ErrorWP != 0:
		dev.SetSense(wire.KeyDataProtect, wire.AscWriteProtected)
	case !isWrite && errBits&wire.ErrorUNC != 0:
		dev.SetSense(wire.KeyMediumError, wire.AscUnrecoveredReadErr)
	case errBits&wire.ErrorMC != 0:
		dev.SetSense(wire.KeyUnitAttention, wire.AscMediumChanged)
	case errBits&wire.ErrorIDNF != 0:
		dev.SetSense(wire.KeyMediumError, wire.AscRandomPosError)
	case errBits&wire.ErrorMCR != 0:
		dev.SetSense(wire.KeyUnitAttention, wire.AscRemovalRequested)
	case errBits&wire.ErrorNM != 0:
		dev.SetSense(wire.KeyMediumError, wire.AscNoMedium)
	case errBits&wire.ErrorABRT != 0:
		dev.SetSense(wire.KeyAbortedCommand, wire.AscNoSense)
	default:
		dev.SetSense(wire.KeyHardwareError, wire.AscInternalFailure)
	}
}
