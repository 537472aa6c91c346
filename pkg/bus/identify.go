// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Bus scan: reset, presence probe, identify and device configuration.

package bus

import (
	"errors"
	"fmt"
	"log"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

const identifyDRQTimeout = drqTimeout

var errNoDeviceIdentified = errors.New("bus: device did not answer identify")

// Scan resets the channel and rebuilds the device table: presence probe,
// software reset, signature classification, identify, configuration.
// Devices that fail any step are left absent.
func (c *Channel) Scan() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return ErrChannelGone
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusBusy
	}
	c.state = StateBusy
	c.mu.Unlock()

	err := c.rescan()

	c.setState(StateIdle)
	return err
}

func (c *Channel) rescan() error {
	for i := range c.devices {
		c.devices[i] = nil
	}

	present, signature, err := c.SoftReset()
	if err != nil {
		return fmt.Errorf("bus: reset failed: %w", err)
	}

	for i := 0; i < c.cfg.MaxDevices; i++ {
		if !present[i] {
			continue
		}
		isATAPI := signature[i] == signatureATAPI

		id, err := c.identifyDevice(i, isATAPI)
		if err != nil {
			log.Printf("%s: device %d: %v", c.cfg.Name, i, err)
			continue
		}
		dev, err := c.configureDevice(i, id)
		if err != nil {
			log.Printf("%s: device %d: configuration failed: %v", c.cfg.Name, i, err)
			continue
		}
		c.devices[i] = dev
	}
	return nil
}

// identifyDevice issues IDENTIFY DEVICE (or IDENTIFY PACKET DEVICE),
// reads the 512-byte block by PIO and parses it. Any protocol divergence
// marks the device absent.
func (c *Channel) identifyDevice(index int, isATAPI bool) (*wire.Identify, error) {
	dev := &Device{Index: index, Kind: wire.KindATA}
	tf := wire.TaskFile{Command: wire.ATACmdIdentify}
	if isATAPI {
		dev.Kind = wire.KindATAPI
		tf.Command = wire.ATACmdIdentifyPacket
	}

	req := &Request{TargetID: index, Timeout: DefaultTimeout}
	if err := c.sendCommand(dev, req, &tf, wire.MaskCommand, c.identifyFlags(isATAPI)); err != nil {
		c.setState(StateBusy)
		return nil, errNoDeviceIdentified
	}

	defer c.setState(StateBusy)

	if err := c.wait(wire.StatusDRQ, wire.StatusBSY, false, identifyDRQTimeout); err != nil {
		return nil, errNoDeviceIdentified
	}

	block := make([]byte, wire.IdentifyLength)
	if err := c.ctrl.ReadPIO(block); err != nil {
		return nil, err
	}

	if err := c.waitForDRQDown(); err != nil && err != errWaitError {
		return nil, errNoDeviceIdentified
	}
	if err := c.finishCommand(dev, req, c.identifyFlags(isATAPI)|flagWaitFinish, wire.ErrorABRT); err != nil {
		dev.ClearSense()
		return nil, errNoDeviceIdentified
	}

	return wire.ParseIdentify(block)
}

func (c *Channel) identifyFlags(isATAPI bool) commandFlags {
	if isATAPI {
		return 0
	}
	return flagDRDYRequired
}

// configureDevice derives the runtime device state from a parsed
// identify block and applies the one-time feature setup.
func (c *Channel) configureDevice(index int, id *wire.Identify) (*Device, error) {
	dev := &Device{
		Index: index,
		Kind:  id.Kind,
		Info:  id,
	}

	if id.Kind == wire.KindATAPI {
		if id.PacketSize16 {
			return nil, errors.New("bus: device demands 16-byte packets")
		}
		dev.PacketIRQ = id.DRQSpeed == 1
		dev.LastLUN = id.LastLUN
	} else {
		dev.UseLBA = id.LBASupported && id.LBASectors != 0
		dev.Use48Bit = id.LBA48Supported
	}

	dev.TotalSectors = id.SectorCount(dev.Use48Bit)
	dev.SectorSize = id.SectorSize()

	dev.DMASupported = id.DMASupported
	dev.DMAEnabled = dev.DMASupported && c.cfg.CanDMA && !c.dmaDemoted[index]

	dev.TrimSupported = id.TrimSupported
	dev.TrimReturnsZeros = id.TrimReturnsZeros
	dev.MaxTrimRangeBlocks = id.MaxTrimRangeBlocks
	if dev.TrimSupported && dev.MaxTrimRangeBlocks == 0 {
		dev.MaxTrimRangeBlocks = 1
	}

	if id.Kind == wire.KindATA {
		if err := c.disableQueueIRQs(dev); err != nil {
			return nil, err
		}
		if err := c.configureRMSN(dev); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

// disableQueueIRQs turns off the release and service interrupts of
// devices that support DMA queuing; the engine never queues and must not
// receive interrupts it did not ask for. A refusal is logged and
// tolerated.
func (c *Channel) disableQueueIRQs(dev *Device) error {
	if !dev.Info.DMAQueuedSupported {
		return nil
	}
	if dev.Info.ReleaseIRQSupported {
		if err := c.SetFeature(dev, wire.FeatureDisableReleaseIRQ); err != nil {
			log.Printf("%s: device %d: cannot disable release interrupt", c.cfg.Name, dev.Index)
		}
	}
	if dev.Info.ServiceIRQSupported {
		if err := c.SetFeature(dev, wire.FeatureDisableServiceIRQ); err != nil {
			log.Printf("%s: device %d: cannot disable service interrupt", c.cfg.Name, dev.Index)
		}
	}
	return nil
}

// configureRMSN enables removable-media status notification and waits
// for the device to answer GET MEDIA STATUS sanely.
func (c *Channel) configureRMSN(dev *Device) error {
	if !dev.Info.RMSNSupported {
		return nil
	}
	if err := c.SetFeature(dev, wire.FeatureEnableMSN); err != nil {
		return err
	}

	for i := 0; i < 5; i++ {
		req := &Request{TargetID: dev.Index, Timeout: drdyTimeout}
		tf := wire.TaskFile{Command: wire.ATACmdGetMediaStatus}
		err := c.ExecSimple(dev, req, tf, 0,
			wire.ErrorNM|wire.ErrorABRT|wire.ErrorMCR|wire.ErrorMC)
		if err == nil || dev.Sense().Code == wire.AscNoMedium {
			dev.ClearSense()
			return nil
		}
		dev.ClearSense()
	}
	return errors.New("bus: GET MEDIA STATUS keeps failing")
}
