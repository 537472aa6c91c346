// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/open-source-firmware/go-atabus/pkg/bus"
	"github.com/open-source-firmware/go-atabus/pkg/scsi2ata"
	"github.com/open-source-firmware/go-atabus/pkg/sgio"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// discardSink drops completions; probing only uses synchronous queries.
type discardSink struct{}

func (discardSink) Finished(r *bus.Request, runCount int) {}
func (discardSink) Requeue(r *bus.Request)                {}

// Run scans the device through the SG passthrough channel and reports
// its identify block the same way dump does.
func (t *probeCmd) Run(ctx *context) error {
	ctrl, err := sgio.Open(t.Device, t.ATAPI)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ch := bus.NewChannel(ctrl, discardSink{}, bus.Config{
		Name:       t.Device,
		MaxDevices: 1,
		CanDMA:     true,
	})
	ctrl.IRQ = func() { ch.HandleInterrupt() }
	if err := ch.Scan(); err != nil {
		return fmt.Errorf("scan %s: %w", t.Device, err)
	}

	d := scsi2ata.New(ch)
	raw := make([]byte, wire.IdentifyLength)
	if _, err := d.Ioctl(0, scsi2ata.IoctlGetInfoBlock, raw); err != nil {
		return fmt.Errorf("no device answered on %s", t.Device)
	}
	id, err := wire.ParseIdentify(raw)
	if err != nil {
		return err
	}
	return output(id, t.Device, t.Output, t.Debug)
}
