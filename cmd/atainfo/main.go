// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// atainfo decodes ATA identify blocks: from a saved 512-byte dump, or
// straight from a disk through the SG passthrough channel (Linux only).
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"

	"github.com/open-source-firmware/go-atabus/pkg/cmdutil"
	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

const (
	programName = "atainfo"
	programDesc = "ATA identify-device decoder"
)

type dumpCmd struct {
	Path   string `arg:"" type:"accessiblefile" help:"Path to a saved 512-byte identify block"`
	Output string `flag:"" enum:"table,json,openmetrics" default:"table" help:"Output format"`
	Debug  bool   `flag:"" help:"Dump the parsed structure verbatim"`
}

type probeCmd struct {
	Device string `arg:"" help:"Block device node (e.g. /dev/sda)"`
	ATAPI  bool   `flag:"" help:"Device speaks the packet protocol"`
	Output string `flag:"" enum:"table,json,openmetrics" default:"table" help:"Output format"`
	Debug  bool   `flag:"" help:"Dump the parsed structure verbatim"`
}

type context struct{}

var cli struct {
	Dump  dumpCmd  `cmd:"" help:"Decode a saved identify block"`
	Probe probeCmd `cmd:"" help:"Identify a block device via SG passthrough"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&context{})
	ctx.FatalIfErrorf(err)
}

// Run decodes an identify block from a file.
func (t *dumpCmd) Run(ctx *context) error {
	raw, err := os.ReadFile(t.Path)
	if err != nil {
		return err
	}
	id, err := wire.ParseIdentify(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", t.Path, err)
	}
	return output(id, t.Path, t.Output, t.Debug)
}

func output(id *wire.Identify, source, format string, debug bool) error {
	if debug {
		spew.Dump(id)
		return nil
	}
	switch format {
	case "json":
		return outputJSON(id)
	case "openmetrics":
		return outputMetrics(id, source)
	default:
		return outputTable(id)
	}
}

func outputJSON(id *wire.Identify) error {
	b, err := json.MarshalIndent(deviceState(id), "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal JSON: %v", err)
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}

// DeviceState is the flattened report of one identify block.
type DeviceState struct {
	Protocol      string
	Model         string
	SerialNumber  string
	Firmware      string
	Removable     bool
	LBASupported  bool
	LBA48         bool
	SectorCount   uint64
	SectorSize    uint32
	CapacityBytes uint64
	Cylinders     uint16
	Heads         uint16
	Sectors       uint16
	DMASupported  bool
	MDMAModes     uint8
	UDMAModes     uint8
	WriteCache    bool
	TrimSupported bool
	TrimZeroes    bool
	QueueDepth    uint8
	RotationRate  uint16
}

func deviceState(id *wire.Identify) DeviceState {
	count := id.SectorCount(id.LBA48Supported)
	return DeviceState{
		Protocol:      id.Kind.String(),
		Model:         id.Model(),
		SerialNumber:  id.Serial(),
		Firmware:      id.Firmware(),
		Removable:     id.Removable,
		LBASupported:  id.LBASupported,
		LBA48:         id.LBA48Supported,
		SectorCount:   count,
		SectorSize:    id.SectorSize(),
		CapacityBytes: count * uint64(id.SectorSize()),
		Cylinders:     id.CurrentCylinders,
		Heads:         id.CurrentHeads,
		Sectors:       id.CurrentSectors,
		DMASupported:  id.DMASupported,
		MDMAModes:     id.MDMAMask,
		UDMAModes:     id.UDMAMask,
		WriteCache:    id.WriteCacheSupported,
		TrimSupported: id.TrimSupported,
		TrimZeroes:    id.TrimReturnsZeros,
		QueueDepth:    id.QueueDepth,
		RotationRate:  id.RotationRate,
	}
}

func outputTable(id *wire.Identify) error {
	s := deviceState(id)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Protocol:\t%s\n", s.Protocol)
	fmt.Fprintf(w, "Model:\t%s\n", s.Model)
	fmt.Fprintf(w, "Serial:\t%s\n", s.SerialNumber)
	fmt.Fprintf(w, "Firmware:\t%s\n", s.Firmware)
	fmt.Fprintf(w, "Removable:\t%v\n", s.Removable)
	fmt.Fprintf(w, "Geometry:\t%d/%d/%d\n", s.Cylinders, s.Heads, s.Sectors)
	fmt.Fprintf(w, "LBA:\t%v (48-bit: %v)\n", s.LBASupported, s.LBA48)
	fmt.Fprintf(w, "Sectors:\t%d x %d bytes (%.1f GB)\n",
		s.SectorCount, s.SectorSize, float64(s.CapacityBytes)/1e9)
	fmt.Fprintf(w, "DMA:\t%v (MDMA %#02x, UDMA %#02x)\n", s.DMASupported, s.MDMAModes, s.UDMAModes)
	fmt.Fprintf(w, "Write cache:\t%v\n", s.WriteCache)
	fmt.Fprintf(w, "TRIM:\t%v (reads zero: %v)\n", s.TrimSupported, s.TrimZeroes)
	fmt.Fprintf(w, "Queue depth:\t%d\n", s.QueueDepth)
	if s.RotationRate == 1 {
		fmt.Fprintf(w, "Medium:\tsolid state\n")
	} else if s.RotationRate > 1 {
		fmt.Fprintf(w, "Medium:\t%d rpm\n", s.RotationRate)
	}
	return w.Flush()
}
