// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bus implements the per-channel engine of an ATA/ATAPI bus
// manager: device probing and identify, task-file command execution with
// PIO or DMA data phases, and completion bookkeeping. The register-level
// controller is abstracted behind the Controller interface; command
// translation from SCSI lives in package scsi2ata.
package bus

import (
	"errors"
	"time"

	"github.com/open-source-firmware/go-atabus/pkg/wire"
)

// SubsysStatus classifies how the transport handled a request,
// orthogonally to the SCSI status byte and sense data.
type SubsysStatus uint8

const (
	StatusPending SubsysStatus = iota
	StatusCompleted
	StatusCompletedWithError
	StatusAborted
	StatusBusBusy
	StatusSelectionTimeout
	StatusCommandTimeout
	StatusSequenceFail
	StatusHBAError
	StatusNoHBA
	StatusInvalidRequest
	StatusDataOverrun
)

func (s SubsysStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCompletedWithError:
		return "completed with error"
	case StatusAborted:
		return "aborted"
	case StatusBusBusy:
		return "bus busy"
	case StatusSelectionTimeout:
		return "selection timeout"
	case StatusCommandTimeout:
		return "command timeout"
	case StatusSequenceFail:
		return "sequence failure"
	case StatusHBAError:
		return "controller error"
	case StatusNoHBA:
		return "no controller"
	case StatusInvalidRequest:
		return "invalid request"
	case StatusDataOverrun:
		return "data overrun"
	}
	return "unknown"
}

// Direction is the data transfer direction of a request, seen from the
// initiator.
type Direction uint8

const (
	DirNone Direction = iota
	DirIn
	DirOut
)

// SGList is a scatter/gather list of in-memory data segments. Segments
// may have odd lengths; the PIO pump reconciles the 16-bit data register
// across segment boundaries.
type SGList [][]byte

// TotalLength returns the sum of all segment lengths.
func (sg SGList) TotalLength() int {
	n := 0
	for _, s := range sg {
		n += len(s)
	}
	return n
}

// Request is the command-control-block crossing the upper boundary. It is
// owned exclusively by one channel from acceptance until the completion
// callback returns.
type Request struct {
	TargetID  int
	TargetLUN uint8

	CDB       [16]byte
	CDBLength int

	Direction Direction
	Data      SGList
	Timeout   time.Duration // zero selects the engine default

	// DisableAutosense suppresses synthesized sense data in Sense; the
	// stored device sense still remains readable via REQUEST SENSE.
	DisableAutosense bool

	// Completion outputs.
	Status       SubsysStatus
	DeviceStatus uint8 // SCSI status byte
	Residual     int
	Sense        [wire.FixedSenseLength]byte
	SenseValid   bool

	dataLength int
}

// DataLength returns the total scatter/gather length, computed once.
func (r *Request) DataLength() int {
	if r.dataLength == 0 {
		r.dataLength = r.Data.TotalLength()
	}
	return r.dataLength
}

// CompletionSink receives finished and rejected requests. Registered at
// channel construction; called from the submitting goroutine.
type CompletionSink interface {
	// Finished delivers a completed request. runCount mirrors the number
	// of completions reported in this call, always 1 here.
	Finished(r *Request, runCount int)
	// Requeue hands back a request that could not be started because the
	// channel was busy. The upper stack is expected to resubmit it.
	Requeue(r *Request)
}

// DMAResult classifies how a bus-master transfer ended.
type DMAResult int

const (
	DMAOK DMAResult = iota
	DMAOverrun
	DMAFatal
)

// Controller is the narrow capability a channel-level controller provides
// to the engine. Implementations are stateless with respect to the
// engine: the channel duplicates everything it needs to reason about
// (selected device, active request) so it never probes the hardware for
// state. All methods may be called from the submitting goroutine; none
// may block indefinitely.
type Controller interface {
	// SelectDevice writes the device/head register, flushes posted writes
	// by reading the alternate status register, and waits 400ns.
	SelectDevice(index int) error

	// WriteRegs writes the task-file registers named by mask.
	WriteRegs(tf *wire.TaskFile, mask wire.RegMask) error
	// ReadRegs reads the task-file registers named by mask into tf.
	ReadRegs(tf *wire.TaskFile, mask wire.RegMask) error

	// AltStatus reads the alternate status register without acknowledging
	// a pending interrupt.
	AltStatus() uint8

	// WriteControl writes the device control register (SRST, nIEN).
	WriteControl(bits uint8) error

	// ReadPIO moves len(p) bytes from the 16-bit data register into p.
	// len(p) must be even.
	ReadPIO(p []byte) error
	// WritePIO moves len(p) bytes from p into the data register.
	WritePIO(p []byte) error

	// PrepareDMA programs the bus-master engine with a scatter/gather
	// list. A failure makes the engine fall back to PIO.
	PrepareDMA(sg SGList, write bool) error
	// StartDMA starts the prepared transfer. Called after the command
	// byte has been written.
	StartDMA() error
	// FinishDMA stops the engine and classifies the transfer. The
	// returned count is the number of bytes actually moved.
	FinishDMA() (DMAResult, int)
}

var (
	// ErrBusBusy reports that a request was submitted while another was
	// active; the request has been handed to the sink's Requeue.
	ErrBusBusy = errors.New("bus: channel busy")
	// ErrChannelGone reports submission to a disconnected channel.
	ErrChannelGone = errors.New("bus: channel disconnected")
	// ErrNoDevice reports an absent target.
	ErrNoDevice = errors.New("bus: no such device")
)

// State is the channel bus state.
type State uint8

const (
	StateIdle State = iota
	StateBusy
	StatePIO
	StateDMA
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StatePIO:
		return "pio"
	case StateDMA:
		return "dma"
	}
	return "unknown"
}
