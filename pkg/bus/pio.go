// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// PIO data transmission.
//
// The data register is 16 bits wide, scatter/gather segments are not, so
// a segment ending on an odd byte leaves half a word pending: on reads
// the extra byte fetched from the device is buffered for the next
// segment, on writes the dangling byte waits to be paired with the first
// byte of the next segment. ATAPI devices may also request more data than
// the list holds; the surplus is discarded in small strides because there
// is no way to tell the device to stop.

package bus

// discardStride is the unit in which surplus ATAPI data is drained or
// zero-filled.
const discardStride = 32

// sgCursor walks a scatter/gather list byte-wise and carries the pending
// odd byte between segments and blocks.
type sgCursor struct {
	sg       SGList
	seg, off int
	consumed int // bytes of buffer used so far

	hasOdd  bool
	oddByte byte
}

// take returns up to max contiguous bytes of the current segment, or nil
// when the list is exhausted. Zero-length segments are skipped.
func (cur *sgCursor) take(max int) []byte {
	for cur.seg < len(cur.sg) && cur.off >= len(cur.sg[cur.seg]) {
		cur.seg++
		cur.off = 0
	}
	if cur.seg >= len(cur.sg) || max <= 0 {
		return nil
	}
	s := cur.sg[cur.seg][cur.off:]
	if len(s) > max {
		s = s[:max]
	}
	cur.off += len(s)
	cur.consumed += len(s)
	return s
}

// readPIO moves length device bytes into the cursor. Returns the number
// of bytes read off the bus and whether the buffer ran short (surplus
// discarded, tolerated for ATAPI only).
func (c *Channel) readPIO(cur *sgCursor, length int) (int, bool, error) {
	deviceBytes := 0
	short := false

	for deviceBytes < length {
		if cur.hasOdd {
			// A byte fetched for the previous segment's half word goes
			// into the buffer first; it was already counted when read.
			s := cur.take(1)
			if s == nil {
				short = true
				break
			}
			s[0] = cur.oddByte
			cur.hasOdd = false
			continue
		}

		chunk := cur.take(length - deviceBytes)
		if chunk == nil {
			short = true
			break
		}
		even := len(chunk) &^ 1
		if even > 0 {
			if err := c.ctrl.ReadPIO(chunk[:even]); err != nil {
				return deviceBytes, false, err
			}
			deviceBytes += even
		}
		if len(chunk)&1 != 0 {
			// The segment ends mid-word: read the full word, keep the
			// second byte pending for whatever comes next.
			var word [2]byte
			if err := c.ctrl.ReadPIO(word[:]); err != nil {
				return deviceBytes, false, err
			}
			chunk[even] = word[0]
			cur.oddByte = word[1]
			cur.hasOdd = true
			deviceBytes += 2
		}
	}

	if !short {
		return deviceBytes, false, nil
	}

	// Device wants to hand out more than the buffer holds; drain it.
	cur.hasOdd = false
	if err := c.discardRead(length - deviceBytes); err != nil {
		return deviceBytes, false, err
	}
	return deviceBytes, true, nil
}

// writePIO moves length device bytes out of the cursor, zero-filling if
// the buffer runs short.
func (c *Channel) writePIO(cur *sgCursor, length int) (int, bool, error) {
	deviceBytes := 0
	short := false

	for deviceBytes < length {
		if cur.hasOdd {
			s := cur.take(1)
			if s == nil {
				short = true
				break
			}
			word := [2]byte{cur.oddByte, s[0]}
			cur.hasOdd = false
			if err := c.ctrl.WritePIO(word[:]); err != nil {
				return deviceBytes, false, err
			}
			deviceBytes += 2
			continue
		}

		chunk := cur.take(length - deviceBytes)
		if chunk == nil {
			short = true
			break
		}
		even := len(chunk) &^ 1
		if even > 0 {
			if err := c.ctrl.WritePIO(chunk[:even]); err != nil {
				return deviceBytes, false, err
			}
			deviceBytes += even
		}
		if len(chunk)&1 != 0 {
			cur.oddByte = chunk[even]
			cur.hasOdd = true
		}
	}

	if !short || deviceBytes >= length {
		return deviceBytes, false, nil
	}

	// Flush the dangling byte with zero padding, then keep the device fed
	// with zeros; it insists on its byte count and cannot be told no.
	if cur.hasOdd {
		word := [2]byte{cur.oddByte, 0}
		cur.hasOdd = false
		if err := c.ctrl.WritePIO(word[:]); err != nil {
			return deviceBytes, false, err
		}
		deviceBytes += 2
	}
	if deviceBytes >= length {
		return deviceBytes, true, nil
	}
	if err := c.discardWrite(length - deviceBytes); err != nil {
		return deviceBytes, false, err
	}
	return deviceBytes, true, nil
}

// finishCursor settles a pending read byte at the end of a transfer: it
// still belongs in the buffer if there is room, and is device padding
// otherwise.
func finishCursor(cur *sgCursor) {
	if !cur.hasOdd {
		return
	}
	if s := cur.take(1); s != nil {
		s[0] = cur.oddByte
	}
	cur.hasOdd = false
}

func (c *Channel) discardRead(length int) error {
	var buf [discardStride]byte
	for length > 0 {
		n := length + 1
		if n > discardStride {
			n = discardStride
		}
		n &^= 1
		if err := c.ctrl.ReadPIO(buf[:n]); err != nil {
			return err
		}
		length -= n
	}
	return nil
}

func (c *Channel) discardWrite(length int) error {
	var buf [discardStride]byte
	for length > 0 {
		n := length + 1
		if n > discardStride {
			n = discardStride
		}
		n &^= 1
		if err := c.ctrl.WritePIO(buf[:n]); err != nil {
			return err
		}
		length -= n
	}
	return nil
}

// execPIOTransfer pumps an ATA data command block by block on the
// submitting goroutine: wait for DRQ, move one sector, repeat; after the
// last sector wait for DRQ to drop and classify the final status.
func (c *Channel) execPIOTransfer(dev *Device, req *Request, blocks int, write bool) {
	cur := &sgCursor{sg: req.Data}
	blockSize := int(dev.SectorSize)

	first := true
	for blocks > 0 {
		timeout := drqTimeout
		if first {
			timeout = drqFirstBlockTimeout
			first = false
		}
		if err := c.waitForDRQ(timeout); err != nil {
			if err == errWaitError {
				// The device gave up; the final status read classifies.
				break
			}
			req.Status = StatusSequenceFail
			return
		}

		var err error
		if write {
			_, _, err = c.writePIO(cur, blockSize)
		} else {
			_, _, err = c.readPIO(cur, blockSize)
		}
		if err != nil {
			req.Status = StatusSequenceFail
			return
		}
		blocks--

		if blocks > 0 {
			// One PIO cycle of breathing room before polling again.
			c.ctrl.AltStatus()
		}
	}
	finishCursor(cur)
	req.Residual = req.DataLength() - cur.consumed

	if err := c.waitForDRQDown(); err != nil && err != errWaitError {
		req.Status = StatusSequenceFail
		return
	}

	flags := flagWaitFinish | flagDRDYRequired
	if write {
		flags |= flagIsWrite
	}
	c.finishCommand(dev, req, flags, 0xff)
}
