// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// UNMAP parameter list decoding (SBC-3 5.28).

package wire

import (
	"encoding/binary"
	"errors"
)

const (
	unmapHeaderLen = 8
	unmapDescLen   = 16
)

// UnmapDescriptor is one (LBA, block count) range from an UNMAP parameter
// list.
type UnmapDescriptor struct {
	LBA    uint64
	Blocks uint32
}

// ErrUnmapListLength reports an inconsistency between the CDB parameter
// list length, the list's own length fields, and the descriptor data.
var ErrUnmapListLength = errors.New("wire: unmap parameter list length fields disagree")

// DecodeUnmapList validates the three length fields of an UNMAP parameter
// list against each other and the buffer, and returns the block
// descriptors. An empty descriptor list is valid and yields nil.
func DecodeUnmapList(data []byte) ([]UnmapDescriptor, error) {
	if len(data) < unmapHeaderLen {
		return nil, ErrUnmapListLength
	}
	dataLen := int(binary.BigEndian.Uint16(data[0:2]))
	blockDataLen := int(binary.BigEndian.Uint16(data[2:4]))

	if dataLen != len(data)-2 || blockDataLen != len(data)-unmapHeaderLen {
		return nil, ErrUnmapListLength
	}
	if blockDataLen%unmapDescLen != 0 {
		return nil, ErrUnmapListLength
	}

	count := blockDataLen / unmapDescLen
	if count == 0 {
		return nil, nil
	}
	descs := make([]UnmapDescriptor, count)
	for i := range descs {
		d := data[unmapHeaderLen+i*unmapDescLen:]
		descs[i].LBA = binary.BigEndian.Uint64(d[0:8])
		descs[i].Blocks = binary.BigEndian.Uint32(d[8:12])
	}
	return descs, nil
}

// EncodeUnmapList builds an UNMAP parameter list from descriptors. Used by
// tests and by initiator-side tooling.
func EncodeUnmapList(descs []UnmapDescriptor) []byte {
	b := make([]byte, unmapHeaderLen+len(descs)*unmapDescLen)
	binary.BigEndian.PutUint16(b[0:2], uint16(len(b)-2))
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)-unmapHeaderLen))
	for i, d := range descs {
		out := b[unmapHeaderLen+i*unmapDescLen:]
		binary.BigEndian.PutUint64(out[0:8], d.LBA)
		binary.BigEndian.PutUint32(out[8:12], d.Blocks)
	}
	return b
}
