// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// cursor provides bounds-checked little-endian reads and writes at
// explicit offsets over a byte slice. Every access requires
// offset + width <= len(buf); violations surface as ErrTruncated.
type cursor struct {
	buf []byte
}

func (c cursor) len() uint64 {
	return uint64(len(c.buf))
}

func (c cursor) ok(offset, width uint64) bool {
	return offset+width >= offset && offset+width <= c.len()
}

func (c cursor) uint8(offset uint64) (uint8, error) {
	if !c.ok(offset, 1) {
		return 0, ErrTruncated
	}
	return c.buf[offset], nil
}

func (c cursor) uint16(offset uint64) (uint16, error) {
	if !c.ok(offset, 2) {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint16(c.buf[offset:]), nil
}

func (c cursor) uint32(offset uint64) (uint32, error) {
	if !c.ok(offset, 4) {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint32(c.buf[offset:]), nil
}

func (c cursor) uint64At(offset uint64) (uint64, error) {
	if !c.ok(offset, 8) {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint64(c.buf[offset:]), nil
}

func (c cursor) bytes(offset, size uint64) ([]byte, error) {
	if !c.ok(offset, size) {
		return nil, ErrTruncated
	}
	return c.buf[offset : offset+size], nil
}

func (c cursor) putUint8(offset uint64, val uint8) error {
	if !c.ok(offset, 1) {
		return ErrTruncated
	}
	c.buf[offset] = val
	return nil
}

func (c cursor) putUint16(offset uint64, val uint16) error {
	if !c.ok(offset, 2) {
		return ErrTruncated
	}
	binary.LittleEndian.PutUint16(c.buf[offset:], val)
	return nil
}

func (c cursor) putUint32(offset uint64, val uint32) error {
	if !c.ok(offset, 4) {
		return ErrTruncated
	}
	binary.LittleEndian.PutUint32(c.buf[offset:], val)
	return nil
}

func (c cursor) putUint64(offset uint64, val uint64) error {
	if !c.ok(offset, 8) {
		return ErrTruncated
	}
	binary.LittleEndian.PutUint64(c.buf[offset:], val)
	return nil
}

func (c cursor) putBytes(offset uint64, val []byte) error {
	if !c.ok(offset, uint64(len(val))) {
		return ErrTruncated
	}
	copy(c.buf[offset:], val)
	return nil
}
