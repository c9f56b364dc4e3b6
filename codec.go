// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"golang.org/x/text/encoding/unicode"
)

var (
	utf16Codec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// decodeUTF16 converts raw UTF-16LE bytes (no terminator) to a UTF-8
// string.
func decodeUTF16(b []byte) (string, error) {
	decoded, err := utf16Codec.NewDecoder().Bytes(b)
	if err != nil {
		return "", ErrTranscodeFailed
	}
	return string(decoded), nil
}

// encodeUTF16 converts a UTF-8 string to UTF-16LE bytes without a
// terminator.
func encodeUTF16(s string) ([]byte, error) {
	encoded, err := utf16Codec.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, ErrTranscodeFailed
	}
	return encoded, nil
}

// utf16Len returns the number of 16-bit units s occupies once encoded,
// without a terminator.
func utf16Len(s string) int {
	b, err := encodeUTF16(s)
	if err != nil {
		return 0
	}
	return len(b) / 2
}

// readLengthString reads a length-prefixed UTF-16LE string: a uint16 count
// of 16-bit units followed by count*2 bytes, no terminator.
func readLengthString(c cursor, offset uint64) (string, error) {
	count, err := c.uint16(offset)
	if err != nil {
		return "", err
	}

	raw, err := c.bytes(offset+2, uint64(count)*2)
	if err != nil {
		return "", err
	}

	return decodeUTF16(raw)
}

// readTerminatedString reads a NUL-terminated UTF-16LE string starting at
// offset, consuming at most maxBytes bytes. It returns the decoded string
// and the number of bytes the string occupies excluding the terminator.
// When no terminator is found the available bytes are decoded as-is; this
// mirrors the tolerance the version-info parser needs for malformed
// blobs.
func readTerminatedString(c cursor, offset, maxBytes uint64) (string, uint64, error) {
	if offset > c.len() {
		return "", 0, ErrTruncated
	}

	if avail := c.len() - offset; maxBytes > avail {
		maxBytes = avail
	}
	if maxBytes > 0 && maxBytes < 2 {
		return "", 0, ErrTruncated
	}

	var size uint64
	found := false
	for i := offset; i+1 < offset+maxBytes; i += 2 {
		val, err := c.uint16(i)
		if err != nil {
			return "", 0, err
		}
		if val == 0 {
			size = i - offset
			found = true
			break
		}
	}

	if !found {
		if offset+maxBytes < c.len() {
			size = maxBytes
		} else {
			size = c.len() - offset
		}
	}

	raw, err := c.bytes(offset, size)
	if err != nil {
		return "", 0, err
	}

	s, err := decodeUTF16(raw)
	return s, size, err
}
