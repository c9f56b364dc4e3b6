// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"testing"
)

func TestUTF16Roundtrip(t *testing.T) {
	tests := []string{
		"",
		"CompanyName",
		"ACME Größe ümläut",
		"日本語リソース",
	}

	for _, want := range tests {
		encoded, err := encodeUTF16(want)
		if err != nil {
			t.Fatalf("encode(%q) failed: %v", want, err)
		}
		got, err := decodeUTF16(encoded)
		if err != nil {
			t.Fatalf("decode(%q) failed: %v", want, err)
		}
		if got != want {
			t.Errorf("round trip mismatch, got %q, want %q", got, want)
		}
	}
}

func TestUTF16Len(t *testing.T) {
	if got := utf16Len("abc"); got != 3 {
		t.Errorf("utf16Len(abc) mismatch, got %d", got)
	}
	// Surrogate pair: two 16-bit units.
	if got := utf16Len("\U0001F600"); got != 2 {
		t.Errorf("utf16Len(emoji) mismatch, got %d", got)
	}
}

func TestReadLengthString(t *testing.T) {
	// u16 count of units, then units, no terminator.
	buf := []byte{0x03, 0x00, 'a', 0, 'b', 0, 'c', 0, 0xFF}
	got, err := readLengthString(cursor{buf}, 0)
	if err != nil {
		t.Fatalf("readLengthString failed: %v", err)
	}
	if got != "abc" {
		t.Errorf("mismatch, got %q", got)
	}

	// Count past the end fails.
	if _, err := readLengthString(cursor{[]byte{0x10, 0x00, 'a', 0}}, 0); err == nil {
		t.Errorf("expected error for oversized count")
	}
}

func TestReadTerminatedString(t *testing.T) {
	buf := append([]byte{'h', 0, 'i', 0, 0, 0}, bytes.Repeat([]byte{0xEE}, 8)...)

	got, size, err := readTerminatedString(cursor{buf}, 0, uint64(len(buf)))
	if err != nil {
		t.Fatalf("readTerminatedString failed: %v", err)
	}
	if got != "hi" || size != 4 {
		t.Errorf("mismatch, got %q size %d", got, size)
	}

	// Without a terminator the available bytes are decoded as-is.
	raw := []byte{'o', 0, 'k', 0}
	got, size, err = readTerminatedString(cursor{raw}, 0, 4)
	if err != nil {
		t.Fatalf("unterminated read failed: %v", err)
	}
	if got != "ok" || size != 4 {
		t.Errorf("unterminated mismatch, got %q size %d", got, size)
	}

	if _, _, err := readTerminatedString(cursor{raw}, 10, 4); err == nil {
		t.Errorf("expected error past the end")
	}
}
