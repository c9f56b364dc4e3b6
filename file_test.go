// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

// assertStructurallyEqual checks the round-trip contract: equal section
// count, per-section identity and contents, the stable header fields,
// the overlay, and the resource leaves.
func assertStructurallyEqual(t *testing.T, want, got *File) {
	t.Helper()

	if len(got.Sections) != len(want.Sections) {
		t.Fatalf("section count mismatch, got %d, want %d",
			len(got.Sections), len(want.Sections))
	}

	for i := range want.Sections {
		w, g := want.Sections[i], got.Sections[i]
		if w.String() != g.String() {
			t.Errorf("section %d name mismatch, got %q, want %q", i, g.String(), w.String())
		}
		if w.VirtualSize != g.VirtualSize || w.VirtualAddress != g.VirtualAddress {
			t.Errorf("section %d placement mismatch, got %#x/%#x, want %#x/%#x",
				i, g.VirtualAddress, g.VirtualSize, w.VirtualAddress, w.VirtualSize)
		}
		if !bytes.Equal(w.Contents, g.Contents) {
			t.Errorf("section %d contents mismatch", i)
		}
	}

	if want.Header.Machine != got.Header.Machine ||
		want.Header.Magic != got.Header.Magic ||
		want.Header.Subsystem != got.Header.Subsystem ||
		want.Header.DllCharacteristics != got.Header.DllCharacteristics {
		t.Errorf("header identity mismatch, got %+v", got.Header)
	}

	if !bytes.Equal(want.Overlay, got.Overlay) {
		t.Errorf("overlay mismatch, got %d bytes, want %d bytes",
			len(got.Overlay), len(want.Overlay))
	}

	if len(want.ResourceTable.Resources) != len(got.ResourceTable.Resources) {
		t.Fatalf("resource count mismatch, got %d, want %d",
			len(got.ResourceTable.Resources), len(want.ResourceTable.Resources))
	}
	for i, w := range want.ResourceTable.Resources {
		g := got.ResourceTable.Resources[i]
		if w.Type != g.Type || w.TypeID != g.TypeID ||
			w.Name != g.Name || w.NameID != g.NameID ||
			w.Language != g.Language || w.LanguageID != g.LanguageID ||
			w.CodePage != g.CodePage || !bytes.Equal(w.Data, g.Data) {
			t.Errorf("resource %d mismatch, got %+v, want %+v", i, g, w)
		}
	}
}

func TestParseMinimalPE32(t *testing.T) {
	file := parseBytes(t, buildMinimalPE32())

	if len(file.Sections) != 0 {
		t.Errorf("expected no sections, got %d", len(file.Sections))
	}
	if file.Header.Magic != ImageNtOptionalHeader32Magic {
		t.Errorf("magic mismatch, got %#x", file.Header.Magic)
	}
	if file.Header.NumberOfRvaAndSizes != 16 {
		t.Errorf("NumberOfRvaAndSizes mismatch, got %d", file.Header.NumberOfRvaAndSizes)
	}

	size, err := file.WriteToBuffer(nil)
	if err != nil {
		t.Fatalf("WriteToBuffer(nil) failed: %v", err)
	}
	if size != 512 {
		t.Errorf("write size mismatch, got %d, want 512", size)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	file2 := parseBytes(t, out)
	assertStructurallyEqual(t, file, file2)

	// The written minimal image is a fixed point.
	out2, err := file2.Bytes()
	if err != nil {
		t.Fatalf("second Bytes failed: %v", err)
	}
	if !bytes.Equal(out, out2) {
		t.Errorf("second round trip differs")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		out  error
	}{
		{"one byte", []byte{0x4D}, ErrNotPE},
		{"no MZ", []byte("this is not an executable, promise"), ErrNotPE},
		{
			"bad PE signature",
			func() []byte {
				buf := buildMinimalPE32()
				copy(buf[testPEHeaderOffset:], "PX\x00\x00")
				return buf
			}(),
			ErrNotPE,
		},
		{
			"e_lfanew past end",
			func() []byte {
				buf := buildMinimalPE32()[:0x44]
				binary.LittleEndian.PutUint32(buf[ImageDOSHeaderNewEXEOffset:], 0x10000)
				return buf
			}(),
			ErrNotPE,
		},
		{
			"truncated optional header",
			buildMinimalPE32()[:testCOFFOffset+60],
			ErrTruncated,
		},
		{
			"unknown optional header magic",
			func() []byte {
				buf := buildMinimalPE32()
				binary.LittleEndian.PutUint16(buf[testOptionalOffset:], 0x107)
				return buf
			}(),
			ErrUnknownMagic,
		},
		{
			"section data outside file",
			func() []byte {
				buf := buildPE32(0, []testSection{textSection()}, nil)
				binary.LittleEndian.PutUint32(buf[testSectionOffset+8:], 0x10000000)
				binary.LittleEndian.PutUint32(buf[testSectionOffset+16:], 0x10000000)
				return buf
			}(),
			ErrSectionOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := NewBytes(tt.in, &Options{})
			if err != nil {
				t.Fatalf("NewBytes failed: %v", err)
			}
			err = file.Parse()
			if !errors.Is(err, tt.out) {
				t.Errorf("Parse error mismatch, got %v, want %v", err, tt.out)
			}
			if err != nil && file.LastError() == "" {
				t.Errorf("LastError not recorded")
			}
		})
	}
}

func TestParseSectionOverflowGuard(t *testing.T) {
	// SizeOfRawData + VirtualSize wrapping around 32 bits must fail the
	// load, not under-allocate.
	buf := buildPE32(0, []testSection{textSection()}, nil)
	offset := testSectionOffset
	binary.LittleEndian.PutUint32(buf[offset+8:], 0xFFFFFFF0)  // virtual size
	binary.LittleEndian.PutUint32(buf[offset+16:], 0xFFFFFFF0) // raw size

	file, _ := NewBytes(buf, &Options{})
	if err := file.Parse(); !errors.Is(err, ErrSectionOutOfRange) {
		t.Errorf("expected ErrSectionOutOfRange, got %v", err)
	}
}

func TestNumberOfRvaAndSizesClamped(t *testing.T) {
	buf := buildMinimalPE32()
	binary.LittleEndian.PutUint32(buf[testOptionalOffset+92:], 0xFFFFFFFF)

	file := parseBytes(t, buf)
	if file.Header.NumberOfRvaAndSizes != 16 {
		t.Errorf("clamp failed, got %d, want 16", file.Header.NumberOfRvaAndSizes)
	}
	if len(file.DataDirectories) != 16 {
		t.Errorf("directory count mismatch, got %d", len(file.DataDirectories))
	}
}

func TestSectionedRoundtrip(t *testing.T) {
	buf := buildPE32(0x1010, []testSection{textSection()}, nil)
	file := parseBytes(t, buf)

	if len(file.Sections) != 1 {
		t.Fatalf("section count mismatch, got %d", len(file.Sections))
	}
	if got := file.Sections[0].String(); got != ".text" {
		t.Errorf("section name mismatch, got %q", got)
	}
	if len(file.Sections[0].Contents) != 0x200 {
		t.Errorf("contents size mismatch, got %d", len(file.Sections[0].Contents))
	}

	sectionIndex, offset := file.EntryPoint()
	if sectionIndex != 0 || offset != 0x10 {
		t.Errorf("entry point mismatch, got (%d, %#x)", sectionIndex, offset)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	file2 := parseBytes(t, out)
	assertStructurallyEqual(t, file, file2)

	if file2.Header.AddressOfEntryPoint != 0x1010 {
		t.Errorf("entry point not recomputed, got %#x", file2.Header.AddressOfEntryPoint)
	}
}

func TestOverlayPreserved(t *testing.T) {
	overlay := []byte("OVERLAY! trailing installer payload")
	buf := buildPE32(0, []testSection{textSection()}, overlay)

	file := parseBytes(t, buf)
	if !file.HasOverlay() {
		t.Fatalf("overlay not detected")
	}
	if !bytes.Equal(file.Overlay, overlay) {
		t.Fatalf("overlay mismatch, got %q", file.Overlay)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.HasSuffix(out, overlay) {
		t.Errorf("written image does not end with the overlay")
	}
}

func TestCertificateTableKeptAsFileOffset(t *testing.T) {
	buf := buildPE32(0, []testSection{textSection()}, nil)

	// end of section data for this fixture is 0x400.
	certVA := uint32(0x400 + 0x100)
	dirOffset := testOptionalOffset + OptionalHeader32Size +
		int(ImageDirectoryEntryCertificate)*DataDirectorySize
	binary.LittleEndian.PutUint32(buf[dirOffset:], certVA)
	binary.LittleEndian.PutUint32(buf[dirOffset+4:], 0x10)

	file := parseBytes(t, buf)

	dir := file.DataDirectory(ImageDirectoryEntryCertificate)
	if dir.SectionIndex != -1 {
		t.Fatalf("certificate table bound to a section")
	}
	if dir.Offset != 0x100 || dir.Size != 0x10 {
		t.Fatalf("certificate binding mismatch, got offset %#x size %#x", dir.Offset, dir.Size)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	written := binary.LittleEndian.Uint32(out[dirOffset:])
	if written != certVA {
		t.Errorf("certificate table offset mismatch, got %#x, want %#x", written, certVA)
	}

	file2 := parseBytes(t, out)
	dir2 := file2.DataDirectory(ImageDirectoryEntryCertificate)
	if dir2.SectionIndex != -1 || dir2.Offset != 0x100 {
		t.Errorf("certificate binding lost after round trip: %+v", dir2)
	}
}

func TestSectionResizeRoundtrip(t *testing.T) {
	buf := buildPE32(0, []testSection{textSection()}, nil)
	file := parseBytes(t, buf)

	oldSize := uint64(len(file.Sections[0].Contents))
	if err := file.ResizeSection(0, oldSize+1024); err != nil {
		t.Fatalf("ResizeSection failed: %v", err)
	}
	if err := file.Recalculate(); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	file2 := parseBytes(t, out)
	contents := file2.Sections[0].Contents
	if uint64(len(contents)) != oldSize+1024 {
		t.Fatalf("resized contents mismatch, got %d, want %d", len(contents), oldSize+1024)
	}
	for i := uint64(0); i < oldSize; i++ {
		if contents[i] != 0xCC {
			t.Fatalf("content prefix not preserved at %d", i)
		}
	}
	for i := oldSize; i < uint64(len(contents)); i++ {
		if contents[i] != 0 {
			t.Fatalf("grown tail not zero-filled at %d", i)
		}
	}
}

func TestWriteSizeQueryIdempotent(t *testing.T) {
	buf := buildPE32(0, []testSection{textSection()}, []byte{1, 2, 3})
	file := parseBytes(t, buf)

	size, err := file.WriteToBuffer(nil)
	if err != nil {
		t.Fatalf("size query failed: %v", err)
	}

	out := make([]byte, size)
	written, err := file.WriteToBuffer(out)
	if err != nil {
		t.Fatalf("WriteToBuffer failed: %v", err)
	}
	if written != size {
		t.Errorf("write size mismatch, got %d, want %d", written, size)
	}
}

func TestWriteBufferTooSmall(t *testing.T) {
	file := parseBytes(t, buildMinimalPE32())

	written, err := file.WriteToBuffer(make([]byte, 16))
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("expected ErrBufferTooSmall, got %v", err)
	}
	if written != 0 {
		t.Errorf("expected 0 bytes written, got %d", written)
	}
	if file.LastError() == "" {
		t.Errorf("LastError not recorded")
	}
}

func TestParsePE32Plus(t *testing.T) {
	file := parseBytes(t, buildPE32Plus())

	if !file.Header.Is64() {
		t.Fatalf("expected PE32+")
	}
	if file.Header.ImageBase != 0x140000000 {
		t.Errorf("image base mismatch, got %#x", file.Header.ImageBase)
	}
	if file.Header.SizeOfStackReserve != 0x100000 {
		t.Errorf("stack reserve mismatch, got %#x", file.Header.SizeOfStackReserve)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	file2 := parseBytes(t, out)
	if !reflect.DeepEqual(file.Header, file2.Header) {
		t.Errorf("header round trip mismatch:\ngot  %+v\nwant %+v", file2.Header, file.Header)
	}
}

func TestNewEmptyWrites(t *testing.T) {
	file := NewEmpty()

	if _, err := file.CreateSection(".text", 0x100, 0x100,
		ImageScnCntCode|ImageScnMemExecute|ImageScnMemRead, bytes.Repeat([]byte{0x90}, 0x100)); err != nil {
		t.Fatalf("CreateSection failed: %v", err)
	}

	out, err := file.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	file2 := parseBytes(t, out)
	if len(file2.Sections) != 1 {
		t.Fatalf("section count mismatch, got %d", len(file2.Sections))
	}
	if file2.Sections[0].String() != ".text" {
		t.Errorf("section name mismatch, got %q", file2.Sections[0].String())
	}
}
