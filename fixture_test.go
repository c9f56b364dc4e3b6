// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// Synthetic in-memory PE images used across the tests.

type testSection struct {
	name            string
	virtualSize     uint32
	virtualAddress  uint32
	rawSize         uint32
	rawPointer      uint32
	characteristics uint32
	fill            byte
}

const (
	testPEHeaderOffset = 0x40
	testCOFFOffset     = testPEHeaderOffset + 4
	testOptionalOffset = testCOFFOffset + COFFHeaderSize
	testSectionOffset  = testCOFFOffset + COFFHeaderSize + OptionalHeader32Size + 16*DataDirectorySize
)

// buildPE32 assembles a PE32 image with the given sections and overlay.
// Alignments are 0x200/0x1000, headers fit in the first 0x200 bytes.
func buildPE32(entryPoint uint32, sections []testSection, overlay []byte) []byte {
	size := uint32(testSectionOffset + len(sections)*SectionHeaderSize)
	for _, sec := range sections {
		if end := sec.rawPointer + sec.rawSize; end > size {
			size = end
		}
	}

	buf := make([]byte, int(size)+len(overlay))
	le := binary.LittleEndian

	// DOS stub: MZ magic and e_lfanew, everything else zero.
	le.PutUint16(buf[0:], ImageDOSSignature)
	le.PutUint32(buf[ImageDOSHeaderNewEXEOffset:], testPEHeaderOffset)

	le.PutUint32(buf[testPEHeaderOffset:], ImageNTSignature)

	// COFF header.
	le.PutUint16(buf[testCOFFOffset+0:], ImageFileMachineI386)
	le.PutUint16(buf[testCOFFOffset+2:], uint16(len(sections)))
	le.PutUint32(buf[testCOFFOffset+4:], 0x5F000000)
	le.PutUint16(buf[testCOFFOffset+16:], OptionalHeader32Size+16*DataDirectorySize)
	le.PutUint16(buf[testCOFFOffset+18:], ImageFileExecutableImage|ImageFile32BitMachine)

	// Optional header.
	opt := testOptionalOffset
	le.PutUint16(buf[opt+0:], ImageNtOptionalHeader32Magic)
	buf[opt+2] = 14 // linker major
	le.PutUint32(buf[opt+16:], entryPoint)
	le.PutUint32(buf[opt+28:], 0x400000) // image base
	le.PutUint32(buf[opt+32:], 0x1000)   // section alignment
	le.PutUint32(buf[opt+36:], 0x200)    // file alignment
	le.PutUint32(buf[opt+60:], 0x200)    // size of headers
	le.PutUint16(buf[opt+68:], ImageSubsystemWindowsCUI)
	le.PutUint16(buf[opt+70:], ImageDllCharacteristicsDynamicBase|ImageDllCharacteristicsNXCompat)
	le.PutUint32(buf[opt+92:], 16) // number of rva and sizes

	// Section table and raw data.
	for i, sec := range sections {
		offset := testSectionOffset + i*SectionHeaderSize
		copy(buf[offset:offset+8], sec.name)
		le.PutUint32(buf[offset+8:], sec.virtualSize)
		le.PutUint32(buf[offset+12:], sec.virtualAddress)
		le.PutUint32(buf[offset+16:], sec.rawSize)
		le.PutUint32(buf[offset+20:], sec.rawPointer)
		le.PutUint32(buf[offset+36:], sec.characteristics)

		for j := uint32(0); j < sec.rawSize; j++ {
			buf[sec.rawPointer+j] = sec.fill
		}
	}

	copy(buf[size:], overlay)
	return buf
}

// buildMinimalPE32 is the smallest well-formed PE32: headers only, no
// sections, no overlay, every data directory zero.
func buildMinimalPE32() []byte {
	buf := make([]byte, testCOFFOffset+headerSizePE32+16*DataDirectorySize)
	le := binary.LittleEndian

	le.PutUint16(buf[0:], ImageDOSSignature)
	le.PutUint32(buf[ImageDOSHeaderNewEXEOffset:], testPEHeaderOffset)
	le.PutUint32(buf[testPEHeaderOffset:], ImageNTSignature)

	le.PutUint16(buf[testCOFFOffset+0:], ImageFileMachineI386)
	le.PutUint16(buf[testCOFFOffset+16:], OptionalHeader32Size+16*DataDirectorySize)

	opt := testOptionalOffset
	le.PutUint16(buf[opt+0:], ImageNtOptionalHeader32Magic)
	le.PutUint32(buf[opt+32:], 0x1000) // section alignment
	le.PutUint32(buf[opt+36:], 0x200)  // file alignment
	le.PutUint32(buf[opt+92:], 16)     // number of rva and sizes

	return buf
}

// buildPE32Plus assembles a sectionless PE32+ image.
func buildPE32Plus() []byte {
	buf := make([]byte, testCOFFOffset+headerSizePE32Plus+16*DataDirectorySize)
	le := binary.LittleEndian

	le.PutUint16(buf[0:], ImageDOSSignature)
	le.PutUint32(buf[ImageDOSHeaderNewEXEOffset:], testPEHeaderOffset)
	le.PutUint32(buf[testPEHeaderOffset:], ImageNTSignature)

	le.PutUint16(buf[testCOFFOffset+0:], ImageFileMachineAMD64)
	le.PutUint16(buf[testCOFFOffset+16:], OptionalHeader64Size+16*DataDirectorySize)

	opt := testOptionalOffset
	le.PutUint16(buf[opt+0:], ImageNtOptionalHeader64Magic)
	le.PutUint64(buf[opt+24:], 0x140000000) // image base
	le.PutUint32(buf[opt+32:], 0x1000)      // section alignment
	le.PutUint32(buf[opt+36:], 0x200)       // file alignment
	le.PutUint32(buf[opt+60:], 0x200)       // size of headers
	le.PutUint16(buf[opt+68:], ImageSubsystemWindowsGUI)
	le.PutUint64(buf[opt+72:], 0x100000) // stack reserve
	le.PutUint32(buf[opt+108:], 16)      // number of rva and sizes

	return buf
}

// textSection is the single-code-section shape most tests start from.
func textSection() testSection {
	return testSection{
		name:            ".text",
		virtualSize:     0x200,
		virtualAddress:  0x1000,
		rawSize:         0x200,
		rawPointer:      0x200,
		characteristics: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
		fill:            0xCC,
	}
}

func parseBytes(t interface {
	Helper()
	Fatalf(format string, args ...interface{})
}, data []byte) *File {
	t.Helper()

	file, err := NewBytes(data, &Options{})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := file.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return file
}
