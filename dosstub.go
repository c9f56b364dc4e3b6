// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

// The DOS stub is kept as an opaque byte sequence: everything from file
// offset 0 up to the PE signature, including the MZ header and the real
// mode program. Only the MZ magic and the e_lfanew field at 0x3C are
// interpreted.

// defaultDOSProgram is the classic x86 real mode program printing that
// the executable cannot be run in DOS mode.
var defaultDOSProgram = []byte{
	0x0E, 0x1F, 0xBA, 0x0E, 0x00, 0xB4, 0x09, 0xCD, 0x21, 0xB8, 0x01, 0x4C, 0xCD, 0x21, 0x54, 0x68,
	0x69, 0x73, 0x20, 0x70, 0x72, 0x6F, 0x67, 0x72, 0x61, 0x6D, 0x20, 0x63, 0x61, 0x6E, 0x6E, 0x6F,
	0x74, 0x20, 0x62, 0x65, 0x20, 0x72, 0x75, 0x6E, 0x20, 0x69, 0x6E, 0x20, 0x44, 0x4F, 0x53, 0x20,
	0x6D, 0x6F, 0x64, 0x65, 0x2E, 0x0D, 0x0D, 0x0A, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// defaultDOSStub builds the stub used for images created from scratch:
// a 64-byte DOS header followed by the default program, with e_lfanew
// pointing right past the stub.
func defaultDOSStub() []byte {
	stub := make([]byte, 64+len(defaultDOSProgram))
	binary.LittleEndian.PutUint16(stub[0:], ImageDOSSignature)

	// Minimal but honest DOS header fields: the stub fits in a single
	// page, the header itself is 4 paragraphs.
	binary.LittleEndian.PutUint16(stub[2:], uint16(len(stub)%512))  // bytes on last page
	binary.LittleEndian.PutUint16(stub[4:], uint16(len(stub)/512+1)) // pages in file
	binary.LittleEndian.PutUint16(stub[8:], 4)                       // header size in paragraphs
	binary.LittleEndian.PutUint16(stub[12:], 0xFFFF)                 // max extra paragraphs
	binary.LittleEndian.PutUint16(stub[16:], 0xB8)                   // initial SP
	binary.LittleEndian.PutUint16(stub[24:], 0x40)                   // relocation table offset
	binary.LittleEndian.PutUint32(stub[ImageDOSHeaderNewEXEOffset:], uint32(len(stub)))

	copy(stub[64:], defaultDOSProgram)
	return stub
}
