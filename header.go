// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// Header holds the COFF file header and the optional header of a PE
// image. PE32 and PE32+ layouts are both carried by the same structure;
// the Magic field decides which on-disk form applies. Fields that only
// exist in one of the two forms (BaseOfData in PE32, the 64-bit ImageBase
// and stack/heap fields in PE32+) are simply unused in the other.
type Header struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16

	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

// Total serialized sizes, COFF header plus optional header, without data
// directories.
const (
	headerSizePE32     = COFFHeaderSize + OptionalHeader32Size // 116
	headerSizePE32Plus = COFFHeaderSize + OptionalHeader64Size // 132
)

// Is64 reports whether the header describes a PE32+ image.
func (h *Header) Is64() bool {
	return h.Magic == ImageNtOptionalHeader64Magic
}

// size returns the serialized size of the header for its magic, or 0 when
// the magic is unknown.
func (h *Header) size() uint64 {
	switch h.Magic {
	case ImageNtOptionalHeader32Magic:
		return headerSizePE32
	case ImageNtOptionalHeader64Magic:
		return headerSizePE32Plus
	default:
		return 0
	}
}

// optionalHeaderSize returns the size of the fixed part of the optional
// header for the header's magic.
func (h *Header) optionalHeaderSize() uint64 {
	switch h.Magic {
	case ImageNtOptionalHeader32Magic:
		return OptionalHeader32Size
	case ImageNtOptionalHeader64Magic:
		return OptionalHeader64Size
	default:
		return 0
	}
}

// headerDeserialize reads the COFF header and the optional header at
// offset. It returns the number of bytes the headers occupy on disk.
func headerDeserialize(c cursor, offset uint64, h *Header) (uint64, error) {
	if !c.ok(offset, 92) {
		return 0, ErrTruncated
	}

	h.Machine, _ = c.uint16(offset + 0)
	h.NumberOfSections, _ = c.uint16(offset + 2)
	h.TimeDateStamp, _ = c.uint32(offset + 4)
	h.PointerToSymbolTable, _ = c.uint32(offset + 8)
	h.NumberOfSymbols, _ = c.uint32(offset + 12)
	h.SizeOfOptionalHeader, _ = c.uint16(offset + 16)
	h.Characteristics, _ = c.uint16(offset + 18)
	h.Magic, _ = c.uint16(offset + 20)
	h.MajorLinkerVersion, _ = c.uint8(offset + 22)
	h.MinorLinkerVersion, _ = c.uint8(offset + 23)
	h.SizeOfCode, _ = c.uint32(offset + 24)
	h.SizeOfInitializedData, _ = c.uint32(offset + 28)
	h.SizeOfUninitializedData, _ = c.uint32(offset + 32)
	h.AddressOfEntryPoint, _ = c.uint32(offset + 36)
	h.BaseOfCode, _ = c.uint32(offset + 40)
	h.SectionAlignment, _ = c.uint32(offset + 52)
	h.FileAlignment, _ = c.uint32(offset + 56)
	h.MajorOperatingSystemVersion, _ = c.uint16(offset + 60)
	h.MinorOperatingSystemVersion, _ = c.uint16(offset + 62)
	h.MajorImageVersion, _ = c.uint16(offset + 64)
	h.MinorImageVersion, _ = c.uint16(offset + 66)
	h.MajorSubsystemVersion, _ = c.uint16(offset + 68)
	h.MinorSubsystemVersion, _ = c.uint16(offset + 70)
	h.Win32VersionValue, _ = c.uint32(offset + 72)
	h.SizeOfImage, _ = c.uint32(offset + 76)
	h.SizeOfHeaders, _ = c.uint32(offset + 80)
	h.CheckSum, _ = c.uint32(offset + 84)
	h.Subsystem, _ = c.uint16(offset + 88)
	h.DllCharacteristics, _ = c.uint16(offset + 90)

	switch h.Magic {
	case ImageNtOptionalHeader32Magic:
		if !c.ok(offset, headerSizePE32) {
			return 0, ErrTruncated
		}
		h.BaseOfData, _ = c.uint32(offset + 44)
		imageBase, _ := c.uint32(offset + 48)
		h.ImageBase = uint64(imageBase)
		stackReserve, _ := c.uint32(offset + 92)
		stackCommit, _ := c.uint32(offset + 96)
		heapReserve, _ := c.uint32(offset + 100)
		heapCommit, _ := c.uint32(offset + 104)
		h.SizeOfStackReserve = uint64(stackReserve)
		h.SizeOfStackCommit = uint64(stackCommit)
		h.SizeOfHeapReserve = uint64(heapReserve)
		h.SizeOfHeapCommit = uint64(heapCommit)
		h.LoaderFlags, _ = c.uint32(offset + 108)
		h.NumberOfRvaAndSizes, _ = c.uint32(offset + 112)
		return headerSizePE32, nil

	case ImageNtOptionalHeader64Magic:
		if !c.ok(offset, headerSizePE32Plus) {
			return 0, ErrTruncated
		}
		h.ImageBase, _ = c.uint64At(offset + 44)
		h.SizeOfStackReserve, _ = c.uint64At(offset + 92)
		h.SizeOfStackCommit, _ = c.uint64At(offset + 100)
		h.SizeOfHeapReserve, _ = c.uint64At(offset + 108)
		h.SizeOfHeapCommit, _ = c.uint64At(offset + 116)
		h.LoaderFlags, _ = c.uint32(offset + 124)
		h.NumberOfRvaAndSizes, _ = c.uint32(offset + 128)
		return headerSizePE32Plus, nil

	default:
		return 0, ErrUnknownMagic
	}
}

// headerSerialize writes the COFF header and the optional header at
// offset. A nil cursor buffer only measures: the return value is the
// number of bytes the headers occupy on disk.
func headerSerialize(h *Header, c cursor, offset uint64) (uint64, error) {
	size := h.size()
	if size == 0 {
		return 0, ErrUnknownMagic
	}

	if c.buf == nil {
		return size, nil
	}

	if !c.ok(offset, size) {
		return 0, ErrTruncated
	}

	c.putUint16(offset+0, h.Machine)
	c.putUint16(offset+2, h.NumberOfSections)
	c.putUint32(offset+4, h.TimeDateStamp)
	c.putUint32(offset+8, h.PointerToSymbolTable)
	c.putUint32(offset+12, h.NumberOfSymbols)
	c.putUint16(offset+16, h.SizeOfOptionalHeader)
	c.putUint16(offset+18, h.Characteristics)
	c.putUint16(offset+20, h.Magic)
	c.putUint8(offset+22, h.MajorLinkerVersion)
	c.putUint8(offset+23, h.MinorLinkerVersion)
	c.putUint32(offset+24, h.SizeOfCode)
	c.putUint32(offset+28, h.SizeOfInitializedData)
	c.putUint32(offset+32, h.SizeOfUninitializedData)
	c.putUint32(offset+36, h.AddressOfEntryPoint)
	c.putUint32(offset+40, h.BaseOfCode)
	c.putUint32(offset+52, h.SectionAlignment)
	c.putUint32(offset+56, h.FileAlignment)
	c.putUint16(offset+60, h.MajorOperatingSystemVersion)
	c.putUint16(offset+62, h.MinorOperatingSystemVersion)
	c.putUint16(offset+64, h.MajorImageVersion)
	c.putUint16(offset+66, h.MinorImageVersion)
	c.putUint16(offset+68, h.MajorSubsystemVersion)
	c.putUint16(offset+70, h.MinorSubsystemVersion)
	c.putUint32(offset+72, h.Win32VersionValue)
	c.putUint32(offset+76, h.SizeOfImage)
	c.putUint32(offset+80, h.SizeOfHeaders)
	c.putUint32(offset+84, h.CheckSum)
	c.putUint16(offset+88, h.Subsystem)
	c.putUint16(offset+90, h.DllCharacteristics)

	if h.Magic == ImageNtOptionalHeader32Magic {
		c.putUint32(offset+44, h.BaseOfData)
		c.putUint32(offset+48, uint32(h.ImageBase))
		c.putUint32(offset+92, uint32(h.SizeOfStackReserve))
		c.putUint32(offset+96, uint32(h.SizeOfStackCommit))
		c.putUint32(offset+100, uint32(h.SizeOfHeapReserve))
		c.putUint32(offset+104, uint32(h.SizeOfHeapCommit))
		c.putUint32(offset+108, h.LoaderFlags)
		c.putUint32(offset+112, h.NumberOfRvaAndSizes)
	} else {
		c.putUint64(offset+44, h.ImageBase)
		c.putUint64(offset+92, h.SizeOfStackReserve)
		c.putUint64(offset+100, h.SizeOfStackCommit)
		c.putUint64(offset+108, h.SizeOfHeapReserve)
		c.putUint64(offset+116, h.SizeOfHeapCommit)
		c.putUint32(offset+124, h.LoaderFlags)
		c.putUint32(offset+128, h.NumberOfRvaAndSizes)
	}

	return size, nil
}
