// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"math"
	"sort"
)

// Section represents one entry of the section table together with the raw
// data it addresses. At load time len(Contents) is
// min(VirtualSize, SizeOfRawData); after mutation the recalculation pass
// reconciles the header fields with the contents again.
type Section struct {
	// An 8-byte, null-padded UTF-8 encoded string. If the string is
	// exactly 8 characters long, there is no terminating null.
	Name [8]byte

	// The total size of the section when loaded into memory. If this
	// value is greater than SizeOfRawData, the section is zero-padded.
	VirtualSize uint32

	// The address of the first byte of the section relative to the image
	// base when the section is loaded into memory.
	VirtualAddress uint32

	// The size of the initialized data on disk. Must be a multiple of
	// FileAlignment from the optional header.
	SizeOfRawData uint32

	// The file pointer to the first page of the section within the file.
	PointerToRawData uint32

	// The file pointer to the beginning of relocation entries for the
	// section. Zero for executable images.
	PointerToRelocations uint32

	// The file pointer to the beginning of line-number entries for the
	// section. Deprecated, normally zero.
	PointerToLineNumbers uint32

	// The number of relocation entries for the section.
	NumberOfRelocations uint16

	// The number of line-number entries for the section.
	NumberOfLineNumbers uint16

	// The flags that describe the characteristics of the section.
	Characteristics uint32

	// The section raw data.
	Contents []byte
}

// sectionDeserialize reads a 40-byte section header at offset.
func sectionDeserialize(c cursor, offset uint64, section *Section) (uint64, error) {
	if !c.ok(offset, SectionHeaderSize) {
		return 0, ErrTruncated
	}

	name, _ := c.bytes(offset, 8)
	copy(section.Name[:], name)
	section.VirtualSize, _ = c.uint32(offset + 8)
	section.VirtualAddress, _ = c.uint32(offset + 12)
	section.SizeOfRawData, _ = c.uint32(offset + 16)
	section.PointerToRawData, _ = c.uint32(offset + 20)
	section.PointerToRelocations, _ = c.uint32(offset + 24)
	section.PointerToLineNumbers, _ = c.uint32(offset + 28)
	section.NumberOfRelocations, _ = c.uint16(offset + 32)
	section.NumberOfLineNumbers, _ = c.uint16(offset + 34)
	section.Characteristics, _ = c.uint32(offset + 36)

	return SectionHeaderSize, nil
}

// sectionSerialize writes the 40-byte section header at offset. A nil
// cursor buffer only measures.
func sectionSerialize(section *Section, c cursor, offset uint64) (uint64, error) {
	if c.buf == nil {
		return SectionHeaderSize, nil
	}

	if !c.ok(offset, SectionHeaderSize) {
		return 0, ErrTruncated
	}

	c.putBytes(offset, section.Name[:])
	c.putUint32(offset+8, section.VirtualSize)
	c.putUint32(offset+12, section.VirtualAddress)
	c.putUint32(offset+16, section.SizeOfRawData)
	c.putUint32(offset+20, section.PointerToRawData)
	c.putUint32(offset+24, section.PointerToRelocations)
	c.putUint32(offset+28, section.PointerToLineNumbers)
	c.putUint16(offset+32, section.NumberOfRelocations)
	c.putUint16(offset+34, section.NumberOfLineNumbers)
	c.putUint32(offset+36, section.Characteristics)

	return SectionHeaderSize, nil
}

// String stringifies the section name.
func (section *Section) String() string {
	name := section.Name[:]
	if i := bytes.IndexByte(name, 0); i != -1 {
		name = name[:i]
	}
	return string(name)
}

// SetName sets the section name. Names must be between 1 and 8 bytes and
// are NUL-padded on disk.
func (section *Section) SetName(name string) error {
	if len(name) == 0 || len(name) > 8 {
		return ErrSectionNameInvalid
	}
	section.Name = [8]byte{}
	copy(section.Name[:], name)
	return nil
}

// RvaToOffset translates an RVA inside the section to an offset into
// Contents.
func (section *Section) RvaToOffset(rva uint32) (uint64, error) {
	if rva < section.VirtualAddress {
		return 0, ErrRvaOutOfRange
	}

	offset := uint64(rva - section.VirtualAddress)
	if offset > uint64(len(section.Contents)) {
		return 0, ErrRvaOutOfRange
	}

	return offset, nil
}

// DataAt returns the section contents starting at the given RVA.
func (section *Section) DataAt(rva uint32) ([]byte, error) {
	offset, err := section.RvaToOffset(rva)
	if err != nil {
		return nil, err
	}
	return section.Contents[offset:], nil
}

// FindSectionByVirtualAddress returns the index of the first section whose
// [VirtualAddress, VirtualAddress+SizeOfRawData) range contains va, or -1.
func (pe *File) FindSectionByVirtualAddress(va uint32) int {
	for i, section := range pe.Sections {
		end := uint64(section.VirtualAddress) + uint64(section.SizeOfRawData)
		if uint64(section.VirtualAddress) <= uint64(va) && end > uint64(va) {
			return i
		}
	}
	return -1
}

// FindSectionByPhysicalAddress returns the index of the first section
// whose raw data range contains the file offset, or -1. The upper bound is
// closed and uses the loaded contents size, not SizeOfRawData.
func (pe *File) FindSectionByPhysicalAddress(address uint32) int {
	for i, section := range pe.Sections {
		end := uint64(section.PointerToRawData) + uint64(len(section.Contents))
		if uint64(section.PointerToRawData) <= uint64(address) && end >= uint64(address) {
			return i
		}
	}
	return -1
}

// FindSectionIndex returns the index of the given section, or -1 when it
// is not part of the file.
func (pe *File) FindSectionIndex(section *Section) int {
	for i := range pe.Sections {
		if pe.Sections[i] == section {
			return i
		}
	}
	return -1
}

// Section returns the section at the given index, or nil.
func (pe *File) Section(index int) *Section {
	if index < 0 || index >= len(pe.Sections) {
		return nil
	}
	return pe.Sections[index]
}

// CreateSection appends a new section. Section order on disk is append
// order; call SortSections for virtual-address order. Data may be nil in
// which case the contents are zero-filled up to rawSize. The returned
// index stays valid across further appends.
func (pe *File) CreateSection(name string, virtualSize, rawSize, characteristics uint32, data []byte) (int, error) {
	section := &Section{
		VirtualSize:     virtualSize,
		SizeOfRawData:   rawSize,
		Characteristics: characteristics,
	}
	if err := section.SetName(name); err != nil {
		return 0, err
	}

	if rawSize > 0 {
		section.Contents = make([]byte, rawSize)
		copy(section.Contents, data)
	}

	pe.Sections = append(pe.Sections, section)
	pe.Header.NumberOfSections = uint16(len(pe.Sections))

	return len(pe.Sections) - 1, nil
}

// ResizeSection grows or shrinks the contents of the section at index.
// Growth zero-fills the tail; shrinking truncates.
func (pe *File) ResizeSection(index int, size uint64) error {
	if index < 0 || index >= len(pe.Sections) {
		return ErrSectionIndexOutOfRange
	}

	if size > math.MaxUint32 {
		return ErrSectionSizeOverflow
	}

	section := pe.Sections[index]
	current := uint64(len(section.Contents))

	switch {
	case size == current:
		return nil
	case size < current:
		return pe.ExciseSection(index, size, current)
	default:
		section.Contents = append(section.Contents, make([]byte, size-current)...)
		return nil
	}
}

// ExciseSection removes the byte range [start, end) from the contents of
// the section at index.
func (pe *File) ExciseSection(index int, start, end uint64) error {
	if index < 0 || index >= len(pe.Sections) {
		return ErrSectionIndexOutOfRange
	}

	section := pe.Sections[index]

	if end > uint64(len(section.Contents)) {
		return ErrSectionOutOfRange
	}

	if start >= end {
		return nil
	}

	if end-start > math.MaxUint32 {
		return ErrSectionSizeOverflow
	}

	section.Contents = excise(section.Contents, start, end)
	return nil
}

// InsertSectionCapacity opens a zero-filled hole of the given size at
// offset inside the contents of the section at index.
func (pe *File) InsertSectionCapacity(index int, size, offset uint64) error {
	if index < 0 || index >= len(pe.Sections) {
		return ErrSectionIndexOutOfRange
	}

	if size > math.MaxUint32 {
		return ErrSectionSizeOverflow
	}

	section := pe.Sections[index]
	current := uint64(len(section.Contents))

	if current+size > math.MaxUint32 {
		return ErrSectionSizeOverflow
	}

	if offset > current {
		return ErrSectionOutOfRange
	}

	grown := make([]byte, current+size)
	copy(grown, section.Contents[:offset])
	copy(grown[offset+size:], section.Contents[offset:])
	section.Contents = grown

	return nil
}

// SortSections stably sorts the sections by virtual address. Data
// directories hold section indices, so they are re-bound afterwards.
func (pe *File) SortSections() {
	bound := make([]*Section, len(pe.DataDirectories))
	for i := range pe.DataDirectories {
		if idx := pe.DataDirectories[i].SectionIndex; idx >= 0 && idx < len(pe.Sections) {
			bound[i] = pe.Sections[idx]
		}
	}
	var entrySection *Section
	if pe.entryPointSection >= 0 && pe.entryPointSection < len(pe.Sections) {
		entrySection = pe.Sections[pe.entryPointSection]
	}

	sort.SliceStable(pe.Sections, func(i, j int) bool {
		return pe.Sections[i].VirtualAddress < pe.Sections[j].VirtualAddress
	})

	for i := range pe.DataDirectories {
		if bound[i] != nil {
			pe.DataDirectories[i].SectionIndex = pe.FindSectionIndex(bound[i])
		}
	}
	if entrySection != nil {
		pe.entryPointSection = pe.FindSectionIndex(entrySection)
	}
}
