// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// DataDirectory binds one optional-header data directory to the section
// that stores it. The binding is by stable section index; SectionIndex is
// -1 when no section covers the directory. The certificate table is the
// documented oddity: its address is a file offset rather than an RVA, so
// it is kept unbound with Offset relative to the end of section data.
type DataDirectory struct {
	SectionIndex int
	Offset       uint64
	Size         uint64
	ID           ImageDirectoryEntry
}

// parseDataDirectories reads NumberOfRvaAndSizes {VirtualAddress, Size}
// pairs at offset and binds each entry to the section covering it.
func (pe *File) parseDataDirectories(c cursor, offset uint64) error {
	count := pe.Header.NumberOfRvaAndSizes
	pe.DataDirectories = make([]DataDirectory, count)

	for i := uint32(0); i < count; i++ {
		dirVA, err := c.uint32(offset)
		if err != nil {
			return err
		}
		dirSize, err := c.uint32(offset + 4)
		if err != nil {
			return err
		}

		dir := &pe.DataDirectories[i]
		dir.SectionIndex = -1
		dir.ID = ImageDirectoryEntry(i)
		dir.Size = uint64(dirSize)

		sectionIndex := pe.FindSectionByVirtualAddress(dirVA)
		if ImageDirectoryEntry(i) != ImageDirectoryEntryCertificate && sectionIndex != -1 {
			dir.SectionIndex = sectionIndex
			dir.Offset = uint64(dirVA - pe.Sections[sectionIndex].VirtualAddress)
		} else if dirSize != 0 {
			// Certificate table addresses aren't virtual, despite the
			// field name. Anything else unbacked is kept relative to the
			// end of section data too so it survives a rewrite.
			dir.Offset = uint64(dirVA) - pe.endOfSectionData
		}

		offset += DataDirectorySize
	}

	return nil
}

// serializeDataDirectories writes the directory table at offset,
// reconstructing each VirtualAddress from its binding. endOfSectionData is
// the value the written file will have, so unbacked offsets resolve to the
// same file position again.
func (pe *File) serializeDataDirectories(c cursor, offset, endOfSectionData uint64) error {
	for i := range pe.DataDirectories {
		dir := &pe.DataDirectories[i]

		var dirVA uint32
		if dir.SectionIndex >= 0 && dir.SectionIndex < len(pe.Sections) {
			dirVA = uint32(uint64(pe.Sections[dir.SectionIndex].VirtualAddress) + dir.Offset)
		} else if dir.Size != 0 {
			dirVA = uint32(endOfSectionData + dir.Offset)
		}

		if err := c.putUint32(offset, dirVA); err != nil {
			return err
		}
		if err := c.putUint32(offset+4, uint32(dir.Size)); err != nil {
			return err
		}

		offset += DataDirectorySize
	}

	return nil
}

// DataDirectory returns the directory with the given id, or nil when the
// table does not reach it.
func (pe *File) DataDirectory(id ImageDirectoryEntry) *DataDirectory {
	if int(id) >= len(pe.DataDirectories) {
		return nil
	}
	return &pe.DataDirectories[id]
}
