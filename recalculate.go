// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "math"

// The layout recalculation pass reconciles mutated sections with the
// alignment-driven header fields. It runs in two phases: recalcHeader
// fixes the alignments, header sizes and the resource section, then
// recalcSections sweeps the section table re-deriving placements and the
// code/data size accumulators.

// ResourceSectionName is the name given to a section created to back the
// resource table.
const ResourceSectionName = ".rscs"

// Recalculate recomputes the alignment-driven header fields and section
// placements. Callers mutate sections or resources and run this before
// serializing; WriteToBuffer also runs it.
func (pe *File) Recalculate() error {
	pe.ResetError()
	return pe.fail(pe.recalculate())
}

func (pe *File) recalculate() error {
	if err := pe.recalcHeader(); err != nil {
		return err
	}
	pe.recalcSections()
	return pe.emitResourceSection()
}

// emitResourceSection re-serializes the resource tree into its backing
// section. It runs after the section sweep so the emitted leaf RVAs see
// the section's final virtual address; a plain write after resource
// mutation must not ship stale bytes.
func (pe *File) emitResourceSection() error {
	if pe.Header.NumberOfRvaAndSizes <= uint32(ImageDirectoryEntryResource) {
		return nil
	}

	dir := &pe.DataDirectories[ImageDirectoryEntryResource]
	if dir.SectionIndex == -1 || len(pe.ResourceTable.Resources) == 0 {
		return nil
	}

	_, err := pe.ResourceTable.serialize(pe.Sections[dir.SectionIndex], dir.Offset)
	return err
}

// createResourceSection appends a fresh section to back the resource
// blob and binds the resource data directory to it.
func (pe *File) createResourceSection(resourceTableSize uint64) (int, error) {
	index, err := pe.CreateSection(ResourceSectionName, 0, uint32(resourceTableSize),
		ImageScnCntInitializedData|ImageScnMemRead, nil)
	if err != nil {
		return -1, err
	}

	dir := &pe.DataDirectories[ImageDirectoryEntryResource]
	dir.SectionIndex = index
	dir.Offset = 0
	dir.Size = resourceTableSize

	return index, nil
}

func (pe *File) recalcHeader() error {
	resourceTableSize, err := pe.ResourceTable.serialize(nil, 0)
	if err != nil {
		return err
	}

	// The directory table is emitted with at least 16 entries.
	if pe.Header.NumberOfRvaAndSizes < uint32(ImageNumberOfDirectoryEntries) {
		grown := make([]DataDirectory, ImageNumberOfDirectoryEntries)
		copy(grown, pe.DataDirectories)
		for i := range grown {
			grown[i].ID = ImageDirectoryEntry(i)
			if i >= int(pe.Header.NumberOfRvaAndSizes) {
				grown[i].SectionIndex = -1
			}
		}
		pe.DataDirectories = grown
		pe.Header.NumberOfRvaAndSizes = uint32(ImageNumberOfDirectoryEntries)
	}

	resourceDir := &pe.DataDirectories[ImageDirectoryEntryResource]
	resourceSection := resourceDir.SectionIndex
	resourceOffset := resourceDir.Offset
	resourceSize := resourceDir.Size

	if resourceTableSize != 0 {
		if resourceSection == -1 {
			resourceSection, err = pe.createResourceSection(resourceTableSize)
			if err != nil {
				return err
			}
		} else {
			section := pe.Sections[resourceSection]

			if uint64(len(section.Contents)) == resourceSize && resourceOffset == 0 {
				// The old section held exactly our resources; reuse it.
				if err := pe.ResizeSection(resourceSection, resourceTableSize); err != nil {
					return err
				}
			} else {
				// The old section had more stuff in it; make a new one.
				resourceSection, err = pe.createResourceSection(resourceTableSize)
				if err != nil {
					return err
				}
				resourceOffset = 0
			}
		}

		dir := &pe.DataDirectories[ImageDirectoryEntryResource]
		dir.SectionIndex = resourceSection
		dir.Offset = resourceOffset
		dir.Size = resourceTableSize
	}

	headerSize := pe.Header.size()
	if headerSize == 0 {
		return ErrUnknownMagic
	}

	dataTablesSize := uint64(pe.Header.NumberOfRvaAndSizes) * DataDirectorySize
	sectionHeaderSize := uint64(len(pe.Sections)) * SectionHeaderSize
	totalHeaderSize := pe.peHeaderOffset + 4 + headerSize + dataTablesSize + sectionHeaderSize

	if pe.Header.FileAlignment < FileAlignmentMinimum || pe.Header.FileAlignment > AlignmentMaximum {
		pe.Header.FileAlignment = FileAlignmentMinimum
	}
	if pe.Header.FileAlignment > FileAlignmentMinimum {
		pe.Header.FileAlignment = nextPow2(pe.Header.FileAlignment)
	}

	pageSize := machinePageSize(pe.Header.Machine)
	if pe.Header.SectionAlignment == 0 ||
		pe.Header.SectionAlignment > AlignmentMaximum ||
		pe.Header.SectionAlignment < pe.Header.FileAlignment {
		pe.Header.SectionAlignment = pageSize
	}
	if pe.Header.SectionAlignment > pageSize {
		pe.Header.SectionAlignment = nextPow2(pe.Header.SectionAlignment)
	}

	if alignUp(totalHeaderSize, uint64(pe.Header.FileAlignment)) > math.MaxUint32 {
		pe.Header.SizeOfHeaders = 0
	} else {
		pe.Header.SizeOfHeaders = uint32(alignUp(totalHeaderSize, uint64(pe.Header.FileAlignment)))
	}

	pe.Header.SizeOfOptionalHeader = uint16(dataTablesSize + pe.Header.optionalHeaderSize())
	pe.Header.NumberOfSections = uint16(len(pe.Sections))

	pe.startOfSectionData = max64(pe.startOfSectionData, uint64(pe.Header.SizeOfHeaders))

	return nil
}

func (pe *File) recalcSections() {
	var baseOfCode, baseOfData uint32
	var sizeOfInitializedData, sizeOfUninitializedData, sizeOfCode uint32

	fileAlignment := pe.Header.FileAlignment
	sectionAlignment := pe.Header.SectionAlignment

	nextSectionVirtual := uint32(pe.startOfSectionVA)
	nextSectionPhysical := uint32(pe.startOfSectionData)

	nextSectionVirtual = Max(nextSectionVirtual, nextSectionPhysical)

	if pe.Header.NumberOfRvaAndSizes > uint32(ImageDirectoryEntryResource) {
		if index := pe.DataDirectories[ImageDirectoryEntryResource].SectionIndex; index != -1 {
			resourceSection := pe.Sections[index]

			var endOfSectionVA uint64
			for _, section := range pe.Sections {
				endOfSectionVA = max64(endOfSectionVA,
					uint64(section.VirtualAddress)+uint64(section.VirtualSize))
			}

			if index < len(pe.Sections)-1 {
				nextSection := pe.Sections[index+1]
				endOffset := uint64(resourceSection.VirtualAddress) + uint64(resourceSection.VirtualSize)

				if endOffset > uint64(nextSection.VirtualAddress) {
					resourceSection.VirtualAddress = uint32(alignUp(endOfSectionVA, uint64(sectionAlignment)))
				}
			}

			if index == len(pe.Sections)-1 && resourceSection.VirtualAddress == 0 {
				resourceSection.VirtualAddress = uint32(alignUp(endOfSectionVA, uint64(sectionAlignment)))
			}

			resourceSection.VirtualSize = uint32(len(resourceSection.Contents))
			resourceSection.SizeOfRawData = alignUp32(uint32(len(resourceSection.Contents)), fileAlignment)
		}
	}

	for _, section := range pe.Sections {
		// SizeOfRawData can't be more than the aligned amount of the data
		// we actually have, and must cover all of it once contents grew.
		contentsAligned := alignUp32(uint32(len(section.Contents)), fileAlignment)
		if section.SizeOfRawData > contentsAligned ||
			uint64(section.SizeOfRawData) < uint64(len(section.Contents)) ||
			section.SizeOfRawData%fileAlignment != 0 {
			section.SizeOfRawData = contentsAligned
		}
		if uint64(section.VirtualSize) < uint64(len(section.Contents)) {
			section.VirtualSize = uint32(len(section.Contents))
		}

		if section.SizeOfRawData != 0 {
			if section.PointerToRawData != nextSectionPhysical {
				nextSectionPhysicalAligned := alignUp32(nextSectionPhysical, sectionAlignment)

				if section.PointerToRawData != nextSectionPhysicalAligned {
					section.PointerToRawData = nextSectionPhysicalAligned
				}
			}
		}

		if section.Characteristics&ImageScnCntCode != 0 {
			if baseOfCode == 0 {
				baseOfCode = section.VirtualAddress
			}

			// This appears to hold empirically true.
			if section.String() != ".bind" {
				sizeOfCode += alignUp32(section.VirtualSize, fileAlignment)
			}
		}

		if baseOfData == 0 && section.Characteristics&ImageScnCntCode == 0 {
			baseOfData = section.VirtualAddress
		}

		if section.Characteristics&ImageScnCntInitializedData != 0 {
			// This appears to hold empirically true.
			if pe.Header.Magic == ImageNtOptionalHeader32Magic {
				vs := alignUp32(section.VirtualSize, fileAlignment)
				rs := section.SizeOfRawData
				sizeOfInitializedData += Max(vs, rs)
			} else if pe.Header.Magic == ImageNtOptionalHeader64Magic {
				sizeOfInitializedData += alignUp32(section.SizeOfRawData, fileAlignment)
			}
		}

		if section.Characteristics&ImageScnCntUninitializedData != 0 {
			sizeOfUninitializedData += alignUp32(section.VirtualSize, fileAlignment)
		}

		if section.SizeOfRawData != 0 {
			nextSectionPhysical = alignUp32(section.PointerToRawData, fileAlignment)
			nextSectionPhysical += alignUp32(section.SizeOfRawData, fileAlignment)
		}

		if section.VirtualSize != 0 {
			nextSectionVirtual = alignUp32(section.VirtualAddress, sectionAlignment)
			nextSectionVirtual += alignUp32(section.VirtualSize, sectionAlignment)
		}

		pe.endOfSectionData = max64(pe.endOfSectionData,
			uint64(section.PointerToRawData)+uint64(section.SizeOfRawData))
	}

	// PE files with only data can have this set to garbage. Might as well
	// just keep it.
	if sizeOfCode != 0 {
		pe.Header.BaseOfCode = baseOfCode
	}

	// The actual value of these in PE images in the wild varies a lot.
	// There doesn't appear to be an actual correct way of calculating
	// them.
	pe.Header.BaseOfData = baseOfData
	pe.Header.SizeOfInitializedData = alignUp32(sizeOfInitializedData, fileAlignment)
	pe.Header.SizeOfUninitializedData = alignUp32(sizeOfUninitializedData, fileAlignment)
	pe.Header.SizeOfCode = alignUp32(sizeOfCode, fileAlignment)
	pe.Header.SizeOfImage = nextSectionVirtual

	if pe.entryPointSection != -1 && pe.entryPointSection < len(pe.Sections) {
		entrySection := pe.Sections[pe.entryPointSection]
		pe.Header.AddressOfEntryPoint = entrySection.VirtualAddress + uint32(pe.entryPointOffset)
	}
}

// UpdateResourceTable recalculates the layout and re-emits the resource
// bytes into the backing section.
func (pe *File) UpdateResourceTable() error {
	pe.ResetError()

	if err := pe.recalculate(); err != nil {
		return pe.fail(err)
	}

	if pe.Header.NumberOfRvaAndSizes > uint32(ImageDirectoryEntryResource) {
		if index := pe.DataDirectories[ImageDirectoryEntryResource].SectionIndex; index != -1 {
			if _, err := pe.ResourceTable.serialize(pe.Sections[index], 0); err != nil {
				return pe.fail(err)
			}
		}
	}

	return nil
}
