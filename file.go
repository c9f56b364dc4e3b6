// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pemutate/pe/log"
)

// A File represents an open PE file. It exclusively owns its stub,
// headers, data directories, sections, overlay and resource table. Data
// directories and the entry point reference sections by stable index so
// they survive section vector mutation.
//
// A File performs no internal synchronization: use it from one goroutine
// at a time. Distinct Files are independent.
type File struct {
	DOSStub         []byte          `json:"dos_stub,omitempty"`
	Header          Header          `json:"header"`
	DataDirectories []DataDirectory `json:"data_directories,omitempty"`
	Sections        []*Section      `json:"sections,omitempty"`
	ResourceTable   ResourceTable   `json:"resource_table,omitempty"`
	Overlay         []byte          `json:"overlay,omitempty"`

	peHeaderOffset     uint64
	startOfSectionVA   uint64
	startOfSectionData uint64
	endOfSectionData   uint64

	entryPointSection int
	entryPointOffset  uint64

	data      []byte
	mapped    mmap.MMap
	f         *os.File
	opts      *Options
	logger    *log.Helper
	lastError string
}

// Options for parsing.
type Options struct {
	// Skip resource tree parsing and the version-info/icon-group views.
	OmitResourceParsing bool

	// Maximum entries accepted per resource directory node, by default
	// MaxDefaultResourceEntriesCount.
	MaxResourceEntries uint32

	// A custom logger.
	Logger log.Logger
}

// MaxDefaultResourceEntriesCount is the hard limit on entries in one
// resource directory node. Hostile inputs declare absurd counts.
const MaxDefaultResourceEntriesCount = 0x1000

func (pe *File) applyOptions(opts *Options) {
	if opts != nil {
		pe.opts = opts
	} else {
		pe.opts = &Options{}
	}

	if pe.opts.MaxResourceEntries == 0 {
		pe.opts.MaxResourceEntries = MaxDefaultResourceEntriesCount
	}

	if pe.opts.Logger == nil {
		logger := log.NewStdLogger(os.Stdout)
		pe.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		pe.logger = log.NewHelper(pe.opts.Logger)
	}
}

// New instantiates a file instance with options given a file name. The
// input is memory mapped; call Parse next, and Close when done.
func New(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{entryPointSection: -1}
	file.applyOptions(opts)
	file.mapped = data
	file.data = data
	file.f = f
	return &file, nil
}

// NewBytes instantiates a file instance with options given a memory
// buffer. The buffer is only read during Parse.
func NewBytes(data []byte, opts *Options) (*File, error) {
	file := File{entryPointSection: -1}
	file.applyOptions(opts)
	file.data = data
	return &file, nil
}

// NewEmpty returns a file with no sections, a default DOS stub and a
// zeroed PE32 header. Recalculate fills in the alignment-driven fields
// before the first write.
func NewEmpty() *File {
	file := File{entryPointSection: -1}
	file.applyOptions(nil)

	file.DOSStub = defaultDOSStub()
	file.peHeaderOffset = uint64(len(file.DOSStub))
	file.Header.Magic = ImageNtOptionalHeader32Magic
	file.Header.NumberOfRvaAndSizes = uint32(ImageNumberOfDirectoryEntries)
	file.DataDirectories = make([]DataDirectory, ImageNumberOfDirectoryEntries)
	for i := range file.DataDirectories {
		file.DataDirectories[i].SectionIndex = -1
		file.DataDirectories[i].ID = ImageDirectoryEntry(i)
	}

	return &file
}

// Close closes the file and releases the mapping.
func (pe *File) Close() error {
	if pe.mapped != nil {
		_ = pe.mapped.Unmap()
	}

	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// LastError returns the message of the last error recorded by a facade
// operation, or the empty string. It exists for callers porting from
// last-error style APIs; the errors returned by each call are the
// canonical channel.
func (pe *File) LastError() string {
	return pe.lastError
}

// ResetError clears the recorded error message.
func (pe *File) ResetError() {
	pe.lastError = ""
}

func (pe *File) fail(err error) error {
	if err != nil {
		pe.lastError = err.Error()
	}
	return err
}

// EntryPoint returns the entry point as a (section index, offset within
// section) pair. The index is -1 when no section covers the entry point.
func (pe *File) EntryPoint() (int, uint64) {
	return pe.entryPointSection, pe.entryPointOffset
}

// SetEntryPoint binds the entry point to an offset inside the section at
// index. AddressOfEntryPoint is recomputed from the pair on Recalculate.
func (pe *File) SetEntryPoint(index int, offset uint64) error {
	if index < -1 || index >= len(pe.Sections) {
		return pe.fail(ErrSectionIndexOutOfRange)
	}
	pe.entryPointSection = index
	pe.entryPointOffset = offset
	return nil
}

// Parse deserializes the in-memory model from the input buffer: DOS stub,
// COFF and optional header, data directories, section table and contents,
// overlay, and the resource tree with its version-info and icon-group
// views. A corrupt resource tree, version-info or icon group never fails
// the load; those errors are logged and the affected view is left
// partial or absent.
func (pe *File) Parse() error {
	pe.ResetError()
	return pe.fail(pe.parse())
}

func (pe *File) parse() error {
	c := cursor{pe.data}
	size := c.len()

	if size < 2 {
		return fmt.Errorf("%w: too small for MZ signature", ErrNotPE)
	}

	mzSignature, _ := c.uint16(0)
	if mzSignature != ImageDOSSignature {
		return fmt.Errorf("%w: MZ signature missing", ErrNotPE)
	}

	if size < ImageDOSHeaderNewEXEOffset+4 {
		return fmt.Errorf("%w: too small for e_lfanew", ErrTruncated)
	}

	peHeaderOffset, _ := c.uint32(ImageDOSHeaderNewEXEOffset)
	pe.peHeaderOffset = uint64(peHeaderOffset)

	if size < pe.peHeaderOffset+4 {
		return fmt.Errorf("%w: no room for PE signature", ErrNotPE)
	}

	pe.DOSStub = make([]byte, pe.peHeaderOffset)
	copy(pe.DOSStub, pe.data)

	signature, _ := c.uint32(pe.peHeaderOffset)
	if signature != ImageNTSignature {
		return fmt.Errorf("%w: PE00 signature missing", ErrNotPE)
	}

	headerOffset := pe.peHeaderOffset + 4

	headerSize, err := headerDeserialize(c, headerOffset, &pe.Header)
	if err != nil {
		return err
	}

	// Any directory count over 16 loads as 16. This is what the Windows
	// loader does.
	if pe.Header.NumberOfRvaAndSizes > uint32(ImageNumberOfDirectoryEntries) {
		pe.Header.NumberOfRvaAndSizes = uint32(ImageNumberOfDirectoryEntries)
	}

	dataDirectoriesSize := uint64(pe.Header.NumberOfRvaAndSizes) * DataDirectorySize
	if headerOffset+headerSize+dataDirectoriesSize > size {
		return fmt.Errorf("%w: no room for data directories", ErrTruncated)
	}

	sectionOffset := headerOffset + COFFHeaderSize + uint64(pe.Header.SizeOfOptionalHeader)
	pe.startOfSectionData = uint64(pe.Header.NumberOfSections)*SectionHeaderSize + sectionOffset
	if pe.startOfSectionData > size && pe.Header.NumberOfSections > 0 {
		return fmt.Errorf("%w: no room for section headers", ErrTruncated)
	}

	pe.Sections = make([]*Section, 0, pe.Header.NumberOfSections)
	pe.startOfSectionVA = 0
	pe.endOfSectionData = pe.startOfSectionData
	firstSection := true

	offset := sectionOffset
	for i := uint16(0); i < pe.Header.NumberOfSections; i++ {
		section := &Section{}
		sectionSize, err := sectionDeserialize(c, offset, section)
		if err != nil {
			return err
		}

		if i == 0 {
			pe.startOfSectionVA = uint64(section.VirtualAddress)
		} else {
			pe.startOfSectionVA = min64(pe.startOfSectionVA, uint64(section.VirtualAddress))
		}

		// Overflow guard: SizeOfRawData + VirtualSize must not wrap.
		if section.SizeOfRawData > section.SizeOfRawData+section.VirtualSize {
			return fmt.Errorf("section %q: %w", section.String(), ErrSectionOutOfRange)
		}

		dataSize := uint64(Min(section.VirtualSize, section.SizeOfRawData))

		if uint64(section.PointerToRawData)+dataSize > size ||
			uint64(section.PointerToRawData) > size ||
			dataSize > size ||
			uint64(section.SizeOfRawData) > size {
			return fmt.Errorf("section %q: %w", section.String(), ErrSectionOutOfRange)
		}

		section.Contents = make([]byte, dataSize)
		copy(section.Contents, pe.data[section.PointerToRawData:])

		if section.PointerToRawData != 0 {
			if firstSection {
				firstSection = false
				pe.startOfSectionData = uint64(section.PointerToRawData)
			} else {
				pe.startOfSectionData = min64(pe.startOfSectionData, uint64(section.PointerToRawData))
			}
		}

		pe.endOfSectionData = max64(pe.endOfSectionData,
			uint64(section.PointerToRawData)+uint64(section.SizeOfRawData))

		pe.Sections = append(pe.Sections, section)
		offset += sectionSize
	}

	pe.entryPointSection = pe.FindSectionByVirtualAddress(pe.Header.AddressOfEntryPoint)
	if pe.entryPointSection != -1 {
		entrySection := pe.Sections[pe.entryPointSection]
		pe.entryPointOffset = uint64(pe.Header.AddressOfEntryPoint - entrySection.VirtualAddress)
	}

	if err := pe.parseDataDirectories(c, headerOffset+headerSize); err != nil {
		return err
	}

	pe.endOfSectionData = max64(pe.endOfSectionData, headerOffset+headerSize)
	pe.endOfSectionData = max64(pe.endOfSectionData, min64(uint64(pe.Header.SizeOfHeaders), size))
	if size > pe.endOfSectionData {
		pe.Overlay = make([]byte, size-pe.endOfSectionData)
		copy(pe.Overlay, pe.data[pe.endOfSectionData:])
	}

	if pe.opts.OmitResourceParsing {
		return nil
	}

	if uint32(ImageDirectoryEntryResource) < pe.Header.NumberOfRvaAndSizes {
		dir := &pe.DataDirectories[ImageDirectoryEntryResource]
		if dir.SectionIndex != -1 {
			section := pe.Sections[dir.SectionIndex]
			err := pe.resourceTableDeserialize(section, dir.Offset, &pe.ResourceTable)
			if err != nil {
				pe.logger.Errorf("resource parse error: %v", err)
				pe.ResourceTable.Resources = nil
			}
		}
	}

	pe.parseResourceViews()
	return nil
}

// parseResourceViews builds the version-info and icon-group
// interpretations over the flat resource set. Failures are logged, never
// fatal.
func (pe *File) parseResourceViews() {
	pe.ResourceTable.VersionInfos = nil
	pe.ResourceTable.IconGroups = nil

	for _, res := range pe.ResourceTable.Resources {
		switch ResourceType(res.TypeID) {
		case RTVersion:
			if res.Type != "" {
				continue
			}
			versionInfo := &VersionInfo{}
			if err := versioninfoDeserialize(res, versionInfo); err != nil {
				pe.logger.Warnf("versioninfo parse failed: %v", err)
				continue
			}
			pe.ResourceTable.VersionInfos = append(pe.ResourceTable.VersionInfos, versionInfo)
		case RTGroupIcon:
			if res.Type != "" {
				continue
			}
			group := &IconGroup{}
			if err := pe.iconGroupDeserialize(&pe.ResourceTable, res, group); err != nil {
				pe.logger.Warnf("icon group parse failed: %v", err)
				continue
			}
			pe.ResourceTable.IconGroups = append(pe.ResourceTable.IconGroups, group)
		}
	}
}

// WriteToBuffer serializes the file. When buffer is nil only the required
// size is returned. When the buffer is too small the size is 0 and the
// error is ErrBufferTooSmall. The layout recalculation pass runs first, so
// alignment-driven header fields are consistent with the written bytes.
func (pe *File) WriteToBuffer(buffer []byte) (uint64, error) {
	pe.ResetError()

	if err := pe.recalculate(); err != nil {
		return 0, pe.fail(err)
	}

	headerSize := pe.Header.size()
	if headerSize == 0 {
		return 0, pe.fail(ErrUnknownMagic)
	}

	dataTablesSize := uint64(pe.Header.NumberOfRvaAndSizes) * DataDirectorySize
	sectionHeaderSize := uint64(pe.Header.NumberOfSections) * SectionHeaderSize

	peHeaderOffset := pe.peHeaderOffset + 4
	sectionHeaderOffset := peHeaderOffset + COFFHeaderSize + uint64(pe.Header.SizeOfOptionalHeader)

	var sectionDataEnd uint64
	for _, section := range pe.Sections {
		end := uint64(section.PointerToRawData) + uint64(section.SizeOfRawData)
		sectionDataEnd = max64(sectionDataEnd, end)
	}

	// Some of these regions may overlap; the furthest write wins.
	size := uint64(len(pe.DOSStub)) + 4 + uint64(pe.Header.SizeOfOptionalHeader) + sectionHeaderSize
	size = max64(size, sectionDataEnd)
	size = max64(size, peHeaderOffset+headerSize+dataTablesSize)
	size = max64(size, sectionHeaderOffset+sectionHeaderSize)
	size = max64(size, uint64(pe.Header.SizeOfHeaders))

	endOfSectionData := size
	size += uint64(len(pe.Overlay))

	if buffer == nil {
		return size, nil
	}

	if uint64(len(buffer)) < size {
		return 0, pe.fail(ErrBufferTooSmall)
	}

	c := cursor{buffer[:size]}
	for i := range c.buf {
		c.buf[i] = 0
	}

	c.putBytes(0, pe.DOSStub)
	c.putUint32(pe.peHeaderOffset, ImageNTSignature)

	if _, err := headerSerialize(&pe.Header, c, peHeaderOffset); err != nil {
		return 0, pe.fail(err)
	}

	if err := pe.serializeDataDirectories(c, peHeaderOffset+headerSize, endOfSectionData); err != nil {
		return 0, pe.fail(err)
	}

	offset := sectionHeaderOffset
	for _, section := range pe.Sections {
		if _, err := sectionSerialize(section, c, offset); err != nil {
			return 0, pe.fail(err)
		}

		if len(section.Contents) > 0 {
			if err := c.putBytes(uint64(section.PointerToRawData), section.Contents); err != nil {
				return 0, pe.fail(err)
			}
		}

		offset += SectionHeaderSize
	}

	if len(pe.Overlay) > 0 {
		if err := c.putBytes(endOfSectionData, pe.Overlay); err != nil {
			return 0, pe.fail(err)
		}
	}

	return size, nil
}

// Bytes serializes the file into a freshly allocated buffer.
func (pe *File) Bytes() ([]byte, error) {
	size, err := pe.WriteToBuffer(nil)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, size)
	if _, err := pe.WriteToBuffer(buffer); err != nil {
		return nil, err
	}

	return buffer, nil
}

// WriteToFile serializes the file to the given path and returns the
// number of bytes written.
func (pe *File) WriteToFile(name string) (uint64, error) {
	pe.ResetError()

	buffer, err := pe.Bytes()
	if err != nil {
		return 0, err
	}

	if err := os.WriteFile(name, buffer, 0644); err != nil {
		return 0, pe.fail(err)
	}

	return uint64(len(buffer)), nil
}

// Checksum calculates the PE checksum over the input mapping, the way
// CheckSumMappedFile does: dword sums with carry folding, skipping the
// CheckSum field itself.
func (pe *File) Checksum() uint32 {
	var checksum uint64
	var maxValue uint64 = 0x100000000

	optionalHeaderOffset := pe.peHeaderOffset + 4 + COFFHeaderSize

	// The CheckSum field sits at offset 64 of the optional header in both
	// PE32 and PE32+.
	checksumOffset := optionalHeaderOffset + 64

	size := uint64(len(pe.data))
	data := pe.data
	if remainder := size % 4; remainder > 0 {
		data = append(data, make([]byte, 4-remainder)...)
	}

	for i := uint64(0); i < uint64(len(data)); i += 4 {
		if i == checksumOffset {
			continue
		}

		currentDword := uint64(uint32(data[i]) | uint32(data[i+1])<<8 |
			uint32(data[i+2])<<16 | uint32(data[i+3])<<24)

		checksum = (checksum & 0xffffffff) + currentDword + (checksum >> 32)
		if checksum > maxValue {
			checksum = (checksum & 0xffffffff) + (checksum >> 32)
		}
	}

	checksum = (checksum & 0xffff) + (checksum >> 16)
	checksum = checksum + (checksum >> 16)
	checksum = checksum & 0xffff
	checksum += size

	return uint32(checksum)
}
