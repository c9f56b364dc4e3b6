// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"math"
	"sort"
)

// Serialization rebuilds the three-level directory from the flat resource
// set and emits four zones, all relative to the resource section base:
// directory tables and their entries, the shared string pool, the 16-byte
// leaf data entries, and finally the leaf data blobs padded to 8 bytes.

type resourceDataLeaf struct {
	codePage uint32
	reserved uint32
	data     []byte
}

type resourceDirEntry struct {
	name string
	id   uint32

	directory *resourceDirTable
	leaf      *resourceDataLeaf
}

type resourceDirTable struct {
	characteristics uint32
	timeDateStamp   uint32
	majorVersion    uint16
	minorVersion    uint16

	entries []*resourceDirEntry
}

// stringPool is the shared string table of the resource section: every
// unique string is emitted once, length-prefixed, in first-use order.
type stringPool struct {
	baseOffset uint32
	bytes      uint64
	strings    []poolString
}

type poolString struct {
	value  string
	offset uint32
	size   uint16
}

func (p *stringPool) find(s string) *poolString {
	for i := range p.strings {
		if p.strings[i].value == s {
			return &p.strings[i]
		}
	}
	return nil
}

func (p *stringPool) put(s string) {
	if s == "" || p.find(s) != nil {
		return
	}

	size := uint64(utf16Len(s))*2 + 2

	var offset uint32
	if n := len(p.strings); n > 0 {
		offset = p.strings[n-1].offset + uint32(p.strings[n-1].size)
	}

	p.strings = append(p.strings, poolString{value: s, offset: offset, size: uint16(size)})
	p.bytes += size
}

func (p *stringPool) serialize(c cursor) error {
	for i := range p.strings {
		offset := uint64(p.baseOffset) + uint64(p.strings[i].offset)

		encoded, err := encodeUTF16(p.strings[i].value)
		if err != nil {
			return err
		}

		if err := c.putUint16(offset, uint16(len(encoded)/2)); err != nil {
			return err
		}
		if err := c.putBytes(offset+2, encoded); err != nil {
			return err
		}
	}
	return nil
}

// resourceLess orders resources by type, then name, then language.
// Within each component strings sort lexically before ordinals; ordinals
// sort by integer value.
func resourceLess(a, b *Resource) bool {
	if c := compareComponent(a.Type, a.TypeID, b.Type, b.TypeID); c != 0 {
		return c < 0
	}
	if c := compareComponent(a.Name, a.NameID, b.Name, b.NameID); c != 0 {
		return c < 0
	}
	return compareComponent(a.Language, a.LanguageID, b.Language, b.LanguageID) < 0
}

func compareComponent(aStr string, aID uint32, bStr string, bID uint32) int {
	switch {
	case aStr != "" && bStr != "":
		switch {
		case aStr < bStr:
			return -1
		case aStr > bStr:
			return 1
		default:
			return 0
		}
	case aStr != "":
		return -1
	case bStr != "":
		return 1
	default:
		switch {
		case aID < bID:
			return -1
		case aID > bID:
			return 1
		default:
			return 0
		}
	}
}

// getOrCreateTable finds the sub-directory for the given component or
// appends a new one.
func getOrCreateTable(base *resourceDirTable, name string, id uint32) *resourceDirTable {
	for _, entry := range base.entries {
		if name != "" {
			if entry.name == name {
				return entry.directory
			}
		} else if entry.name == "" && entry.id == id {
			return entry.directory
		}
	}

	entry := &resourceDirEntry{
		name:      name,
		id:        id,
		directory: &resourceDirTable{},
	}
	base.entries = append(base.entries, entry)
	return entry.directory
}

// insertResource files one resource into the type → name → language tree.
func insertResource(root *resourceDirTable, resource *Resource) {
	typeTable := getOrCreateTable(root, resource.Type, resource.TypeID)
	typeTable.characteristics = resource.TypeCharacteristics
	typeTable.timeDateStamp = resource.TypeTimeDateStamp
	typeTable.majorVersion = resource.TypeMajorVersion
	typeTable.minorVersion = resource.TypeMinorVersion

	nameTable := getOrCreateTable(typeTable, resource.Name, resource.NameID)
	nameTable.characteristics = resource.NameCharacteristics
	nameTable.timeDateStamp = resource.NameTimeDateStamp
	nameTable.majorVersion = resource.NameMajorVersion
	nameTable.minorVersion = resource.NameMinorVersion

	nameTable.entries = append(nameTable.entries, &resourceDirEntry{
		name: resource.Language,
		id:   resource.LanguageID,
		leaf: &resourceDataLeaf{
			codePage: resource.CodePage,
			reserved: resource.Reserved,
			data:     resource.Data,
		},
	})
}

// directorySize returns the structural size of the directory zone: every
// table header plus its entries, depth first.
func directorySize(table *resourceDirTable) uint64 {
	if table == nil {
		return 0
	}

	size := uint64(16) + uint64(len(table.entries))*8
	for _, entry := range table.entries {
		size += directorySize(entry.directory)
	}
	return size
}

// countLeaves returns the number of data entries reachable from the
// table.
func countLeaves(table *resourceDirTable) uint64 {
	var count uint64
	for _, entry := range table.entries {
		if entry.directory != nil {
			count += countLeaves(entry.directory)
		} else {
			count++
		}
	}
	return count
}

// resourceWriteState carries the zone cursors across the recursive
// directory write.
type resourceWriteState struct {
	c    cursor // nil buffer measures only
	base uint32 // resource section VirtualAddress
	pool *stringPool

	dataEntriesOffset uint64
	dataOffset        uint64
}

// writeTable emits one directory table with its entries at offset,
// recursing into sub-directories. It returns the furthest byte touched.
func (st *resourceWriteState) writeTable(table *resourceDirTable, offset uint64) (uint64, error) {
	furthest := offset

	var numberOfNameEntries, numberOfIDEntries uint64
	for _, entry := range table.entries {
		if entry.name != "" {
			numberOfNameEntries++
		} else {
			numberOfIDEntries++
		}
	}

	if numberOfNameEntries > math.MaxUint16 || numberOfIDEntries > math.MaxUint16 {
		return 0, ErrResourceOverflow
	}

	if st.c.buf != nil {
		st.c.putUint32(offset+0, table.characteristics)
		st.c.putUint32(offset+4, table.timeDateStamp)
		st.c.putUint16(offset+8, table.majorVersion)
		st.c.putUint16(offset+10, table.minorVersion)
		st.c.putUint16(offset+12, uint16(numberOfNameEntries))
		st.c.putUint16(offset+14, uint16(numberOfIDEntries))
	}
	offset += 16

	furthest = max64(furthest, offset)
	nextEntry := offset + (numberOfNameEntries+numberOfIDEntries)*8

	for _, entry := range table.entries {
		var nameOffsetOrID uint32

		if entry.name != "" {
			pooled := st.pool.find(entry.name)
			nameOffset := uint64(st.pool.baseOffset) + uint64(pooled.offset)
			if nameOffset > math.MaxUint32 {
				return 0, ErrResourceOverflow
			}
			nameOffsetOrID = uint32(nameOffset) | resourceHighBit
		} else {
			nameOffsetOrID = entry.id
		}

		if entry.directory != nil {
			if nextEntry > math.MaxUint32 {
				return 0, ErrResourceOverflow
			}

			entryOffset := nextEntry
			nextEntry += directorySize(entry.directory)

			if st.c.buf != nil {
				st.c.putUint32(offset+0, nameOffsetOrID)
				st.c.putUint32(offset+4, uint32(entryOffset)|resourceHighBit)
			}

			subFurthest, err := st.writeTable(entry.directory, entryOffset)
			if err != nil {
				return 0, err
			}
			offset += 8
			furthest = max64(furthest, subFurthest)
			furthest = max64(furthest, offset)
		} else {
			if st.dataEntriesOffset > math.MaxUint32 {
				return 0, ErrResourceOverflow
			}

			leaf := entry.leaf
			entryOffset := st.dataEntriesOffset

			if st.c.buf != nil {
				st.c.putUint32(offset+0, nameOffsetOrID)
				st.c.putUint32(offset+4, uint32(entryOffset))

				st.c.putUint32(entryOffset+0, st.base+uint32(st.dataOffset))
				st.c.putUint32(entryOffset+4, uint32(len(leaf.data)))
				st.c.putUint32(entryOffset+8, leaf.codePage)
				st.c.putUint32(entryOffset+12, leaf.reserved)

				st.c.putBytes(st.dataOffset, leaf.data)
			}

			st.dataEntriesOffset = entryOffset + 16
			st.dataOffset = alignUp(st.dataOffset+uint64(len(leaf.data)), 8)

			offset += 8

			furthest = max64(furthest, st.dataOffset)
			furthest = max64(furthest, offset)
		}
	}

	return furthest, nil
}

// serialize emits the resource tree into the given section's contents, or
// only measures when section is nil. The return value is the total number
// of bytes the emitted tree occupies.
func (rt *ResourceTable) serialize(section *Section, offset uint64) (uint64, error) {
	if len(rt.Resources) == 0 {
		return 0, nil
	}

	sorted := make([]*Resource, len(rt.Resources))
	copy(sorted, rt.Resources)
	sort.SliceStable(sorted, func(i, j int) bool {
		return resourceLess(sorted[i], sorted[j])
	})

	root := &resourceDirTable{
		characteristics: rt.Characteristics,
		timeDateStamp:   rt.TimeDateStamp,
		majorVersion:    rt.MajorVersion,
		minorVersion:    rt.MinorVersion,
	}
	pool := &stringPool{}

	for _, resource := range sorted {
		insertResource(root, resource)

		pool.put(resource.Type)
		pool.put(resource.Name)
		pool.put(resource.Language)
	}

	stringTableOffset := directorySize(root)
	if stringTableOffset > math.MaxUint32 {
		return 0, ErrResourceOverflow
	}
	pool.baseOffset = uint32(stringTableOffset)

	leaves := countLeaves(root)

	st := &resourceWriteState{
		pool:              pool,
		dataEntriesOffset: alignUp(stringTableOffset+pool.bytes, 4),
	}
	st.dataOffset = st.dataEntriesOffset + leaves*16

	if section != nil {
		st.base = section.VirtualAddress
		st.c = cursor{section.Contents}
		for i := range section.Contents {
			section.Contents[i] = 0
		}
	}

	totalSize, err := st.writeTable(root, offset)
	if err != nil {
		return 0, err
	}

	if section != nil {
		if err := pool.serialize(cursor{section.Contents[offset:]}); err != nil {
			return 0, err
		}
	}

	return totalSize, nil
}
