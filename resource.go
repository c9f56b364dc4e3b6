// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "fmt"

// high bit of a resource directory entry field: marks an offset rather
// than an ordinal or a leaf.
const resourceHighBit = uint32(1) << 31

// Resource is one leaf of the resource tree. Identity is the
// (type, name, language) triple; each component is either a numeric
// ordinal or a string. A string component is stored in Type/Name/Language
// with the matching ID left zero; an ordinal leaves the string empty —
// the on-disk format rejects empty resource names, so the empty string
// safely means "ordinal".
//
// The two metadata blocks (type level and name level) are copied down from
// the directory tables the leaf was reached through.
type Resource struct {
	TypeCharacteristics uint32
	TypeTimeDateStamp   uint32
	TypeMajorVersion    uint16
	TypeMinorVersion    uint16

	NameCharacteristics uint32
	NameTimeDateStamp   uint32
	NameMajorVersion    uint16
	NameMinorVersion    uint16

	TypeID     uint32
	NameID     uint32
	LanguageID uint32
	CodePage   uint32
	Reserved   uint32

	Type     string
	Name     string
	Language string

	Data []byte
}

// ResourceTable is the flat set of resources parsed out of the resource
// directory, plus the cached higher-level interpretations of version and
// icon-group resources. It owns its resources exclusively; VersionInfos
// and IconGroups hold references into Resources.
type ResourceTable struct {
	Characteristics uint32
	TimeDateStamp   uint32
	MajorVersion    uint16
	MinorVersion    uint16

	Resources []*Resource

	VersionInfos []*VersionInfo
	IconGroups   []*IconGroup
}

// directory metadata carried down one level of the tree.
type resourceLevelMeta struct {
	characteristics uint32
	timeDateStamp   uint32
	majorVersion    uint16
	minorVersion    uint16
}

// resourceParseContext carries the recursion state of the resource tree
// walk: the section-relative cursor, the section base RVA, and the
// per-level identities and metadata accumulated on the way down.
type resourceParseContext struct {
	c          cursor
	base       uint32
	maxEntries uint32
	table      *ResourceTable

	typeMeta resourceLevelMeta
	nameMeta resourceLevelMeta

	typeID     uint32
	nameID     uint32
	languageID uint32
}

// readPoolString reads a length-prefixed UTF-16LE string from the shared
// string area of the resource section.
func (ctx *resourceParseContext) readPoolString(offset uint32) (string, error) {
	return readLengthString(ctx.c, uint64(offset))
}

// parseResource assembles one leaf: the 16-byte data entry plus the
// accumulated (type, name, language) triple and directory metadata.
func (ctx *resourceParseContext) parseResource(offset uint32) error {
	if uint64(offset)+16 > ctx.c.len() {
		return fmt.Errorf("%w: no room for resource data entry", ErrTruncated)
	}

	dataRVA, _ := ctx.c.uint32(uint64(offset) + 0)
	dataSize, _ := ctx.c.uint32(uint64(offset) + 4)
	codePage, _ := ctx.c.uint32(uint64(offset) + 8)
	reserved, _ := ctx.c.uint32(uint64(offset) + 12)

	// Leaf data is addressed by RVA; the section base converts it to an
	// in-section offset.
	if dataRVA < ctx.base {
		return fmt.Errorf("%w: resource data below section base", ErrRvaOutOfRange)
	}
	dataOffset := uint64(dataRVA - ctx.base)
	if dataOffset > ctx.c.len() || dataOffset+uint64(dataSize) > ctx.c.len() {
		return fmt.Errorf("%w: no room for resource data", ErrTruncated)
	}

	resource := &Resource{
		TypeCharacteristics: ctx.typeMeta.characteristics,
		TypeTimeDateStamp:   ctx.typeMeta.timeDateStamp,
		TypeMajorVersion:    ctx.typeMeta.majorVersion,
		TypeMinorVersion:    ctx.typeMeta.minorVersion,

		NameCharacteristics: ctx.nameMeta.characteristics,
		NameTimeDateStamp:   ctx.nameMeta.timeDateStamp,
		NameMajorVersion:    ctx.nameMeta.majorVersion,
		NameMinorVersion:    ctx.nameMeta.minorVersion,

		CodePage: codePage,
		Reserved: reserved,
	}

	var err error
	if ctx.typeID&resourceHighBit != 0 {
		resource.Type, err = ctx.readPoolString(ctx.typeID &^ resourceHighBit)
		if err != nil {
			return err
		}
	} else {
		resource.TypeID = ctx.typeID
	}

	if ctx.nameID&resourceHighBit != 0 {
		resource.Name, err = ctx.readPoolString(ctx.nameID &^ resourceHighBit)
		if err != nil {
			return err
		}
	} else {
		resource.NameID = ctx.nameID
	}

	if ctx.languageID&resourceHighBit != 0 {
		resource.Language, err = ctx.readPoolString(ctx.languageID &^ resourceHighBit)
		if err != nil {
			return err
		}
	} else {
		resource.LanguageID = ctx.languageID
	}

	resource.Data = make([]byte, dataSize)
	copy(resource.Data, ctx.c.buf[dataOffset:])

	ctx.table.Resources = append(ctx.table.Resources, resource)
	return nil
}

func (ctx *resourceParseContext) parseEntry(offset uint32, level int) error {
	if uint64(offset)+8 > ctx.c.len() {
		return fmt.Errorf("%w: no room for resource directory entry", ErrTruncated)
	}

	id, _ := ctx.c.uint32(uint64(offset) + 0)
	nextOffset, _ := ctx.c.uint32(uint64(offset) + 4)

	switch level {
	case 0:
		ctx.typeID = id
	case 1:
		ctx.nameID = id
	case 2:
		ctx.languageID = id
	default:
		return ErrResourceTooDeep
	}

	if nextOffset&resourceHighBit != 0 {
		return ctx.parseTable(nextOffset&^resourceHighBit, level+1)
	}
	return ctx.parseResource(nextOffset)
}

func (ctx *resourceParseContext) parseTable(offset uint32, level int) error {
	if uint64(offset)+16 > ctx.c.len() {
		return fmt.Errorf("%w: no room for resource directory table", ErrTruncated)
	}

	characteristics, _ := ctx.c.uint32(uint64(offset) + 0)
	timeDateStamp, _ := ctx.c.uint32(uint64(offset) + 4)
	majorVersion, _ := ctx.c.uint16(uint64(offset) + 8)
	minorVersion, _ := ctx.c.uint16(uint64(offset) + 10)
	numberOfNameEntries, _ := ctx.c.uint16(uint64(offset) + 12)
	numberOfIDEntries, _ := ctx.c.uint16(uint64(offset) + 14)

	meta := resourceLevelMeta{characteristics, timeDateStamp, majorVersion, minorVersion}

	switch level {
	case 0:
		ctx.table.Characteristics = characteristics
		ctx.table.TimeDateStamp = timeDateStamp
		ctx.table.MajorVersion = majorVersion
		ctx.table.MinorVersion = minorVersion
	case 1:
		ctx.typeMeta = meta
	case 2:
		ctx.nameMeta = meta
	default:
		return ErrResourceTooDeep
	}

	numberOfEntries := uint32(numberOfNameEntries) + uint32(numberOfIDEntries)
	if numberOfEntries > ctx.maxEntries {
		return fmt.Errorf("resource directory with %d entries exceeds limit", numberOfEntries)
	}

	entryOffset := offset + 16
	for i := uint32(0); i < numberOfEntries; i++ {
		if err := ctx.parseEntry(entryOffset, level); err != nil {
			return err
		}
		entryOffset += 8
	}

	return nil
}

// resourceTableDeserialize walks the three-level resource directory
// stored in the given section, collecting every leaf into table.
func (pe *File) resourceTableDeserialize(section *Section, offset uint64, table *ResourceTable) error {
	c := cursor{section.Contents}

	if c.len() < offset || c.len()-offset < 16 {
		return fmt.Errorf("%w: no room for resource directory table", ErrTruncated)
	}

	ctx := &resourceParseContext{
		c:          c,
		base:       section.VirtualAddress,
		maxEntries: pe.opts.MaxResourceEntries,
		table:      table,
	}

	return ctx.parseTable(uint32(offset), 0)
}

// CountByTypeID returns the number of resources with the given ordinal
// type.
func (rt *ResourceTable) CountByTypeID(typeID uint32) int {
	count := 0
	for _, resource := range rt.Resources {
		if resource.Type == "" && resource.TypeID == typeID {
			count++
		}
	}
	return count
}

// GetByTypeID returns the idx-th resource with the given ordinal type, or
// nil.
func (rt *ResourceTable) GetByTypeID(typeID uint32, idx int) *Resource {
	count := 0
	for _, resource := range rt.Resources {
		if resource.Type == "" && resource.TypeID == typeID {
			if count == idx {
				return resource
			}
			count++
		}
	}
	return nil
}

// Delete removes the resource from the table. Version-info and icon-group
// views that referenced it are dropped as well.
func (rt *ResourceTable) Delete(resource *Resource) {
	for i, candidate := range rt.Resources {
		if candidate == resource {
			rt.Resources = append(rt.Resources[:i], rt.Resources[i+1:]...)
			break
		}
	}

	versionInfos := rt.VersionInfos[:0]
	for _, versionInfo := range rt.VersionInfos {
		if versionInfo.Resource != resource {
			versionInfos = append(versionInfos, versionInfo)
		}
	}
	rt.VersionInfos = versionInfos

	iconGroups := rt.IconGroups[:0]
	for _, group := range rt.IconGroups {
		if group.Resource != resource {
			iconGroups = append(iconGroups, group)
		}
	}
	rt.IconGroups = iconGroups
}
