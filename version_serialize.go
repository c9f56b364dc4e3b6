// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"fmt"
)

// Serialization always emits strict well-formed output: every node is
// aligned to 4 bytes, length fields count the inclusive total, and
// string value lengths are in 16-bit units including the terminator.

// growBuffer is an auto-growing zero-filled byte buffer.
type growBuffer struct {
	b []byte
}

func (g *growBuffer) grow(size uint64) {
	if uint64(len(g.b)) < size {
		g.b = append(g.b, make([]byte, size-uint64(len(g.b)))...)
	}
}

func (g *growBuffer) putUint16(offset uint64, val uint16) {
	g.grow(offset + 2)
	binary.LittleEndian.PutUint16(g.b[offset:], val)
}

func (g *growBuffer) putUint32(offset uint64, val uint32) {
	g.grow(offset + 4)
	binary.LittleEndian.PutUint32(g.b[offset:], val)
}

func (g *growBuffer) putUint64(offset uint64, val uint64) {
	g.grow(offset + 8)
	binary.LittleEndian.PutUint64(g.b[offset:], val)
}

func (g *growBuffer) putBytes(offset uint64, val []byte) {
	g.grow(offset + uint64(len(val)))
	copy(g.b[offset:], val)
}

// putUTF16Z writes s as UTF-16LE including the terminator.
func (g *growBuffer) putUTF16Z(offset uint64, s string) (uint64, error) {
	encoded, err := encodeUTF16(s)
	if err != nil {
		return 0, err
	}
	g.grow(offset + uint64(len(encoded)) + 2)
	copy(g.b[offset:], encoded)
	return uint64(len(encoded)) + 2, nil
}

// versionStringSerialize emits one {key, value} string node at offset and
// returns its unpadded length.
func versionStringSerialize(g *growBuffer, offset uint64, entry *VersionString) (uint64, error) {
	key, err := encodeUTF16(entry.Key)
	if err != nil {
		return 0, err
	}
	value, err := encodeUTF16(entry.Value)
	if err != nil {
		return 0, err
	}

	keyOffset := uint64(6)
	valueOffset := alignUp(keyOffset+uint64(len(key))+2, 4)

	g.grow(offset + valueOffset + uint64(len(value)))
	g.putBytes(offset+keyOffset, key)
	g.putBytes(offset+valueOffset, value)

	length := valueOffset + uint64(len(value)) + 2
	g.putUint16(offset, uint16(length))
	g.putUint16(offset+2, uint16(len(value)/2)+1)
	g.putUint16(offset+4, 1)

	return length, nil
}

// versionStringTableSerialize emits one StringTable node for a
// dictionary. The key is the language and codepage as 8 hex digits.
func versionStringTableSerialize(g *growBuffer, offset uint64, dict *VersionDictionary) (uint64, error) {
	length := uint64(24)
	g.grow(offset + length)

	langcode := fmt.Sprintf("%04x%04x", dict.Language.Language, dict.Language.Codepage)
	for i := uint64(0); i < 8; i++ {
		g.putUint16(offset+6+i*2, uint16(langcode[i]))
	}

	for _, entry := range dict.Entries {
		childOffset := alignUp(offset+length, 4)
		childLength, err := versionStringSerialize(g, childOffset, entry)
		if err != nil {
			return 0, err
		}
		length += alignUp(childLength, 4)
	}

	g.putUint16(offset, uint16(length))
	g.putUint16(offset+2, 0)
	g.putUint16(offset+4, 1)

	return length, nil
}

// versionStringFileInfoSerialize emits one StringFileInfo node wrapping a
// single string table.
func versionStringFileInfoSerialize(g *growBuffer, offset uint64, dict *VersionDictionary) (uint64, error) {
	length := uint64(36)
	nextOffset := alignUp(length, 4)
	g.grow(offset + nextOffset)

	if _, err := g.putUTF16Z(offset+6, StringFileInfoKey); err != nil {
		return 0, err
	}

	tableLength, err := versionStringTableSerialize(g, offset+nextOffset, dict)
	if err != nil {
		return 0, err
	}
	length += tableLength

	g.putUint16(offset, uint16(length))
	g.putUint16(offset+2, 0)
	g.putUint16(offset+4, 1)

	return length, nil
}

// versionVarFileInfoSerialize emits the VarFileInfo node with its
// Translation array.
func versionVarFileInfoSerialize(g *growBuffer, offset uint64, vi *VersionInfo) (uint64, error) {
	translationOffset := alignUp(6+uint64(len(VarFileInfoKey)+1)*2, 4)
	stringOffset := translationOffset + 6
	codepagesOffset := alignUp(translationOffset+uint64(len(TranslationKey)+2)*2, 4) + 4
	codepagesSize := uint64(len(vi.Languages)) * 4

	length := codepagesOffset + codepagesSize
	translationSize := length - translationOffset

	g.grow(offset + length)

	if _, err := g.putUTF16Z(offset+6, VarFileInfoKey); err != nil {
		return 0, err
	}

	g.putUint16(offset+translationOffset, uint16(translationSize))
	g.putUint16(offset+translationOffset+2, uint16(codepagesSize))
	g.putUint16(offset+translationOffset+4, 0)

	if _, err := g.putUTF16Z(offset+stringOffset, TranslationKey); err != nil {
		return 0, err
	}

	for i, lang := range vi.Languages {
		g.putUint16(offset+codepagesOffset+uint64(i)*4, lang.Language)
		g.putUint16(offset+codepagesOffset+uint64(i)*4+2, lang.Codepage)
	}

	g.putUint16(offset, uint16(length))
	g.putUint16(offset+2, 0)
	g.putUint16(offset+4, 1)

	return length, nil
}

// versionFixedFileInfoSerialize emits the 52-byte VS_FIXEDFILEINFO value.
func versionFixedFileInfoSerialize(g *growBuffer, offset uint64, vi *VersionInfo) uint64 {
	g.grow(offset + 52)

	g.putUint32(offset, VsFileInfoSignature)
	g.putUint32(offset+4, vi.StructVersion)

	g.putUint16(offset+8, vi.FileVersion.Minor)
	g.putUint16(offset+10, vi.FileVersion.Major)
	g.putUint16(offset+12, vi.FileVersion.Build)
	g.putUint16(offset+14, vi.FileVersion.Patch)

	g.putUint16(offset+16, vi.ProductVersion.Minor)
	g.putUint16(offset+18, vi.ProductVersion.Major)
	g.putUint16(offset+20, vi.ProductVersion.Build)
	g.putUint16(offset+22, vi.ProductVersion.Patch)

	g.putUint32(offset+24, vi.FlagsMask)
	g.putUint32(offset+28, vi.Flags)
	g.putUint32(offset+32, vi.OS)
	g.putUint32(offset+36, vi.Type)
	g.putUint32(offset+40, vi.Subtype)
	g.putUint64(offset+44, vi.Date)

	return 52
}

// Serialize re-emits the VS_VERSION_INFO blob into the owning RT_VERSION
// resource. UpdateResourceTable then folds it back into the image.
func (vi *VersionInfo) Serialize() error {
	if vi.Resource == nil {
		return ErrResourceNotFound
	}

	g := &growBuffer{}
	g.grow(90)

	length := uint64(38)
	g.putUint16(2, 52)
	g.putUint16(4, 0)
	if _, err := g.putUTF16Z(6, VsVersionInfoKey); err != nil {
		return err
	}

	offset := alignUp(38, 4)
	itemLength := versionFixedFileInfoSerialize(g, offset, vi)
	length += itemLength

	for _, dict := range vi.FileInfo {
		offset = alignUp(offset+itemLength, 4)
		var err error
		itemLength, err = versionStringFileInfoSerialize(g, offset, dict)
		if err != nil {
			return err
		}
		length += itemLength
	}

	offset = alignUp(offset+itemLength, 4)
	varLength, err := versionVarFileInfoSerialize(g, offset, vi)
	if err != nil {
		return err
	}
	length += varLength

	length = alignUp(length, 4)
	g.putUint16(0, uint16(length))

	vi.Resource.Data = g.b
	return nil
}
