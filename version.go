// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
	"strconv"
)

// VS_FIXEDFILEINFO signature.
const VsFileInfoSignature uint32 = 0xFEEF04BD

// Well-known block keys inside a VS_VERSION_INFO blob.
const (
	VsVersionInfoKey  = "VS_VERSION_INFO"
	StringFileInfoKey = "StringFileInfo"
	VarFileInfoKey    = "VarFileInfo"
	TranslationKey    = "Translation"
)

// VersionNumber is one four-part version. The on-disk dword pair stores
// the halves in minor/major/build/patch word order.
type VersionNumber struct {
	Major uint16
	Minor uint16
	Patch uint16
	Build uint16
}

// VersionLanguage is a (language id, codepage) pair.
type VersionLanguage struct {
	Language uint16
	Codepage uint16
}

// VersionString is one key/value entry of a string table.
type VersionString struct {
	Key   string
	Value string
}

// VersionDictionary holds the ordered string entries for one
// (language, codepage) combination.
type VersionDictionary struct {
	Language VersionLanguage
	Entries  []*VersionString
}

// VersionInfo is the parsed form of an RT_VERSION resource: the fixed
// file info, the per-language string dictionaries and the declared
// translations. Resource points back at the RT_VERSION leaf that holds
// the serialized bytes.
type VersionInfo struct {
	FileVersion    VersionNumber
	ProductVersion VersionNumber

	StructVersion uint32
	FlagsMask     uint32
	Flags         uint32
	OS            uint32
	Type          uint32
	Subtype       uint32
	Date          uint64

	FileInfo  []*VersionDictionary
	Languages []VersionLanguage

	Resource *Resource
}

// dictionary returns the dictionary for the given language and codepage,
// creating it when missing.
func (vi *VersionInfo) dictionary(language, codepage uint16) *VersionDictionary {
	for _, dict := range vi.FileInfo {
		if dict.Language.Language == language && dict.Language.Codepage == codepage {
			return dict
		}
	}

	dict := &VersionDictionary{Language: VersionLanguage{language, codepage}}
	vi.FileInfo = append(vi.FileInfo, dict)
	return dict
}

// SetValue sets the value for key in the dictionary of the given
// language and codepage, creating dictionary and entry as needed.
func (vi *VersionInfo) SetValue(language, codepage uint16, key, value string) {
	dict := vi.dictionary(language, codepage)
	for _, entry := range dict.Entries {
		if entry.Key == key {
			entry.Value = value
			return
		}
	}
	dict.Entries = append(dict.Entries, &VersionString{Key: key, Value: value})
}

// GetValue returns the value for key in the dictionary of the given
// language and codepage, or the empty string.
func (vi *VersionInfo) GetValue(language, codepage uint16, key string) string {
	for _, dict := range vi.FileInfo {
		if dict.Language.Language != language || dict.Language.Codepage != codepage {
			continue
		}
		for _, entry := range dict.Entries {
			if entry.Key == key {
				return entry.Value
			}
		}
	}
	return ""
}

// SetFileVersion sets the binary file version.
func (vi *VersionInfo) SetFileVersion(major, minor, patch, build uint16) {
	vi.FileVersion = VersionNumber{major, minor, patch, build}
}

// SetProductVersion sets the binary product version.
func (vi *VersionInfo) SetProductVersion(major, minor, patch, build uint16) {
	vi.ProductVersion = VersionNumber{major, minor, patch, build}
}

// findNextValue returns the offset of the next non-zero 16-bit unit at or
// after offset, skipping zero-padding runs. Returns the buffer size when
// only padding remains.
func findNextValue(c cursor, offset uint64) uint64 {
	size := c.len()
	if offset >= size {
		return size
	}

	for i := offset; i+1 < size; i += 2 {
		val, _ := c.uint16(i)
		if val != 0 {
			return i
		}
	}

	return size
}

// skipZeroBytes advances offset past leading zero bytes.
func skipZeroBytes(c cursor, offset uint64) (uint64, error) {
	for {
		b, err := c.uint8(offset)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			return offset, nil
		}
		offset++
		if offset > c.len()-1 {
			return 0, ErrTruncated
		}
	}
}

func fixedFileInfoDeserialize(c cursor, offset uint64, vi *VersionInfo) error {
	if c.len() < offset+52 {
		return fmt.Errorf("%w: no room for VS_FIXEDFILEINFO", ErrTruncated)
	}

	signature, _ := c.uint32(offset)
	if signature != VsFileInfoSignature {
		return fmt.Errorf("VS_FIXEDFILEINFO signature not found")
	}

	vi.StructVersion, _ = c.uint32(offset + 4)

	vi.FileVersion.Minor, _ = c.uint16(offset + 8)
	vi.FileVersion.Major, _ = c.uint16(offset + 10)
	vi.FileVersion.Build, _ = c.uint16(offset + 12)
	vi.FileVersion.Patch, _ = c.uint16(offset + 14)

	vi.ProductVersion.Minor, _ = c.uint16(offset + 16)
	vi.ProductVersion.Major, _ = c.uint16(offset + 18)
	vi.ProductVersion.Build, _ = c.uint16(offset + 20)
	vi.ProductVersion.Patch, _ = c.uint16(offset + 22)

	vi.FlagsMask, _ = c.uint32(offset + 24)
	vi.Flags, _ = c.uint32(offset + 28)
	vi.OS, _ = c.uint32(offset + 32)
	vi.Type, _ = c.uint32(offset + 36)
	vi.Subtype, _ = c.uint32(offset + 40)
	vi.Date, _ = c.uint64At(offset + 44)

	return nil
}

func varFileInfoDeserialize(c cursor, offset uint64, vi *VersionInfo) (uint64, error) {
	if c.len() < offset+8 {
		return 2, nil
	}

	length, _ := c.uint16(offset + 0)
	valueLength, _ := c.uint16(offset + 2)

	if length == 0 {
		return 2, nil
	}

	key, _, err := readTerminatedString(c, offset+6, 24)
	if err != nil {
		return 0, fmt.Errorf("failed to parse VarFileInfo key: %w", err)
	}
	if key != TranslationKey {
		return 0, fmt.Errorf("no Translation found in VarFileInfo")
	}

	consumed := uint64(30)

	valueOffset := alignUp(30, 4)
	numberOfValues := uint64(valueLength) / 4

	if offset+valueOffset+uint64(valueLength) > c.len() {
		return 0, fmt.Errorf("%w: no room for VarFileInfo data", ErrTruncated)
	}

	for i := uint64(0); i < numberOfValues; i++ {
		var lang VersionLanguage
		lang.Language, _ = c.uint16(offset + valueOffset)
		lang.Codepage, _ = c.uint16(offset + valueOffset + 2)
		vi.Languages = append(vi.Languages, lang)
		valueOffset += 4
		consumed += 4
	}

	return max64(uint64(length), consumed), nil
}

// stringTableDeserialize parses one StringTable child. Real-world
// version blobs are frequently malformed: a string header that looks
// implausible (stray padding, zero or inconsistent lengths, bad type)
// advances the scan by 2 bytes and retries.
func stringTableDeserialize(c cursor, offset uint64, vi *VersionInfo) (uint64, error) {
	if c.len() < offset+8 {
		return 0, fmt.Errorf("%w: no room for StringTable", ErrTruncated)
	}

	length16, _ := c.uint16(offset + 0)
	length := uint64(length16)
	if length == 0 {
		return 2, nil
	}

	if c.len() < offset+length {
		return 0, fmt.Errorf("%w: no room for StringTable contents", ErrTruncated)
	}

	keyOffset, err := skipZeroBytes(c, offset+6)
	if err != nil {
		return 0, fmt.Errorf("failed to find StringTable start: %w", err)
	}

	key, _, err := readTerminatedString(c, keyOffset, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse StringTable: %w", err)
	}

	if len(key) != 8 {
		return 0, fmt.Errorf("failed to parse StringTable language %q", key)
	}

	// The key is the language and codepage as 8 hex digits.
	langpage, _ := strconv.ParseUint(key, 16, 32)
	language := uint16(langpage >> 16)
	codepage := uint16(langpage & 0xffff)

	consumed := uint64(24)
	stringOffset := findNextValue(c, offset+consumed)

	for consumed < length {
		if c.len() < stringOffset+8 {
			return min64(length, consumed), nil
		}

		var pad uint16
		if stringOffset > 2 {
			pad, _ = c.uint16(stringOffset - 2)
		}
		sLength, _ := c.uint16(stringOffset + 0)
		sValueLength, _ := c.uint16(stringOffset + 2)
		sType, _ := c.uint16(stringOffset + 4)

		if pad != 0 || sLength == 0 || uint64(sLength) > length ||
			uint64(sValueLength) > length || sType > 1 || sLength == sValueLength {
			stringOffset += 2
			continue
		}

		keyOffset, err := skipZeroBytes(c, stringOffset+6)
		if err != nil {
			return min64(length, consumed), fmt.Errorf("unable to locate key data: %w", err)
		}

		sKey, sKeySize, err := readTerminatedString(c, keyOffset, uint64(sLength))
		if err != nil || sKey == "" {
			stringOffset += 6
			continue
		}

		valueOffset := alignUp(stringOffset+6+sKeySize+2, 4)

		if sValueLength == 0 {
			consumed += 6 + sKeySize + 2
			stringOffset += 6 + sKeySize + 2
			continue
		}

		if c.len() < valueOffset+4 {
			return min64(length, consumed), fmt.Errorf("%w: no room for value", ErrTruncated)
		}

		if sValueLength > 2 {
			valueOffset, err = skipZeroBytes(c, valueOffset)
			if err != nil {
				return min64(length, consumed), fmt.Errorf("unable to locate value data: %w", err)
			}
		}

		sVal, sValSize, err := readTerminatedString(c, valueOffset, uint64(sValueLength-1)*2)
		if err != nil {
			return min64(length, consumed), fmt.Errorf("failed to parse value string: %w", err)
		}

		consumed += uint64(sLength)
		if consumed > length {
			return min64(length, consumed), nil
		}

		if sVal != "" {
			vi.SetValue(language, codepage, sKey, sVal)
			stringOffset = valueOffset + sValSize
		} else {
			stringOffset = valueOffset + 2
		}

		stringOffset = alignUp(stringOffset, 4)
	}

	return min64(length, consumed), nil
}

// stringInfoDeserialize parses one top-level child of VS_VERSION_INFO.
// Unknown keys are skipped over rather than treated as errors.
func stringInfoDeserialize(c cursor, offset uint64, vi *VersionInfo) (uint64, error) {
	if c.len() < offset+8 {
		return 2, nil
	}

	length16, _ := c.uint16(offset + 0)
	length := uint64(length16)
	if length == 0 {
		return 2, nil
	}

	key, _, err := readTerminatedString(c, offset+6, 30)
	if err != nil {
		return 0, fmt.Errorf("failed to parse child key: %w", err)
	}

	var consumed uint64

	switch key {
	case StringFileInfoKey:
		consumed = 36

		parsedOneTable := false
		for length > consumed && length-consumed > 22 {
			stringTableOffset := findNextValue(c, offset+consumed)

			tableConsumed, err := stringTableDeserialize(c, stringTableOffset, vi)
			consumed += tableConsumed
			if err != nil {
				if parsedOneTable {
					// Garbage after a good table is accepted silently.
					return max64(length, consumed), nil
				}
				return max64(length, consumed), err
			}

			parsedOneTable = true
		}

	case VarFileInfoKey:
		consumed = 30
		varOffset := findNextValue(c, offset+consumed)
		varConsumed, err := varFileInfoDeserialize(c, varOffset, vi)
		consumed += varConsumed
		if err != nil {
			return max64(length, consumed), err
		}

	default:
		consumed += 2
	}

	return max64(length, consumed), nil
}

// versioninfoDeserialize parses the VS_VERSION_INFO blob carried by an
// RT_VERSION resource.
func versioninfoDeserialize(resource *Resource, vi *VersionInfo) error {
	c := cursor{resource.Data}
	size := c.len()

	vi.Resource = resource

	if size < 6 {
		return fmt.Errorf("%w: no room for versioninfo", ErrTruncated)
	}

	length16, _ := c.uint16(0)
	valueLength16, _ := c.uint16(2)
	length := uint64(length16)
	valueLength := uint64(valueLength16)

	key, _, err := readTerminatedString(c, 6, 32)
	if err != nil {
		return err
	}
	if key != VsVersionInfoKey {
		return fmt.Errorf("VS_VERSION_INFO key not found")
	}

	consumed := uint64(38)
	if consumed == length {
		return nil
	}

	if valueLength == 52 {
		fixedFileInfoOffset := alignUp(38, 4)
		if err := fixedFileInfoDeserialize(c, fixedFileInfoOffset, vi); err != nil {
			return err
		}
	}

	consumed += valueLength
	if consumed == length {
		return nil
	}

	childOffset := findNextValue(c, 38+valueLength)

	for consumed < length {
		childConsumed, err := stringInfoDeserialize(c, childOffset, vi)
		consumed += childConsumed
		childOffset = alignUp(consumed, 4)
		if err != nil {
			return err
		}
		if childConsumed == 0 {
			break
		}
	}

	return nil
}
