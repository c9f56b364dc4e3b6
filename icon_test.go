// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildIconDirectory assembles an RT_GROUP_ICON body.
func buildIconDirectory(entries []struct {
	w, h   uint8
	bpp    uint16
	iconID uint16
}) []byte {
	buf := make([]byte, 6+len(entries)*14)
	le := binary.LittleEndian

	le.PutUint16(buf[2:], 1) // type: icon
	le.PutUint16(buf[4:], uint16(len(entries)))

	for i, e := range entries {
		offset := 6 + i*14
		buf[offset+0] = e.w
		buf[offset+1] = e.h
		le.PutUint16(buf[offset+4:], 1) // planes
		le.PutUint16(buf[offset+6:], e.bpp)
		le.PutUint16(buf[offset+12:], e.iconID)
	}

	return buf
}

// buildDIB32 assembles a 32bpp DIB icon payload of the given pixel
// dimensions (the DIB height field is doubled by the AND mask).
func buildDIB32(width, height uint32) []byte {
	bytesPerLine := alignUp(uint64(width*4), 4)
	maskBytesPerLine := alignUp(uint64(width/8), 4)
	size := 40 + uint64(height)*bytesPerLine + uint64(height)*maskBytesPerLine

	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 40)
	le.PutUint32(buf[4:], width)
	le.PutUint32(buf[8:], height*2)
	le.PutUint16(buf[12:], 1)  // planes
	le.PutUint16(buf[14:], 32) // bpp

	for i := uint64(40); i < 40+uint64(height)*bytesPerLine; i += 4 {
		buf[i+0] = 0x20 // B
		buf[i+1] = 0x40 // G
		buf[i+2] = 0x80 // R
		buf[i+3] = 0xFF // A
	}

	return buf
}

func pngIcon() []byte {
	return append(append([]byte{}, pngHeader...), 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R')
}

func iconTestFile() *File {
	file := &File{entryPointSection: -1}
	file.applyOptions(nil)
	return file
}

func TestIconGroupDeserialize(t *testing.T) {
	pngResource := &Resource{TypeID: uint32(RTIcon), NameID: 1, LanguageID: 0x409, Data: pngIcon()}
	dibResource := &Resource{TypeID: uint32(RTIcon), NameID: 2, LanguageID: 0x409, Data: buildDIB32(4, 4)}
	groupResource := &Resource{
		TypeID: uint32(RTGroupIcon), NameID: 1, LanguageID: 0x409,
		Data: buildIconDirectory([]struct {
			w, h   uint8
			bpp    uint16
			iconID uint16
		}{
			{16, 16, 8, 1},
			{32, 32, 32, 2},
		}),
	}

	table := &ResourceTable{Resources: []*Resource{pngResource, dibResource, groupResource}}
	file := iconTestFile()

	group := &IconGroup{}
	if err := file.iconGroupDeserialize(table, groupResource, group); err != nil {
		t.Fatalf("iconGroupDeserialize failed: %v", err)
	}

	if len(group.Icons) != 2 {
		t.Fatalf("icon count mismatch, got %d", len(group.Icons))
	}

	// Sorted best-first: 32bpp before 8bpp.
	if group.Icons[0].BPP != 32 || group.Icons[1].BPP != 8 {
		t.Errorf("sort order wrong: %d, %d", group.Icons[0].BPP, group.Icons[1].BPP)
	}

	for _, icon := range group.Icons {
		switch icon.Resource {
		case pngResource:
			if icon.Type != IconTypePNG {
				t.Errorf("png icon misclassified")
			}
			if !bytes.Equal(icon.Data, pngIcon()) {
				t.Errorf("png icon data mismatch")
			}
		case dibResource:
			if icon.Type != IconTypeDIB {
				t.Errorf("dib icon misclassified")
			}
			// The resource payload was transcoded to PNG in place.
			if !bytes.HasPrefix(dibResource.Data, pngHeader) {
				t.Errorf("dib icon not transcoded to PNG")
			}
		default:
			t.Errorf("icon references an unexpected resource")
		}
	}
}

func TestIconGroupZeroDimensionMeans256(t *testing.T) {
	iconResource := &Resource{TypeID: uint32(RTIcon), NameID: 1, LanguageID: 0, Data: pngIcon()}
	groupResource := &Resource{
		TypeID: uint32(RTGroupIcon), NameID: 1, LanguageID: 0,
		Data: buildIconDirectory([]struct {
			w, h   uint8
			bpp    uint16
			iconID uint16
		}{{0, 0, 32, 1}}),
	}

	table := &ResourceTable{Resources: []*Resource{iconResource, groupResource}}
	group := &IconGroup{}
	if err := iconTestFile().iconGroupDeserialize(table, groupResource, group); err != nil {
		t.Fatalf("iconGroupDeserialize failed: %v", err)
	}

	if group.Icons[0].Width != 256 || group.Icons[0].Height != 256 {
		t.Errorf("zero dimensions not widened, got %dx%d",
			group.Icons[0].Width, group.Icons[0].Height)
	}
}

func TestIconGroupLanguageFallback(t *testing.T) {
	german := &Resource{TypeID: uint32(RTIcon), NameID: 1, LanguageID: 0x407, Data: pngIcon()}
	english := &Resource{TypeID: uint32(RTIcon), NameID: 1, LanguageID: 0x409, Data: pngIcon()}
	groupResource := &Resource{
		TypeID: uint32(RTGroupIcon), NameID: 1, LanguageID: 0x409,
		Data: buildIconDirectory([]struct {
			w, h   uint8
			bpp    uint16
			iconID uint16
		}{{16, 16, 32, 1}}),
	}

	table := &ResourceTable{Resources: []*Resource{german, english, groupResource}}
	group := &IconGroup{}
	if err := iconTestFile().iconGroupDeserialize(table, groupResource, group); err != nil {
		t.Fatalf("iconGroupDeserialize failed: %v", err)
	}

	if group.Icons[0].Resource != english {
		t.Errorf("language preference not honored")
	}

	// Without a language match any language serves.
	orphanGroup := &Resource{
		TypeID: uint32(RTGroupIcon), NameID: 2, LanguageID: 0x40C,
		Data: groupResource.Data,
	}
	table.Resources = append(table.Resources, orphanGroup)

	group2 := &IconGroup{}
	if err := iconTestFile().iconGroupDeserialize(table, orphanGroup, group2); err != nil {
		t.Fatalf("fallback deserialize failed: %v", err)
	}
	if group2.Icons[0].Resource == nil {
		t.Errorf("fallback icon not resolved")
	}
}

func TestIconGroupMissingIconFails(t *testing.T) {
	groupResource := &Resource{
		TypeID: uint32(RTGroupIcon), NameID: 1, LanguageID: 0,
		Data: buildIconDirectory([]struct {
			w, h   uint8
			bpp    uint16
			iconID uint16
		}{{16, 16, 32, 42}}),
	}

	table := &ResourceTable{Resources: []*Resource{groupResource}}
	group := &IconGroup{}
	err := iconTestFile().iconGroupDeserialize(table, groupResource, group)
	if err == nil {
		t.Fatalf("expected missing icon error")
	}
}

func TestTranscodeDIBRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{40, 0, 0}},
		{"wrong header size", append([]byte{0x0C, 0, 0, 0}, make([]byte, 60)...)},
		{
			"unknown bit depth",
			func() []byte {
				dib := buildDIB32(4, 4)
				binary.LittleEndian.PutUint16(dib[14:], 16)
				return dib
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := transcodeDIB(tt.data); err == nil {
				t.Errorf("expected transcode failure")
			}
		})
	}
}

func TestTranscodeDIBProducesPNG(t *testing.T) {
	out, err := transcodeDIB(buildDIB32(4, 4))
	if err != nil {
		t.Fatalf("transcodeDIB failed: %v", err)
	}
	if !bytes.HasPrefix(out, pngHeader) {
		t.Errorf("output is not a PNG")
	}
}
