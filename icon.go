// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sort"

	"github.com/gabriel-vasile/mimetype"
)

// IconType classifies an icon payload.
type IconType int

// Icon payload types. Vista+ icons may carry raw PNG files; classic
// icons carry a DIB (a BMP without the file header, doubled in height by
// the AND mask).
const (
	IconTypePNG IconType = iota
	IconTypeDIB
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// Icon is one entry of an icon group: the directory entry fields plus the
// pixel data of the RT_ICON resource it references.
type Icon struct {
	Type IconType

	Width      uint16
	Height     uint16
	ColorCount uint8
	Reserved   uint8
	Planes     uint16
	BPP        uint16

	Data []byte

	// Resource is the RT_ICON leaf that actually holds the pixel data.
	Resource *Resource
}

// IconGroup is the parsed form of an RT_GROUP_ICON resource.
type IconGroup struct {
	Icons []*Icon

	Resource *Resource
}

// findIconResource looks up the RT_ICON with the given ordinal name,
// preferring the group's language but falling back to any language.
func findIconResource(rt *ResourceTable, iconID uint16, languageID uint32) *Resource {
	var icon *Resource

	for _, resource := range rt.Resources {
		if resource.Type == "" && resource.TypeID == uint32(RTIcon) &&
			resource.Name == "" && resource.NameID == uint32(iconID) {
			icon = resource
			if resource.LanguageID == languageID {
				return icon
			}
		}
	}

	return icon
}

// parseIcon parses one 14-byte ICONDIRENTRY, cross-references the
// RT_ICON resource and classifies its payload. DIB payloads are
// transcoded to PNG in place; the original bytes stay when transcoding
// fails.
func (pe *File) parseIcon(c cursor, offset uint64, rt *ResourceTable, group *IconGroup) error {
	if c.len() < offset+14 {
		return fmt.Errorf("%w: no room for icon entry", ErrTruncated)
	}

	width, _ := c.uint8(offset + 0)
	height, _ := c.uint8(offset + 1)
	colorCount, _ := c.uint8(offset + 2)
	reserved, _ := c.uint8(offset + 3)
	planes, _ := c.uint16(offset + 4)
	bpp, _ := c.uint16(offset + 6)
	iconID, _ := c.uint16(offset + 12)

	iconResource := findIconResource(rt, iconID, group.Resource.LanguageID)
	if iconResource == nil {
		return fmt.Errorf("%w: icon %d not in resource table", ErrResourceNotFound, iconID)
	}

	icon := &Icon{
		Type:       IconTypeDIB,
		ColorCount: colorCount,
		Reserved:   reserved,
		Planes:     planes,
		BPP:        bpp,
		Resource:   iconResource,
	}

	if bytes.HasPrefix(iconResource.Data, pngHeader) ||
		mimetype.Detect(iconResource.Data).Is("image/png") {
		icon.Type = IconTypePNG
	}

	// A zero directory entry dimension means 256.
	icon.Width = uint16(width)
	if width == 0 {
		icon.Width = 256
	}
	icon.Height = uint16(height)
	if height == 0 {
		icon.Height = 256
	}

	icon.Data = make([]byte, len(iconResource.Data))
	copy(icon.Data, iconResource.Data)

	group.Icons = append(group.Icons, icon)

	if icon.Type == IconTypeDIB {
		transcoded, err := transcodeDIB(icon.Data)
		if err != nil {
			pe.logger.Warnf("icon %d DIB transcode failed: %v", iconID, err)
			return nil
		}
		iconResource.Data = transcoded
	}

	return nil
}

// iconGroupDeserialize parses an RT_GROUP_ICON resource body.
func (pe *File) iconGroupDeserialize(rt *ResourceTable, resource *Resource, group *IconGroup) error {
	c := cursor{resource.Data}
	group.Resource = resource

	if c.len() < 6 {
		return fmt.Errorf("%w: no room for icon directory", ErrTruncated)
	}

	count, _ := c.uint16(4)

	if c.len() < 6+uint64(count)*14 {
		return fmt.Errorf("%w: no room for icon entries", ErrTruncated)
	}

	for i := uint64(0); i < uint64(count); i++ {
		if err := pe.parseIcon(c, 6+i*14, rt, group); err != nil {
			return err
		}
	}

	// Best first: highest color depth, then largest area. Two stable
	// sorts composed.
	sort.SliceStable(group.Icons, func(i, j int) bool {
		a, b := group.Icons[i], group.Icons[j]
		return uint32(a.Width)*uint32(a.Height) > uint32(b.Width)*uint32(b.Height)
	})
	sort.SliceStable(group.Icons, func(i, j int) bool {
		return group.Icons[i].BPP > group.Icons[j].BPP
	})

	return nil
}

// dibMask reads the AND mask bit for pixel (x, y). Mask rows are bottom
// up and padded to 4 bytes.
func dibMask(mask []byte, width, height, x, y uint32) bool {
	maskBytesPerLine := alignUp(uint64(width/8), 4)

	maskOffset := uint64((height/2)-y-1)*maskBytesPerLine + uint64(x/8)
	bitOffset := 7 - (x % 8)

	if maskOffset >= uint64(len(mask)) {
		return false
	}
	return mask[maskOffset]&(byte(1)<<bitOffset) != 0
}

// transcodeDIB decodes a 40-byte-header DIB icon image (1, 4, 8, 24 or
// 32 bpp, bottom-up, AND-masked) and re-encodes it as PNG.
func transcodeDIB(data []byte) ([]byte, error) {
	c := cursor{data}

	if c.len() < 4 {
		return nil, fmt.Errorf("%w: DIB too small", ErrTruncated)
	}

	headerSize, _ := c.uint32(0)
	if uint64(headerSize) > c.len() {
		return nil, fmt.Errorf("%w: DIB too small for header", ErrTruncated)
	}
	if headerSize != 40 {
		return nil, fmt.Errorf("unknown DIB header size %d", headerSize)
	}

	width, _ := c.uint32(4)
	height, _ := c.uint32(8)
	bpp, _ := c.uint16(14)
	paletteColors, _ := c.uint32(32)

	if width == 0 || height < 2 || width > 1024 || height > 2048 {
		return nil, fmt.Errorf("implausible DIB dimensions %dx%d", width, height)
	}

	channels := uint32(bpp) / 8
	divider := uint32(1)

	switch bpp {
	case 1:
		channels = 1
		divider = 8
		if paletteColors == 0 {
			paletteColors = 2
		}
	case 4:
		channels = 1
		divider = 2
		if paletteColors == 0 {
			paletteColors = 16
		}
	case 8:
		if paletteColors == 0 {
			paletteColors = 256
		}
	case 24, 32:
		paletteColors = 0
	default:
		return nil, fmt.Errorf("unknown DIB bit depth %d", bpp)
	}

	pixelOffset := uint64(headerSize) + uint64(paletteColors)*4

	bytesPerLine := alignUp(uint64(width*channels/divider), 4)
	maskBytesPerLine := alignUp(uint64(width/8), 4)

	imageHeight := height / 2
	maskStart := pixelOffset + uint64(imageHeight)*bytesPerLine

	if c.len() < maskStart+uint64(imageHeight)*maskBytesPerLine {
		return nil, fmt.Errorf("%w: no room for DIB image data", ErrTruncated)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(width), int(imageHeight)))
	mask := data[maskStart:]

	imageOffset := 0
	for y := uint32(0); y < imageHeight; y++ {
		for x := uint32(0); x < width/divider; x++ {
			bmpOffset := pixelOffset + uint64(imageHeight-y-1)*bytesPerLine + uint64(channels*x)

			for i := uint32(0); i < divider; i++ {
				if !dibMask(mask, width, height, x*divider+i, y) {
					if bpp <= 8 {
						var pixel uint8

						switch bpp {
						case 1:
							if data[bmpOffset]&(byte(1)<<(7-i)) != 0 {
								pixel = 1
							}
						case 4:
							pixel = (data[bmpOffset] >> ((1 - i) * 4)) & 0x0F
						case 8:
							pixel = data[bmpOffset]
						}

						if uint32(pixel) > paletteColors {
							pixel = 0
						}

						palette := data[uint64(headerSize)+uint64(pixel)*4:]

						img.Pix[imageOffset+0] = palette[2] // R
						img.Pix[imageOffset+1] = palette[1] // G
						img.Pix[imageOffset+2] = palette[0] // B

						if palette[3] != 0 {
							img.Pix[imageOffset+3] = palette[3] // A
						} else {
							img.Pix[imageOffset+3] = 0xFF
						}
					} else {
						pixel := data[bmpOffset:]

						img.Pix[imageOffset+0] = pixel[2] // R
						img.Pix[imageOffset+1] = pixel[1] // G
						img.Pix[imageOffset+2] = pixel[0] // B

						if bpp == 24 {
							img.Pix[imageOffset+3] = 0xFF
						} else {
							img.Pix[imageOffset+3] = pixel[3] // A
						}
					}
				}

				imageOffset += 4
			}
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return out.Bytes(), nil
}
