// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imageproc

import (
	"encoding/binary"
	"image"
)

// orientationTag is the EXIF IFD0 tag holding the capture orientation.
const orientationTag = 0x0112

// ReadEXIFOrientation scans a JPEG's APP1/Exif segment for the
// orientation tag. It returns 1 (no-op) when data isn't a JPEG, carries
// no Exif segment, or the tag is absent — every caller treats 1 as
// "already upright".
func ReadEXIFOrientation(data []byte) int {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 1
	}

	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 1
		}
		marker := data[pos+1]
		if marker == 0xD8 || marker == 0xD9 {
			pos += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		segStart := pos + 4
		segEnd := pos + 2 + segLen
		if segEnd > len(data) {
			return 1
		}

		if marker == 0xE1 && segEnd-segStart >= 6 && string(data[segStart:segStart+6]) == "Exif\x00\x00" {
			if orientation, ok := parseTIFFOrientation(data[segStart+6 : segEnd]); ok {
				return orientation
			}
			return 1
		}

		// Start-of-scan marks the end of metadata segments.
		if marker == 0xDA {
			return 1
		}
		pos = segEnd
	}
	return 1
}

func parseTIFFOrientation(tiff []byte) (int, bool) {
	if len(tiff) < 8 {
		return 0, false
	}

	var order binary.ByteOrder
	switch string(tiff[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, false
	}

	ifdOffset := order.Uint32(tiff[4:8])
	if int(ifdOffset)+2 > len(tiff) {
		return 0, false
	}

	entryCount := int(order.Uint16(tiff[ifdOffset : ifdOffset+2]))
	base := int(ifdOffset) + 2
	for i := 0; i < entryCount; i++ {
		entryOff := base + i*12
		if entryOff+12 > len(tiff) {
			break
		}
		tag := order.Uint16(tiff[entryOff : entryOff+2])
		if tag == orientationTag {
			value := order.Uint16(tiff[entryOff+8 : entryOff+10])
			if value >= 1 && value <= 8 {
				return int(value), true
			}
			return 1, true
		}
	}
	return 1, true
}

// ApplyOrientation transposes img so it displays upright, per the EXIF
// orientation values 1-8. Orientation 1 (or any unrecognized value) is a
// no-op and returns img unchanged.
func ApplyOrientation(img *Image, orientation int) *Image {
	switch orientation {
	case 2:
		return &Image{RGB: flipH(img.RGB), Alpha: flipHAlpha(img.Alpha)}
	case 3:
		return &Image{RGB: rotate180(img.RGB), Alpha: rotate180Alpha(img.Alpha)}
	case 4:
		return &Image{RGB: flipV(img.RGB), Alpha: flipVAlpha(img.Alpha)}
	case 5:
		return &Image{RGB: transpose(img.RGB), Alpha: transposeAlpha(img.Alpha)}
	case 6:
		return &Image{RGB: rotate90CW(img.RGB), Alpha: rotate90CWAlpha(img.Alpha)}
	case 7:
		return &Image{RGB: transverse(img.RGB), Alpha: transverseAlpha(img.Alpha)}
	case 8:
		return &Image{RGB: rotate270CW(img.RGB), Alpha: rotate270CWAlpha(img.Alpha)}
	default:
		return img
	}
}

func flipH(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flipV(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, h-1-y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate180(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, h-1-y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate90CW(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(h-1-y, x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate270CW(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(y, w-1-x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func transpose(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(y, x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func transverse(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(h-1-y, w-1-x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flipHAlpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(w-1-x, y, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func flipVAlpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(x, h-1-y, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate180Alpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(w-1-x, h-1-y, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate90CWAlpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(h-1-y, x, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate270CWAlpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(y, w-1-x, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func transposeAlpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(y, x, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func transverseAlpha(src *image.Alpha) *image.Alpha {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewAlpha(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetAlpha(h-1-y, w-1-x, src.AlphaAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
