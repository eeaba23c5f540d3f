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
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildEXIFJPEG assembles a minimal JPEG byte stream carrying only an
// APP1/Exif segment with a single IFD0 Orientation entry, enough for
// ReadEXIFOrientation to exercise without a real JPEG codec.
func buildEXIFJPEG(t *testing.T, orientation uint16) []byte {
	t.Helper()

	var tiff bytes.Buffer
	tiff.WriteString("II")
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(42))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(8))

	_ = binary.Write(&tiff, binary.LittleEndian, uint16(1)) // one IFD entry
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(orientationTag))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(3)) // SHORT
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(1)) // count
	_ = binary.Write(&tiff, binary.LittleEndian, orientation)
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(0)) // padding to 4 bytes
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(0)) // next IFD offset

	var exifSeg bytes.Buffer
	exifSeg.WriteString("Exif\x00\x00")
	exifSeg.Write(tiff.Bytes())

	var app1 bytes.Buffer
	app1.WriteByte(0xFF)
	app1.WriteByte(0xE1)
	_ = binary.Write(&app1, binary.BigEndian, uint16(exifSeg.Len()+2))
	app1.Write(exifSeg.Bytes())

	var jpeg bytes.Buffer
	jpeg.Write([]byte{0xFF, 0xD8})
	jpeg.Write(app1.Bytes())
	jpeg.Write([]byte{0xFF, 0xDA, 0x00, 0x04, 0x00, 0x00})
	return jpeg.Bytes()
}

func TestReadEXIFOrientationFindsTag(t *testing.T) {
	data := buildEXIFJPEG(t, 6)
	require.Equal(t, 6, ReadEXIFOrientation(data))
}

func TestReadEXIFOrientationDefaultsToOneForNonJPEG(t *testing.T) {
	data := encodeTestPNG(t, 4, 4, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	require.Equal(t, 1, ReadEXIFOrientation(data))
}

func TestApplyOrientationNoOpForOne(t *testing.T) {
	img := &Image{RGB: image.NewNRGBA(image.Rect(0, 0, 3, 2))}
	require.Same(t, img, ApplyOrientation(img, 1))
}

func TestApplyOrientationRotate90CWSwapsDimensions(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img := &Image{RGB: src}

	out := ApplyOrientation(img, 6)
	require.Equal(t, 2, out.RGB.Bounds().Dx())
	require.Equal(t, 4, out.RGB.Bounds().Dy())

	r, _, _, _ := out.RGB.At(1, 0).RGBA()
	require.Equal(t, uint32(0xffff), r)
}

func TestApplyOrientationRotate180PreservesDimensions(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	src.SetNRGBA(0, 0, color.NRGBA{G: 255, A: 255})
	img := &Image{RGB: src}

	out := ApplyOrientation(img, 3)
	require.Equal(t, 4, out.RGB.Bounds().Dx())
	require.Equal(t, 3, out.RGB.Bounds().Dy())

	_, g, _, _ := out.RGB.At(3, 2).RGBA()
	require.Equal(t, uint32(0xffff), g)
}

func TestApplyOrientationFlipsAlphaToo(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	alpha := image.NewAlpha(image.Rect(0, 0, 2, 2))
	alpha.SetAlpha(0, 0, color.Alpha{A: 200})
	img := &Image{RGB: src, Alpha: alpha}

	out := ApplyOrientation(img, 2)
	require.Equal(t, uint8(200), out.Alpha.AlphaAt(1, 0).A)
}
