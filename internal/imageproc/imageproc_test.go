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
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeTestPNG(t *testing.T, w, h int, fill color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeOpaque(t *testing.T) {
	data := encodeTestPNG(t, 16, 16, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	img, err := Decode(data)
	require.NoError(t, err)
	require.Nil(t, img.Alpha, "fully opaque source should not carry an alpha plane")
	require.Equal(t, 16, img.RGB.Bounds().Dx())
}

func TestDecodeTransparentRoundTrip(t *testing.T) {
	data := encodeTestPNG(t, 8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	img, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, img.Alpha)
	require.Equal(t, uint8(128), img.Alpha.AlphaAt(0, 0).A)

	out, err := EncodePNG(img)
	require.NoError(t, err)

	round, err := Decode(out)
	require.NoError(t, err)
	require.NotNil(t, round.Alpha)
	require.Equal(t, uint8(128), round.Alpha.AlphaAt(0, 0).A)
}

func TestTensorRoundTrip(t *testing.T) {
	data := encodeTestPNG(t, 4, 4, color.NRGBA{R: 100, G: 150, B: 200, A: 255})
	img, err := Decode(data)
	require.NoError(t, err)

	tensor := ToCHWFloat32(img.RGB)
	require.Len(t, tensor, 3*4*4)
	require.InDelta(t, 100.0/255.0, tensor[0], 1e-6)

	back := FromCHWFloat32(tensor, 4, 4)
	r, g, b, _ := back.At(0, 0).RGBA()
	require.InDelta(t, 100, r>>8, 1)
	require.InDelta(t, 150, g>>8, 1)
	require.InDelta(t, 200, b>>8, 1)
}

func TestCapResolutionNoop(t *testing.T) {
	data := encodeTestPNG(t, 10, 10, color.NRGBA{A: 255})
	img, _ := Decode(data)
	capped := CapResolution(img, 100)
	require.Equal(t, img, capped)
}

func TestCapResolutionDownsizes(t *testing.T) {
	data := encodeTestPNG(t, 400, 200, color.NRGBA{A: 255})
	img, _ := Decode(data)
	capped := CapResolution(img, 100)
	b := capped.RGB.Bounds()
	require.Equal(t, 100, b.Dx())
	require.Equal(t, 50, b.Dy())
}
