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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaptureICCProfileNoProfileReturnsNil(t *testing.T) {
	data := encodeTestPNG(t, 4, 4, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	require.Nil(t, CaptureICCProfile(data))
}

func TestEncodePNGWithICCRoundTrip(t *testing.T) {
	img := &Image{RGB: image.NewNRGBA(image.Rect(0, 0, 4, 4))}
	profile := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF, 0x01}, 32)

	out, err := EncodePNGWithICC(img, profile)
	require.NoError(t, err)

	extracted := CaptureICCProfile(out)
	require.Equal(t, profile, extracted)
}

func TestEncodePNGWithICCEmptyProfileIsPassthrough(t *testing.T) {
	img := &Image{RGB: image.NewNRGBA(image.Rect(0, 0, 4, 4))}

	withEmpty, err := EncodePNGWithICC(img, nil)
	require.NoError(t, err)
	plain, err := EncodePNG(img)
	require.NoError(t, err)

	require.Equal(t, plain, withEmpty)
}

func TestEncodePNGWithICCStillDecodes(t *testing.T) {
	img := &Image{RGB: image.NewNRGBA(image.Rect(0, 0, 6, 6))}
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.RGB.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 5, A: 255})
		}
	}
	profile := []byte("fake-icc-profile-bytes")

	out, err := EncodePNGWithICC(img, profile)
	require.NoError(t, err)

	decoded, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, 6, decoded.RGB.Bounds().Dx())
}
