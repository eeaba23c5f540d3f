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

// Package imageproc decodes, resizes, and converts images to and from the
// planar float32 tensors the encoder bank and perturbation engine operate
// on. Alpha is split out before any tensor work and reattached before
// encoding, so protection never touches transparency.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image is a decoded RGB image plus its original alpha channel, carried
// separately so the protection pipeline never perturbs transparency.
type Image struct {
	RGB   *image.NRGBA
	Alpha *image.Alpha // nil if the source had no alpha channel
}

// Decode reads any image format registered via the blank imports above
// (PNG, JPEG, GIF, WebP, BMP, TIFF) and splits out its alpha channel.
func Decode(data []byte) (*Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	b := src.Bounds()
	rgb := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgb, rgb.Bounds(), src, b.Min, draw.Src)

	var alpha *image.Alpha
	if hasAlpha(src) {
		alpha = image.NewAlpha(rgb.Bounds())
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				_, _, _, a := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				alpha.SetAlpha(x, y, color.Alpha{A: uint8(a >> 8)})
			}
		}
	}

	return &Image{RGB: rgb, Alpha: alpha}, nil
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				_, _, _, a := img.At(x, y).RGBA()
				if a != 0xffff {
					return true
				}
			}
		}
	}
	return false
}

// EncodePNG re-attaches alpha (if present) and encodes to PNG, the only
// output format the pipeline emits — matching the original service, which
// always returns PNG regardless of input format.
func EncodePNG(img *Image) ([]byte, error) {
	out := rejoin(img)
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

func rejoin(img *Image) image.Image {
	if img.Alpha == nil {
		return img.RGB
	}
	b := img.RGB.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.RGB.At(x, y).RGBA()
			a := img.Alpha.AlphaAt(x, y).A
			out.SetNRGBA(x, y, color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: a})
		}
	}
	return out
}

// Resize scales src to exactly width x height using bilinear interpolation,
// matching the quality level the teacher pack's image helpers use for
// preprocessing rather than the nearest-neighbor the embedder reference
// code uses, since perceptual fidelity matters here.
func Resize(src *image.NRGBA, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// CapResolution downsizes img so its longest edge is at most maxEdge,
// preserving aspect ratio. Images already within bounds are untouched.
func CapResolution(img *Image, maxEdge int) *Image {
	b := img.RGB.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge {
		return img
	}

	scale := float64(maxEdge) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)

	out := &Image{RGB: Resize(img.RGB, nw, nh)}
	if img.Alpha != nil {
		resizedAlpha := image.NewAlpha(image.Rect(0, 0, nw, nh))
		xdraw.NearestNeighbor.Scale(resizedAlpha, resizedAlpha.Bounds(), img.Alpha, img.Alpha.Bounds(), xdraw.Over, nil)
		out.Alpha = resizedAlpha
	}
	return out
}

// ToCHWFloat32 converts src to a planar (C,H,W) float32 tensor scaled to
// [0,1], the layout the encoder bank and perturbation engine share.
func ToCHWFloat32(src *image.NRGBA) []float32 {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	stride := src.Stride
	for y := 0; y < h; y++ {
		row := src.Pix[y*stride : y*stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			idx := y*w + x
			out[0*w*h+idx] = float32(px[0]) / 255.0
			out[1*w*h+idx] = float32(px[1]) / 255.0
			out[2*w*h+idx] = float32(px[2]) / 255.0
		}
	}
	return out
}

// FromCHWFloat32 is the inverse of ToCHWFloat32, clamping to [0,1] before
// scaling back to 8-bit channels.
func FromCHWFloat32(data []float32, width, height int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			r := clamp01(data[0*width*height+idx])
			g := clamp01(data[1*width*height+idx])
			bch := clamp01(data[2*width*height+idx])
			out.SetNRGBA(x, y, color.NRGBA{
				R: uint8(r * 255), G: uint8(g * 255), B: uint8(bch * 255), A: 255,
			})
		}
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
