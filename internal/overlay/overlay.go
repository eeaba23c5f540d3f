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

// Package overlay renders the visible, tiled diagonal watermark text laid
// over a protected image before it is uploaded (spec.md §4.6). It is
// independent of the frequency-domain codec in internal/watermark — this
// mark is meant to be seen, not merely detected.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"

	"github.com/drimit/shield/internal/imageproc"
)

// Config controls the tiled diagonal watermark's appearance.
type Config struct {
	Text     string
	Opacity  uint8 // 0-255, applied to the text fill
	FontPath string // empty uses the bundled Go Regular face
}

const (
	// fontSizeRatio sizes the face relative to the image's width
	// (spec.md §4.6: "~5% of width").
	fontSizeRatio = 0.05
	minFontSize   = 20

	angleDegrees = 45

	// gap expresses the space between tiles as a multiple of the rotated
	// tile's own extent (spec.md §4.6: "gaps ~1.5x tile extent").
	gapMultiple = 1.5
)

// LoadFont loads a TTF/OTF face at the given point size. An empty path
// falls back to the Go Regular face bundled with golang.org/x/image, so
// the service never depends on a font being present on disk.
func LoadFont(path string, size float64) (font.Face, error) {
	var fontBytes []byte
	if path == "" {
		fontBytes = goregular.TTF
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading font %q: %w", path, err)
		}
		fontBytes = data
	}

	f, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size: size,
		DPI:  72,
	})
	if err != nil {
		return nil, fmt.Errorf("building font face: %w", err)
	}
	return face, nil
}

// Apply draws cfg.Text in a repeating 45-degree diagonal brick pattern
// across img and returns a new image with the mark composited in. The
// original alpha channel, if any, passes through untouched.
func Apply(img *imageproc.Image, cfg Config) (*imageproc.Image, error) {
	bounds := img.RGB.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	fontSize := float64(width) * fontSizeRatio
	if fontSize < minFontSize {
		fontSize = minFontSize
	}

	face, err := LoadFont(cfg.FontPath, fontSize)
	if err != nil {
		return nil, fmt.Errorf("loading watermark font: %w", err)
	}
	defer face.Close()

	tile := renderTile(face, cfg.Text, cfg.Opacity, fontSize)
	rotated := rotateTile(tile, angleDegrees)

	layer := image.NewRGBA(image.Rect(0, 0, width, height))
	tileBrickPattern(layer, rotated)

	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, img.RGB, bounds.Min, draw.Src)
	draw.Draw(out, bounds, layer, image.Point{}, draw.Over)

	return &imageproc.Image{RGB: out, Alpha: img.Alpha}, nil
}

// renderTile draws text plus a soft dark shadow onto a tightly-fitted
// transparent canvas (spec.md §4.6: "dark shadow offset ~5% of font
// size" behind the main text for legibility on any background).
func renderTile(face font.Face, text string, opacity uint8, fontSize float64) *image.RGBA {
	textWidth := font.MeasureString(face, text).Ceil()
	metrics := face.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	shadowOffset := int(fontSize * 0.05)
	if shadowOffset < 1 {
		shadowOffset = 1
	}

	pad := shadowOffset + 4
	w := textWidth + pad*2
	h := textHeight + pad*2

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	baselineY := pad + metrics.Ascent.Ceil()

	shadow := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.RGBA{R: 0, G: 0, B: 0, A: uint8(int(opacity) * 3 / 4)}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(pad + shadowOffset),
			Y: fixed.I(baselineY + shadowOffset),
		},
	}
	shadow.DrawString(text)

	main := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: opacity}),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(pad),
			Y: fixed.I(baselineY),
		},
	}
	main.DrawString(text)

	return canvas
}

// rotateTile rotates src by degrees around its center into a square
// canvas large enough to hold the rotated corners without clipping,
// using an affine transform the way golang.org/x/image/draw's
// Transformer implementations expect (src-to-dst matrix).
func rotateTile(src *image.RGBA, degrees float64) *image.RGBA {
	sb := src.Bounds()
	sw, sh := float64(sb.Dx()), float64(sb.Dy())

	diag := math.Sqrt(sw*sw + sh*sh)
	size := int(math.Ceil(diag))

	theta := degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)

	// Rotate about the source center, then translate so the result is
	// centered in the (size,size) destination canvas.
	srcCx, srcCy := sw/2, sh/2
	dstCx, dstCy := float64(size)/2, float64(size)/2

	m := f64.Aff3{
		cos, -sin, dstCx - cos*srcCx + sin*srcCy,
		sin, cos, dstCy - sin*srcCx - cos*srcCy,
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Transform(dst, m, src, sb, draw.Over, nil)
	return dst
}

// tileBrickPattern paints rotated across layer in a staggered brick
// pattern: every other row is offset by half a tile's width, matching
// the "diagonal ascending mosaic" behavior of the original watermark
// service (spec.md §4.6).
func tileBrickPattern(layer *image.RGBA, rotated *image.RGBA) {
	bounds := layer.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	tw, th := rotated.Bounds().Dx(), rotated.Bounds().Dy()
	gapX := int(float64(tw) * gapMultiple)
	gapY := int(float64(th) * gapMultiple)

	strideY := th + gapY
	strideX := tw + gapX
	if strideY <= 0 || strideX <= 0 {
		return
	}

	row := 0
	for y := -th; y < height+th; y += strideY {
		offsetX := 0
		if row%2 == 1 {
			offsetX = tw / 2
		}
		for x := -tw - offsetX; x < width+tw; x += strideX {
			dstRect := image.Rect(x, y, x+tw, y+th)
			draw.Draw(layer, dstRect, rotated, image.Point{}, draw.Over)
		}
		row++
	}
}
