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

package watermark

import "gonum.org/v1/gonum/mat"

// BT.601 full-range luma coefficients (spec.md §4.5).
const (
	kr = 0.299
	kg = 0.587
	kb = 0.114
)

// RGBToY extracts the luminance plane of chw (RGB planar, [0,1] per
// channel) as an h x w matrix.
func RGBToY(chw []float32, width, height int) *mat.Dense {
	plane := width * height
	y := mat.NewDense(height, width, nil)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			idx := row*width + col
			r := float64(chw[0*plane+idx])
			g := float64(chw[1*plane+idx])
			b := float64(chw[2*plane+idx])
			y.Set(row, col, kr*r+kg*g+kb*b)
		}
	}
	return y
}

// ReplaceY shifts each pixel's RGB by the change in luminance between
// newY and chw's original Y plane, leaving chroma untouched — the codec
// only ever perturbs Y.
func ReplaceY(chw []float32, width, height int, newY *mat.Dense) []float32 {
	plane := width * height
	out := make([]float32, len(chw))
	copy(out, chw)

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			idx := row*width + col
			r := float64(chw[0*plane+idx])
			g := float64(chw[1*plane+idx])
			b := float64(chw[2*plane+idx])

			oldY := kr*r + kg*g + kb*b
			delta := newY.At(row, col) - oldY

			out[0*plane+idx] = float32(clamp01(r + delta))
			out[1*plane+idx] = float32(clamp01(g + delta))
			out[2*plane+idx] = float32(clamp01(b + delta))
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
