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

import (
	"crypto/sha256"
	"math/big"
	mathrand "math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/drimit/shield/internal/imageproc"
)

// DetectionThreshold is the minimum detect score (spec.md §4.5) a frame
// must reach before it is reported as carrying a given key's mark.
const DetectionThreshold = 2.0

// seedFromKey derives a uint64 PRNG seed from key: seed = int(SHA-256(key))
// mod 2^32, matching spec.md §4.5. A uint64 modulus of 2^32 keeps the
// value well inside math/rand/v2's seed range while staying faithful to
// the spec's 32-bit seed space.
func seedFromKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	n := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).Lsh(big.NewInt(1), 32)
	n.Mod(n, mod)
	return n.Uint64()
}

// chacha8SeedFrom expands a uint64 into the [32]byte key ChaCha8 needs,
// the same widening pattern the vault-vector-dpe plugin pack uses to turn
// a scalar seed into a stream-cipher key.
func chacha8SeedFrom(seed uint64) [32]byte {
	var key [32]byte
	for i := 0; i < 4; i++ {
		shift := uint(i) * 8
		b := byte(seed >> shift)
		key[i] = b
		key[i+4] = b ^ 0xA5
		key[i+8] = b ^ 0x3C
		key[i+16] = b ^ 0x5A
		key[i+24] = b ^ 0xC3
	}
	return key
}

// mask builds the h x w pseudo-random field in [-1,1] seeded by key, and
// the mid-band rectangle [h/8,h/2) x [w/8,w/2) that confines it
// (spec.md §4.5). Values outside the band are zero.
func mask(key string, h, w int) (*mat.Dense, *mat.Dense) {
	seed := chacha8SeedFrom(seedFromKey(key))
	rng := mathrand.New(mathrand.NewChaCha8(seed))

	m := mat.NewDense(h, w, nil)
	band := mat.NewDense(h, w, nil)

	rowLo, rowHi := h/8, h/2
	colLo, colHi := w/8, w/2

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := rng.Float64()*2 - 1
			m.Set(row, col, v)
			if row >= rowLo && row < rowHi && col >= colLo && col < colHi {
				band.Set(row, col, 1)
			}
		}
	}
	return m, band
}

// Embed adds a key-seeded spread-spectrum mark to img's luminance
// channel's mid-band DCT coefficients at strength alpha (spec.md §4.5).
func Embed(img *imageproc.Image, key string, alpha float64) (*imageproc.Image, error) {
	width, height := img.RGB.Bounds().Dx(), img.RGB.Bounds().Dy()
	chw := imageproc.ToCHWFloat32(img.RGB)

	y := RGBToY(chw, width, height)
	d := Forward2D(y)

	m, band := mask(key, height, width)

	var masked mat.Dense
	masked.MulElem(m, band)

	s := alpha * meanAbs(d)

	var scaled mat.Dense
	scaled.Scale(s, &masked)

	var dPrime mat.Dense
	dPrime.Add(d, &scaled)

	yPrime := Inverse2D(&dPrime)
	outCHW := ReplaceY(chw, width, height, yPrime)

	out := &imageproc.Image{
		RGB:   imageproc.FromCHWFloat32(outCHW, width, height),
		Alpha: img.Alpha,
	}
	return out, nil
}

// Detect computes the normalized correlation between img's mid-band DCT
// coefficients and key's mask, returning the detect score and whether it
// clears DetectionThreshold (spec.md §4.5).
func Detect(img *imageproc.Image, key string) (score float64, detected bool) {
	width, height := img.RGB.Bounds().Dx(), img.RGB.Bounds().Dy()
	chw := imageproc.ToCHWFloat32(img.RGB)

	y := RGBToY(chw, width, height)
	d := Forward2D(y)

	m, band := mask(key, height, width)

	var masked mat.Dense
	masked.MulElem(m, band)

	var num, den float64
	r, c := d.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			mv := masked.At(i, j)
			num += d.At(i, j) * mv
			den += absF(mv)
		}
	}
	if den == 0 {
		return 0, false
	}
	score = num / den * 100
	return score, score >= DetectionThreshold
}

func meanAbs(m *mat.Dense) float64 {
	r, c := m.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sum += absF(m.At(i, j))
		}
	}
	return sum / float64(r*c)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
