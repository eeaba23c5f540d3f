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

// Package encoders implements the frozen multi-encoder bank: CLIP ViT-L/14
// and SigLIP SO400M/14-384 vision/text towers plus an AlexNet-backed LPIPS
// perceptual distance, all loaded from ONNX exports via onnx-gomlx and
// executed as pure-Go differentiable gomlx graphs so the adversarial
// perturbation engine can get gradients without CGO or a GPU runtime.
package encoders

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/drimit/shield/internal/imageproc"
)

// CLIPImageSize and SigLIPImageSize are the fixed square input resolutions
// each vision tower expects (spec.md §4.1).
const (
	CLIPImageSize   = 224
	SigLIPImageSize = 384
)

// CLIPMean and CLIPStd are the fixed CLIP normalization constants
// (spec.md §3), grounded on the teacher's embeddings/clip.go.
var (
	CLIPMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	CLIPStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// resizeCHW resizes a (3,H,W) float32 tensor in [0,1] to size x size using
// bilinear interpolation with no corner alignment, then applies
// normalization via normalize.
func resizeCHW(chw []float32, width, height, size int, normalize func(r, g, b float32) (float32, float32, float32)) []float32 {
	img := imageproc.FromCHWFloat32(chw, width, height)
	resized := image.NewNRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	out := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			rf, gf, bf := normalize(float32(r>>8)/255, float32(g>>8)/255, float32(b>>8)/255)
			idx := y*size + x
			out[0*plane+idx] = rf
			out[1*plane+idx] = gf
			out[2*plane+idx] = bf
		}
	}
	return out
}

// PreprocessCLIP resizes to 224x224 and applies CLIP mean/std
// normalization.
func PreprocessCLIP(chw []float32, width, height int) []float32 {
	return resizeCHW(chw, width, height, CLIPImageSize, func(r, g, b float32) (float32, float32, float32) {
		return (r - CLIPMean[0]) / CLIPStd[0], (g - CLIPMean[1]) / CLIPStd[1], (b - CLIPMean[2]) / CLIPStd[2]
	})
}

// PreprocessSigLIP resizes to 384x384 and rescales channels to [-1,1],
// SigLIP's documented preprocessing (spec.md §3: "normalize to [-1,1]").
func PreprocessSigLIP(chw []float32, width, height int) []float32 {
	return resizeCHW(chw, width, height, SigLIPImageSize, func(r, g, b float32) (float32, float32, float32) {
		return r*2 - 1, g*2 - 1, b*2 - 1
	})
}

// ToLPIPSDomain rescales a (3,H,W) tensor in [0,1] to [-1,1], the domain
// LPIPS expects (spec.md §4.3).
func ToLPIPSDomain(chw []float32) []float32 {
	out := make([]float32, len(chw))
	for i, v := range chw {
		out[i] = v*2 - 1
	}
	return out
}
