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

package engine

import (
	"context"
	"hash/fnv"
)

// fakeBackend is a deterministic, weight-free stand-in for GomlxBank. It
// projects a CHW tensor onto a small fixed random (but seeded) matrix to
// get an "embedding", and returns a fixed per-channel direction plus the
// exact perceptual-term gradient as its "gradient", so PGD invariants can
// be tested in microseconds without
// any model file on disk. It mirrors the shape of the build-tag stub
// backends in the embeddings package this engine is grounded on, except
// it stands in for test speed rather than a missing build tag.
type fakeBackend struct {
	dimCLIP, dimSigLIP int
	projCLIP           []float32 // [dimCLIP][3] flattened, applied per-pixel-mean
	projSigLIP         []float32
}

func newFakeBackend() *fakeBackend {
	const dc, ds = 8, 8
	b := &fakeBackend{dimCLIP: dc, dimSigLIP: ds}
	b.projCLIP = deterministicVector(dc*3, 1)
	b.projSigLIP = deterministicVector(ds*3, 2)
	return b
}

func deterministicVector(n int, seed uint32) []float32 {
	h := fnv.New32a()
	out := make([]float32, n)
	for i := range out {
		h.Write([]byte{byte(seed), byte(i), byte(i >> 8)})
		v := h.Sum32()
		out[i] = (float32(v%2000) - 1000) / 1000
	}
	return out
}

// meanChannels reduces a (3,H,W) tensor to its 3 channel means, the toy
// "feature" the fake projections operate on.
func meanChannels(chw []float32, width, height int) [3]float32 {
	plane := width * height
	var out [3]float32
	for c := 0; c < 3; c++ {
		var sum float32
		for _, v := range chw[c*plane : (c+1)*plane] {
			sum += v
		}
		out[c] = sum / float32(plane)
	}
	return out
}

func projectAndNormalize(mean [3]float32, proj []float32, dim int) []float32 {
	out := make([]float32, dim)
	var sumSq float32
	for d := 0; d < dim; d++ {
		var v float32
		for c := 0; c < 3; c++ {
			v += mean[c] * proj[d*3+c]
		}
		out[d] = v
		sumSq += v * v
	}
	if sumSq > 0 {
		inv := float32(1)
		for i := 0; i < 20; i++ {
			inv = inv * (1.5 - 0.5*sumSq*inv*inv)
		}
		for d := range out {
			out[d] *= inv
		}
	}
	return out
}

func (b *fakeBackend) EmbedImage(ctx context.Context, chw []float32, width, height int) (ImageEmbeddings, error) {
	mean := meanChannels(chw, width, height)
	return ImageEmbeddings{
		CLIP:   projectAndNormalize(mean, b.projCLIP, b.dimCLIP),
		SigLIP: projectAndNormalize(mean, b.projSigLIP, b.dimSigLIP),
	}, nil
}

func (b *fakeBackend) EmbedText(ctx context.Context, prompt string) (TextEmbeddings, error) {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	seed := h.Sum32()
	mean := [3]float32{
		float32(seed%997) / 997,
		float32((seed/997)%997) / 997,
		float32((seed/997/997)%997) / 997,
	}
	return TextEmbeddings{
		CLIP:   projectAndNormalize(mean, b.projCLIP, b.dimCLIP),
		SigLIP: projectAndNormalize(mean, b.projSigLIP, b.dimSigLIP),
	}, nil
}

// Step reports the toy repel/attract/perceptual losses and returns, for
// every pixel of channel c, a fixed per-channel value plus the exact
// gradient of the perceptual term. The per-channel value is not the
// derivative of the cosine terms; it is a deterministic direction,
// sufficient to exercise the PGD update/projection logic in
// internal/engine/perturb.go without any real autodiff graph.
func (b *fakeBackend) Step(ctx context.Context, in StepInput) (StepResult, error) {
	plane := in.Width * in.Height
	advMean := meanChannels(in.AdvCHW, in.Width, in.Height)

	advCLIP := projectAndNormalize(advMean, b.projCLIP, b.dimCLIP)
	advSigLIP := projectAndNormalize(advMean, b.projSigLIP, b.dimSigLIP)

	cosSelfCLIP := dot(advCLIP, in.SelfCLIP)
	cosSelfSigLIP := dot(advSigLIP, in.SelfSigLIP)
	cosTxtCLIP := dot(advCLIP, in.TargetCLIP)
	cosTxtSigLIP := dot(advSigLIP, in.TargetSigLIP)

	lossPixel := in.WeightPixel * float64(cosSelfCLIP+cosSelfSigLIP)
	lossConcept := in.WeightConcept * float64((1-cosTxtCLIP)+(1-cosTxtSigLIP))

	var lossPerc float64
	for i := range in.AdvCHW {
		d := float64(in.AdvCHW[i] - in.BaseCHW[i])
		lossPerc += d * d
	}
	lossPerc /= float64(len(in.AdvCHW))

	total := lossPixel + 10*lossConcept + in.WeightPerc*lossPerc

	// The per-channel term does not depend on the current image: it sums
	// projection rows 0 and dim/2 of each tower, weighted by WeightPixel
	// (CLIP rows) and -WeightConcept (SigLIP rows). Only percGrad below is
	// the exact derivative of lossPerc. This gives sign(grad) a fixed,
	// testable direction.
	grad := make([]float32, len(in.AdvCHW))
	gradPerChannel := [3]float32{}
	for c := 0; c < 3; c++ {
		g := float32(in.WeightPixel) * (b.projCLIP[c] + b.projCLIP[b.dimCLIP/2*3+c])
		g += float32(in.WeightConcept) * -(b.projSigLIP[c] + b.projSigLIP[b.dimSigLIP/2*3+c])
		gradPerChannel[c] = g
	}
	for i := range grad {
		c := i / plane
		percGrad := float32(2*in.WeightPerc) * (in.AdvCHW[i] - in.BaseCHW[i]) / float32(len(in.AdvCHW))
		grad[i] = gradPerChannel[c] + percGrad
	}

	return StepResult{
		GradCHW:     grad,
		LossPixel:   lossPixel,
		LossConcept: lossConcept,
		LossPerc:    lossPerc,
		LossTotal:   total,
	}, nil
}

func (b *fakeBackend) Close() error { return nil }

func dot(a, b2 []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b2[i]
	}
	return s
}
