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
	"fmt"
	"math"
)

// Targets bundles the four unit vectors the loss composition compares
// against. All four are computed once per job and never receive
// gradients.
type Targets struct {
	SelfCLIP     []float32
	SelfSigLIP   []float32
	TargetCLIP   []float32
	TargetSigLIP []float32
}

// BuildTargets runs the self-embedding and decoy-text passes described in
// spec.md §4.2. The decoy prompt embeddings are averaged and renormalized
// after averaging, since the mean of unit vectors is not itself unit
// length.
func BuildTargets(ctx context.Context, backend Backend, baseWorkCHW []float32, width, height int) (Targets, error) {
	selfEmb, err := backend.EmbedImage(ctx, baseWorkCHW, width, height)
	if err != nil {
		return Targets{}, fmt.Errorf("embedding base image: %w", err)
	}

	var sumCLIP, sumSigLIP []float32
	for _, prompt := range DecoyPrompts() {
		te, err := backend.EmbedText(ctx, prompt)
		if err != nil {
			return Targets{}, fmt.Errorf("embedding decoy prompt %q: %w", prompt, err)
		}
		sumCLIP = accumulate(sumCLIP, te.CLIP)
		sumSigLIP = accumulate(sumSigLIP, te.SigLIP)
	}

	return Targets{
		SelfCLIP:     selfEmb.CLIP,
		SelfSigLIP:   selfEmb.SigLIP,
		TargetCLIP:   normalizeL2(sumCLIP),
		TargetSigLIP: normalizeL2(sumSigLIP),
	}, nil
}

func accumulate(sum, v []float32) []float32 {
	if sum == nil {
		sum = make([]float32, len(v))
	}
	for i, x := range v {
		sum[i] += x
	}
	return sum
}

func normalizeL2(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}
