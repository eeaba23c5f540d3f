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

package encoders

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/graph"
	gomlxctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/onnx-gomlx/onnx"
	"go.uber.org/zap"

	"github.com/drimit/shield/internal/engine"
)

// GomlxBank loads CLIP, SigLIP, and LPIPS as ONNX exports into pure-Go
// gomlx computation graphs via onnx-gomlx. Because gomlx graphs are
// differentiable, the perturbation engine can backpropagate through these
// frozen models to get a gradient with respect to the adversarial image
// without CGO or an ONNX Runtime dependency — the same reason the teacher
// pack carries gomlx and onnx-gomlx in its own dependency set.
//
// Each call builds a fresh gomlx executable for the graph it runs and
// finalizes it before returning; compiled executables are not cached or
// reused between calls.
type GomlxBank struct {
	logger *zap.Logger

	mu sync.Mutex

	clipVisual   *onnx.Model
	clipText     *onnx.Model
	siglipVisual *onnx.Model
	siglipText   *onnx.Model
	lpips        *onnx.Model

	ctx *gomlxctx.Context

	clipTokenizer   *CLIPTokenizer
	siglipTokenizer *SigLIPTokenizer
}

// BankPaths locates the on-disk ONNX bundle for each sub-model.
type BankPaths struct {
	CLIPDir   string // visual_model.onnx, text_model.onnx, tokenizer.json
	SigLIPDir string
	LPIPSDir  string // lpips_alexnet.onnx
}

// NewGomlxBank loads every frozen model eagerly — the LOADING state in
// spec.md §4.4's engine state machine — so that the first job never pays
// a cold-start cost mid-request.
func NewGomlxBank(paths BankPaths, logger *zap.Logger) (*GomlxBank, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &GomlxBank{logger: logger, ctx: gomlxctx.New()}

	var err error
	if b.clipVisual, err = loadONNX(paths.CLIPDir, "visual_model.onnx"); err != nil {
		return nil, fmt.Errorf("loading clip visual model: %w", err)
	}
	if b.clipText, err = loadONNX(paths.CLIPDir, "text_model.onnx"); err != nil {
		return nil, fmt.Errorf("loading clip text model: %w", err)
	}
	if b.siglipVisual, err = loadONNX(paths.SigLIPDir, "visual_model.onnx"); err != nil {
		return nil, fmt.Errorf("loading siglip visual model: %w", err)
	}
	if b.siglipText, err = loadONNX(paths.SigLIPDir, "text_model.onnx"); err != nil {
		return nil, fmt.Errorf("loading siglip text model: %w", err)
	}
	if b.lpips, err = loadONNX(paths.LPIPSDir, "lpips_alexnet.onnx"); err != nil {
		return nil, fmt.Errorf("loading lpips model: %w", err)
	}

	for _, m := range []*onnx.Model{b.clipVisual, b.clipText, b.siglipVisual, b.siglipText, b.lpips} {
		if err := m.VariablesToContext(b.ctx); err != nil {
			return nil, fmt.Errorf("loading model weights into context: %w", err)
		}
	}
	// Parameters are loaded read-only; Step never trains them (invariant I2).
	b.ctx = b.ctx.Checked(false)

	if b.clipTokenizer, err = LoadCLIPTokenizer(paths.CLIPDir); err != nil {
		return nil, fmt.Errorf("loading clip tokenizer: %w", err)
	}
	if b.siglipTokenizer, err = LoadSigLIPTokenizer(paths.SigLIPDir); err != nil {
		return nil, fmt.Errorf("loading siglip tokenizer: %w", err)
	}

	logger.Info("encoder bank loaded",
		zap.String("clip_dir", paths.CLIPDir),
		zap.String("siglip_dir", paths.SigLIPDir),
		zap.String("lpips_dir", paths.LPIPSDir))

	return b, nil
}

func loadONNX(dir, file string) (*onnx.Model, error) {
	path := filepath.Join(dir, file)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file not found: %s", path)
	}
	return onnx.ReadFile(path)
}

// EmbedImage runs the CLIP and SigLIP vision towers over chw and returns
// their L2-normalized pooled embeddings.
func (b *GomlxBank) EmbedImage(ctx context.Context, chw []float32, width, height int) (engine.ImageEmbeddings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clipPixels := PreprocessCLIP(chw, width, height)
	siglipPixels := PreprocessSigLIP(chw, width, height)

	clipOut, err := b.runVisionTower(b.clipVisual, clipPixels, CLIPImageSize)
	if err != nil {
		return engine.ImageEmbeddings{}, fmt.Errorf("clip vision tower: %w", err)
	}
	siglipOut, err := b.runVisionTower(b.siglipVisual, siglipPixels, SigLIPImageSize)
	if err != nil {
		return engine.ImageEmbeddings{}, fmt.Errorf("siglip vision tower: %w", err)
	}

	return engine.ImageEmbeddings{
		CLIP:   l2Normalize(clipOut),
		SigLIP: l2Normalize(siglipOut),
	}, nil
}

func (b *GomlxBank) runVisionTower(model *onnx.Model, pixels []float32, size int) ([]float32, error) {
	input := tensors.FromFlatDataAndDimensions(pixels, 1, 3, size, size)

	exec := graph.NewExec(b.ctx.Backend(), func(g *graph.Graph, pixelValues *graph.Node) *graph.Node {
		outputs := model.CallGraph(b.ctx, g, map[string]*graph.Node{"pixel_values": pixelValues})
		return outputs["pooler_output"]
	})
	defer exec.Finalize()

	out := exec.Call(input)[0]
	return out.Value().([]float32), nil
}

// EmbedText runs the CLIP and SigLIP text towers over prompt.
func (b *GomlxBank) EmbedText(ctx context.Context, prompt string) (engine.TextEmbeddings, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clipIDs, clipMask := b.clipTokenizer.Encode(prompt)
	siglipIDs, _ := b.siglipTokenizer.Encode(prompt)

	clipOut, err := b.runTextTower(b.clipText, clipIDs, clipMask)
	if err != nil {
		return engine.TextEmbeddings{}, fmt.Errorf("clip text tower: %w", err)
	}
	siglipOut, err := b.runTextTower(b.siglipText, siglipIDs, nil)
	if err != nil {
		return engine.TextEmbeddings{}, fmt.Errorf("siglip text tower: %w", err)
	}

	return engine.TextEmbeddings{
		CLIP:   l2Normalize(clipOut),
		SigLIP: l2Normalize(siglipOut),
	}, nil
}

func (b *GomlxBank) runTextTower(model *onnx.Model, ids []int, mask []int) ([]float32, error) {
	ids64 := make([]int64, len(ids))
	for i, v := range ids {
		ids64[i] = int64(v)
	}
	inputIDs := tensors.FromFlatDataAndDimensions(ids64, 1, len(ids))

	var out *tensors.Tensor
	if mask != nil {
		mask64 := make([]int64, len(mask))
		for i, v := range mask {
			mask64[i] = int64(v)
		}
		attentionMask := tensors.FromFlatDataAndDimensions(mask64, 1, len(mask))

		exec := graph.NewExec(b.ctx.Backend(), func(g *graph.Graph, inputIDsNode, attentionMaskNode *graph.Node) *graph.Node {
			outputs := model.CallGraph(b.ctx, g, map[string]*graph.Node{
				"input_ids":      inputIDsNode,
				"attention_mask": attentionMaskNode,
			})
			return outputs["pooler_output"]
		})
		defer exec.Finalize()
		out = exec.Call(inputIDs, attentionMask)[0]
	} else {
		exec := graph.NewExec(b.ctx.Backend(), func(g *graph.Graph, inputIDsNode *graph.Node) *graph.Node {
			outputs := model.CallGraph(b.ctx, g, map[string]*graph.Node{"input_ids": inputIDsNode})
			return outputs["pooler_output"]
		})
		defer exec.Finalize()
		out = exec.Call(inputIDs)[0]
	}

	return out.Value().([]float32), nil
}

// Step evaluates the composite adversarial loss at the current δ and
// returns its gradient with respect to the adversarial image, all inside
// a single traced gomlx graph so the three frozen towers (CLIP, SigLIP,
// LPIPS) and the cosine/perceptual loss terms backpropagate together in
// one pass. This is the one call per PGD iteration spec.md §4.4 demands.
func (b *GomlxBank) Step(ctx context.Context, in engine.StepInput) (engine.StepResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	adv := tensors.FromFlatDataAndDimensions(in.AdvCHW, 1, 3, in.Height, in.Width)
	base := tensors.FromFlatDataAndDimensions(in.BaseCHW, 1, 3, in.Height, in.Width)
	selfCLIP := tensors.FromFlatDataAndDimensions(in.SelfCLIP, 1, len(in.SelfCLIP))
	selfSigLIP := tensors.FromFlatDataAndDimensions(in.SelfSigLIP, 1, len(in.SelfSigLIP))
	targetCLIP := tensors.FromFlatDataAndDimensions(in.TargetCLIP, 1, len(in.TargetCLIP))
	targetSigLIP := tensors.FromFlatDataAndDimensions(in.TargetSigLIP, 1, len(in.TargetSigLIP))

	weightPixel := in.WeightPixel
	weightConcept := in.WeightConcept
	weightPerc := in.WeightPerc

	exec := graph.NewExec(b.ctx.Backend(), func(g *graph.Graph,
		advNode, baseNode, selfCLIPNode, selfSigLIPNode, targetCLIPNode, targetSigLIPNode *graph.Node) []*graph.Node {

		clipPixels := resizeForTowerGraph(g, advNode, CLIPImageSize)
		siglipPixels := resizeForTowerGraph(g, advNode, SigLIPImageSize)

		eClip := graph.L2Normalize(b.clipVisual.CallGraph(b.ctx, g, map[string]*graph.Node{"pixel_values": clipPixels})["pooler_output"], -1)
		eSiglip := graph.L2Normalize(b.siglipVisual.CallGraph(b.ctx, g, map[string]*graph.Node{"pixel_values": siglipPixels})["pooler_output"], -1)

		cosSelfCLIP := graph.ReduceAllSum(graph.Mul(eClip, selfCLIPNode))
		cosSelfSigLIP := graph.ReduceAllSum(graph.Mul(eSiglip, selfSigLIPNode))
		cosTxtCLIP := graph.ReduceAllSum(graph.Mul(eClip, targetCLIPNode))
		cosTxtSigLIP := graph.ReduceAllSum(graph.Mul(eSiglip, targetSigLIPNode))

		lossPixel := graph.MulScalar(graph.Add(cosSelfCLIP, cosSelfSigLIP), weightPixel)

		one := graph.OnePlus(graph.Neg(cosTxtCLIP)) // 1 - cos
		oneS := graph.OnePlus(graph.Neg(cosTxtSigLIP))
		lossConcept := graph.MulScalar(graph.Add(one, oneS), weightConcept)

		advLPIPS := graph.MulScalar(advNode, 2.0)
		advLPIPS = graph.AddScalar(advLPIPS, -1.0)
		baseLPIPS := graph.MulScalar(baseNode, 2.0)
		baseLPIPS = graph.AddScalar(baseLPIPS, -1.0)
		lossPerc := b.lpips.CallGraph(b.ctx, g, map[string]*graph.Node{
			"input_a": advLPIPS,
			"input_b": baseLPIPS,
		})["distance"]

		total := graph.Add(lossPixel, graph.MulScalar(lossConcept, 10.0))
		total = graph.Add(total, graph.MulScalar(lossPerc, weightPerc))

		grad := graph.Gradient(total, advNode)[0]

		return []*graph.Node{grad, total, lossPixel, lossConcept, lossPerc}
	})
	defer exec.Finalize()

	outputs := exec.Call(adv, base, selfCLIP, selfSigLIP, targetCLIP, targetSigLIP)

	return engine.StepResult{
		GradCHW:     outputs[0].Value().([]float32),
		LossTotal:   float64(outputs[1].Value().(float32)),
		LossPixel:   float64(outputs[2].Value().(float32)),
		LossConcept: float64(outputs[3].Value().(float32)),
		LossPerc:    float64(outputs[4].Value().(float32)),
	}, nil
}

// resizeForTowerGraph resizes a (1,3,H,W) node to (1,3,size,size) inside
// the traced graph, so the resize itself participates in autodiff — the
// gradient of the loss with respect to the full-resolution adversarial
// image must flow back through the resampling step, not just through the
// frozen tower.
func resizeForTowerGraph(g *graph.Graph, x *graph.Node, size int) *graph.Node {
	return graph.ImageResize(x, []int{size, size}, graph.ResizeBilinear, false)
}

// Close releases the gomlx context and its backend handles.
func (b *GomlxBank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx.Finalize()
	return nil
}

func l2Normalize(v []float32) []float32 {
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

