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
	"image"
	"image/color"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/drimit/shield/internal/imageproc"
	"github.com/drimit/shield/internal/models"
	"github.com/drimit/shield/internal/shielderr"
)

// workResolution is the fixed square resolution the PGD loop operates at
// (spec.md §4.4); δ lives only at this resolution and is upscaled
// bicubically when finalizing.
const workResolution = 512

// State is the per-engine lifecycle described in spec.md §4.4's state
// machine: IDLE → LOADING → READY → RUNNING → DONE. LOADING happens once
// per container when the Backend is constructed, before any Engine
// exists; an Engine's own lifecycle only ever visits READY, RUNNING, and
// DONE.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateDone
)

// Engine drives one PGD attack to completion against a Backend. It is not
// safe for concurrent Run calls — RUNNING is single-step, non-reentrant
// within a container, matching the spec's concurrency model; horizontal
// scale lives at the dispatcher.
type Engine struct {
	backend Backend
	logger  *zap.Logger
	state   State
}

// New wraps an already-loaded Backend. Loading the backend itself (the
// LOADING state) is the caller's responsibility via Backend construction,
// since weight loading is a one-time, per-container event independent of
// any single job.
func New(backend Backend, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{backend: backend, logger: logger, state: StateReady}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Result is the outcome of one Run call.
type Result struct {
	Image   *imageproc.Image
	Metrics models.EngineMetrics
}

// Run executes the full PGD attack against img under cfg, returning a new
// image of identical pixel dimensions (I3). img is never mutated.
func (e *Engine) Run(ctx context.Context, img *imageproc.Image, cfg models.Configuration) (*Result, error) {
	e.state = StateRunning
	defer func() { e.state = StateDone }()

	start := time.Now()
	preset := ResolvePreset(cfg)

	bounds := img.RGB.Bounds()
	fullW, fullH := bounds.Dx(), bounds.Dy()

	workImg := imageproc.Resize(img.RGB, workResolution, workResolution)
	baseWork := imageproc.ToCHWFloat32(workImg)

	targets, err := BuildTargets(ctx, e.backend, baseWork, workResolution, workResolution)
	if err != nil {
		return nil, shielderr.New(shielderr.KindEngineLoadFailed, "target-builder", err)
	}

	delta := make([]float32, len(baseWork))
	eps := float32(preset.Epsilon)
	alpha := float32(preset.AlphaStep)

	var lastLoss float64
	stepsExecuted := 0

	for i := 0; i < preset.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, shielderr.New(shielderr.KindEngineFatal, "step-loop", err)
		}

		adv := clampAdv(baseWork, delta)

		in := StepInput{
			Width:        workResolution,
			Height:       workResolution,
			BaseCHW:      baseWork,
			AdvCHW:       adv,
			SelfCLIP:     targets.SelfCLIP,
			SelfSigLIP:   targets.SelfSigLIP,
			TargetCLIP:   targets.TargetCLIP,
			TargetSigLIP: targets.TargetSigLIP,
		}
		if cfg.ApplyPoison {
			in.WeightPixel = preset.WeightRepel
		}
		if cfg.ApplyConceptPoison {
			in.WeightConcept = preset.WeightAttract
		}
		in.WeightPerc = preset.WeightLPIPS

		res, err := e.backend.Step(ctx, in)
		if err != nil {
			// ENGINE_STEP_FAILED is recovered: log and continue, δ keeps
			// its last valid state (spec.md §4.4 failure semantics).
			e.logger.Warn("perturbation step failed, continuing with stale delta",
				zap.Int("step", i), zap.Error(err))
			continue
		}
		if !finite(res.LossTotal) {
			e.logger.Warn("non-finite loss, skipping update", zap.Int("step", i))
			continue
		}

		for j := range delta {
			sign := float32(0)
			switch {
			case res.GradCHW[j] > 0:
				sign = 1
			case res.GradCHW[j] < 0:
				sign = -1
			}
			delta[j] -= alpha * sign
			delta[j] = clampF(delta[j], -eps, eps)
			delta[j] = clampF(delta[j], -baseWork[j], 1-baseWork[j])
		}

		lastLoss = res.LossTotal
		stepsExecuted++
	}

	deltaFull := upscaleBicubic(delta, workResolution, workResolution, fullW, fullH)
	baseFull := imageproc.ToCHWFloat32(img.RGB)

	final := make([]float32, len(baseFull))
	for i := range final {
		v := baseFull[i] + deltaFull[i]
		final[i] = clampF(v, 0, 1)
	}

	out := &imageproc.Image{
		RGB:   imageproc.FromCHWFloat32(final, fullW, fullH),
		Alpha: img.Alpha,
	}

	return &Result{
		Image: out,
		Metrics: models.EngineMetrics{
			FinalLoss: lastLoss,
			Steps:     stepsExecuted,
			Epsilon:   preset.Epsilon,
			WallTime:  time.Since(start),
		},
	}, nil
}

func clampAdv(base, delta []float32) []float32 {
	out := make([]float32, len(base))
	for i := range base {
		out[i] = clampF(base[i]+delta[i], 0, 1)
	}
	return out
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return v == v && v < 1e300 && v > -1e300
}

// upscaleBicubic resizes a planar (3,srcH,srcW) float32 delta tensor to
// (3,dstH,dstW) without corner alignment, matching the finalization step
// in spec.md §4.4. It round-trips through a 16-bit image because
// golang.org/x/image/draw only operates on image.Image; deltas are
// small-magnitude so the added 16-bit quantization is negligible relative
// to the ε envelope already in force.
func upscaleBicubic(delta []float32, srcW, srcH, dstW, dstH int) []float32 {
	if srcW == dstW && srcH == dstH {
		out := make([]float32, len(delta))
		copy(out, delta)
		return out
	}

	channels := make([][]float32, 3)
	planeLen := srcW * srcH
	for c := 0; c < 3; c++ {
		channels[c] = delta[c*planeLen : (c+1)*planeLen]
	}

	out := make([]float32, 3*dstW*dstH)
	for c := 0; c < 3; c++ {
		srcImg := image.NewGray16(image.Rect(0, 0, srcW, srcH))
		for y := 0; y < srcH; y++ {
			for x := 0; x < srcW; x++ {
				// Map [-1,1] onto uint16 range for the resize step, then
				// back out below.
				v := channels[c][y*srcW+x]
				scaled := uint16(clampF((v+1)*0.5, 0, 1) * 65535)
				srcImg.SetGray16(x, y, color.Gray16{Y: scaled})
			}
		}
		dstImg := image.NewGray16(image.Rect(0, 0, dstW, dstH))
		xdraw.CatmullRom.Scale(dstImg, dstImg.Bounds(), srcImg, srcImg.Bounds(), xdraw.Over, nil)

		dstPlane := out[c*dstW*dstH : (c+1)*dstW*dstH]
		for y := 0; y < dstH; y++ {
			for x := 0; x < dstW; x++ {
				g := dstImg.Gray16At(x, y).Y
				dstPlane[y*dstW+x] = float32(g)/65535*2 - 1
			}
		}
	}
	return out
}

