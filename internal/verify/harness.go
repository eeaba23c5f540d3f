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

package verify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drimit/shield/internal/imageproc"
	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/models"
	"github.com/drimit/shield/internal/watermark"
)

const (
	stageSemantic = "V1_semantic"
	stageFlux     = "V2_flux"
	stageSDXL     = "V3_sdxl"

	primaryModel   = "flux-schnell"
	secondaryModel = "sdxl-turbo"

	attackStrength        = 0.6
	attackGuidance        = 0.0
	fluxSteps             = 4
	sdxlSteps             = 2
	fluxMaxSequenceLength = 256

	// stageTimeout bounds each verifier stage independently; exceeding it
	// is a recovered per-stage failure, never a fatal engine error
	// (spec.md §5, §7).
	stageTimeout = 10 * time.Minute
)

// Result bundles the report the orchestrator persists with the raw
// attack images it still needs to upload. SemanticImage is the stage V2
// txt2img reconstruction (prompt-only, no input image), distinct from
// PrimaryImage which is the img2img mimicry attempt.
type Result struct {
	Report         models.VerificationReport
	PrimaryImage   []byte
	SecondaryImage []byte
	SemanticImage  []byte
}

// Harness runs the three-stage verification pipeline against a single
// protected image: a captioner audits it semantically, then two
// diffusion backbones attempt img2img mimicry using that caption as the
// attack prompt. Every stage is independently recoverable — the harness
// never returns an error itself; failures surface as zero-valued report
// fields plus a stage-failure metric increment.
//
// The three stages run strictly sequentially within one goroutine. That
// already matches the GPU-memory constraint the attack-model container
// operates under (one model resident at a time) — this process holds no
// GPU state itself, so no additional locking is needed here.
type Harness struct {
	client  AttackModelClient
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New builds a Harness.
func New(client AttackModelClient, logger *zap.Logger, m *metrics.Metrics) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{client: client, logger: logger, metrics: m}
}

// Run executes V1 -> V2 -> V3 against img, then checks the watermark
// embedded under watermarkKey (empty key skips that check).
func (h *Harness) Run(ctx context.Context, img *imageproc.Image, watermarkKey string) Result {
	report := models.VerificationReport{
		PixelAudit: models.PixelAudit{
			AttackStrength: attackStrength,
			AttackGuidance: attackGuidance,
			PrimaryModel:   primaryModel,
			SecondaryModel: secondaryModel,
		},
	}

	imagePNG, err := imageproc.EncodePNG(img)
	if err != nil {
		h.logger.Warn("verification harness could not encode source image", zap.Error(err))
		return Result{Report: report}
	}

	caption := h.runSemantic(ctx, imagePNG, &report)
	prompt := caption
	report.PixelAudit.AttackPrompt = prompt

	bounds := img.RGB.Bounds()

	result := Result{Report: report}
	result.PrimaryImage = h.runFlux(ctx, imagePNG, prompt, &result.Report)
	result.SemanticImage = h.runSemanticReconstruction(ctx, prompt, bounds.Dx(), bounds.Dy())
	result.SecondaryImage = h.runSDXL(ctx, imagePNG, prompt, &result.Report)

	if watermarkKey != "" {
		score, detected := watermark.Detect(img, watermarkKey)
		result.Report.WatermarkAudit = models.WatermarkAudit{Detected: detected, Score: score}
	}

	return result
}

func (h *Harness) runSemantic(ctx context.Context, imagePNG []byte, report *models.VerificationReport) string {
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	sem, err := h.client.Caption(stageCtx, imagePNG)
	if err != nil {
		h.recordStageFailure(stageSemantic, err)
		return ""
	}

	report.SemanticAudit = models.SemanticAudit{
		Caption:             sem.Caption,
		Tags:                sem.Tags,
		ReconstructionModel: "moondream2",
	}
	report.PixelAudit.PerceivedQuality = sem.PerceivedQuality
	return sem.Caption
}

func (h *Harness) runFlux(ctx context.Context, imagePNG []byte, prompt string, report *models.VerificationReport) []byte {
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	res, err := h.client.FluxAttack(stageCtx, imagePNG, AttackParams{
		Prompt:   prompt,
		Strength: attackStrength,
		Steps:    fluxSteps,
		Guidance: attackGuidance,
	})
	if err != nil {
		h.recordStageFailure(stageFlux, err)
		return nil
	}

	report.PixelAudit.FluxSuccess = res.Success
	return res.Image
}

// runSemanticReconstruction is the second half of stage V2: a txt2img
// run at the same resolution and caption, with no input image, so the
// report can show what the caption alone reconstructs.
func (h *Harness) runSemanticReconstruction(ctx context.Context, prompt string, width, height int) []byte {
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	res, err := h.client.Txt2Img(stageCtx, Txt2ImgParams{
		Prompt:            prompt,
		Width:             width,
		Height:            height,
		Steps:             fluxSteps,
		Guidance:          attackGuidance,
		MaxSequenceLength: fluxMaxSequenceLength,
	})
	if err != nil {
		h.recordStageFailure(stageFlux, err)
		return nil
	}
	return res.Image
}

func (h *Harness) runSDXL(ctx context.Context, imagePNG []byte, prompt string, report *models.VerificationReport) []byte {
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	res, err := h.client.SDXLAttack(stageCtx, imagePNG, AttackParams{
		Prompt:   prompt,
		Strength: attackStrength,
		Steps:    sdxlSteps,
		Guidance: attackGuidance,
	})
	if err != nil {
		h.recordStageFailure(stageSDXL, err)
		return nil
	}

	report.PixelAudit.SDXLSuccess = res.Success
	return res.Image
}

func (h *Harness) recordStageFailure(stage string, err error) {
	h.logger.Warn("verifier stage failed, continuing without it", zap.String("stage", stage), zap.Error(err))
	if h.metrics != nil {
		h.metrics.VerifierStageFailuresTotal.WithLabelValues(stage).Inc()
	}
}
