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
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drimit/shield/internal/imageproc"
	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/watermark"
)

func testImage(t *testing.T) *imageproc.Image {
	t.Helper()
	rgb := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			rgb.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	return &imageproc.Image{RGB: rgb}
}

type fakeClient struct {
	captionErr error
	fluxErr    error
	txt2imgErr error
	sdxlErr    error
	caption    SemanticResult
	flux       AttackResult
	txt2img    AttackResult
	sdxl       AttackResult

	txt2imgParams Txt2ImgParams
}

func (f *fakeClient) Caption(ctx context.Context, imagePNG []byte) (SemanticResult, error) {
	return f.caption, f.captionErr
}

func (f *fakeClient) FluxAttack(ctx context.Context, imagePNG []byte, params AttackParams) (AttackResult, error) {
	return f.flux, f.fluxErr
}

func (f *fakeClient) Txt2Img(ctx context.Context, params Txt2ImgParams) (AttackResult, error) {
	f.txt2imgParams = params
	return f.txt2img, f.txt2imgErr
}

func (f *fakeClient) SDXLAttack(ctx context.Context, imagePNG []byte, params AttackParams) (AttackResult, error) {
	return f.sdxl, f.sdxlErr
}

func TestRunHappyPathPopulatesReport(t *testing.T) {
	client := &fakeClient{
		caption: SemanticResult{Caption: "a painting of a fox", Tags: []string{"fox", "painting"}, PerceivedQuality: true},
		flux:    AttackResult{Image: []byte("flux-bytes"), Success: true},
		txt2img: AttackResult{Image: []byte("txt2img-bytes"), Success: true},
		sdxl:    AttackResult{Image: []byte("sdxl-bytes"), Success: true},
	}
	h := New(client, nil, metrics.New())

	result := h.Run(t.Context(), testImage(t), "")

	require.Equal(t, "a painting of a fox", result.Report.SemanticAudit.Caption)
	require.Equal(t, "moondream2", result.Report.SemanticAudit.ReconstructionModel)
	require.True(t, result.Report.PixelAudit.PerceivedQuality)
	require.Equal(t, "a painting of a fox", result.Report.PixelAudit.AttackPrompt)
	require.Equal(t, 0.6, result.Report.PixelAudit.AttackStrength)
	require.Equal(t, 0.0, result.Report.PixelAudit.AttackGuidance)
	require.Equal(t, "flux-schnell", result.Report.PixelAudit.PrimaryModel)
	require.Equal(t, "sdxl-turbo", result.Report.PixelAudit.SecondaryModel)
	require.True(t, result.Report.PixelAudit.FluxSuccess)
	require.True(t, result.Report.PixelAudit.SDXLSuccess)
	require.Equal(t, []byte("flux-bytes"), result.PrimaryImage)
	require.Equal(t, []byte("sdxl-bytes"), result.SecondaryImage)
	require.Equal(t, []byte("txt2img-bytes"), result.SemanticImage)

	require.Equal(t, "a painting of a fox", client.txt2imgParams.Prompt)
	require.Equal(t, 64, client.txt2imgParams.Width)
	require.Equal(t, 64, client.txt2imgParams.Height)
	require.Equal(t, 256, client.txt2imgParams.MaxSequenceLength)
}

func TestRunTxt2ImgFailureLeavesSemanticImageNil(t *testing.T) {
	client := &fakeClient{
		caption:    SemanticResult{Caption: "a painting of a fox"},
		flux:       AttackResult{Image: []byte("flux-bytes"), Success: true},
		txt2imgErr: errors.New("txt2img unavailable"),
		sdxl:       AttackResult{Image: []byte("sdxl-bytes"), Success: true},
	}
	h := New(client, nil, metrics.New())

	result := h.Run(t.Context(), testImage(t), "")

	require.Nil(t, result.SemanticImage)
	require.Equal(t, []byte("flux-bytes"), result.PrimaryImage)
}

func TestRunSemanticFailureStillRunsPixelStages(t *testing.T) {
	client := &fakeClient{
		captionErr: errors.New("captioner unavailable"),
		flux:       AttackResult{Image: []byte("flux-bytes"), Success: false},
		sdxl:       AttackResult{Image: []byte("sdxl-bytes"), Success: true},
	}
	h := New(client, nil, metrics.New())

	result := h.Run(t.Context(), testImage(t), "")

	require.Empty(t, result.Report.SemanticAudit.Caption)
	require.Empty(t, result.Report.PixelAudit.AttackPrompt)
	require.False(t, result.Report.PixelAudit.FluxSuccess)
	require.True(t, result.Report.PixelAudit.SDXLSuccess)
	require.Equal(t, []byte("sdxl-bytes"), result.SecondaryImage)
}

func TestRunAllStagesFailingStillReturnsReport(t *testing.T) {
	client := &fakeClient{
		captionErr: errors.New("captioner down"),
		fluxErr:    errors.New("flux down"),
		sdxlErr:    errors.New("sdxl down"),
	}
	h := New(client, nil, metrics.New())

	result := h.Run(t.Context(), testImage(t), "")

	require.Empty(t, result.Report.SemanticAudit.Caption)
	require.Nil(t, result.PrimaryImage)
	require.Nil(t, result.SecondaryImage)
}

func TestRunChecksWatermarkWhenKeyProvided(t *testing.T) {
	img := testImage(t)
	embedded, err := watermark.Embed(img, "test-key", 0.1)
	require.NoError(t, err)

	client := &fakeClient{}
	h := New(client, nil, metrics.New())

	result := h.Run(t.Context(), embedded, "test-key")

	require.True(t, result.Report.WatermarkAudit.Detected)
	require.GreaterOrEqual(t, result.Report.WatermarkAudit.Score, watermark.DetectionThreshold)
}

func TestRunSkipsWatermarkCheckWhenKeyEmpty(t *testing.T) {
	client := &fakeClient{}
	h := New(client, nil, metrics.New())

	result := h.Run(t.Context(), testImage(t), "")

	require.False(t, result.Report.WatermarkAudit.Detected)
	require.Zero(t, result.Report.WatermarkAudit.Score)
}
