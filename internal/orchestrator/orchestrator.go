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

// Package orchestrator runs the full protection pipeline for a single
// job: download, decode, perturb, watermark, overlay, encode, upload,
// and optionally verify (spec.md §4.6). It is the one place that wires
// every other internal package together and owns the job-state
// transitions a caller polls through internal/api.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drimit/shield/internal/engine"
	"github.com/drimit/shield/internal/imageproc"
	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/models"
	"github.com/drimit/shield/internal/overlay"
	"github.com/drimit/shield/internal/shielderr"
	"github.com/drimit/shield/internal/storage"
	"github.com/drimit/shield/internal/verify"
	"github.com/drimit/shield/internal/watermark"
)

// defaultWatermarkAlpha is the spread-spectrum embed strength used when
// a request doesn't override Configuration.Alpha.
const defaultWatermarkAlpha = 0.15

// defaultOverlayOpacity is the visible watermark's fill alpha (0-255)
// when a request supplies no stronger preference of its own.
const defaultOverlayOpacity = 140

// Downloader fetches a job's source image bytes.
type Downloader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// StateStore is the subset of internal/jobstate.Store the orchestrator
// mutates as a job progresses.
type StateStore interface {
	Put(artworkID string, state models.JobState) error
	Get(artworkID string) (models.JobState, bool)
}

// Uploader is the subset of internal/storage.Client the orchestrator
// needs to publish artifacts.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string, isPreview bool) (string, error)
}

// Orchestrator ties together every pipeline stage for one job at a time;
// Run is safe to call concurrently across different jobs since all
// shared state (the backend, the state store) is itself concurrency-safe.
type Orchestrator struct {
	downloader Downloader
	backend    engine.Backend
	uploader   Uploader
	states     StateStore
	verifier   *verify.Harness
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New builds an Orchestrator. verifier may be nil — verification is
// skipped entirely (not merely reported as failed) when it is.
func New(downloader Downloader, backend engine.Backend, uploader Uploader, states StateStore, verifier *verify.Harness, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		downloader: downloader,
		backend:    backend,
		uploader:   uploader,
		states:     states,
		verifier:   verifier,
		logger:     logger,
		metrics:    m,
	}
}

// Run executes every stage for req, updating the job-state store between
// stages with a short human-readable message. It never returns an error
// to the caller — dispatch.Runner has no error channel, because every
// outcome (success, recoverable degradation, fatal failure) is reported
// through the job-state store instead, matching how a caller actually
// observes a job (by polling status, not by holding a function call
// open for up to 30 minutes).
func (o *Orchestrator) Run(ctx context.Context, jobID string, req models.ProtectionRequest) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.JobsInFlight.Inc()
		defer o.metrics.JobsInFlight.Dec()
	}

	o.putState(models.JobState{
		ArtworkID: req.ArtworkID,
		Status:    models.JobProcessing,
		Message:   "downloading source image",
		StartedAt: start,
	})

	result, err := o.RunSync(ctx, req)
	elapsed := time.Since(start)

	if o.metrics != nil {
		o.metrics.JobDuration.Observe(elapsed.Seconds())
	}

	if err != nil {
		se, _ := shielderr.As(err)
		o.logger.Error("protection job failed", zap.String("artwork_id", req.ArtworkID), zap.Error(err))
		if o.metrics != nil {
			o.metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		}
		o.putState(models.JobState{
			ArtworkID:   req.ArtworkID,
			Status:      models.JobFailed,
			Message:     "failed",
			Error:       errMessage(se, err),
			StartedAt:   start,
			CompletedAt: time.Now(),
		})
		return
	}

	if o.metrics != nil {
		o.metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
	}
	result.ProcessingTime = elapsed
	o.putState(models.JobState{
		ArtworkID:   req.ArtworkID,
		Status:      models.JobCompleted,
		Message:     "done",
		StartedAt:   start,
		CompletedAt: time.Now(),
		Result:      result,
	})
}

func errMessage(se *shielderr.ShieldError, err error) string {
	if se != nil {
		return se.Error()
	}
	return err.Error()
}

// RunSync executes the download-through-upload pipeline for req and
// returns its result directly, without touching the job-state store. Run
// wraps this for the polling-based dispatch path; cmd/shield's one-shot
// CLI commands call it directly since they have no job to poll.
func (o *Orchestrator) RunSync(ctx context.Context, req models.ProtectionRequest) (*models.ProtectionResult, error) {
	raw, err := o.downloader.Get(ctx, req.ImageURL)
	if err != nil {
		return nil, shielderr.New(shielderr.KindDownloadFailed, "fetch", err)
	}
	inputHash := sha256.Sum256(raw)

	img, err := imageproc.Decode(raw)
	if err != nil {
		return nil, shielderr.New(shielderr.KindDecodeFailed, "decode", err)
	}

	if orientation := imageproc.ReadEXIFOrientation(raw); orientation != 1 {
		img = imageproc.ApplyOrientation(img, orientation)
	}
	iccProfile := imageproc.CaptureICCProfile(raw)

	cfg := req.Config
	if cfg.MaxRes > 0 {
		img = imageproc.CapResolution(img, cfg.MaxRes)
	}

	applied := make([]string, 0, 3)

	if cfg.ApplyPoison || cfg.ApplyConceptPoison {
		o.setState(req.ArtworkID, "applying perturbation", models.JobProcessing)
		next, err := o.runEngine(ctx, img, cfg)
		if err != nil {
			se, _ := shielderr.As(err)
			if se != nil && se.Fatal() {
				return nil, err
			}
			o.logger.Warn("perturbation step failed, continuing unprotected by this stage", zap.Error(err))
		} else {
			img = next
			if cfg.ApplyConceptPoison {
				applied = append(applied, "concept_poison")
			} else {
				applied = append(applied, "poison")
			}
		}
	}

	if cfg.ApplyWatermark {
		o.setState(req.ArtworkID, "embedding watermark", models.JobProcessing)
		alpha := defaultWatermarkAlpha
		if cfg.Alpha != nil {
			alpha = *cfg.Alpha
		}
		watermarked, err := watermark.Embed(img, cfg.SecretKey, alpha)
		if err != nil {
			o.logger.Warn("watermark embed failed, protecting without it", zap.Error(err))
		} else {
			img = watermarked
			applied = append(applied, "watermark")
			if o.metrics != nil {
				o.metrics.WatermarkEmbedTotal.Inc()
			}
		}
	}

	if cfg.ApplyVisualWatermark {
		o.setState(req.ArtworkID, "applying visible watermark", models.JobProcessing)
		text := cfg.WatermarkText
		if text == "" {
			text = models.DefaultConfiguration().WatermarkText
		}
		overlaid, err := overlay.Apply(img, overlay.Config{Text: text, Opacity: defaultOverlayOpacity})
		if err != nil {
			o.logger.Warn("visible watermark failed, protecting without it", zap.Error(err))
		} else {
			img = overlaid
			applied = append(applied, "visual_watermark")
		}
	}

	o.setState(req.ArtworkID, "encoding output", models.JobProcessing)
	encoded, err := imageproc.EncodePNGWithICC(img, iccProfile)
	if err != nil {
		return nil, shielderr.New(shielderr.KindDecodeFailed, "encode", err)
	}
	outputHash := sha256.Sum256(encoded)

	owner := req.OwnerID
	hash := contentHash(req.ImageURL, raw)

	o.setState(req.ArtworkID, "uploading protected image", models.JobProcessing)
	key := storage.ProtectedImageKey(owner, hash)
	publicURL, err := o.uploader.Put(ctx, key, encoded, "image/png", req.IsPreview)
	if err != nil {
		return nil, shielderr.New(shielderr.KindUploadFailed, "upload", err)
	}

	bounds := img.RGB.Bounds()
	result := &models.ProtectionResult{
		ArtworkID:         req.ArtworkID,
		Status:            models.JobCompleted,
		OriginalImageURL:  req.ImageURL,
		ProtectedImageURL: publicURL,
		ProtectedImageKey: key,
		FileMetadata: models.FileMetadata{
			Width:        bounds.Dx(),
			Height:       bounds.Dy(),
			SizeBytes:    len(encoded),
			InputSHA256:  hex.EncodeToString(inputHash[:]),
			OutputSHA256: hex.EncodeToString(outputHash[:]),
		},
		AppliedProtections: applied,
	}

	if req.VerifyProtection && o.verifier != nil {
		o.setState(req.ArtworkID, "verifying protection", models.JobProcessing)
		result.VerificationReport = o.runVerification(ctx, img, cfg.SecretKey, owner, hash, req.IsPreview)
	}

	return result, nil
}

func (o *Orchestrator) runEngine(ctx context.Context, img *imageproc.Image, cfg models.Configuration) (*imageproc.Image, error) {
	eng := engine.New(o.backend, o.logger)
	res, err := eng.Run(ctx, img, cfg)
	if err != nil {
		return nil, err
	}
	if res.Metrics.Steps == 0 && engine.ResolvePreset(cfg).Steps > 0 {
		return nil, shielderr.New(shielderr.KindEngineStepFailed, "step-loop", errors.New("no perturbation step succeeded"))
	}
	if o.metrics != nil {
		o.metrics.EngineStepsTotal.Add(float64(res.Metrics.Steps))
		o.metrics.EngineFinalLoss.Observe(res.Metrics.FinalLoss)
	}
	return res.Image, nil
}

func (o *Orchestrator) runVerification(ctx context.Context, img *imageproc.Image, watermarkKey, owner, hash string, isPreview bool) *models.VerificationReport {
	vr := o.verifier.Run(ctx, img, watermarkKey)

	if o.metrics != nil {
		o.metrics.WatermarkDetectScore.Observe(vr.Report.WatermarkAudit.Score)
	}

	if len(vr.PrimaryImage) > 0 {
		key := storage.VerificationArtifactKey(owner, hash, "pixel")
		if url, err := o.uploader.Put(ctx, key, vr.PrimaryImage, "image/png", isPreview); err == nil {
			vr.Report.PrimaryAttackURL = url
		} else {
			o.logger.Warn("uploading primary verification artifact failed", zap.Error(err))
		}
	}
	if len(vr.SecondaryImage) > 0 {
		key := storage.VerificationArtifactKey(owner, hash, "sdxl")
		if url, err := o.uploader.Put(ctx, key, vr.SecondaryImage, "image/png", isPreview); err == nil {
			vr.Report.SecondaryAttackURL = url
		} else {
			o.logger.Warn("uploading secondary verification artifact failed", zap.Error(err))
		}
	}
	if len(vr.SemanticImage) > 0 {
		key := storage.VerificationArtifactKey(owner, hash, "semantic")
		if url, err := o.uploader.Put(ctx, key, vr.SemanticImage, "image/png", isPreview); err == nil {
			vr.Report.SemanticAttackURL = url
		} else {
			o.logger.Warn("uploading semantic verification artifact failed", zap.Error(err))
		}
	}

	return &vr.Report
}

// setState merges a status/message progress update into whatever record
// is already stored for artworkID, so an intermediate update never
// clobbers fields (like SubmittedAt or StartedAt) an earlier stage set.
func (o *Orchestrator) setState(artworkID, message string, status models.JobStatus) {
	state, _ := o.states.Get(artworkID)
	state.ArtworkID = artworkID
	state.Status = status
	state.Message = message
	o.putState(state)
}

// putState merges the populated fields of state into whatever record is
// already stored under state.ArtworkID and persists the result. Callers
// that only touch status/message should use setState instead.
func (o *Orchestrator) putState(state models.JobState) {
	existing, ok := o.states.Get(state.ArtworkID)
	if ok {
		if state.StartedAt.IsZero() {
			state.StartedAt = existing.StartedAt
		}
		if state.SubmittedAt.IsZero() {
			state.SubmittedAt = existing.SubmittedAt
		}
	}
	if err := o.states.Put(state.ArtworkID, state); err != nil {
		o.logger.Warn("failed to persist job state", zap.String("artwork_id", state.ArtworkID), zap.Error(err))
	}
}

var hexHashPattern = regexp.MustCompile(`[0-9a-fA-F]{64}`)

// contentHash derives the object-store key component for an artwork: a
// 64-hex substring already present in the source URL's path (the asset
// service's own content hash), falling back to a fresh SHA-256 of the
// downloaded bytes when the URL carries none.
func contentHash(sourceURL string, raw []byte) string {
	if m := hexHashPattern.FindString(sourceURL); m != "" {
		return strings.ToLower(m)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
