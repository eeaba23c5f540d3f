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

// Package models holds the wire and domain types shared across the
// protection pipeline: the inbound request, its configuration, the
// persisted job state, and the outbound result.
package models

import "time"

// Intensity selects a PGD preset (epsilon, steps, loss weights).
type Intensity string

const (
	IntensityLow    Intensity = "Low"
	IntensityMedium Intensity = "Medium"
	IntensityHigh   Intensity = "High"
)

// Configuration carries every recognized protection option. Zero values
// mean "not set"; Resolve fills in intensity-preset defaults and applies
// overrides in the order described by spec.md §3.
type Configuration struct {
	ApplyPoison          bool      `json:"apply_poison"`
	ApplyConceptPoison   bool      `json:"apply_concept_poison"`
	ApplyWatermark       bool      `json:"apply_watermark"`
	ApplyVisualWatermark bool      `json:"apply_visual_watermark"`
	WatermarkText        string    `json:"watermark_text"`
	SecretKey            string    `json:"secret_key"`
	Intensity            Intensity `json:"intensity"`

	// Overrides. A nil pointer means "use the intensity preset".
	Epsilon *float64 `json:"epsilon,omitempty"`
	Steps   *int     `json:"steps,omitempty"`
	Alpha   *float64 `json:"alpha,omitempty"`

	MaxRes            int  `json:"max_res"`
	ApplyVerification bool `json:"apply_verification"`
}

// DefaultConfiguration matches the field defaults documented in spec.md §3
// and original_source/modal/poisoning/main.py's ProtectionRequest.config.
func DefaultConfiguration() Configuration {
	return Configuration{
		ApplyPoison:          true,
		ApplyConceptPoison:   false,
		ApplyWatermark:       true,
		ApplyVisualWatermark: false,
		WatermarkText:        "DRIMIT SHIELD",
		Intensity:            IntensityMedium,
		MaxRes:               3840,
	}
}

// ProtectionRequest is immutable for the lifetime of a job.
type ProtectionRequest struct {
	ImageURL         string        `json:"image_url"`
	ArtworkID        string        `json:"artwork_id"`
	OwnerID          string        `json:"owner_id"`
	Method           string        `json:"method"`
	Config           Configuration `json:"config"`
	IsPreview        bool          `json:"is_preview"`
	VerifyProtection bool          `json:"verify_protection"`
}

// JobStatus is one of the states a job can occupy. The zero value is
// intentionally invalid so a freshly-decoded JobState without a status
// is easy to spot.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobState is the record stored in the job-state map, keyed by artwork ID.
// Only the orchestrator mutates it; readers see last-write-wins semantics.
type JobState struct {
	ArtworkID   string            `json:"artwork_id"`
	Status      JobStatus         `json:"status"`
	Message     string            `json:"message,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at,omitempty"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
	Result      *ProtectionResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// FileMetadata describes the input/output bytes of a job.
type FileMetadata struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SizeBytes    int    `json:"size_bytes"`
	InputSHA256  string `json:"input_sha256"`
	OutputSHA256 string `json:"output_sha256"`
}

// ProtectionResult is the user-visible outcome of a job (spec.md §7).
type ProtectionResult struct {
	ArtworkID          string              `json:"artwork_id"`
	Status             JobStatus           `json:"status"`
	OriginalImageURL   string              `json:"original_image_url"`
	ProtectedImageURL  string              `json:"protected_image_url,omitempty"`
	ProtectedImageKey  string              `json:"protected_image_key,omitempty"`
	ProcessingTime     time.Duration       `json:"processing_time"`
	FileMetadata       FileMetadata        `json:"file_metadata"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	AppliedProtections []string            `json:"applied_protections"`
	VerificationReport *VerificationReport `json:"verification_report,omitempty"`
}

// EngineMetrics is the optional diagnostic record the perturbation engine
// returns alongside the protected bytes (spec.md §4.4).
type EngineMetrics struct {
	FinalLoss float64       `json:"final_loss"`
	Steps     int           `json:"steps"`
	Epsilon   float64       `json:"epsilon"`
	WallTime  time.Duration `json:"wall_time"`
}

// SemanticAudit is stage V1 of the verification harness.
type SemanticAudit struct {
	Caption            string   `json:"caption"`
	Tags               []string `json:"tags"`
	ReconstructionModel string  `json:"reconstruction_model"`
}

// PixelAudit is stages V2/V3 of the verification harness.
type PixelAudit struct {
	PerceivedQuality bool    `json:"perceived_quality"`
	AttackPrompt     string  `json:"attack_prompt"`
	AttackStrength   float64 `json:"attack_strength"`
	AttackGuidance   float64 `json:"attack_guidance"`
	PrimaryModel     string  `json:"primary_model"`
	SecondaryModel   string  `json:"secondary_model"`
	FluxSuccess      bool    `json:"flux_success"`
	SDXLSuccess      bool    `json:"sdxl_success"`
}

// WatermarkAudit reports whether the embedded watermark still detects.
type WatermarkAudit struct {
	Detected bool    `json:"detected"`
	Score    float64 `json:"score"`
}

// VerificationReport is the full output of the verification harness
// (spec.md §4.7). Per-stage failures never fail the outer job.
type VerificationReport struct {
	SemanticAudit      SemanticAudit  `json:"semantic_audit"`
	PixelAudit         PixelAudit     `json:"pixel_audit"`
	WatermarkAudit     WatermarkAudit `json:"watermark_audit"`
	PrimaryAttackURL   string         `json:"primary_attack_url,omitempty"`
	SecondaryAttackURL string         `json:"secondary_attack_url,omitempty"`
	SemanticAttackURL  string         `json:"semantic_attack_url,omitempty"`
}

// BulkStatusRequest is the body of the bulk status-check endpoint.
type BulkStatusRequest struct {
	ArtworkIDs []string `json:"artwork_ids"`
	AckIDs     []string `json:"ack_ids,omitempty"`
}
