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

// Package shielderr classifies pipeline failures so the orchestrator can
// decide, per spec.md §7, whether a stage failure is recoverable (skip the
// stage, keep going) or fatal (abort the job).
package shielderr

import "fmt"

// Kind identifies which stage of the pipeline produced an error.
type Kind string

const (
	KindDownloadFailed       Kind = "DOWNLOAD_FAILED"
	KindDecodeFailed         Kind = "DECODE_FAILED"
	KindEngineLoadFailed     Kind = "ENGINE_LOAD_FAILED"
	KindEngineStepFailed     Kind = "ENGINE_STEP_FAILED"
	KindEngineFatal          Kind = "ENGINE_FATAL"
	KindWatermarkFailed      Kind = "WATERMARK_FAILED"
	KindUploadFailed         Kind = "UPLOAD_FAILED"
	KindVerifierStageFailed  Kind = "VERIFIER_STAGE_FAILED"
	KindAuthRejected         Kind = "AUTH_REJECTED"
)

// fatalKinds are the kinds that must abort the job rather than degrade
// gracefully. Everything else is recovered at the stage that raised it.
var fatalKinds = map[Kind]bool{
	KindDownloadFailed:   true,
	KindDecodeFailed:     true,
	KindEngineLoadFailed: true,
	KindEngineFatal:      true,
	KindUploadFailed:     true,
	KindAuthRejected:     true,
}

// ShieldError wraps an underlying error with the stage Kind that produced
// it, so callers up the stack can branch on Kind without string matching.
type ShieldError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *ShieldError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ShieldError) Unwrap() error { return e.Err }

// Fatal reports whether the job must abort rather than continue with the
// affected stage skipped.
func (e *ShieldError) Fatal() bool { return fatalKinds[e.Kind] }

// New wraps err with kind, optionally annotated with the stage name (e.g.
// the verification sub-stage "V2" or "watermark-detect").
func New(kind Kind, stage string, err error) *ShieldError {
	if err == nil {
		return nil
	}
	return &ShieldError{Kind: kind, Stage: stage, Err: err}
}

// As is a thin convenience wrapper over errors.As for the common case of
// checking whether err carries shield classification.
func As(err error) (*ShieldError, bool) {
	se, ok := err.(*ShieldError)
	if ok {
		return se, true
	}
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
		if se, ok := err.(*ShieldError); ok {
			return se, true
		}
	}
}
