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

// Package modelregistry pulls the ONNX-exported CLIP, SigLIP, and LPIPS
// weights the encoder bank needs from HuggingFace Hub and lays them out
// on disk the way internal/encoders expects to find them.
package modelregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
)

// ModelType identifies which tower a downloaded model directory serves.
type ModelType int

const (
	ModelTypeCLIP ModelType = iota
	ModelTypeSigLIP
	ModelTypeLPIPS
)

// DirName is the subdirectory a model type's files live under relative
// to the configured models root (internal/config's ModelsConfig.Dir).
func (m ModelType) DirName() string {
	switch m {
	case ModelTypeCLIP:
		return "clip"
	case ModelTypeSigLIP:
		return "siglip"
	case ModelTypeLPIPS:
		return "lpips"
	default:
		return "unknown"
	}
}

// ProgressHandler is called as a model's files download; downloaded and
// total are in bytes for the current file, total 0 if unknown.
type ProgressHandler func(downloaded, total int64, fileName string)

// HuggingFaceClient pulls ONNX models from HuggingFace Hub.
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
}

// HFClientOption configures the HuggingFace client.
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client.
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated repos.
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads.
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// PullFromHuggingFace downloads the ONNX files (plus tokenizer/config
// files) a model repo needs into destDir/modelType.DirName()/<repo base
// name>. variant selects a quantization level: "", "fp16", "q4",
// "q4f16", or "quantized".
func (c *HuggingFaceClient) PullFromHuggingFace(
	ctx context.Context,
	repoID string,
	modelType ModelType,
	destDir string,
	variant string,
) (string, error) {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}

	toDownload := selectONNXFiles(files, variant)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no ONNX files found in %s", repoID)
	}

	modelName := filepath.Base(repoID)
	modelDir := filepath.Join(destDir, modelType.DirName(), modelName)
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destName := filepath.Base(fileName)
		destPath := filepath.Join(modelDir, destName)

		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}

		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}

		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	return modelDir, nil
}

// selectONNXFiles filters files based on variant preference, returning
// tokenizer/config files from anywhere in the repo plus the ONNX model
// file(s) matching variant.
func selectONNXFiles(files []string, variant string) []string {
	var result []string

	tokenizerFiles := []string{"tokenizer.json", "tokenizer.model", "tokenizer_config.json", "config.json", "special_tokens_map.json"}
	for _, tf := range tokenizerFiles {
		for _, f := range files {
			if filepath.Base(f) == tf {
				result = append(result, f)
				break
			}
		}
	}

	var onnxBase string
	switch variant {
	case "fp16":
		onnxBase = "model_fp16"
	case "q4":
		onnxBase = "model_q4"
	case "q4f16":
		onnxBase = "model_q4f16"
	case "quantized":
		onnxBase = "model_quantized"
	default:
		onnxBase = "model"
	}

	for _, f := range files {
		base := filepath.Base(f)
		if base == onnxBase+".onnx" || base == onnxBase+".onnx_data" {
			result = append(result, f)
		}
	}

	return result
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

// ValidVariants returns the list of valid ONNX variant names.
func ValidVariants() []string {
	return []string{"", "fp16", "q4", "q4f16", "quantized"}
}

// IsValidVariant reports whether variant is one ValidVariants lists.
func IsValidVariant(variant string) bool {
	return slices.Contains(ValidVariants(), variant)
}

// ParseHuggingFaceRef parses a model reference like "hf:owner/repo" and
// returns the bare repo ID.
func ParseHuggingFaceRef(ref string) (repoID string, isHF bool) {
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		return after, true
	}
	return "", false
}

// ModelFilesExist reports whether dir already contains a usable model
// (an ONNX file plus a tokenizer), letting callers skip a pull.
func ModelFilesExist(dir string) bool {
	onnx, err := filepath.Glob(filepath.Join(dir, "*.onnx"))
	if err != nil || len(onnx) == 0 {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, "tokenizer.json")); err != nil {
		return false
	}
	return true
}
