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

package modelregistry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelTypeDirName(t *testing.T) {
	require.Equal(t, "clip", ModelTypeCLIP.DirName())
	require.Equal(t, "siglip", ModelTypeSigLIP.DirName())
	require.Equal(t, "lpips", ModelTypeLPIPS.DirName())
}

func TestParseHuggingFaceRef(t *testing.T) {
	repo, isHF := ParseHuggingFaceRef("hf:openai/clip-vit-large-patch14")
	require.True(t, isHF)
	require.Equal(t, "openai/clip-vit-large-patch14", repo)

	_, isHF = ParseHuggingFaceRef("/local/path/to/model")
	require.False(t, isHF)
}

func TestIsValidVariant(t *testing.T) {
	require.True(t, IsValidVariant(""))
	require.True(t, IsValidVariant("fp16"))
	require.False(t, IsValidVariant("bogus"))
}

func TestSelectONNXFilesDefaultVariant(t *testing.T) {
	files := []string{
		"onnx/model.onnx",
		"onnx/model_fp16.onnx",
		"tokenizer.json",
		"config.json",
		"README.md",
	}
	got := selectONNXFiles(files, "")
	require.Contains(t, got, "onnx/model.onnx")
	require.Contains(t, got, "tokenizer.json")
	require.Contains(t, got, "config.json")
	require.NotContains(t, got, "onnx/model_fp16.onnx")
	require.NotContains(t, got, "README.md")
}

func TestSelectONNXFilesFP16Variant(t *testing.T) {
	files := []string{"onnx/model.onnx", "onnx/model_fp16.onnx", "onnx/model_fp16.onnx_data"}
	got := selectONNXFiles(files, "fp16")
	require.Contains(t, got, "onnx/model_fp16.onnx")
	require.Contains(t, got, "onnx/model_fp16.onnx_data")
	require.NotContains(t, got, "onnx/model.onnx")
}

func TestModelFilesExist(t *testing.T) {
	dir := t.TempDir()
	require.False(t, ModelFilesExist(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0o644))
	require.False(t, ModelFilesExist(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644))
	require.True(t, ModelFilesExist(dir))
}
