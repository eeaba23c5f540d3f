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

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drimit/shield/internal/config"
	"github.com/drimit/shield/internal/logging"
	"github.com/drimit/shield/internal/modelregistry"
)

// defaultRepos names the ONNX-exported repos the encoder bank expects,
// one per frozen model the engine drives (spec.md §2's fixed encoder set).
var defaultRepos = map[modelregistry.ModelType]string{
	modelregistry.ModelTypeCLIP:   "onnx-community/clip-vit-large-patch14",
	modelregistry.ModelTypeSigLIP: "onnx-community/siglip-so400m-patch14-384",
	modelregistry.ModelTypeLPIPS:  "onnx-community/lpips-alexnet",
}

// modelDir is where PullFromHuggingFace actually lays modelType's files:
// modelsRoot/modelType.DirName()/<repo basename>. defaultRepos' repo IDs
// are fixed, so this is reconstructable without threading the download
// result through config or a second process.
func modelDir(modelsRoot string, modelType modelregistry.ModelType) string {
	return filepath.Join(modelsRoot, modelType.DirName(), filepath.Base(defaultRepos[modelType]))
}

// allModelsPresent reports whether every default model type already has
// its ONNX/tokenizer files on disk under modelsRoot.
func allModelsPresent(modelsRoot string) bool {
	for modelType := range defaultRepos {
		if !modelregistry.ModelFilesExist(modelDir(modelsRoot, modelType)) {
			return false
		}
	}
	return true
}

var pullModelsCmd = &cobra.Command{
	Use:   "pull-models",
	Short: "Download the ONNX CLIP/SigLIP/LPIPS model bundles from HuggingFace Hub",
	RunE:  runPullModels,
}

func init() {
	pullModelsCmd.Flags().String("variant", "", "quantization variant: \"\", fp16, q4, q4f16, or quantized")
	rootCmd.AddCommand(pullModelsCmd)
}

func runPullModels(c *cobra.Command, _ []string) error {
	cfg := loadConfig()
	variant, _ := c.Flags().GetString("variant")
	if variant != "" && !modelregistry.IsValidVariant(variant) {
		return fmt.Errorf("invalid variant %q (valid: %v)", variant, modelregistry.ValidVariants())
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	return pullModels(context.Background(), cfg, variant, logger)
}

// pullDefaultModels downloads every model type in defaultRepos into
// cfg.Models.Dir using each type's configured variant. It does not check
// for files already on disk; serve's AutoDownload path calls it only when
// some model file is missing.
func pullDefaultModels(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	return pullModels(ctx, cfg, "", logger)
}

func pullModels(ctx context.Context, cfg config.Config, variantOverride string, logger *zap.Logger) error {
	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(os.Getenv("HF_TOKEN")),
		modelregistry.WithHFProgressHandler(func(downloaded, total int64, fileName string) {
			logger.Info("downloading", zap.String("file", fileName), zap.Int64("bytes", downloaded), zap.Int64("total", total))
		}),
	)

	variants := map[modelregistry.ModelType]string{
		modelregistry.ModelTypeCLIP:   cfg.Models.CLIPVariant,
		modelregistry.ModelTypeSigLIP: cfg.Models.SigLIPVariant,
		modelregistry.ModelTypeLPIPS:  cfg.Models.LPIPSVariant,
	}

	for modelType, repo := range defaultRepos {
		variant := variantOverride
		if variant == "" {
			variant = variants[modelType]
		}
		dir, err := client.PullFromHuggingFace(ctx, repo, modelType, cfg.Models.Dir, variant)
		if err != nil {
			return fmt.Errorf("pulling %s from %s: %w", modelType.DirName(), repo, err)
		}
		logger.Info("model ready", zap.String("type", modelType.DirName()), zap.String("dir", dir))
	}
	return nil
}
