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
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drimit/shield/internal/encoders"
	"github.com/drimit/shield/internal/engine"
	"github.com/drimit/shield/internal/logging"
	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/models"
	"github.com/drimit/shield/internal/modelregistry"
	"github.com/drimit/shield/internal/orchestrator"
	"github.com/drimit/shield/internal/verify"
)

var protectCmd = &cobra.Command{
	Use:   "protect <file>",
	Short: "Protect a single image and write the result alongside it",
	Args:  cobra.ExactArgs(1),
	RunE:  runProtect,
}

func init() {
	protectCmd.Flags().String("intensity", "", "Low, Medium, or High (default: Medium)")
	protectCmd.Flags().Bool("concept-poison", false, "attract toward decoy concepts instead of repelling from self")
	protectCmd.Flags().Bool("no-watermark", false, "skip the spread-spectrum watermark")
	protectCmd.Flags().Bool("visible-watermark", false, "also apply the visible tiled watermark")
	protectCmd.Flags().String("secret-key", "", "watermark secret key")
	protectCmd.Flags().Bool("verify", false, "run the verification harness after protecting")
	protectCmd.Flags().String("out", "", "output path (default: <file>.protected.png)")
	rootCmd.AddCommand(protectCmd)
}

// fileDownloader resolves a ProtectionRequest's ImageURL as a local path,
// which is how every CLI command feeds an on-disk image through the same
// orchestrator.Downloader seam the HTTP API uses for remote URLs.
type fileDownloader struct{}

func (fileDownloader) Get(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// fileUploader writes protection artifacts under a local directory
// instead of an object store, returning a file:// URL. cmd/shield's
// one-shot commands have no bucket to publish to.
type fileUploader struct {
	dir string
}

func (u fileUploader) Put(_ context.Context, key string, data []byte, _ string, _ bool) (string, error) {
	dest := filepath.Join(u.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + dest, nil
}

// memStateStore is an in-process StateStore good enough for a one-shot
// CLI invocation that has no caller polling job status.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]models.JobState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]models.JobState)}
}

func (s *memStateStore) Put(artworkID string, state models.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[artworkID] = state
	return nil
}

func (s *memStateStore) Get(artworkID string) (models.JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[artworkID]
	return st, ok
}

func runProtect(c *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	inputPath := args[0]
	flags := c.Flags()
	intensity, _ := flags.GetString("intensity")
	conceptPoison, _ := flags.GetBool("concept-poison")
	noWatermark, _ := flags.GetBool("no-watermark")
	visibleWatermark, _ := flags.GetBool("visible-watermark")
	secretKey, _ := flags.GetString("secret-key")
	wantVerify, _ := flags.GetBool("verify")
	out, _ := flags.GetString("out")
	if out == "" {
		out = strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".protected.png"
	}

	genCfg := models.DefaultConfiguration()
	genCfg.ApplyConceptPoison = conceptPoison
	genCfg.ApplyPoison = !conceptPoison
	genCfg.ApplyWatermark = !noWatermark
	genCfg.ApplyVisualWatermark = visibleWatermark
	genCfg.ApplyVerification = wantVerify
	if secretKey != "" {
		genCfg.SecretKey = secretKey
	}
	if intensity != "" {
		genCfg.Intensity = models.Intensity(intensity)
	}

	m := metrics.New()
	bank, err := encoders.NewGomlxBank(encoders.BankPaths{
		CLIPDir:   modelDir(cfg.Models.Dir, modelregistry.ModelTypeCLIP),
		SigLIPDir: modelDir(cfg.Models.Dir, modelregistry.ModelTypeSigLIP),
		LPIPSDir:  modelDir(cfg.Models.Dir, modelregistry.ModelTypeLPIPS),
	}, logger)
	if err != nil {
		return fmt.Errorf("loading encoder bank: %w", err)
	}
	backend := engine.NewCachedBackend(bank, logger, "")
	defer func() { _ = backend.Close() }()

	var harness *verify.Harness
	if wantVerify {
		if cfg.Verifier.AttackModelURL == "" {
			return fmt.Errorf("--verify requires verifier.attack_model_url to be configured")
		}
		client := verify.NewHTTPClient(cfg.Verifier.AttackModelURL, cfg.Verifier.AttackModelToken, time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second)
		harness = verify.New(client, logger, m)
	}

	outDir := filepath.Dir(out)
	orc := orchestrator.New(fileDownloader{}, backend, fileUploader{dir: outDir}, newMemStateStore(), harness, logger, m)

	req := models.ProtectionRequest{
		ImageURL:         inputPath,
		ArtworkID:        filepath.Base(inputPath),
		OwnerID:          "cli",
		Config:           genCfg,
		VerifyProtection: wantVerify,
	}

	ctx := context.Background()
	result, err := orc.RunSync(ctx, req)
	if err != nil {
		return fmt.Errorf("protecting %s: %w", inputPath, err)
	}

	written := strings.TrimPrefix(result.ProtectedImageURL, "file://")
	if data, readErr := os.ReadFile(written); readErr == nil {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
	}

	logger.Info("protected",
		zap.String("input", inputPath),
		zap.String("output", out),
		zap.Strings("applied", result.AppliedProtections),
		zap.Duration("elapsed", result.ProcessingTime))
	return nil
}
