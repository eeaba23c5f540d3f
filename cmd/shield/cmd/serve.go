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
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drimit/shield/internal/api"
	"github.com/drimit/shield/internal/config"
	"github.com/drimit/shield/internal/dispatch"
	"github.com/drimit/shield/internal/encoders"
	"github.com/drimit/shield/internal/engine"
	"github.com/drimit/shield/internal/fetch"
	"github.com/drimit/shield/internal/jobstate"
	"github.com/drimit/shield/internal/logging"
	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/modelregistry"
	"github.com/drimit/shield/internal/orchestrator"
	"github.com/drimit/shield/internal/storage"
	"github.com/drimit/shield/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", "", "bind address, overrides server.listen_addr")
	mustBindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen-addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := loadConfig()

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Models.AutoDownload {
		ensureModels(ctx, cfg, logger)
	}

	bank, err := encoders.NewGomlxBank(encoders.BankPaths{
		CLIPDir:   modelDir(cfg.Models.Dir, modelregistry.ModelTypeCLIP),
		SigLIPDir: modelDir(cfg.Models.Dir, modelregistry.ModelTypeSigLIP),
		LPIPSDir:  modelDir(cfg.Models.Dir, modelregistry.ModelTypeLPIPS),
	}, logger)
	if err != nil {
		return fmt.Errorf("loading encoder bank: %w", err)
	}
	decoyCachePath := filepath.Join(cfg.Models.Dir, "decoy_embeddings.bin")
	backend := engine.NewCachedBackend(bank, logger, decoyCachePath)
	defer func() { _ = backend.Close() }()

	uploader, err := storage.New(ctx, cfg.Storage, m)
	if err != nil {
		return fmt.Errorf("connecting to object storage: %w", err)
	}

	states, err := jobstate.Open(jobstate.Config{
		DBPath:        cfg.JobState.DBPath,
		CacheTTL:      time.Duration(cfg.JobState.CacheTTLSeconds) * time.Second,
		CacheCapacity: cfg.JobState.CacheCapacity,
	}, m)
	if err != nil {
		return fmt.Errorf("opening job state store: %w", err)
	}
	defer func() { _ = states.Close() }()

	var harness *verify.Harness
	if cfg.Verifier.AttackModelURL != "" {
		client := verify.NewHTTPClient(cfg.Verifier.AttackModelURL, cfg.Verifier.AttackModelToken, time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second)
		harness = verify.New(client, logger, m)
	} else {
		logger.Warn("verifier.attack_model_url not set, verification requests will be skipped")
	}

	downloader := fetch.New(cfg.Server.BearerToken, 2*time.Minute)
	orc := orchestrator.New(downloader, backend, uploader, states, harness, logger, m)

	d := dispatch.New(orc, states, cfg.Engine.MaxConcurrentJobs, 30*time.Minute, logger)
	server := api.New(d, states, cfg.Server.BearerToken, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// ensureModels pulls every model bundle from HuggingFace Hub when any model
// file is missing, before the encoder bank tries to load them from disk.
func ensureModels(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	if allModelsPresent(cfg.Models.Dir) {
		return
	}
	logger.Info("model files missing, downloading from HuggingFace Hub")
	if err := pullDefaultModels(ctx, cfg, logger); err != nil {
		logger.Warn("automatic model download failed, encoder bank load will likely fail", zap.Error(err))
	}
}
