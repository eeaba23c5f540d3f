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

// Package config is the root configuration structure for the shield
// service.
//
// Configuration file: shield.yaml (default, searched in ".", "/etc/shield").
// Environment overrides: SHIELD_<SECTION>_<KEY>, e.g. SHIELD_SERVER_LISTEN_ADDR.
// Flags bound via cobra/pflag take precedence over both.
//
// Validation:
//   - Validate requires storage.bucket and positive engine.max_concurrent_jobs
//     and engine.max_resolution; no auth token is required (an empty
//     server.bearer_token disables auth).
//   - Invalid config at startup is a fatal error; shield refuses to start.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	JobState  JobStateConfig  `mapstructure:"jobstate"`
	Models    ModelsConfig    `mapstructure:"models"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. ":8080".
	ListenAddr string `mapstructure:"listen_addr"`

	// BearerToken authenticates inbound submit/status requests. Empty
	// disables auth, appropriate only for local development.
	BearerToken string `mapstructure:"bearer_token"`

	// MaxBodyBytes is loaded from configuration but not read by
	// internal/api; request bodies are not size-capped.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// StorageConfig configures the S3/R2-compatible object store.
type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	PublicURLBase   string `mapstructure:"public_url_base"`
}

// JobStateConfig configures the persistent job-state store.
type JobStateConfig struct {
	// DBPath is the bbolt file path.
	DBPath string `mapstructure:"db_path"`

	// CacheTTLSeconds is the read-through cache entry lifetime.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`

	// CacheCapacity bounds the in-memory cache size.
	CacheCapacity uint64 `mapstructure:"cache_capacity"`
}

// ModelsConfig locates the on-disk model bundles used by the encoder bank.
type ModelsConfig struct {
	Dir             string `mapstructure:"dir"`
	CLIPVariant     string `mapstructure:"clip_variant"`
	SigLIPVariant   string `mapstructure:"siglip_variant"`
	LPIPSVariant    string `mapstructure:"lpips_variant"`
	AutoDownload    bool   `mapstructure:"auto_download"`
}

// EngineConfig bounds the perturbation engine's resource usage.
type EngineConfig struct {
	// MaxConcurrentJobs bounds the dispatcher's worker pool.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`

	// MaxResolution must be positive (Validate checks it), but no pipeline
	// stage reads it; input images are downscaled only by a request's
	// Configuration.MaxRes.
	MaxResolution int `mapstructure:"max_resolution"`

	// StepTimeoutSeconds is loaded from configuration but not applied:
	// PGD steps run without a per-step timeout.
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds"`
}

// VerifierConfig points at the pluggable external attack-model service.
type VerifierConfig struct {
	AttackModelURL     string `mapstructure:"attack_model_url"`
	AttackModelToken   string `mapstructure:"attack_model_token"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Defaults returns a Config populated with the documented defaults, which
// Load then overlays with file/env/flag values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			MaxBodyBytes: 64 << 20,
		},
		Storage: StorageConfig{
			Region: "auto",
		},
		JobState: JobStateConfig{
			DBPath:          "shield-jobs.db",
			CacheTTLSeconds: 300,
			CacheCapacity:   10000,
		},
		Models: ModelsConfig{
			Dir:          "models",
			AutoDownload: true,
		},
		Engine: EngineConfig{
			MaxConcurrentJobs:  4,
			MaxResolution:      3840,
			StepTimeoutSeconds: 30,
		},
		Verifier: VerifierConfig{
			TimeoutSeconds: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads shield.yaml (if present), overlays SHIELD_* environment
// variables, and unmarshals the result into Config. v is expected to
// already have any cobra/pflag bindings applied by the caller.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()

	v.SetConfigName("shield")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/shield")
	v.SetEnvPrefix("shield")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate enforces the fields required before Serve can run.
func (c Config) Validate() error {
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Engine.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must be positive")
	}
	if c.Engine.MaxResolution <= 0 {
		return fmt.Errorf("engine.max_resolution must be positive")
	}
	return nil
}
