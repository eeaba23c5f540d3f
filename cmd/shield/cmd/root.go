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

// Package cmd holds shield's cobra command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drimit/shield/internal/config"
)

// Version is set by main from a build-time ldflag.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "shield",
	Short:   "Protect artworks from generative-AI mimicry",
	Version: Version,
	Long: `shield perturbs an image against frozen CLIP/SigLIP encoders under an
LPIPS perceptual budget, embeds a DCT spread-spectrum watermark, and
optionally overlays a visible tiled mark. It runs as a long-lived HTTP
service (serve) or performs a single operation from the command line.`,
}

// Execute adds every child command to rootCmd and runs it. Called once
// from main.main.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shield.yaml, /etc/shield/shield.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

// loadConfig reads configuration for a command, binding cfg's persistent
// flags (already bound via mustBindPFlag in each subcommand's init) ahead
// of viper.Unmarshal.
func loadConfig() config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
