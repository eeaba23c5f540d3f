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
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/drimit/shield/internal/imageproc"
	"github.com/drimit/shield/internal/logging"
	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Run the verification harness against an already-protected image",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().String("secret-key", "", "watermark secret key to check for, empty skips the watermark audit")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(c *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.Verifier.AttackModelURL == "" {
		return fmt.Errorf("verifier.attack_model_url must be configured")
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	secretKey, _ := c.Flags().GetString("secret-key")

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	img, err := imageproc.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", args[0], err)
	}

	client := verify.NewHTTPClient(cfg.Verifier.AttackModelURL, cfg.Verifier.AttackModelToken, time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second)
	harness := verify.New(client, logger, metrics.New())

	result := harness.Run(context.Background(), img, secretKey)

	enc := sonic.ConfigDefault.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Report)
}
