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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drimit/shield/internal/imageproc"
	"github.com/drimit/shield/internal/watermark"
)

var detectWatermarkCmd = &cobra.Command{
	Use:   "detect-watermark <file> <key>",
	Short: "Check whether the spread-spectrum watermark for key is present in an image",
	Args:  cobra.ExactArgs(2),
	RunE:  runDetectWatermark,
}

func init() {
	rootCmd.AddCommand(detectWatermarkCmd)
}

func runDetectWatermark(_ *cobra.Command, args []string) error {
	path, key := args[0], args[1]

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	img, err := imageproc.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	score, detected := watermark.Detect(img, key)
	fmt.Printf("detected: %t\nscore: %.4f\n", detected, score)
	if !detected {
		os.Exit(1)
	}
	return nil
}
