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

// Command shield runs the artwork protection service.
//
// Shield perturbs an image against frozen CLIP/SigLIP encoders, embeds a
// spread-spectrum watermark, and optionally overlays a visible mark, all
// under an LPIPS perceptual budget. It can run as a long-lived HTTP
// service or perform a single protect/verify/detect-watermark operation
// from the command line.
//
// Usage:
//
//	shield serve                              # start the HTTP API
//	shield protect <file>                     # protect one image, write the result alongside it
//	shield verify <file>                      # run the verification harness against an image
//	shield detect-watermark <file> <key>      # check whether a watermark is present
//	shield pull-models                        # download the ONNX model bundles
package main

import (
	"runtime"

	"github.com/drimit/shield/cmd/shield/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: current git tag (v-prefix stripped) or snapshot name.
var version = "dev"

func main() {
	runtime.SetBlockProfileRate(1)
	cmd.Version = version
	cmd.Execute()
}
