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

package engine

import "github.com/drimit/shield/internal/models"

// Preset is a fully-resolved set of PGD hyperparameters for one job.
type Preset struct {
	Epsilon   float64
	AlphaStep float64
	Steps     int
	WeightLPIPS   float64
	WeightRepel   float64
	WeightAttract float64
}

// presets holds the intensity table from the original poisoning engine.
var presets = map[models.Intensity]Preset{
	models.IntensityLow: {
		Epsilon: 6.0 / 255.0, AlphaStep: 1.0 / 255.0, Steps: 50,
		WeightLPIPS: 5.0, WeightRepel: 1.0, WeightAttract: 1.0,
	},
	models.IntensityMedium: {
		Epsilon: 32.0 / 255.0, AlphaStep: 2.0 / 255.0, Steps: 200,
		WeightLPIPS: 0.01, WeightRepel: 2.0, WeightAttract: 2.0,
	},
	models.IntensityHigh: {
		Epsilon: 80.0 / 255.0, AlphaStep: 4.0 / 255.0, Steps: 600,
		WeightLPIPS: 0.0, WeightRepel: 15.0, WeightAttract: 10.0,
	},
}

// ResolvePreset applies the intensity preset and then any per-field
// overrides from cfg, in that order (spec.md §3/§4.4).
func ResolvePreset(cfg models.Configuration) Preset {
	p, ok := presets[cfg.Intensity]
	if !ok {
		p = presets[models.IntensityMedium]
	}
	if cfg.Epsilon != nil {
		p.Epsilon = *cfg.Epsilon
	}
	if cfg.Steps != nil {
		p.Steps = *cfg.Steps
	}
	return p
}

// decoyPrompts is the fixed target-builder prompt list (spec.md §4.2).
var decoyPrompts = []string{
	"static noise pattern",
	"abstract grey digital texture",
	"blank screen error",
}

// DecoyPrompts returns the fixed concept-attack target prompts.
func DecoyPrompts() []string {
	out := make([]string, len(decoyPrompts))
	copy(out, decoyPrompts)
	return out
}
