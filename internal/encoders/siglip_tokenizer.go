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

package encoders

import (
	"fmt"
	"path/filepath"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// SigLIPMaxLength is SigLIP's fixed text sequence length; unlike CLIP's
// default (shortest-fit) padding, SigLIP always pads to this exact length
// (spec.md §4.1).
const SigLIPMaxLength = 64

// SigLIPTokenizer wraps the real sentencepiece-style tokenizer SigLIP
// ships with, via sugarme/tokenizer — the Go port of Hugging Face's
// tokenizers library already in the teacher's dependency set.
type SigLIPTokenizer struct {
	tk *tokenizer.Tokenizer
}

// LoadSigLIPTokenizer reads tokenizer.json from modelDir.
func LoadSigLIPTokenizer(modelDir string) (*SigLIPTokenizer, error) {
	tk, err := pretrained.FromFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("loading siglip tokenizer: %w", err)
	}

	paddingParams := tokenizer.PaddingParams{
		Strategy:  tokenizer.NewPaddingStrategy(tokenizer.WithFixed(SigLIPMaxLength)),
		Direction: tokenizer.Right,
	}
	tk.WithPadding(&paddingParams)

	truncationParams := tokenizer.TruncationParams{
		MaxLength: SigLIPMaxLength,
		Strategy:  tokenizer.LongestFirst,
	}
	tk.WithTruncation(&truncationParams)

	return &SigLIPTokenizer{tk: tk}, nil
}

// Encode returns input_ids and attention_mask, each padded to
// SigLIPMaxLength.
func (t *SigLIPTokenizer) Encode(text string) (inputIDs, attentionMask []int) {
	enc, _, err := t.tk.EncodeSingle(tokenizer.NewInputSequence(text), true)
	if err != nil || enc == nil {
		inputIDs = make([]int, SigLIPMaxLength)
		attentionMask = make([]int, SigLIPMaxLength)
		return inputIDs, attentionMask
	}

	inputIDs = make([]int, len(enc.Ids))
	for i, id := range enc.Ids {
		inputIDs[i] = int(id)
	}
	attentionMask = make([]int, len(enc.AttentionMask))
	for i, m := range enc.AttentionMask {
		attentionMask[i] = int(m)
	}
	return inputIDs, attentionMask
}
