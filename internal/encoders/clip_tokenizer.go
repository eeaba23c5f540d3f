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
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

// CLIPTokenizer is a word-level tokenizer over a CLIP BPE vocabulary. It
// is not a full byte-pair-encoding implementation: it looks up whole
// words first, falling back to characters. This mirrors the teacher's own
// embeddings.CLIPTokenizer, which carries the same documented limitation —
// a full BPE merge pass is unnecessary for the decoy prompts this service
// tokenizes, which are short, common-word phrases.
type CLIPTokenizer struct {
	vocab      map[string]int
	maxLength  int
	padTokenID int
	eosTokenID int
	bosTokenID int
}

// LoadCLIPTokenizer reads tokenizer.json from modelDir.
func LoadCLIPTokenizer(modelDir string) (*CLIPTokenizer, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer.json: %w", err)
	}

	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
		AddedTokens []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := sonic.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tokenizer.json: %w", err)
	}

	t := &CLIPTokenizer{
		vocab:      parsed.Model.Vocab,
		maxLength:  77,
		padTokenID: 0,
		eosTokenID: 49407,
		bosTokenID: 49406,
	}
	for _, tok := range parsed.AddedTokens {
		switch tok.Content {
		case "<|endoftext|>":
			t.eosTokenID = tok.ID
		case "<|startoftext|>":
			t.bosTokenID = tok.ID
		}
	}
	return t, nil
}

// Encode returns input_ids and attention_mask for text, truncated to max
// length but not padded: the sequence is as long as the tokenized prompt.
func (t *CLIPTokenizer) Encode(text string) (inputIDs, attentionMask []int) {
	text = strings.ToLower(text)
	words := strings.Fields(text)

	inputIDs = []int{t.bosTokenID}
	for _, word := range words {
		if id, ok := t.vocab[" "+word]; ok {
			inputIDs = append(inputIDs, id)
			continue
		}
		if id, ok := t.vocab[word]; ok {
			inputIDs = append(inputIDs, id)
			continue
		}
		for _, ch := range word {
			if id, ok := t.vocab[string(ch)]; ok {
				inputIDs = append(inputIDs, id)
			}
		}
	}
	inputIDs = append(inputIDs, t.eosTokenID)

	if len(inputIDs) > t.maxLength {
		inputIDs = append(inputIDs[:t.maxLength-1], t.eosTokenID)
	}

	attentionMask = make([]int, len(inputIDs))
	for i := range attentionMask {
		attentionMask[i] = 1
	}
	return inputIDs, attentionMask
}
