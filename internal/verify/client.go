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

// Package verify implements the verification harness: it asks an
// external attack-model service to caption a protected image and attempt
// to mimic it with two diffusion backbones, then reports whether the
// perturbation degraded the mimicry (spec.md §4.7). The heavy models
// (Moondream2, Flux-Schnell, SDXL-Turbo) run out of process — this
// package only speaks JSON over HTTP to whatever container hosts them,
// since a GPU diffusion stack has no idiomatic pure-Go runtime.
package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// SemanticResult is stage V1's output.
type SemanticResult struct {
	Caption          string   `json:"caption"`
	Tags             []string `json:"tags"`
	PerceivedQuality bool     `json:"perceived_quality"`
}

// AttackResult is the output of a V2/V3 pixel-mimicry attempt.
type AttackResult struct {
	Image   []byte `json:"-"`
	Success bool   `json:"success"`
}

// AttackParams configures one diffusion img2img attack call.
type AttackParams struct {
	Prompt   string
	Strength float64
	Steps    int
	Guidance float64
}

// Txt2ImgParams configures the prompt-only semantic reconstruction run
// alongside stage V2: no input image, same target resolution as the
// source, guided purely by the V1 caption.
type Txt2ImgParams struct {
	Prompt            string
	Width             int
	Height            int
	Steps             int
	Guidance          float64
	MaxSequenceLength int
}

// AttackModelClient is the pluggable interface over the out-of-process
// captioner and diffusion backbones. A plain JSON/HTTP client is the
// default implementation; tests substitute a fake.
type AttackModelClient interface {
	Caption(ctx context.Context, imagePNG []byte) (SemanticResult, error)
	FluxAttack(ctx context.Context, imagePNG []byte, params AttackParams) (AttackResult, error)
	Txt2Img(ctx context.Context, params Txt2ImgParams) (AttackResult, error)
	SDXLAttack(ctx context.Context, imagePNG []byte, params AttackParams) (AttackResult, error)
}

// HTTPClient implements AttackModelClient against a single base URL
// exposing /caption, /flux, /sdxl endpoints, authenticated with a bearer
// token (spec.md §6's AttackModelURL/AttackModelToken).
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a client with the given request timeout.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type captionRequest struct {
	ImagePNGBase64 string `json:"image_png_base64"`
}

// Caption calls the /caption endpoint (stage V1).
func (c *HTTPClient) Caption(ctx context.Context, imagePNG []byte) (SemanticResult, error) {
	var out SemanticResult
	err := c.postJSON(ctx, "/caption", captionRequest{ImagePNGBase64: base64.StdEncoding.EncodeToString(imagePNG)}, &out)
	return out, err
}

type attackRequest struct {
	ImagePNGBase64 string  `json:"image_png_base64"`
	Prompt         string  `json:"prompt"`
	Strength       float64 `json:"strength"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance"`
}

type attackResponse struct {
	ImagePNGBase64 string `json:"image_png_base64"`
	Success        bool   `json:"success"`
}

// FluxAttack calls the /flux endpoint (stage V2).
func (c *HTTPClient) FluxAttack(ctx context.Context, imagePNG []byte, params AttackParams) (AttackResult, error) {
	return c.attack(ctx, "/flux", imagePNG, params)
}

// SDXLAttack calls the /sdxl endpoint (stage V3).
func (c *HTTPClient) SDXLAttack(ctx context.Context, imagePNG []byte, params AttackParams) (AttackResult, error) {
	return c.attack(ctx, "/sdxl", imagePNG, params)
}

type txt2imgRequest struct {
	Prompt            string  `json:"prompt"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	Steps             int     `json:"steps"`
	Guidance          float64 `json:"guidance"`
	MaxSequenceLength int     `json:"max_sequence_length"`
}

// Txt2Img calls the /txt2img endpoint: the semantic-reconstruction half
// of stage V2, run with the same caption and resolution but no input
// image (spec.md §4.7).
func (c *HTTPClient) Txt2Img(ctx context.Context, params Txt2ImgParams) (AttackResult, error) {
	req := txt2imgRequest{
		Prompt:            params.Prompt,
		Width:             params.Width,
		Height:            params.Height,
		Steps:             params.Steps,
		Guidance:          params.Guidance,
		MaxSequenceLength: params.MaxSequenceLength,
	}
	var resp attackResponse
	if err := c.postJSON(ctx, "/txt2img", req, &resp); err != nil {
		return AttackResult{}, err
	}

	var image []byte
	if resp.ImagePNGBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.ImagePNGBase64)
		if err != nil {
			return AttackResult{}, fmt.Errorf("decoding txt2img image: %w", err)
		}
		image = decoded
	}
	return AttackResult{Image: image, Success: resp.Success}, nil
}

func (c *HTTPClient) attack(ctx context.Context, path string, imagePNG []byte, params AttackParams) (AttackResult, error) {
	req := attackRequest{
		ImagePNGBase64: base64.StdEncoding.EncodeToString(imagePNG),
		Prompt:         params.Prompt,
		Strength:       params.Strength,
		Steps:          params.Steps,
		Guidance:       params.Guidance,
	}
	var resp attackResponse
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return AttackResult{}, err
	}

	var image []byte
	if resp.ImagePNGBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.ImagePNGBase64)
		if err != nil {
			return AttackResult{}, fmt.Errorf("decoding attack image: %w", err)
		}
		image = decoded
	}
	return AttackResult{Image: image, Success: resp.Success}, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(data))
	}

	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}
