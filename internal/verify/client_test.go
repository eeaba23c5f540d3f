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

package verify

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCaptionSendsBearerTokenAndDecodesResponse(t *testing.T) {
	var gotAuth string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var req captionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), req.ImagePNGBase64)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SemanticResult{Caption: "a cat", Tags: []string{"cat"}, PerceivedQuality: true})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "attack-token", time.Second)
	res, err := c.Caption(t.Context(), []byte("png-bytes"))

	require.NoError(t, err)
	require.Equal(t, "/caption", gotPath)
	require.Equal(t, "Bearer attack-token", gotAuth)
	require.Equal(t, "a cat", res.Caption)
	require.True(t, res.PerceivedQuality)
}

func TestFluxAttackDecodesImageBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/flux", r.URL.Path)
		var req attackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "a fox", req.Prompt)
		require.Equal(t, 0.6, req.Strength)
		require.Equal(t, 4, req.Steps)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(attackResponse{
			ImagePNGBase64: base64.StdEncoding.EncodeToString([]byte("attacked-bytes")),
			Success:        true,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	res, err := c.FluxAttack(t.Context(), []byte("png-bytes"), AttackParams{Prompt: "a fox", Strength: 0.6, Steps: 4, Guidance: 0})

	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []byte("attacked-bytes"), res.Image)
}

func TestTxt2ImgSendsResolutionAndDecodesImageBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/txt2img", r.URL.Path)
		var req txt2imgRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "a fox", req.Prompt)
		require.Equal(t, 1024, req.Width)
		require.Equal(t, 768, req.Height)
		require.Equal(t, 256, req.MaxSequenceLength)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(attackResponse{
			ImagePNGBase64: base64.StdEncoding.EncodeToString([]byte("reconstructed-bytes")),
			Success:        true,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	res, err := c.Txt2Img(t.Context(), Txt2ImgParams{Prompt: "a fox", Width: 1024, Height: 768, Steps: 4, MaxSequenceLength: 256})

	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []byte("reconstructed-bytes"), res.Image)
}

func TestPostJSONReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("out of memory"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.SDXLAttack(t.Context(), []byte("png-bytes"), AttackParams{Prompt: "x"})
	require.Error(t, err)
}
