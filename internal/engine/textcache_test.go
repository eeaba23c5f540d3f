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

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingBackend wraps fakeBackend and counts EmbedText calls, so tests
// can assert the cache actually prevents repeat calls rather than merely
// returning consistent values.
type countingBackend struct {
	*fakeBackend
	embedTextCalls atomic.Int64
}

func (b *countingBackend) EmbedText(ctx context.Context, prompt string) (TextEmbeddings, error) {
	b.embedTextCalls.Add(1)
	return b.fakeBackend.EmbedText(ctx, prompt)
}

func TestCachedBackendEmbedTextHitsCacheOnRepeat(t *testing.T) {
	inner := &countingBackend{fakeBackend: newFakeBackend()}
	c := NewCachedBackend(inner, nil, "")
	defer func() { _ = c.Close() }()

	first, err := c.EmbedText(context.Background(), "a painting in the style of Van Gogh")
	require.NoError(t, err)

	second, err := c.EmbedText(context.Background(), "a painting in the style of Van Gogh")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, inner.embedTextCalls.Load())

	hits, misses := c.Stats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
}

func TestCachedBackendEmbedTextDistinctPromptsMiss(t *testing.T) {
	inner := &countingBackend{fakeBackend: newFakeBackend()}
	c := NewCachedBackend(inner, nil, "")
	defer func() { _ = c.Close() }()

	_, err := c.EmbedText(context.Background(), "prompt one")
	require.NoError(t, err)
	_, err = c.EmbedText(context.Background(), "prompt two")
	require.NoError(t, err)

	require.EqualValues(t, 2, inner.embedTextCalls.Load())
}

func TestCachedBackendEmbedTextDeduplicatesConcurrentMisses(t *testing.T) {
	inner := &countingBackend{fakeBackend: newFakeBackend()}
	c := NewCachedBackend(inner, nil, "")
	defer func() { _ = c.Close() }()

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := c.EmbedText(context.Background(), "shared prompt")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, inner.embedTextCalls.Load())
}

func TestCachedBackendEmbedTextPropagatesError(t *testing.T) {
	inner := &countingBackend{fakeBackend: newFakeBackend()}
	c := NewCachedBackend(&erroringEmbedText{countingBackend: inner}, nil, "")
	defer func() { _ = c.Close() }()

	_, err := c.EmbedText(context.Background(), "doomed prompt")
	require.Error(t, err)
}

type erroringEmbedText struct {
	*countingBackend
}

func (e *erroringEmbedText) EmbedText(context.Context, string) (TextEmbeddings, error) {
	return TextEmbeddings{}, errors.New("text tower unavailable")
}

func TestCachedBackendPersistsDecoyEmbeddingsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decoy_embeddings.bin")

	inner := &countingBackend{fakeBackend: newFakeBackend()}
	first := NewCachedBackend(inner, nil, path)
	for _, prompt := range DecoyPrompts() {
		_, err := first.EmbedText(context.Background(), prompt)
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	calls := inner.embedTextCalls.Load()
	require.Positive(t, calls)

	second := NewCachedBackend(inner, nil, path)
	defer func() { _ = second.Close() }()

	for _, prompt := range DecoyPrompts() {
		_, err := second.EmbedText(context.Background(), prompt)
		require.NoError(t, err)
	}

	require.Equal(t, calls, inner.embedTextCalls.Load(), "warmed cache should serve every decoy prompt without a backend call")
}

func TestCachedBackendIgnoresStaleCacheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decoy_embeddings.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, serializeEmbeddingMatrix(f, [][]float32{{1, 2, 3}}))
	require.NoError(t, f.Close())

	inner := &countingBackend{fakeBackend: newFakeBackend()}
	c := NewCachedBackend(inner, nil, path)
	defer func() { _ = c.Close() }()

	_, err = c.EmbedText(context.Background(), DecoyPrompts()[0])
	require.NoError(t, err)
	require.EqualValues(t, 1, inner.embedTextCalls.Load())
}
