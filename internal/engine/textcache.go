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
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// decoyEmbedCacheTTL bounds how long a decoy prompt's text embedding stays
// cached. The decoy prompt set (DecoyPrompts) never changes within a
// running container, so this is really just a ceiling on cache lifetime
// rather than a correctness requirement.
const decoyEmbedCacheTTL = 30 * time.Minute

// CachedBackend wraps a Backend so repeated EmbedText calls for the same
// prompt are served from cache instead of re-running the text tower.
// BuildTargets calls EmbedText once per decoy prompt on every job; since
// DecoyPrompts is a fixed list, every job after the first hits cache for
// all of them. EmbedImage and Step are per-image and are never cached.
type CachedBackend struct {
	Backend
	cache       *ttlcache.Cache[string, TextEmbeddings]
	sfGroup     singleflight.Group
	logger      *zap.Logger
	persistPath string

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedBackend wraps backend with a text-embedding cache. When
// persistPath is non-empty, the cache is warmed from that file at
// construction (if present) and flushed back to it on Close, so a
// container restart doesn't re-pay for every decoy prompt's text-tower
// pass before its first concept-poison job completes; pass "" to disable
// persistence entirely (the in-memory cache still applies for the life of
// the process). Callers should use the returned value's Close instead of
// backend.Close directly, since it also stops the cache's janitor
// goroutine and flushes the persisted cache file.
func NewCachedBackend(backend Backend, logger *zap.Logger, persistPath string) *CachedBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(ttlcache.WithTTL[string, TextEmbeddings](decoyEmbedCacheTTL))
	go cache.Start()
	c := &CachedBackend{Backend: backend, cache: cache, logger: logger, persistPath: persistPath}
	if persistPath != "" {
		if err := c.warmFromDisk(persistPath); err != nil {
			logger.Warn("failed to warm decoy embedding cache from disk", zap.String("path", persistPath), zap.Error(err))
		}
	}
	return c
}

// EmbedText serves cached decoy-prompt embeddings where possible,
// deduplicating concurrent identical requests via singleflight.
func (c *CachedBackend) EmbedText(ctx context.Context, prompt string) (TextEmbeddings, error) {
	key := strconv.FormatUint(xxhash.Sum64String(prompt), 16)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		return item.Value(), nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		emb, err := c.Backend.EmbedText(ctx, prompt)
		if err != nil {
			return TextEmbeddings{}, err
		}
		c.cache.Set(key, emb, ttlcache.DefaultTTL)
		return emb, nil
	})
	if err != nil {
		return TextEmbeddings{}, err
	}
	return v.(TextEmbeddings), nil
}

// Stats reports the cache's lifetime hit/miss counts for logging.
func (c *CachedBackend) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the cache janitor, flushes the persisted cache file (if
// configured), and releases the wrapped backend.
func (c *CachedBackend) Close() error {
	c.cache.Stop()
	if c.persistPath != "" {
		if err := c.persistToDisk(c.persistPath); err != nil {
			c.logger.Warn("failed to persist decoy embedding cache", zap.String("path", c.persistPath), zap.Error(err))
		}
	}
	return c.Backend.Close()
}

// warmFromDisk loads previously persisted decoy-prompt embeddings from
// path, if present and sized for the current DecoyPrompts list. A cache
// file from a different (shorter or longer) decoy prompt set is ignored
// rather than partially applied.
func (c *CachedBackend) warmFromDisk(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	clipVecs, err := deserializeEmbeddingMatrix(f)
	if err != nil {
		return err
	}
	siglipVecs, err := deserializeEmbeddingMatrix(f)
	if err != nil {
		return err
	}

	prompts := DecoyPrompts()
	if len(clipVecs) != len(prompts) || len(siglipVecs) != len(prompts) {
		return nil
	}
	for i, prompt := range prompts {
		key := strconv.FormatUint(xxhash.Sum64String(prompt), 16)
		c.cache.Set(key, TextEmbeddings{CLIP: clipVecs[i], SigLIP: siglipVecs[i]}, ttlcache.DefaultTTL)
	}
	return nil
}

// persistToDisk writes every currently cached decoy-prompt embedding to
// path, in DecoyPrompts order. If any decoy prompt hasn't been embedded
// yet (a job never exercised that code path), nothing is written, since a
// partial cache file would be indistinguishable from a complete one to a
// future warmFromDisk call.
func (c *CachedBackend) persistToDisk(path string) error {
	prompts := DecoyPrompts()
	clipVecs := make([][]float32, 0, len(prompts))
	siglipVecs := make([][]float32, 0, len(prompts))
	for _, prompt := range prompts {
		key := strconv.FormatUint(xxhash.Sum64String(prompt), 16)
		item := c.cache.Get(key)
		if item == nil {
			return nil
		}
		emb := item.Value()
		clipVecs = append(clipVecs, emb.CLIP)
		siglipVecs = append(siglipVecs, emb.SigLIP)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := serializeEmbeddingMatrix(f, clipVecs); err != nil {
		return err
	}
	return serializeEmbeddingMatrix(f, siglipVecs)
}
