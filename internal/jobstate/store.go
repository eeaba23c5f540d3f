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

// Package jobstate persists per-artwork protection job state so bulk
// status polling survives process restarts, and fronts it with an
// in-memory read-through TTL cache so the hot "is it done yet" poll path
// never touches disk.
//
// Schema (bbolt bucket layout):
//
//	/jobs
//	    key:   artwork_id
//	    value: JSON-encoded models.JobState
package jobstate

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jellydator/ttlcache/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/drimit/shield/internal/metrics"
	"github.com/drimit/shield/internal/models"
)

const bucketJobs = "jobs"

// Store persists JobState to bbolt and caches reads in a bounded TTL
// cache, matching the read-through pattern the teacher uses for
// reranking results.
type Store struct {
	db      *bolt.DB
	cache   *ttlcache.Cache[string, models.JobState]
	metrics *metrics.Metrics
}

// Config controls the on-disk path, cache TTL, and cache capacity.
type Config struct {
	DBPath        string
	CacheTTL      time.Duration
	CacheCapacity uint64
}

// Open opens (or creates) the bbolt database at cfg.DBPath and starts
// the read-through cache.
func Open(cfg Config, m *metrics.Metrics) (*Store, error) {
	db, err := bolt.Open(cfg.DBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening job state db %q: %w", cfg.DBPath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketJobs))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing job state bucket: %w", err)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	capacity := cfg.CacheCapacity
	if capacity == 0 {
		capacity = 10000
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, models.JobState](ttl),
		ttlcache.WithCapacity[string, models.JobState](capacity),
	)
	go cache.Start()

	return &Store{db: db, cache: cache, metrics: m}, nil
}

// Close releases the underlying bbolt file and stops the cache.
func (s *Store) Close() error {
	s.cache.Stop()
	return s.db.Close()
}

// Put writes js for artworkID, updating both bbolt and the cache.
func (s *Store) Put(artworkID string, js models.JobState) error {
	data, err := sonic.Marshal(js)
	if err != nil {
		return fmt.Errorf("marshaling job state: %w", err)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).Put([]byte(artworkID), data)
	}); err != nil {
		return fmt.Errorf("persisting job state for %q: %w", artworkID, err)
	}

	s.cache.Set(artworkID, js, ttlcache.DefaultTTL)
	return nil
}

// Get returns the job state for artworkID, using the cache when
// available and falling back to bbolt on a miss.
func (s *Store) Get(artworkID string) (models.JobState, bool) {
	if item := s.cache.Get(artworkID); item != nil {
		if s.metrics != nil {
			s.metrics.JobStateCacheHitsTotal.Inc()
		}
		return item.Value(), true
	}
	if s.metrics != nil {
		s.metrics.JobStateCacheMissesTotal.Inc()
	}

	var js models.JobState
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketJobs)).Get([]byte(artworkID))
		if data == nil {
			return nil
		}
		if err := sonic.Unmarshal(data, &js); err != nil {
			return err
		}
		found = true
		return nil
	})
	if found {
		s.cache.Set(artworkID, js, ttlcache.DefaultTTL)
	}
	return js, found
}

// Delete removes artworkID's state from both bbolt and the cache — used
// when a bulk status request acknowledges a completed job.
func (s *Store) Delete(artworkID string) error {
	s.cache.Delete(artworkID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).Delete([]byte(artworkID))
	})
}

// BulkGet resolves artworkIDs to their current states, acknowledging (and
// removing) any IDs listed in ackIDs first — the semantics the bulk
// status endpoint needs (spec.md §6).
func (s *Store) BulkGet(artworkIDs, ackIDs []string) (map[string]models.JobState, error) {
	for _, id := range ackIDs {
		if err := s.Delete(id); err != nil {
			return nil, fmt.Errorf("acking %q: %w", id, err)
		}
	}

	out := make(map[string]models.JobState, len(artworkIDs))
	for _, id := range artworkIDs {
		if js, ok := s.Get(id); ok {
			out[id] = js
		} else {
			out[id] = models.JobState{ArtworkID: id, Status: "unknown"}
		}
	}
	return out, nil
}
