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

// Package dispatch hands each submitted protection request off to its
// own orchestrator goroutine, bounding how many run concurrently
// (spec.md §5: GPU-resident engine work runs with bounded fan-out). No
// ordering is guaranteed across jobs; each job's own stages stay
// strictly sequential inside the orchestrator.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drimit/shield/internal/models"
)

// Runner executes one protection job end to end, mutating the shared
// job-state store as it progresses. internal/orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, jobID string, req models.ProtectionRequest)
}

// StateStore is the subset of internal/jobstate.Store the dispatcher
// needs to record a job as queued the moment it is accepted.
type StateStore interface {
	Put(artworkID string, state models.JobState) error
}

// Dispatcher bounds the number of protection jobs running at once with a
// buffered-channel semaphore, matching spec.md §5's "bounded fan-out" per
// engine rather than an unbounded goroutine-per-request model.
type Dispatcher struct {
	runner  Runner
	states  StateStore
	logger  *zap.Logger
	sem     chan struct{}
	timeout time.Duration
}

// New builds a Dispatcher allowing at most maxConcurrent jobs to run
// their orchestrator stage simultaneously. jobTimeout bounds the whole
// job's wall-clock budget; zero disables the bound.
func New(runner Runner, states StateStore, maxConcurrent int, jobTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner:  runner,
		states:  states,
		logger:  logger,
		sem:     make(chan struct{}, maxConcurrent),
		timeout: jobTimeout,
	}
}

// Submit records the job as queued and starts its orchestrator goroutine
// in the background, returning immediately with the generated job id.
// The orchestrator goroutine blocks on the semaphore until a slot frees
// up, so Submit itself never blocks the caller.
func (d *Dispatcher) Submit(req models.ProtectionRequest) string {
	jobID := uuid.NewString()

	_ = d.states.Put(req.ArtworkID, models.JobState{
		ArtworkID:   req.ArtworkID,
		Status:      models.JobQueued,
		SubmittedAt: time.Now(),
	})

	go d.run(jobID, req)
	return jobID
}

func (d *Dispatcher) run(jobID string, req models.ProtectionRequest) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	ctx := context.Background()
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	d.logger.Info("starting protection job", zap.String("job_id", jobID), zap.String("artwork_id", req.ArtworkID))
	d.runner.Run(ctx, jobID, req)
}
