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

// Package metrics — Prometheus instrumentation for the shield service.
//
// Exposure: the metrics live on a dedicated registry returned by
// Registry(); internal/api does not serve a /metrics route.
//
// Metric naming convention: shield_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) so the process can be embedded without
// colliding with other instrumented libraries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus descriptor the service records against.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Jobs ─────────────────────────────────────────────────────────

	// JobsSubmittedTotal is registered for protection jobs accepted by the
	// API; no package increments it.
	JobsSubmittedTotal prometheus.Counter

	// JobsCompletedTotal counts jobs that reached a terminal state.
	// Labels: status (completed, failed)
	JobsCompletedTotal *prometheus.CounterVec

	// JobDuration records end-to-end wall time per job.
	JobDuration prometheus.Histogram

	// JobsInFlight is the current number of jobs being processed.
	JobsInFlight prometheus.Gauge

	// ─── Perturbation engine ──────────────────────────────────────────

	// EngineStepsTotal counts PGD steps executed across all jobs.
	EngineStepsTotal prometheus.Counter

	// EngineStepDuration is registered for per-step wall time; no package
	// observes it.
	EngineStepDuration prometheus.Histogram

	// EngineFinalLoss records the loss value at convergence or step budget.
	EngineFinalLoss prometheus.Histogram

	// EngineLoadFailuresTotal is registered for backend load failures; no
	// package increments it.
	EngineLoadFailuresTotal prometheus.Counter

	// ─── Watermark ─────────────────────────────────────────────────────

	// WatermarkEmbedTotal counts spread-spectrum embed operations.
	WatermarkEmbedTotal prometheus.Counter

	// WatermarkDetectScore records the correlation score observed on detect.
	WatermarkDetectScore prometheus.Histogram

	// ─── Verification ──────────────────────────────────────────────────

	// VerifierStageFailuresTotal counts recovered per-stage verifier failures.
	// Labels: stage (V1, V2, V3)
	VerifierStageFailuresTotal *prometheus.CounterVec

	// ─── Storage ────────────────────────────────────────────────────────

	// StorageUploadDuration records object-storage PUT latency.
	StorageUploadDuration prometheus.Histogram

	// StorageUploadFailuresTotal counts failed uploads.
	StorageUploadFailuresTotal prometheus.Counter

	// ─── Job-state store ──────────────────────────────────────────────

	// JobStateCacheHitsTotal / JobStateCacheMissesTotal instrument the
	// read-through cache in front of the bbolt store.
	JobStateCacheHitsTotal   prometheus.Counter
	JobStateCacheMissesTotal prometheus.Counter

	startTime time.Time
}

// New creates and registers every shield Prometheus metric on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		JobsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total protection jobs accepted by the API.",
		}),

		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total jobs reaching a terminal state, by status.",
		}, []string{"status"}),

		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shield",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "End-to-end job wall time.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shield",
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Jobs currently being processed.",
		}),

		EngineStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Total PGD steps executed across all jobs.",
		}),

		EngineStepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shield",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Per-step wall time of the adversarial perturbation engine.",
			Buckets:   prometheus.DefBuckets,
		}),

		EngineFinalLoss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shield",
			Subsystem: "engine",
			Name:      "final_loss",
			Help:      "Total loss value at the last executed step.",
			Buckets:   prometheus.LinearBuckets(0, 0.5, 20),
		}),

		EngineLoadFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "engine",
			Name:      "load_failures_total",
			Help:      "Backend load failures (missing or corrupt model files).",
		}),

		WatermarkEmbedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "watermark",
			Name:      "embed_total",
			Help:      "Total spread-spectrum watermark embeds.",
		}),

		WatermarkDetectScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shield",
			Subsystem: "watermark",
			Name:      "detect_score",
			Help:      "Correlation score observed during watermark detection.",
			Buckets:   prometheus.LinearBuckets(0, 1, 20),
		}),

		VerifierStageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "verifier",
			Name:      "stage_failures_total",
			Help:      "Recovered per-stage verification failures, by stage.",
		}, []string{"stage"}),

		StorageUploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shield",
			Subsystem: "storage",
			Name:      "upload_duration_seconds",
			Help:      "Object storage PUT latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageUploadFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "storage",
			Name:      "upload_failures_total",
			Help:      "Total failed object storage uploads.",
		}),

		JobStateCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "jobstate",
			Name:      "cache_hits_total",
			Help:      "Job-state reads served from the in-memory cache.",
		}),

		JobStateCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shield",
			Subsystem: "jobstate",
			Name:      "cache_misses_total",
			Help:      "Job-state reads that fell through to the bbolt store.",
		}),
	}

	reg.MustRegister(
		m.JobsSubmittedTotal,
		m.JobsCompletedTotal,
		m.JobDuration,
		m.JobsInFlight,
		m.EngineStepsTotal,
		m.EngineStepDuration,
		m.EngineFinalLoss,
		m.EngineLoadFailuresTotal,
		m.WatermarkEmbedTotal,
		m.WatermarkDetectScore,
		m.VerifierStageFailuresTotal,
		m.StorageUploadDuration,
		m.StorageUploadFailuresTotal,
		m.JobStateCacheHitsTotal,
		m.JobStateCacheMissesTotal,
	)

	return m
}

// Registry exposes the dedicated registry so a caller can gather or serve it.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// UptimeSeconds returns seconds since the metrics set was created.
func (m *Metrics) UptimeSeconds() float64 { return time.Since(m.startTime).Seconds() }
