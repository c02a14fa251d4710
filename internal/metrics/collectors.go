// Package metrics exposes Prometheus collectors for batch runs and the
// HTTP endpoint that serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stagextract"

var (
	// NotesTotal counts notes by outcome.
	// Labels: outcome (resolved, failed, degraded, skipped, duplicate)
	NotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "notes_total",
			Help:      "Total number of notes handled, by outcome",
		},
		[]string{"outcome"},
	)

	// ResolutionsTotal counts resolved notes by resolution reason.
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "resolutions_total",
			Help:      "Total number of resolved notes by resolution reason",
		},
		[]string{"reason"},
	)

	// StageNotesTotal counts notes admitted to each extraction stage.
	// Labels: stage (pattern, model)
	StageNotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "stage_notes_total",
			Help:      "Total number of notes admitted to an extraction stage",
		},
		[]string{"stage"},
	)

	// StageErrorsTotal counts extractor errors by stage and failure kind.
	StageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "stage_errors_total",
			Help:      "Total number of extractor errors by stage and failure kind",
		},
		[]string{"stage", "kind"},
	)

	// ChunkDuration tracks end-to-end chunk processing time.
	ChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of chunk processing including the write, in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	// ChunkWritesTotal counts chunk write attempts.
	// Labels: result (success, retry, error)
	ChunkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "chunk_writes_total",
			Help:      "Total number of chunk write attempts by result",
		},
		[]string{"result"},
	)

	// ConsecutiveFailures is the current run of failed notes.
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failed or degraded-by-error notes",
		},
	)

	// RunsTotal counts finished runs.
	// Labels: outcome (completed, aborted, cancelled)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Total number of finished runs by outcome",
		},
		[]string{"outcome"},
	)
)
