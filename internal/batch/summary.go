package batch

import (
	"time"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// RunSummary reports the outcome of one run.
type RunSummary struct {
	RunID string `json:"run_id"`

	// Processed counts notes with a written result, failed entries included.
	Processed int `json:"processed"`

	// Skipped counts notes already completed in the sink plus duplicate
	// note_ids within the run.
	Skipped int `json:"skipped"`

	// Failed counts explicit failed entries.
	Failed int `json:"failed"`

	// Degraded counts resolved results carrying the degraded flag.
	Degraded int `json:"degraded"`

	Reasons map[staging.ResolutionReason]int `json:"reasons"`
	Chunks  int                              `json:"chunks"`
	Elapsed time.Duration                    `json:"elapsed"`

	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abort_reason,omitempty"`
}

func (s *RunSummary) add(r staging.Result) {
	s.Processed++
	switch {
	case r.Failed():
		s.Failed++
	default:
		if r.Degraded {
			s.Degraded++
		}
		s.Reasons[r.Reason]++
	}
}
