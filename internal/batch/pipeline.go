package batch

import (
	"github.com/fyrsmithlabs/stagextract/internal/extraction"
	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// Gate decides whether a stage sees a note, given the candidates produced
// by earlier stages.
type Gate func(note staging.NoteRecord, prior []staging.Candidate) bool

// Always admits every note.
func Always(staging.NoteRecord, []staging.Candidate) bool { return true }

// BelowConfidence admits notes with no non-negated candidate, or whose best
// non-negated candidate is below threshold.
func BelowConfidence(threshold float64) Gate {
	return func(_ staging.NoteRecord, prior []staging.Candidate) bool {
		best := -1.0
		for _, c := range prior {
			if c.Negated {
				continue
			}
			if c.Confidence > best {
				best = c.Confidence
			}
		}
		return best < threshold
	}
}

// Stage is one step of the extraction pipeline.
type Stage struct {
	Extractor extraction.Extractor

	// Gate defaults to Always.
	Gate Gate

	// Workers bounds concurrent Extract calls; values below 1 mean 1.
	Workers int
}

// Pipeline builds the standard pipeline: the pattern stage for every note,
// then the model stage, when model is non-nil, for notes the pattern stage
// left below patternHigh.
func Pipeline(pattern, model extraction.Extractor, patternWorkers, modelWorkers int, patternHigh float64) []Stage {
	stages := []Stage{{Extractor: pattern, Gate: Always, Workers: patternWorkers}}
	if model != nil {
		stages = append(stages, Stage{
			Extractor: model,
			Gate:      BelowConfidence(patternHigh),
			Workers:   modelWorkers,
		})
	}
	return stages
}
