package reconcile

import (
	"fmt"
	"math"
	"sort"

	"github.com/fyrsmithlabs/stagextract/internal/staging"
)

// Thresholds configure the resolution policy.
type Thresholds struct {
	// PatternHigh is the confidence a pattern candidate needs to win.
	PatternHigh float64

	// ModelHigh is the confidence a model candidate needs to win.
	ModelHigh float64

	// Epsilon is the confidence difference below which two stages are
	// considered comparable.
	Epsilon float64
}

// DefaultThresholds returns the stock policy.
func DefaultThresholds() Thresholds {
	return Thresholds{PatternHigh: 0.80, ModelHigh: 0.70, Epsilon: 0.05}
}

// Validate checks that thresholds are in range.
func (t Thresholds) Validate() error {
	if t.PatternHigh <= 0 || t.PatternHigh > 1 {
		return fmt.Errorf("pattern_high must be in (0, 1], got %v", t.PatternHigh)
	}
	if t.ModelHigh <= 0 || t.ModelHigh > 1 {
		return fmt.Errorf("model_high must be in (0, 1], got %v", t.ModelHigh)
	}
	if t.Epsilon < 0 || t.Epsilon >= 1 {
		return fmt.Errorf("epsilon must be in [0, 1), got %v", t.Epsilon)
	}
	return nil
}

// Reconciler applies the resolution policy. It holds no mutable state and
// is safe for concurrent use.
type Reconciler struct {
	th Thresholds
}

// New returns a Reconciler for th.
func New(th Thresholds) (*Reconciler, error) {
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return &Reconciler{th: th}, nil
}

// ResolveNote resolves candidates and stamps the note's identifying keys
// on the result.
func (r *Reconciler) ResolveNote(note staging.NoteRecord, candidates []staging.Candidate) staging.Result {
	return r.Resolve(note.NoteID, candidates).ForNote(note)
}

// Resolve picks the final stage for one note.
func (r *Reconciler) Resolve(noteID string, candidates []staging.Candidate) staging.Result {
	res := staging.Result{
		NoteID:     noteID,
		Status:     staging.StatusResolved,
		Provenance: []staging.ProvenanceEntry{},
		Reason:     staging.ReasonNoMatch,
	}

	groups := groupCandidates(candidates)
	if len(groups) == 0 {
		return res
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].rankBefore(groups[j]) })

	winner, reason := r.decide(groups)
	res.Reason = reason
	res.Provenance = provenance(groups, winner)
	if winner != nil {
		stage := winner.stage()
		res.FinalStage = &stage
		res.Confidence = winner.confidence
	}
	return res
}

func (r *Reconciler) decide(groups []*group) (*group, staging.ResolutionReason) {
	if len(groups) == 1 {
		g := groups[0]
		if g.patternScore >= r.th.PatternHigh || g.modelScore >= r.th.ModelHigh {
			return g, staging.ReasonSingleHighConfidence
		}
		return nil, staging.ReasonNoMatch
	}

	if g, ok := r.pick(groups, func(g *group) float64 { return g.patternScore }); ok && g.patternScore >= r.th.PatternHigh {
		return g, staging.ReasonSingleHighConfidence
	}
	if g, ok := r.pick(groups, func(g *group) float64 { return g.modelScore }); ok && g.modelScore >= r.th.ModelHigh {
		return g, staging.ReasonModelOverride
	}
	// Nothing cleared. Only a tie at the top is a conflict; a clear leader
	// that is merely weak is no match.
	if _, ok := r.pick(groups, func(g *group) float64 { return g.confidence }); ok {
		return nil, staging.ReasonNoMatch
	}
	return nil, staging.ReasonConflictingDiscarded
}

// pick returns the best group by score among groups with a positive score.
// Groups within epsilon of the leader are comparable; the winner must beat
// every comparable group on a tie-break rule, otherwise ok is false.
func (r *Reconciler) pick(groups []*group, score func(*group) float64) (*group, bool) {
	var scored []*group
	for _, g := range groups {
		if score(g) > 0 {
			scored = append(scored, g)
		}
	}
	if len(scored) == 0 {
		return nil, false
	}
	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := score(scored[i]), score(scored[j])
		if si != sj {
			return si > sj
		}
		return scored[i].key < scored[j].key
	})

	lead := score(scored[0])
	comparable := scored[:1]
	for _, g := range scored[1:] {
		if lead-score(g) <= r.th.Epsilon+1e-9 {
			comparable = append(comparable, g)
		}
	}

	for _, c := range comparable {
		beatsAll := true
		for _, o := range comparable {
			if o != c && !c.beats(o) {
				beatsAll = false
				break
			}
		}
		if beatsAll {
			return c, true
		}
	}
	return nil, false
}

// provenance lists the winner's members first, then the remaining
// candidates in group rank order.
func provenance(groups []*group, winner *group) []staging.ProvenanceEntry {
	out := []staging.ProvenanceEntry{}
	add := func(g *group) {
		for _, c := range g.members {
			out = append(out, staging.ProvenanceEntry{
				Source:      c.Source,
				CandidateID: c.ID,
				Confidence:  c.Confidence,
			})
		}
	}
	if winner != nil {
		add(winner)
	}
	for _, g := range groups {
		if g != winner {
			add(g)
		}
	}
	return out
}

// group collects the candidates that propose the same stage.
type group struct {
	key          string
	members      []staging.Candidate
	confidence   float64
	patternScore float64
	modelScore   float64
	historical   bool
	specificity  int
}

func groupCandidates(candidates []staging.Candidate) []*group {
	byKey := make(map[string]*group)
	var order []*group
	for _, c := range candidates {
		if c.Negated {
			continue
		}
		if err := c.Stage.Validate(); err != nil {
			continue
		}
		key := c.Stage.Key()
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key, historical: true, specificity: c.Stage.System.Specificity()}
			byKey[key] = g
			order = append(order, g)
		}
		g.members = append(g.members, c)
		g.confidence = math.Max(g.confidence, c.Confidence)
		switch c.Source {
		case staging.SourcePattern:
			g.patternScore = math.Max(g.patternScore, c.Confidence)
		case staging.SourceModel:
			g.modelScore = math.Max(g.modelScore, c.Confidence)
		}
		if !c.Historical {
			g.historical = false
		}
	}

	for _, g := range order {
		sort.SliceStable(g.members, func(i, j int) bool {
			a, b := g.members[i], g.members[j]
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if a.Historical != b.Historical {
				return !a.Historical
			}
			if a.Source != b.Source {
				return a.Source == staging.SourcePattern
			}
			return a.ID < b.ID
		})
	}
	return order
}

// rankBefore orders groups for provenance: confidence, current before
// historical, specificity, key.
func (g *group) rankBefore(o *group) bool {
	if g.confidence != o.confidence {
		return g.confidence > o.confidence
	}
	if g.historical != o.historical {
		return !g.historical
	}
	if g.specificity != o.specificity {
		return g.specificity > o.specificity
	}
	return g.key < o.key
}

// beats reports whether g wins a tie against o.
func (g *group) beats(o *group) bool {
	if g.historical != o.historical {
		return !g.historical
	}
	return g.specificity > o.specificity
}

// stage returns the group's representative stage. Attributes outside the
// key (prefix, laterality, tumor sequence) are taken from the most
// confident member that states them.
func (g *group) stage() staging.Stage {
	s := g.members[0].Stage
	for _, c := range g.members[1:] {
		if s.Prefix == "" {
			s.Prefix = c.Stage.Prefix
		}
		if s.Laterality == staging.LateralityNone {
			s.Laterality = c.Stage.Laterality
		}
		if s.TumorSequence == nil {
			s.TumorSequence = c.Stage.TumorSequence
		}
	}
	return s
}
