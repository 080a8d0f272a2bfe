// Package dedup decides whether a triage candidate duplicates a recent prior
// triage. The similarity score is a weighted blend of rule identity, agent
// identity, entity overlap, and temporal proximity over a bounded recent
// window supplied by the persistence layer; the engine never scans history.
package dedup

import (
	"math"
	"time"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

// Default weights and threshold. Identical (ruleId, agentId) within a short
// window scores near-maximum; disjoint entities on a different rule score
// near-minimum.
const (
	DefaultThreshold = 0.80

	weightRule     = 0.40
	weightAgent    = 0.30
	weightEntities = 0.20
	weightTime     = 0.10

	// decayHalfLife is the temporal-proximity half-life: a prior triage this
	// old contributes half the time weight.
	decayHalfLife = 30 * time.Minute
)

// Candidate is the subset of a triage-in-progress the engine scores against
// prior triages.
type Candidate struct {
	RuleID    string
	AgentID   string
	Entities  []schema.Entity
	Timestamp time.Time
}

// Engine computes similarity scores and duplicate decisions.
type Engine struct {
	threshold float64
}

// New creates an engine with the given duplicate threshold.
// A threshold outside (0,1] falls back to DefaultThreshold.
func New(threshold float64) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Engine{threshold: threshold}
}

// Dedupe scores the candidate against each prior triage in the recent window
// and reports the best match. IsDuplicate is true iff the best score exceeds
// the threshold.
func (e *Engine) Dedupe(c Candidate, recent []*schema.TriageObject) schema.DedupResult {
	var best schema.DedupResult
	for _, prior := range recent {
		if prior == nil {
			continue
		}
		score := e.Score(c, prior)
		if score > best.SimilarityScore {
			best.SimilarityScore = score
			best.SimilarTriageID = prior.TriageID
		}
	}
	best.IsDuplicate = best.SimilarityScore > e.threshold
	if !best.IsDuplicate {
		best.SimilarTriageID = ""
	}
	return best
}

// Score computes the weighted similarity between a candidate and one prior triage.
func (e *Engine) Score(c Candidate, prior *schema.TriageObject) float64 {
	var score float64

	if c.RuleID != "" && c.RuleID == prior.RuleID {
		score += weightRule
	}
	if c.AgentID != "" && c.AgentID == prior.Agent.ID {
		score += weightAgent
	}
	score += weightEntities * jaccard(c.Entities, prior.Entities)
	score += weightTime * temporalProximity(c.Timestamp, prior.TriagedAt)

	return score
}

// jaccard is |A∩B| / |A∪B| over entity keys; two empty sets have no overlap signal.
func jaccard(a, b []schema.Entity) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, e := range a {
		set[e.Key()] = true
	}
	var inter int
	union := len(set)
	seenB := make(map[string]bool, len(b))
	for _, e := range b {
		k := e.Key()
		if seenB[k] {
			continue
		}
		seenB[k] = true
		if set[k] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// temporalProximity decays exponentially with the candidate/prior gap.
func temporalProximity(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return math.Exp2(-float64(gap) / float64(decayHalfLife))
}
