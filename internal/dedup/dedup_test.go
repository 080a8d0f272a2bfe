package dedup

import (
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

func entities(values ...string) []schema.Entity {
	out := make([]schema.Entity, 0, len(values))
	for _, v := range values {
		out = append(out, schema.Entity{Type: schema.EntityIP, Value: v, Source: "alert", Confidence: 1})
	}
	return out
}

func priorTriage(id, ruleID, agentID string, at time.Time, ents []schema.Entity) *schema.TriageObject {
	return &schema.TriageObject{
		TriageID:  id,
		RuleID:    ruleID,
		Agent:     schema.AgentInfo{ID: agentID},
		Entities:  ents,
		TriagedAt: at,
		Status:    schema.StatusCompleted,
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	e := New(DefaultThreshold)

	tests := []struct {
		name  string
		c     Candidate
		prior *schema.TriageObject
		min   float64
		max   float64
	}{
		{
			name: "identical rule agent entities and time scores near max",
			c: Candidate{
				RuleID: "5710", AgentID: "001",
				Entities: entities("203.0.113.7"), Timestamp: now,
			},
			prior: priorTriage("tri-1", "5710", "001", now, entities("203.0.113.7")),
			min:   0.99, max: 1.0,
		},
		{
			name: "disjoint everything scores near min",
			c: Candidate{
				RuleID: "5710", AgentID: "001",
				Entities: entities("203.0.113.7"), Timestamp: now,
			},
			prior: priorTriage("tri-2", "31151", "042", now.Add(-6*time.Hour), entities("198.51.100.9")),
			min:   0, max: 0.01,
		},
		{
			name: "same rule different agent",
			c: Candidate{
				RuleID: "5710", AgentID: "001", Timestamp: now,
			},
			prior: priorTriage("tri-3", "5710", "042", now, nil),
			min:   0.49, max: 0.51,
		},
		{
			name: "half hour gap halves the time weight",
			c: Candidate{
				RuleID: "5710", AgentID: "001",
				Entities: entities("203.0.113.7"), Timestamp: now,
			},
			prior: priorTriage("tri-4", "5710", "001", now.Add(-30*time.Minute), entities("203.0.113.7")),
			min:   0.94, max: 0.96,
		},
		{
			name: "partial entity overlap",
			c: Candidate{
				Entities: entities("a", "b"), Timestamp: now,
			},
			// jaccard {a,b} vs {b,c} = 1/3
			prior: priorTriage("tri-5", "", "", now, entities("b", "c")),
			min:   0.16, max: 0.17,
		},
		{
			name:  "empty rule id never matches empty rule id",
			c:     Candidate{Timestamp: now},
			prior: priorTriage("tri-6", "", "", now, nil),
			min:   0.09, max: 0.11,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.Score(tt.c, tt.prior)
			if got < tt.min || got > tt.max {
				t.Errorf("Score = %g, want in [%g, %g]", got, tt.min, tt.max)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	e := New(DefaultThreshold)

	c := Candidate{
		RuleID: "5710", AgentID: "001",
		Entities: entities("203.0.113.7"), Timestamp: now,
	}

	t.Run("duplicate above threshold", func(t *testing.T) {
		t.Parallel()
		recent := []*schema.TriageObject{
			priorTriage("tri-old", "31151", "042", now.Add(-2*time.Hour), entities("198.51.100.9")),
			priorTriage("tri-dup", "5710", "001", now.Add(-5*time.Minute), entities("203.0.113.7")),
		}
		got := e.Dedupe(c, recent)
		if !got.IsDuplicate {
			t.Fatalf("IsDuplicate = false, score %g", got.SimilarityScore)
		}
		if got.SimilarTriageID != "tri-dup" {
			t.Errorf("SimilarTriageID = %q, want tri-dup", got.SimilarTriageID)
		}
		if got.SimilarityScore <= DefaultThreshold {
			t.Errorf("SimilarityScore = %g, want > %g", got.SimilarityScore, DefaultThreshold)
		}
	})

	t.Run("below threshold clears similar id", func(t *testing.T) {
		t.Parallel()
		recent := []*schema.TriageObject{
			priorTriage("tri-other", "31151", "042", now.Add(-2*time.Hour), entities("198.51.100.9")),
		}
		got := e.Dedupe(c, recent)
		if got.IsDuplicate {
			t.Fatalf("IsDuplicate = true, score %g", got.SimilarityScore)
		}
		if got.SimilarTriageID != "" {
			t.Errorf("SimilarTriageID = %q, want empty when not duplicate", got.SimilarTriageID)
		}
	})

	t.Run("empty window", func(t *testing.T) {
		t.Parallel()
		got := e.Dedupe(c, nil)
		if got.IsDuplicate || got.SimilarityScore != 0 || got.SimilarTriageID != "" {
			t.Errorf("Dedupe(empty window) = %+v, want zero result", got)
		}
	})

	t.Run("nil entries skipped", func(t *testing.T) {
		t.Parallel()
		got := e.Dedupe(c, []*schema.TriageObject{nil, nil})
		if got.IsDuplicate {
			t.Errorf("Dedupe over nil entries = %+v", got)
		}
	})
}

func TestDedupe_TemporalDecay(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	e := New(DefaultThreshold)

	// Identical rule+agent with partial entity overlap sits just under the
	// threshold without the time weight: a fresh prior crosses 0.80, a
	// three-hour-old one does not.
	c := Candidate{
		RuleID: "5710", AgentID: "001",
		Entities: entities("a", "b"), Timestamp: now,
	}

	fresh := e.Dedupe(c, []*schema.TriageObject{
		priorTriage("tri-fresh", "5710", "001", now.Add(-1*time.Minute), entities("b", "c")),
	})
	if !fresh.IsDuplicate {
		t.Errorf("fresh prior: IsDuplicate = false, score %g", fresh.SimilarityScore)
	}

	stale := e.Dedupe(c, []*schema.TriageObject{
		priorTriage("tri-stale", "5710", "001", now.Add(-3*time.Hour), entities("b", "c")),
	})
	if stale.IsDuplicate {
		t.Errorf("stale prior: IsDuplicate = true, score %g", stale.SimilarityScore)
	}
	if stale.SimilarityScore >= fresh.SimilarityScore {
		t.Errorf("stale score %g >= fresh score %g, want decay", stale.SimilarityScore, fresh.SimilarityScore)
	}
}

func TestNew_ThresholdFallback(t *testing.T) {
	t.Parallel()

	for _, bad := range []float64{0, -1, 1.5} {
		e := New(bad)
		if e.threshold != DefaultThreshold {
			t.Errorf("New(%g) threshold = %g, want %g", bad, e.threshold, DefaultThreshold)
		}
	}
	if e := New(0.5); e.threshold != 0.5 {
		t.Errorf("New(0.5) threshold = %g, want 0.5", e.threshold)
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []schema.Entity
		want float64
	}{
		{"both empty", nil, nil, 0},
		{"one empty", entities("x"), nil, 0},
		{"identical", entities("x", "y"), entities("x", "y"), 1},
		{"disjoint", entities("x"), entities("y"), 0},
		{"half overlap", entities("x", "y"), entities("y", "z"), 1.0 / 3.0},
		{"duplicates in b counted once", entities("x"), entities("x", "x"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := jaccard(tt.a, tt.b); got != tt.want {
				t.Errorf("jaccard = %g, want %g", got, tt.want)
			}
		})
	}
}
