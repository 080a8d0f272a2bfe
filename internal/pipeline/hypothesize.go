package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

// Risk thresholds driving automated case transitions.
const (
	investigateRiskThreshold = 40.0
	escalateRiskThreshold    = 75.0

	// maxCaseEntities bounds the entity set accumulated on a long-lived case.
	maxCaseEntities = 100
)

// reasoningOutput is the structured reply expected from the case reasoning call.
type reasoningOutput struct {
	WorkingTheory string `json:"workingTheory"`
}

// Hypothesize runs the hypothesis stage for a completed correlation bundle:
// it attaches the bundle to an existing open case sharing entities with the
// source triage, or opens a new case, updates the working theory via one
// bounded reasoning call, and advances the case status along the
// forward-only chain based on the bundle's risk signals.
func (s *Service) Hypothesize(ctx context.Context, correlationID string) (*schema.LivingCaseObject, error) {
	start := time.Now()

	b, ok, err := s.store.GetCorrelation(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("lookup correlation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCorrelationNotFound, correlationID)
	}
	if b.Status != schema.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrCorrelationNotCompleted, correlationID, b.Status)
	}

	src, ok, err := s.store.GetTriage(ctx, b.SourceTriageID)
	if err != nil {
		return nil, fmt.Errorf("lookup source triage: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriageNotFound, b.SourceTriageID)
	}

	c, opened, err := s.findOrOpenCase(ctx, src)
	if err != nil {
		return nil, err
	}

	L := s.logger.With("case_id", c.CaseID, "correlation_id", b.CorrelationID, "triage_id", src.TriageID)

	attachCorrelation(c, src, b)
	if opened {
		s.metrics.incCaseOpened()
		L.Info(ctx, "opened new case", "prior_case_id", c.PriorCaseID)
	}

	resp, err := s.complete(ctx, "hypothesis", &PromptRequest{
		System:    hypothesisSystemPrompt,
		Prompt:    buildHypothesisPrompt(c, src, b),
		MaxTokens: HypothesisResponseTokens,
	})
	if err != nil {
		// The attachment is still persisted so the case reflects the new
		// evidence; only the theory update is lost and visible in history.
		c.History = append(c.History, schema.CaseHistoryEntry{
			At:    time.Now().UTC(),
			Kind:  "reasoning_failed",
			RefID: b.CorrelationID,
			Note:  err.Error(),
		})
		L.Error(ctx, err, "case reasoning failed, persisting attachment without theory update")
	} else {
		var out reasoningOutput
		if derr := decodeJSON(resp.Text, &out); derr != nil {
			L.Warn(ctx, "reasoning output malformed, keeping previous theory", "error", derr.Error())
		} else if out.WorkingTheory != "" {
			c.WorkingTheory = out.WorkingTheory
		}
	}

	s.transitionCase(ctx, c, b)

	c.UpdatedAt = time.Now().UTC()
	if err := s.store.PutCase(ctx, c); err != nil {
		return nil, fmt.Errorf("persist case: %w", err)
	}
	if err := s.store.SetTriageCaseLink(ctx, src.TriageID, c.CaseID); err != nil {
		L.Warn(ctx, "failed to attach case link to triage", "error", err.Error())
	}

	var tokens int
	if resp != nil {
		tokens = resp.Tokens()
	}
	s.metrics.observeStage("hypothesis", "completed", time.Since(start).Seconds(), tokens)

	if s.notifier != nil && c.Status == schema.CaseEscalated {
		if err := s.notifier.NotifyCaseEscalated(ctx, c, b); err != nil {
			L.Warn(ctx, "case escalation notification failed", "error", err.Error())
		}
	}

	L.Info(ctx, "hypothesis complete",
		"case_status", string(c.Status),
		"correlations", len(c.CorrelationIDs),
		"latency_ms", time.Since(start).Milliseconds(),
		"tokens", tokens,
	)
	return c, nil
}

// findOrOpenCase locates an open case for the source triage, preferring its
// explicit caseLink, then any open case sharing an entity. Terminal cases are
// never reopened: a fresh case is created with a history pointer to the old
// one.
func (s *Service) findOrOpenCase(ctx context.Context, src *schema.TriageObject) (*schema.LivingCaseObject, bool, error) {
	var priorCaseID string

	if src.CaseLink != "" {
		c, ok, err := s.store.GetCase(ctx, src.CaseLink)
		if err != nil {
			return nil, false, fmt.Errorf("lookup linked case: %w", err)
		}
		if ok {
			if !schema.IsTerminalCaseStatus(c.Status) {
				return c, false, nil
			}
			priorCaseID = c.CaseID
		}
	}

	if priorCaseID == "" {
		open, err := s.store.OpenCases(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("list open cases: %w", err)
		}
		srcKeys := entityKeySet(src.Entities)
		for _, c := range open {
			if len(sharedKeys(srcKeys, c.Entities)) > 0 {
				return c, false, nil
			}
		}
	}

	now := time.Now().UTC()
	c := &schema.LivingCaseObject{
		CaseID:        schema.NewCaseID(),
		SchemaVersion: schema.Version,
		Status:        schema.CaseOpen,
		PriorCaseID:   priorCaseID,
		OpenedAt:      now,
		UpdatedAt:     now,
		History: []schema.CaseHistoryEntry{{
			At:    now,
			Kind:  "opened",
			RefID: src.TriageID,
		}},
	}
	return c, true, nil
}

// attachCorrelation folds the bundle and its source triage into the case.
func attachCorrelation(c *schema.LivingCaseObject, src *schema.TriageObject, b *schema.CorrelationBundle) {
	c.CorrelationIDs = appendUnique(c.CorrelationIDs, b.CorrelationID)
	c.TriageIDs = appendUnique(c.TriageIDs, src.TriageID)

	have := entityKeySet(c.Entities)
	for _, e := range src.Entities {
		if len(c.Entities) >= maxCaseEntities {
			break
		}
		if !have[e.Key()] {
			have[e.Key()] = true
			c.Entities = append(c.Entities, e)
		}
	}

	c.History = append(c.History, schema.CaseHistoryEntry{
		At:    time.Now().UTC(),
		Kind:  "correlation_attached",
		RefID: b.CorrelationID,
		Note:  fmt.Sprintf("risk %.0f, %d evidence items", b.RiskScore, len(b.EvidencePack)),
	})
}

// transitionCase advances the case along the forward-only chain from the
// bundle's risk signals. Terminal transitions are left to analysts.
func (s *Service) transitionCase(ctx context.Context, c *schema.LivingCaseObject, b *schema.CorrelationBundle) {
	var ev schema.CaseTransitionEvent
	switch {
	case b.RiskScore >= escalateRiskThreshold:
		ev = schema.EventEscalate
	case b.RiskScore >= investigateRiskThreshold:
		ev = schema.EventInvestigate
	default:
		return
	}

	next, ok := schema.NextCaseStatus(c.Status, ev)
	if !ok {
		return
	}

	prev := c.Status
	c.Status = next
	c.History = append(c.History, schema.CaseHistoryEntry{
		At:    time.Now().UTC(),
		Kind:  "status_transition",
		RefID: b.CorrelationID,
		Note:  fmt.Sprintf("%s -> %s (risk %.0f)", prev, next, b.RiskScore),
	})
	s.metrics.incCaseTransition(string(prev), string(next))

	s.logger.Info(ctx, "case status advanced",
		"case_id", c.CaseID, "from", string(prev), "to", string(next), "risk_score", b.RiskScore)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

const hypothesisSystemPrompt = `You are a SOC investigation lead maintaining the working theory of an ongoing case. You receive the case's current state and one new correlation bundle. Update the theory and reply with a single JSON object, no prose:
{
  "workingTheory": "the updated working theory for this investigation"
}`

// buildHypothesisPrompt renders this stage's structured input: the persisted
// case state plus the new bundle. No prior stage transcripts.
func buildHypothesisPrompt(c *schema.LivingCaseObject, src *schema.TriageObject, b *schema.CorrelationBundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Case %s (status %s, %d correlations so far)\n",
		c.CaseID, c.Status, len(c.CorrelationIDs))
	if c.WorkingTheory != "" {
		fmt.Fprintf(&sb, "Current working theory: %s\n", c.WorkingTheory)
	} else {
		sb.WriteString("No working theory yet.\n")
	}

	fmt.Fprintf(&sb, "\nNew correlation %s for triage %s (severity %s):\n",
		b.CorrelationID, src.TriageID, src.Severity)
	fmt.Fprintf(&sb, "Risk score %.0f\n", b.RiskScore)
	fmt.Fprintf(&sb, "Correlation summary: %s\n", b.CorrelationSummary)
	for _, h := range b.SuggestedHypotheses {
		fmt.Fprintf(&sb, "- suggested hypothesis: %s\n", h)
	}

	sb.WriteString("\nUpdate the working theory.")
	return sb.String()
}
