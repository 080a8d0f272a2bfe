package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

// synthesisOutput is the structured reply expected from the correlation
// synthesis call.
type synthesisOutput struct {
	CorrelationSummary  string   `json:"correlationSummary"`
	SuggestedHypotheses []string `json:"suggestedHypotheses"`
}

// Risk score contributions. The aggregate is always clamped to [0,100].
var severityRiskBase = map[schema.Severity]float64{
	schema.SeverityCritical: 40,
	schema.SeverityHigh:     30,
	schema.SeverityMedium:   20,
	schema.SeverityLow:      10,
	schema.SeverityInfo:     5,
}

const (
	riskPerEvidenceItem  = 5.0
	riskEvidenceCap      = 30.0
	riskCredentialAccess = 15.0
	riskUserEntity       = 5.0
	riskCVEEntity        = 10.0
)

// Correlate runs the correlation stage for a completed triage: it gathers an
// evidence pack of related triages inside the time window, computes
// cross-entity links and a clamped risk score, and asks the model to
// synthesize a summary and candidate hypotheses.
//
// A missing or non-completed source triage is a hard failure: a typed error
// is returned and nothing is persisted.
func (s *Service) Correlate(ctx context.Context, sourceTriageID string) (*schema.CorrelationBundle, error) {
	start := time.Now()

	src, ok, err := s.store.GetTriage(ctx, sourceTriageID)
	if err != nil {
		return nil, fmt.Errorf("lookup source triage: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriageNotFound, sourceTriageID)
	}
	if src.Status != schema.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrTriageNotCompleted, sourceTriageID, src.Status)
	}

	window := schema.TimeWindow{
		Start: start.Add(-s.opts.CorrelationWindow).UTC(),
		End:   start.UTC(),
	}

	b := &schema.CorrelationBundle{
		CorrelationID:  schema.NewCorrelationID(),
		SchemaVersion:  schema.Version,
		SourceTriageID: src.TriageID,
		CorrelatedAt:   start.UTC(),
		TimeWindow:     window,
		Status:         schema.StatusProcessing,
	}

	L := s.logger.With("correlation_id", b.CorrelationID, "triage_id", src.TriageID)

	evidence, err := s.gatherEvidence(ctx, src, window)
	if err != nil {
		return nil, fmt.Errorf("gather evidence: %w", err)
	}
	b.EvidencePack = evidence
	b.CrossEntityLinks = crossEntityLinks(src, evidence)
	b.RiskScore, b.RiskFactors = riskScore(src, evidence, b.CrossEntityLinks)

	resp, err := s.complete(ctx, "correlation", &PromptRequest{
		System:    correlationSystemPrompt,
		Prompt:    buildCorrelationPrompt(src, b),
		MaxTokens: CorrelationResponseTokens,
	})
	if err != nil {
		// The deterministic part of the bundle is still worth persisting:
		// a failed stage stays visible and manually retriable.
		b.Status = schema.StatusFailed
		b.ErrorMessage = err.Error()
		b.LatencyMs = time.Since(start).Milliseconds()
		if perr := s.store.PutCorrelation(ctx, b); perr != nil {
			return nil, fmt.Errorf("persist failed correlation (cause: %v): %w", err, perr)
		}
		s.metrics.observeStage("correlation", string(schema.StatusFailed), time.Since(start).Seconds(), 0)
		L.Error(ctx, err, "correlation failed")
		return b, nil
	}
	b.TokensUsed = resp.Tokens()

	var out synthesisOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		L.Warn(ctx, "synthesis output malformed, applying defaults", "error", err.Error())
	}
	b.CorrelationSummary = out.CorrelationSummary
	b.SuggestedHypotheses = out.SuggestedHypotheses

	b.Status = schema.StatusCompleted
	b.LatencyMs = time.Since(start).Milliseconds()
	if err := s.store.PutCorrelation(ctx, b); err != nil {
		return nil, fmt.Errorf("persist correlation: %w", err)
	}

	s.metrics.observeStage("correlation", string(b.Status), time.Since(start).Seconds(), b.TokensUsed)
	s.metrics.observeRisk(b.RiskScore)

	L.Info(ctx, "correlation complete",
		"evidence_items", len(b.EvidencePack),
		"links", len(b.CrossEntityLinks),
		"risk_score", b.RiskScore,
		"latency_ms", b.LatencyMs,
		"tokens", b.TokensUsed,
	)
	return b, nil
}

// gatherEvidence collects completed triages inside the window that share at
// least one entity with the source, newest first, bounded by EvidenceLimit.
func (s *Service) gatherEvidence(ctx context.Context, src *schema.TriageObject, window schema.TimeWindow) ([]schema.EvidenceItem, error) {
	// Fetch deeper than the pack bound: most recent triages share no entity
	// with the source and are filtered out below.
	recent, err := s.store.RecentTriages(ctx, window.Start, s.opts.EvidenceLimit*4)
	if err != nil {
		return nil, err
	}

	srcKeys := entityKeySet(src.Entities)

	pack := []schema.EvidenceItem{}
	for _, prior := range recent {
		if prior.TriageID == src.TriageID || prior.Status != schema.StatusCompleted {
			continue
		}
		shared := sharedKeys(srcKeys, prior.Entities)
		if len(shared) == 0 {
			continue
		}
		pack = append(pack, schema.EvidenceItem{
			TriageID:        prior.TriageID,
			AlertID:         prior.AlertID,
			RuleID:          prior.RuleID,
			RuleDescription: prior.RuleDescription,
			Severity:        prior.Severity,
			AgentID:         prior.Agent.ID,
			AgentName:       prior.Agent.Name,
			Timestamp:       prior.TriagedAt,
			Summary:         prior.Summary,
			Entities:        prior.Entities,
			SharedEntities:  shared,
		})
		if len(pack) >= s.opts.EvidenceLimit {
			break
		}
	}
	return pack, nil
}

// crossEntityLinks finds entity pairs that co-occur in at least two evidence
// items (the source counts as one item) and tags each pair with a link type.
func crossEntityLinks(src *schema.TriageObject, evidence []schema.EvidenceItem) []schema.CrossEntityLink {
	type pairInfo struct {
		a, b  schema.Entity
		count int
	}

	items := make([][]schema.Entity, 0, len(evidence)+1)
	items = append(items, src.Entities)
	for _, ev := range evidence {
		items = append(items, ev.Entities)
	}

	pairs := make(map[string]*pairInfo)
	for _, ents := range items {
		seen := make(map[string]bool)
		for i := 0; i < len(ents); i++ {
			for j := i + 1; j < len(ents); j++ {
				a, b := ents[i], ents[j]
				if a.Key() == b.Key() {
					continue
				}
				if b.Key() < a.Key() {
					a, b = b, a
				}
				k := a.Key() + "|" + b.Key()
				if seen[k] {
					continue
				}
				seen[k] = true
				if p, ok := pairs[k]; ok {
					p.count++
				} else {
					pairs[k] = &pairInfo{a: a, b: b, count: 1}
				}
			}
		}
	}

	links := []schema.CrossEntityLink{}
	for _, p := range pairs {
		if p.count < 2 {
			continue
		}
		links = append(links, schema.CrossEntityLink{
			EntityA:     p.a,
			EntityB:     p.b,
			LinkType:    linkType(p.a.Type, p.b.Type),
			Occurrences: p.count,
		})
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Occurrences != links[j].Occurrences {
			return links[i].Occurrences > links[j].Occurrences
		}
		return links[i].EntityA.Key() < links[j].EntityA.Key()
	})
	return links
}

func linkType(a, b schema.EntityType) string {
	has := func(t schema.EntityType) bool { return a == t || b == t }
	switch {
	case has(schema.EntityHost) || has(schema.EntityHostname):
		return "same_host"
	case has(schema.EntityIP):
		return "shared_ip"
	case has(schema.EntityUser):
		return "shared_user"
	case has(schema.EntityHash):
		return "shared_hash"
	default:
		return "co_occurrence"
	}
}

// riskScore aggregates source severity, evidence volume, and the presence of
// high-value entity types and tactics, and clamps the result to [0,100].
func riskScore(src *schema.TriageObject, evidence []schema.EvidenceItem, links []schema.CrossEntityLink) (float64, []schema.RiskFactor) {
	var factors []schema.RiskFactor
	var total float64

	base := severityRiskBase[src.Severity]
	total += base
	factors = append(factors, schema.RiskFactor{
		Name:         "source_severity",
		Contribution: base,
		Detail:       string(src.Severity),
	})

	volume := riskPerEvidenceItem * float64(len(evidence))
	if volume > riskEvidenceCap {
		volume = riskEvidenceCap
	}
	if volume > 0 {
		total += volume
		factors = append(factors, schema.RiskFactor{
			Name:         "evidence_volume",
			Contribution: volume,
			Detail:       fmt.Sprintf("%d related triages in window", len(evidence)),
		})
	}

	// Credential-access techniques weigh more than other tactics.
	for _, m := range src.MitreMapping {
		if strings.Contains(strings.ToLower(m.Tactic), "credential") {
			total += riskCredentialAccess
			factors = append(factors, schema.RiskFactor{
				Name:         "credential_access_technique",
				Contribution: riskCredentialAccess,
				Detail:       m.ID,
			})
			break
		}
	}

	var hasUser, hasCVE bool
	for _, l := range links {
		if l.EntityA.Type == schema.EntityUser || l.EntityB.Type == schema.EntityUser {
			hasUser = true
		}
		if l.EntityA.Type == schema.EntityCVE || l.EntityB.Type == schema.EntityCVE {
			hasCVE = true
		}
	}
	if hasUser {
		total += riskUserEntity
		factors = append(factors, schema.RiskFactor{
			Name:         "user_entity_linked",
			Contribution: riskUserEntity,
		})
	}
	if hasCVE {
		total += riskCVEEntity
		factors = append(factors, schema.RiskFactor{
			Name:         "cve_entity_linked",
			Contribution: riskCVEEntity,
		})
	}

	return schema.ClampRiskScore(total), factors
}

func entityKeySet(ents []schema.Entity) map[string]bool {
	set := make(map[string]bool, len(ents))
	for _, e := range ents {
		set[e.Key()] = true
	}
	return set
}

func sharedKeys(set map[string]bool, ents []schema.Entity) []string {
	var shared []string
	seen := make(map[string]bool)
	for _, e := range ents {
		k := e.Key()
		if set[k] && !seen[k] {
			seen[k] = true
			shared = append(shared, k)
		}
	}
	sort.Strings(shared)
	return shared
}

const correlationSystemPrompt = `You are a SOC correlation analyst. You receive one triaged alert plus a deterministic evidence pack of related recent triages, cross-entity links, and a computed risk score. Synthesize them and reply with a single JSON object, no prose:
{
  "correlationSummary": "what the combined evidence shows",
  "suggestedHypotheses": ["candidate explanation 1", "..."]
}`

// buildCorrelationPrompt renders this stage's structured input: the source
// triage and the deterministic bundle content. Prior stage transcripts are
// never included.
func buildCorrelationPrompt(src *schema.TriageObject, b *schema.CorrelationBundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Source triage %s: rule %s (%s), severity %s, route %s\n",
		src.TriageID, src.RuleID, src.RuleDescription, src.Severity, src.Route)
	fmt.Fprintf(&sb, "Summary: %s\n", src.Summary)
	fmt.Fprintf(&sb, "Risk score (computed): %.0f\n", b.RiskScore)
	for _, f := range b.RiskFactors {
		fmt.Fprintf(&sb, "- risk factor %s: +%.0f %s\n", f.Name, f.Contribution, f.Detail)
	}

	fmt.Fprintf(&sb, "\nEvidence pack (%d related triages in window %s .. %s):\n",
		len(b.EvidencePack), b.TimeWindow.Start.Format(time.RFC3339), b.TimeWindow.End.Format(time.RFC3339))
	for _, ev := range b.EvidencePack {
		fmt.Fprintf(&sb, "- %s rule=%s severity=%s agent=%s shared=%s summary=%s\n",
			ev.TriageID, ev.RuleID, ev.Severity, ev.AgentID,
			strings.Join(ev.SharedEntities, ","), truncate(ev.Summary, 200))
	}

	if len(b.CrossEntityLinks) > 0 {
		sb.WriteString("\nCross-entity links:\n")
		for _, l := range b.CrossEntityLinks {
			fmt.Fprintf(&sb, "- %s %s <-> %s (seen together %d times)\n",
				l.LinkType, l.EntityA.Key(), l.EntityB.Key(), l.Occurrences)
		}
	}

	sb.WriteString("\nSynthesize the correlation.")
	return sb.String()
}
