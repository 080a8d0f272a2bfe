package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/dedup"
	"github.com/linnemanlabs/sentinel/internal/extract"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

// classifyOutput is the structured reply expected from the classification
// call. Confidence stays raw JSON so numeric strings and junk can be coerced
// instead of failing the decode.
type classifyOutput struct {
	Severity           string          `json:"severity"`
	SeverityConfidence json.RawMessage `json:"severityConfidence"`
	SeverityReasoning  string          `json:"severityReasoning"`
	Route              string          `json:"route"`
	RouteReasoning     string          `json:"routeReasoning"`
	Summary            string          `json:"summary"`
	KeyEvidence        []string        `json:"keyEvidence"`
	Uncertainties      []string        `json:"uncertainties"`
}

// TriageAlert runs the triage stage for one raw alert: extraction, dedup
// against the recent window, one bounded classification call, validation and
// defaulting, and persistence. The returned TriageObject is persisted with
// status completed, or failed with an error message on unrecoverable failure;
// the error return is reserved for infrastructure problems (store down).
func (s *Service) TriageAlert(ctx context.Context, rawAlert json.RawMessage, queueItemID int64) (*schema.TriageObject, error) {
	start := time.Now()
	doc := schema.NewDocument(rawAlert)

	alertID, _ := doc.Str("id")

	// Idempotency: a retry for an alert already in flight or done returns
	// the existing record instead of double-processing.
	if alertID != "" {
		if existing, ok, err := s.store.GetTriageByAlertID(ctx, alertID); err != nil {
			return nil, fmt.Errorf("lookup triage by alert id: %w", err)
		} else if ok && existing.Status != schema.StatusFailed {
			s.logger.Info(ctx, "alert already triaged, returning existing record",
				"alert_id", alertID, "triage_id", existing.TriageID, "status", string(existing.Status))
			return existing, nil
		}
	}

	t := newTriageObject(doc, alertID, s.opts.TriagedBy)

	L := s.logger.With(
		"triage_id", t.TriageID,
		"alert_id", t.AlertID,
		"rule_id", t.RuleID,
		"agent_id", t.Agent.ID,
	)
	if queueItemID != 0 {
		L = L.With("queue_item_id", queueItemID)
	}

	if err := s.store.PutTriage(ctx, t); err != nil {
		return nil, fmt.Errorf("persist pending triage: %w", err)
	}
	t.Status = schema.StatusProcessing
	if err := s.store.PutTriage(ctx, t); err != nil {
		return nil, fmt.Errorf("persist processing triage: %w", err)
	}

	t.Entities = extract.Entities(doc)
	t.MitreMapping = extract.Mitre(doc)

	recent, err := s.store.RecentTriages(ctx, start.Add(-s.opts.DedupWindow), s.opts.DedupRecentLimit)
	if err != nil {
		return s.failTriage(ctx, t, start, fmt.Errorf("load dedup window: %w", err))
	}
	t.Dedup = s.dedup.Dedupe(dedup.Candidate{
		RuleID:    t.RuleID,
		AgentID:   t.Agent.ID,
		Entities:  t.Entities,
		Timestamp: start,
	}, recent)
	s.metrics.incDedup(t.Dedup.IsDuplicate)

	resp, err := s.complete(ctx, "triage", &PromptRequest{
		System:    triageSystemPrompt,
		Prompt:    buildTriagePrompt(t, rawAlert),
		MaxTokens: TriageResponseTokens,
	})
	if err != nil {
		return s.failTriage(ctx, t, start, err)
	}
	t.TokensUsed = resp.Tokens()

	var out classifyOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		// Malformed output is defaulted, never retried or surfaced as a failure.
		L.Warn(ctx, "classification output malformed, applying defaults", "error", err.Error())
	}
	applyClassification(t, &out)

	// Dedup verdict overrides whatever the classification proposed.
	if t.Dedup.IsDuplicate {
		t.Route = schema.RouteDuplicateNoisy
		t.RouteReasoning = fmt.Sprintf("duplicate of %s (similarity %.2f)",
			t.Dedup.SimilarTriageID, t.Dedup.SimilarityScore)
	}

	t.Status = schema.StatusCompleted
	t.LatencyMs = time.Since(start).Milliseconds()
	if err := s.store.PutTriage(ctx, t); err != nil {
		return nil, fmt.Errorf("persist completed triage: %w", err)
	}

	s.metrics.observeStage("triage", string(t.Status), time.Since(start).Seconds(), t.TokensUsed)
	s.metrics.incRoute(string(t.Route))

	s.writeEntitiesToGraph(ctx, t)

	if s.notifier != nil && t.Route == schema.RouteHighConfidence {
		if err := s.notifier.NotifyTriage(ctx, t); err != nil {
			L.Warn(ctx, "triage notification failed", "error", err.Error())
		}
	}

	L.Info(ctx, "triage complete",
		"severity", string(t.Severity),
		"route", string(t.Route),
		"duplicate", t.Dedup.IsDuplicate,
		"entities", len(t.Entities),
		"latency_ms", t.LatencyMs,
		"tokens", t.TokensUsed,
	)
	return t, nil
}

// failTriage persists a failed triage so it stays visible and manually
// retriable; it never crashes processing of other alerts.
func (s *Service) failTriage(ctx context.Context, t *schema.TriageObject, start time.Time, cause error) (*schema.TriageObject, error) {
	t.Status = schema.StatusFailed
	t.ErrorMessage = cause.Error()
	t.LatencyMs = time.Since(start).Milliseconds()

	if err := s.store.PutTriage(ctx, t); err != nil {
		return nil, fmt.Errorf("persist failed triage (cause: %v): %w", cause, err)
	}
	s.metrics.observeStage("triage", string(schema.StatusFailed), time.Since(start).Seconds(), t.TokensUsed)

	s.logger.Error(ctx, cause, "triage failed", "triage_id", t.TriageID, "alert_id", t.AlertID)
	return t, nil
}

// newTriageObject builds the pending record with alert context lifted from
// the raw document. All accessors are total; absent fields stay zero.
func newTriageObject(doc schema.Document, alertID, triagedBy string) *schema.TriageObject {
	ruleID, _ := doc.Str("rule.id")
	ruleDesc, _ := doc.Str("rule.description")
	ruleLevel, _ := doc.Int("rule.level")
	ts, _ := doc.Str("timestamp")

	agentID, _ := doc.Str("agent.id")
	agentName, _ := doc.Str("agent.name")
	agentIP, _ := doc.Str("agent.ip")
	agentOS, _ := doc.Str("agent.os.name")

	var family string
	if groups := doc.Strings("rule.groups"); len(groups) > 0 {
		family = groups[0]
	}

	return &schema.TriageObject{
		TriageID:        schema.NewTriageID(),
		AlertID:         alertID,
		SchemaVersion:   schema.Version,
		RuleID:          ruleID,
		RuleDescription: ruleDesc,
		RuleLevel:       int(ruleLevel),
		AlertTimestamp:  ts,
		Agent: schema.AgentInfo{
			ID:   agentID,
			Name: agentName,
			IP:   agentIP,
			OS:   agentOS,
		},
		AlertFamily: family,
		RawAlert:    doc.Raw(),
		TriagedAt:   time.Now().UTC(),
		TriagedBy:   triagedBy,
		Status:      schema.StatusPending,
	}
}

// applyClassification validates and defaults every classification field onto
// the triage record. Unknown severities become info, unknown routes become
// B_LOW_CONFIDENCE, and confidence is coerced into [0,1].
func applyClassification(t *schema.TriageObject, out *classifyOutput) {
	t.Severity = schema.NormalizeSeverity(out.Severity)
	t.SeverityConfidence = schema.CoerceConfidence(out.SeverityConfidence)
	t.SeverityReasoning = out.SeverityReasoning
	t.Route = schema.NormalizeRoute(out.Route)
	t.RouteReasoning = out.RouteReasoning
	t.Summary = out.Summary
	t.KeyEvidence = out.KeyEvidence
	t.Uncertainties = out.Uncertainties
}

func (s *Service) writeEntitiesToGraph(ctx context.Context, t *schema.TriageObject) {
	if s.graph == nil || len(t.Entities) == 0 {
		return
	}
	if err := s.graph.WriteEntities(ctx, t.TriageID, t.Entities); err != nil {
		s.logger.Warn(ctx, "knowledge graph write failed",
			"triage_id", t.TriageID, "error", err.Error())
	}
}

const triageSystemPrompt = `You are a SOC triage analyst. You receive exactly one security alert with its extracted observables. Classify it and reply with a single JSON object, no prose, with these fields:
{
  "severity": "critical|high|medium|low|info",
  "severityConfidence": 0.0-1.0,
  "severityReasoning": "...",
  "route": "A_DUPLICATE_NOISY|B_LOW_CONFIDENCE|C_HIGH_CONFIDENCE|D_LIKELY_BENIGN",
  "routeReasoning": "...",
  "summary": "one-paragraph analyst summary",
  "keyEvidence": ["..."],
  "uncertainties": ["..."]
}
Route meanings: A = duplicate/noise suppression candidate, B = suspicious but needs enrichment, C = high-confidence threat requiring escalation, D = likely benign closure candidate.`

// buildTriagePrompt renders the structured triage input: this alert plus its
// extracted observables, nothing else. No prior conversation is ever included.
func buildTriagePrompt(t *schema.TriageObject, rawAlert json.RawMessage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Alert %s from rule %s (level %d): %s\n",
		t.AlertID, t.RuleID, t.RuleLevel, t.RuleDescription)
	fmt.Fprintf(&b, "Agent: id=%s name=%s ip=%s\n", t.Agent.ID, t.Agent.Name, t.Agent.IP)

	if len(t.Entities) > 0 {
		b.WriteString("Extracted entities:\n")
		for _, e := range t.Entities {
			fmt.Fprintf(&b, "- %s: %s\n", e.Type, e.Value)
		}
	}
	if len(t.MitreMapping) > 0 {
		b.WriteString("MITRE ATT&CK mapping:\n")
		for _, m := range t.MitreMapping {
			fmt.Fprintf(&b, "- %s %s (%s)\n", m.ID, m.Name, m.Tactic)
		}
	}

	b.WriteString("\nRaw alert document:\n")
	b.WriteString(truncate(string(rawAlert), maxRawAlertBytes))
	b.WriteString("\n\nClassify this alert.")

	return b.String()
}
