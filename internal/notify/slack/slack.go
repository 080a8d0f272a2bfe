// Package slack sends pipeline notifications to Slack via incoming webhooks:
// high-confidence triages and case escalations.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends pipeline results to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, sends are no-ops.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// NotifyTriage posts a high-confidence triage to the configured webhook.
func (n *Notifier) NotifyTriage(ctx context.Context, t *schema.TriageObject) error {
	return n.post(ctx, triageMessage(t))
}

// NotifyCaseEscalated posts a case escalation to the configured webhook.
func (n *Notifier) NotifyCaseEscalated(ctx context.Context, c *schema.LivingCaseObject, b *schema.CorrelationBundle) error {
	return n.post(ctx, escalationMessage(c, b))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func triageMessage(t *schema.TriageObject) map[string]any {
	title := fmt.Sprintf("%s High-Confidence Alert: %s", severityEmoji(t.Severity), t.RuleDescription)

	fields := []map[string]any{
		mrkdwn("*Severity:* %s (%.2f)", t.Severity, t.SeverityConfidence),
		mrkdwn("*Route:* %s", t.Route),
		mrkdwn("*Rule:* %s (level %d)", t.RuleID, t.RuleLevel),
		mrkdwn("*Agent:* %s (%s)", t.Agent.Name, t.Agent.ID),
		mrkdwn("*Entities:* %d", len(t.Entities)),
		mrkdwn("*Tokens:* %d", t.TokensUsed),
	}

	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(title),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			{"type": "divider"},
			summaryBlock("Summary", t.Summary),
			{"type": "divider"},
			contextBlock(fmt.Sprintf("sentinel • triage %s • %s", t.TriageID, stamp(t.TriagedAt))),
		},
	}
}

func escalationMessage(c *schema.LivingCaseObject, b *schema.CorrelationBundle) map[string]any {
	title := fmt.Sprintf("\U0001f6a8 Case Escalated: %s", c.CaseID)

	fields := []map[string]any{
		mrkdwn("*Status:* %s", c.Status),
		mrkdwn("*Risk score:* %.0f", b.RiskScore),
		mrkdwn("*Correlations:* %d", len(c.CorrelationIDs)),
		mrkdwn("*Triages:* %d", len(c.TriageIDs)),
		mrkdwn("*Entities:* %d", len(c.Entities)),
		mrkdwn("*Evidence items:* %d", len(b.EvidencePack)),
	}

	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(title),
			{"type": "divider"},
			{"type": "section", "fields": fields},
			{"type": "divider"},
			summaryBlock("Working theory", c.WorkingTheory),
			{"type": "divider"},
			contextBlock(fmt.Sprintf("sentinel • correlation %s • %s", b.CorrelationID, stamp(c.UpdatedAt))),
		},
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func summaryBlock(label, text string) map[string]any {
	text = truncate(text, maxSummaryLen)
	if text == "" {
		text = "_Not available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n\n%s", label, text),
		},
	}
}

func contextBlock(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func mrkdwn(format string, args ...any) map[string]any {
	return map[string]any{
		"type": "mrkdwn",
		"text": fmt.Sprintf(format, args...),
	}
}

func severityEmoji(severity schema.Severity) string {
	switch severity {
	case schema.SeverityCritical:
		return "\U0001f534" // red circle
	case schema.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case schema.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func stamp(ts time.Time) string {
	return ts.UTC().Format("2006-01-02 15:04 UTC")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
