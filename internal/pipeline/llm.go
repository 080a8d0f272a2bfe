package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Per-stage budgets. Stages never share conversational context: each call is
// a pure function of (fixed instruction, this stage's structured input), so
// the budgets are independent and small.
const (
	TriageResponseTokens      = 1024
	CorrelationResponseTokens = 1024
	HypothesisResponseTokens  = 768

	stageCallTimeout = 90 * time.Second

	// maxRawAlertBytes bounds how much of the raw alert document is included
	// in the classification prompt.
	maxRawAlertBytes = 8 * 1024
)

// Provider is the interface for the bounded external model capability.
// One request in, one structured text response out; no conversation state.
type Provider interface {
	Complete(ctx context.Context, req *PromptRequest) (*PromptResponse, error)
}

// PromptRequest is a single bounded model invocation.
type PromptRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// PromptResponse is the model's reply plus token accounting.
type PromptResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Tokens is the total token spend of the call.
func (r *PromptResponse) Tokens() int {
	return r.InputTokens + r.OutputTokens
}

// complete invokes the provider with the stage timeout and at most one retry
// on transient failures. Validation failures (malformed output) are not
// handled here; they are defaulted by the caller.
func (s *Service) complete(ctx context.Context, stage string, req *PromptRequest) (*PromptResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, stageCallTimeout)
	defer cancel()

	attempt := 0
	resp, err := backoff.Retry(ctx, func() (*PromptResponse, error) {
		attempt++
		if attempt > 1 {
			s.metrics.incLLMRetry(stage)
		}
		resp, err := s.provider.Complete(ctx, req)
		if err != nil {
			if errors.Is(err, ErrProviderTransient) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		s.metrics.incLLMCall(stage, "error")
		return nil, fmt.Errorf("%s model call: %w", stage, err)
	}

	s.metrics.incLLMCall(stage, "success")
	return resp, nil
}

// decodeJSON extracts the first JSON object from a model reply and decodes it
// into out. Models occasionally wrap the object in prose or code fences, so
// everything outside the outermost braces is ignored.
func decodeJSON(text string, out any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}

// truncate bounds s to max bytes, marking the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…(truncated)"
}
