// Package claude implements the pipeline LLM provider on the official
// Anthropic SDK. Each pipeline stage makes one single-shot call: the stage
// prompt goes out, one structured reply comes back, no tool loop.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
)

// Client implements pipeline.Provider against the Claude Messages API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Claude client for the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete sends one prompt and returns the model's reply.
func (c *Client) Complete(ctx context.Context, req *pipeline.PromptRequest) (*pipeline.PromptResponse, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(req.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	return fromSDKResponse(msg), nil
}

// fromSDKResponse flattens the reply's text blocks into a stage response.
func fromSDKResponse(msg *anthropic.Message) *pipeline.PromptResponse {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &pipeline.PromptResponse{
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Model:        string(msg.Model),
	}
}

// classifyErr marks retryable API failures so the pipeline retry policy can
// tell them apart from permanent ones.
func classifyErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if transientStatus(apierr.StatusCode) {
			return fmt.Errorf("%w: claude api status %d: %v", pipeline.ErrProviderTransient, apierr.StatusCode, err)
		}
		return fmt.Errorf("claude api: %w", err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", pipeline.ErrProviderTransient, err)
	}
	return fmt.Errorf("claude api: %w", err)
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
