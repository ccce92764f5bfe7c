// ABOUTME: Single-shot chat completions with request defaults and a fallback response
// ABOUTME: Transport and status failures never surface as errors; callers get a diagnostic completion

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/2389/localbase/internal/metrics"
)

// FinishReasonError marks a completion produced locally after a failed request
const FinishReasonError openai.FinishReason = "error"

// CompletionRequest is a chat completion call. Zero values take the configured defaults.
type CompletionRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Temperature float32
	MaxTokens   int
}

// IsFallback reports whether resp was synthesized after a failure
func IsFallback(resp *openai.ChatCompletionResponse) bool {
	return resp != nil && len(resp.Choices) > 0 && resp.Choices[0].FinishReason == FinishReasonError
}

// buildRequest fills configured defaults. Nil messages become a single greeting.
func (c *Client) buildRequest(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if out.Model == "" {
		out.Model = c.cfg.DefaultModel
	}
	if out.Temperature == 0 {
		out.Temperature = c.cfg.Temperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = c.cfg.MaxTokens
	}
	if len(out.Messages) == 0 {
		out.Messages = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hello"},
		}
	}
	return out
}

// MakeCompletion POSTs /chat/completions and returns the decoded completion. On
// any failure it returns a fallback completion with finish_reason "error".
func (c *Client) MakeCompletion(ctx context.Context, req CompletionRequest) *openai.ChatCompletionResponse {
	body := c.buildRequest(req, false)
	start := c.now()

	resp, err := c.complete(ctx, body)
	if err != nil {
		c.logger.Error("completion request failed", "model", body.Model, "error", err)
		c.metrics.RecordCompletion(metrics.ModeSingle, metrics.OutcomeFallback, c.now().Sub(start))
		return c.fallback(body.Model, err)
	}

	c.metrics.RecordCompletion(metrics.ModeSingle, metrics.OutcomeOK, c.now().Sub(start))
	return resp
}

func (c *Client) complete(ctx context.Context, body openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	ctx, cancel := c.withTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client().R().
		SetContext(ctx).
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("posting completion: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnexpectedStatus, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(resp.Body(), &completion); err != nil {
		return nil, fmt.Errorf("decoding completion: %w", err)
	}
	return &completion, nil
}

// fallback builds the diagnostic completion returned after a failure. Usage is zero.
func (c *Client) fallback(model string, cause error) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		ID:      "local-error-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: c.now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: fmt.Sprintf("Sorry, an error occurred while processing your request: %v", cause),
				},
				FinishReason: FinishReasonError,
			},
		},
		Usage: openai.Usage{},
	}
}
