// ABOUTME: OpenAI-compatible pass-through for clients that talk to the model directly
// ABOUTME: Streams chunks in the chat.completion.chunk format ending with [DONE]

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/2389/localbase/internal/llm"
)

// handleChatCompletions handles POST /v1/chat/completions. A failed single-shot
// call still answers 200 with the fallback completion, as the host expects.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = req.MaxCompletionTokens
	}
	creq := llm.CompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}

	if !req.Stream {
		g.writeJSON(w, http.StatusOK, g.shim.MakeLLMAPICall(r.Context(), creq))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := g.shim.StreamLLMResponse(r.Context(), creq)
	if err != nil {
		g.logger.Error("failed to open completion stream", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer stream.Close()

	model := req.Model
	if model == "" {
		model = g.shim.LLM.DefaultModel()
	}
	chunk := openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	first := true
	for delta, err := range stream.Deltas() {
		if err != nil {
			g.logger.Warn("completion stream failed", "error", err)
			g.writeDataFrame(w, map[string]any{"error": map[string]string{"message": err.Error()}})
			break
		}
		d := openai.ChatCompletionStreamChoiceDelta{Content: delta}
		if first {
			d.Role = openai.ChatMessageRoleAssistant
			first = false
		}
		chunk.Choices = []openai.ChatCompletionStreamChoice{{Index: 0, Delta: d}}
		g.writeDataFrame(w, chunk)
		flusher.Flush()
	}

	chunk.Choices = []openai.ChatCompletionStreamChoice{{Index: 0, FinishReason: openai.FinishReasonStop}}
	g.writeDataFrame(w, chunk)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeDataFrame writes v as an unnamed SSE data frame
func (g *Gateway) writeDataFrame(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("failed to marshal stream chunk", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleListModels handles GET /v1/models by asking the inference server.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := g.shim.LLM.ListModels(r.Context())
	if err != nil {
		g.logger.Warn("failed to list models", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "inference server unavailable")
		return
	}
	g.writeJSON(w, http.StatusOK, models)
}
