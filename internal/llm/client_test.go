// ABOUTME: Tests for the inference client against httptest servers
// ABOUTME: Covers completions, fallback responses, streaming, health and model listing

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/localbase/internal/config"
	"github.com/2389/localbase/internal/metrics"
)

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		BaseURL:        baseURL,
		DefaultModel:   "local-mistral",
		Temperature:    0.7,
		MaxTokens:      4096,
		RequestTimeout: 10 * time.Second,
		HealthTimeout:  time.Second,
	}
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(testConfig(srv.URL+"/v1"), nil, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
		}
	}
}

func contentFrame(s string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", s)
}

func TestMakeCompletion_Success(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","model":"local-mistral",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))

	resp := c.MakeCompletion(context.Background(), CompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hello"}},
	})

	require.NotNil(t, resp)
	assert.False(t, IsFallback(resp))
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	assert.Equal(t, "local-mistral", got.Model)
	assert.InDelta(t, 0.7, got.Temperature, 0.0001)
	assert.Equal(t, 4096, got.MaxTokens)
	assert.False(t, got.Stream)
}

func TestMakeCompletion_NilMessagesBecomeGreeting(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))

	c.MakeCompletion(context.Background(), CompletionRequest{Model: "other", MaxTokens: 16})

	require.Len(t, got.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[0].Role)
	assert.Equal(t, "Hello", got.Messages[0].Content)
	assert.Equal(t, "other", got.Model)
	assert.Equal(t, 16, got.MaxTokens)
}

func TestMakeCompletion_ServerErrorReturnsFallback(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}), WithMetrics(m))

	resp := c.MakeCompletion(context.Background(), CompletionRequest{})

	require.NotNil(t, resp)
	require.Len(t, resp.Choices, 1)
	assert.True(t, IsFallback(resp))
	assert.Equal(t, FinishReasonError, resp.Choices[0].FinishReason)
	assert.Equal(t, openai.ChatMessageRoleAssistant, resp.Choices[0].Message.Role)
	assert.Contains(t, resp.Choices[0].Message.Content, "500")
	assert.Equal(t, 0, resp.Usage.TotalTokens)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues(metrics.ModeSingle, metrics.OutcomeFallback)))
}

func TestMakeCompletion_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(testConfig(url), nil)
	defer c.Close()

	resp := c.MakeCompletion(context.Background(), CompletionRequest{})
	assert.True(t, IsFallback(resp))
	assert.Equal(t, 0, resp.Usage.TotalTokens)
}

func TestMakeCompletion_MalformedBodyReturnsFallback(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))

	resp := c.MakeCompletion(context.Background(), CompletionRequest{})
	assert.True(t, IsFallback(resp))
}

func TestStream_YieldsDeltasUntilDone(t *testing.T) {
	var got openai.ChatCompletionRequest
	var accept string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&got)
		sseHandler(contentFrame("A"), contentFrame("B"), "data: [DONE]\n\n", contentFrame("after"))(w, r)
	}))

	stream, err := c.Stream(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	var deltas []string
	for d, err := range stream.Deltas() {
		require.NoError(t, err)
		deltas = append(deltas, d)
	}

	assert.Equal(t, []string{"A", "B"}, deltas)
	assert.True(t, got.Stream)
	assert.Equal(t, "text/event-stream", accept)
}

func TestStream_SkipsMalformedAndContentlessFrames(t *testing.T) {
	c := newTestClient(t, sseHandler(
		": keep-alive comment\n\n",
		contentFrame("A"),
		"data: {not json\n\n",
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n",
		`data: {"choices":[]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":""}}]}`+"\n\n",
		contentFrame("B"),
		"data: [DONE]\n\n",
	))

	stream, err := c.Stream(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	defer stream.Close()

	var deltas []string
	for {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	assert.Equal(t, []string{"A", "", "B"}, deltas)

	// Further reads keep reporting EOF
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_EndsAtBodyEndWithoutDone(t *testing.T) {
	c := newTestClient(t, sseHandler(contentFrame("A"), `data: {"choices":[{"delta":{"content":"tail"}}]}`))

	stream, err := c.Stream(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	text, err := stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, "Atail", text)
}

func TestStream_NonOKStatus(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}), WithMetrics(m))

	stream, err := c.Stream(context.Background(), CompletionRequest{})
	assert.Nil(t, stream)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues(metrics.ModeStream, metrics.OutcomeError)))
}

func TestStream_EarlyBreakCloses(t *testing.T) {
	released := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := fmt.Fprint(w, contentFrame(fmt.Sprint(i))); err != nil {
				close(released)
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				close(released)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))

	stream, err := c.Stream(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	var seen int
	for range stream.Deltas() {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
	assert.True(t, stream.closed.Load(), "stream must be closed after early break")

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the client disconnect")
	}

	// Close is idempotent
	assert.NoError(t, stream.Close())
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))

	assert.True(t, c.HealthCheck(context.Background()))

	status.Store(http.StatusInternalServerError)
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestHealthCheck_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.HealthTimeout = 50 * time.Millisecond
	c := New(cfg, nil)
	defer c.Close()

	start := time.Now()
	assert.False(t, c.HealthCheck(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"local-mistral","object":"model","owned_by":"llamacpp"}]}`)
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models.Models, 1)
	assert.Equal(t, "local-mistral", models.Models[0].ID)
}

func TestClose_RecreatesClient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	assert.True(t, c.HealthCheck(context.Background()))
	first := c.client()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, c.HealthCheck(context.Background()))
	assert.NotSame(t, first, c.client())
	assert.Equal(t, int32(2), calls.Load())
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New(config.LLMConfig{BaseURL: "http://localhost:8000/v1/"}, nil)
	assert.True(t, strings.HasSuffix(c.cfg.BaseURL, "/v1"))
}
