// ABOUTME: Test harness and lifecycle tests for the gateway HTTP server
// ABOUTME: Runs the full handler against a temp-dir store and a fake inference server

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/localbase/internal/config"
	"github.com/2389/localbase/internal/shim"
	"github.com/2389/localbase/internal/store"
)

var testDefaults = store.Defaults{
	UserID:      config.DefaultUserID,
	UserEmail:   config.DefaultUserEmail,
	ProjectID:   config.DefaultProjectID,
	ProjectName: config.DefaultProjectName,
}

// fakeModel stands in for the local inference server
type fakeModel struct {
	reply   string
	deltas  []string
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *fakeModel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		if f.failing.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"local-mistral","object":"model","owned_by":"local"}]}`)
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.failing.Load() {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, d := range f.deltas {
				fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cmpl-1","object":"chat.completion","model":%q,
			"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`, body.Model, f.reply)
	})
	return mux
}

type testEnv struct {
	gw    *Gateway
	shim  *shim.Shim
	srv   *httptest.Server
	model *fakeModel
}

type envOption func(*config.Config)

func withMetrics() envOption {
	return func(c *config.Config) { c.Metrics.Enabled = true }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	model := &fakeModel{reply: "hello from the model", deltas: []string{"Hel", "lo"}}
	modelSrv := httptest.NewServer(model.handler())
	t.Cleanup(modelSrv.Close)

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.LLM.BaseURL = modelSrv.URL + "/v1"
	cfg.LLM.HealthTimeout = time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	sh, err := shim.New(context.Background(), cfg, nil)
	require.NoError(t, err)

	gw := New(cfg, sh, nil)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{gw: gw, shim: sh, srv: srv, model: model}
}

// do sends a request with an optional bearer token and JSON body
func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// sseEvent is one parsed server-sent event
type sseEvent struct {
	Event string
	Data  string
}

// readSSE parses events until the body ends
func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestReady(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decodeBody[readyResponse](t, resp)
	assert.Equal(t, readyResponse{Status: "ready", Store: "ok", LLM: "ok"}, ready)

	env.model.failing.Store(true)
	resp = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	ready = decodeBody[readyResponse](t, resp)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "ok", ready.Store)
	assert.Equal(t, "unreachable", ready.LLM)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/threads", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("records requests by route pattern", func(t *testing.T) {
		env := newTestEnv(t, withMetrics())
		env.do(t, http.MethodGet, "/health", "", nil)

		resp := env.do(t, http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), `route="GET /health"`)
	})
}

func TestServe_GracefulShutdown(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.gw.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	// An open event stream must not hold shutdown past the timeout
	thread, err := env.shim.Conversations.EnsureThread(context.Background(), testDefaults.UserID, testDefaults.ProjectID, "")
	require.NoError(t, err)
	streamResp, err := http.Get(url + "/api/threads/" + thread.ID + "/events")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	start := time.Now()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), shutdownTimeout)
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	env.gw.config.Server.HTTPAddr = ln.Addr().String()
	err = env.gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}
