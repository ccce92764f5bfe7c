// ABOUTME: Gateway orchestrator serving the localbase HTTP surface
// ABOUTME: Owns the mux, middleware chain, idempotency cache and server lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/localbase/internal/auth"
	"github.com/2389/localbase/internal/config"
	"github.com/2389/localbase/internal/dedupe"
	"github.com/2389/localbase/internal/shim"
)

const (
	// shutdownTimeout bounds graceful shutdown after the run context ends
	shutdownTimeout = 5 * time.Second

	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 1024
)

// Gateway serves the shim over HTTP.
type Gateway struct {
	config     *config.Config
	shim       *shim.Shim
	router     *Router
	replies    *dedupe.Cache[*cachedReply]
	httpServer *http.Server
	logger     *slog.Logger

	// cancelBase cancels the parent of every request context, ending open streams
	cancelBase context.CancelFunc
}

// New builds the gateway and registers its routes. The gateway takes ownership
// of the shim and closes it on Shutdown.
func New(cfg *config.Config, sh *shim.Shim, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:     cfg,
		shim:       sh,
		router:     NewRouter(sh.Store),
		replies:    dedupe.New[*cachedReply](idempotencyTTL, idempotencyMaxKeys),
		logger:     logger.With("component", "gateway"),
		cancelBase: cancel,
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return g
}

// Handler returns the full HTTP handler with middleware applied
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	authed := auth.HTTPMiddleware(g.shim.Auth)

	// Health endpoints (no auth)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Local sessions
	mux.HandleFunc("POST /auth/session", g.handleCreateSession)
	mux.HandleFunc("POST /auth/refresh", g.handleRefreshSession)
	mux.Handle("GET /auth/me", authed(http.HandlerFunc(g.handleMe)))

	// Threads and conversations
	mux.Handle("GET /api/threads", authed(http.HandlerFunc(g.handleListThreads)))
	mux.Handle("POST /api/threads", authed(http.HandlerFunc(g.handleCreateThread)))
	mux.Handle("GET /api/threads/{id}/messages", authed(http.HandlerFunc(g.handleListMessages)))
	mux.Handle("POST /api/threads/{id}/messages", authed(http.HandlerFunc(g.handleAddMessage)))
	mux.Handle("GET /api/threads/{id}/runs", authed(http.HandlerFunc(g.handleListRuns)))
	mux.Handle("POST /api/threads/{id}/chat", authed(http.HandlerFunc(g.handleChat)))
	mux.Handle("GET /api/threads/{id}/events", authed(http.HandlerFunc(g.handleThreadEvents)))

	// OpenAI-compatible pass-through
	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", g.handleListModels)

	if g.shim.Metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.shim.Metrics.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}

	return g.instrument(mux)
}

// Run listens on the configured address and serves until ctx is cancelled.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, ends open streams and closes the shim.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.cancelBase()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.replies.Close()
	errs = appendCloseError(errs, "shim close", g.shim.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyResponse reports each dependency of /health/ready
type readyResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	LLM    string `json:"llm"`
}

// handleReady returns 200 only when the store answers and the inference server is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Store: "ok", LLM: "ok"}
	status := http.StatusOK

	if err := g.shim.Store.Ping(r.Context()); err != nil {
		g.logger.Warn("store not ready", "error", err)
		resp.Store = "unavailable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if !g.shim.LLM.HealthCheck(r.Context()) {
		resp.LLM = "unreachable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	g.writeJSON(w, status, resp)
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
