// ABOUTME: Explicit context object wiring store, auth, query, completion and conversation
// ABOUTME: Exposes the three entry points the host application calls

package shim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/localbase/internal/auth"
	"github.com/2389/localbase/internal/config"
	"github.com/2389/localbase/internal/conversation"
	"github.com/2389/localbase/internal/llm"
	"github.com/2389/localbase/internal/metrics"
	"github.com/2389/localbase/internal/query"
	"github.com/2389/localbase/internal/store"
)

// Shim owns every local substitute for the hosted backend.
// Build one per process with New and release it with Close.
type Shim struct {
	Config        *config.Config
	Store         store.Store
	Query         *query.Client
	Auth          *auth.Service
	LLM           *llm.Client
	Metrics       *metrics.Metrics
	Broadcaster   *conversation.Broadcaster
	Conversations *conversation.Service

	closer interface{ Close() error }
	logger *slog.Logger
}

// New opens the store, seeds the default identity and builds the services.
// Metrics are collected only when cfg.Metrics.Enabled is set.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Shim, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithDriver(cfg.Database.Driver),
		store.WithBusyTimeout(cfg.Database.BusyTimeout),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s, err := assemble(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	s.closer = st
	return s, nil
}

// assemble builds the services over an already opened store
func assemble(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (*Shim, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := Defaults(cfg.Local)
	if err := st.Initialize(ctx, defaults); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	issuer, err := NewTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}

	llmClient := llm.New(cfg.LLM, logger, llm.WithMetrics(m))
	broadcaster := conversation.NewBroadcaster(logger)

	s := &Shim{
		Config:        cfg,
		Store:         st,
		Query:         query.NewClient(st, logger),
		Auth:          auth.NewService(st, issuer, defaults, logger, auth.WithMetrics(m)),
		LLM:           llmClient,
		Metrics:       m,
		Broadcaster:   broadcaster,
		Conversations: conversation.New(st, llmClient, broadcaster, logger),
		logger:        logger.With("component", "shim"),
	}

	s.logger.Info("localbase ready",
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
		"llm", cfg.LLM.BaseURL,
		"default_user", defaults.UserID,
	)
	return s, nil
}

// NewTokenIssuer builds the signed-token issuer from the auth and local sections
func NewTokenIssuer(cfg *config.Config) (*auth.TokenIssuer, error) {
	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenExpiry,
		auth.WithDefaultEmail(cfg.Local.UserEmail))
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	return issuer, nil
}

// Defaults maps the local identity config onto the store's seed rows
func Defaults(c config.LocalConfig) store.Defaults {
	return store.Defaults{
		UserID:      c.UserID,
		UserEmail:   c.UserEmail,
		ProjectID:   c.ProjectID,
		ProjectName: c.ProjectName,
	}
}

// VerifyUserToken resolves a bearer token to a user id, falling back to the default user.
func (s *Shim) VerifyUserToken(ctx context.Context, token string) string {
	return s.Auth.VerifyUserToken(ctx, token)
}

// MakeLLMAPICall runs a single-shot completion. Failures come back as a fallback completion.
func (s *Shim) MakeLLMAPICall(ctx context.Context, req llm.CompletionRequest) *openai.ChatCompletionResponse {
	return s.LLM.MakeCompletion(ctx, req)
}

// StreamLLMResponse opens a streaming completion. The caller must close the stream.
func (s *Shim) StreamLLMResponse(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error) {
	return s.LLM.Stream(ctx, req)
}

// Table starts a query against a logical table
func (s *Shim) Table(name string) *query.Builder {
	return s.Query.Table(name)
}

// Close releases the inference client first, then the store.
func (s *Shim) Close() error {
	s.Broadcaster.Close()

	var errs []error
	if err := s.LLM.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing llm client: %w", err))
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
