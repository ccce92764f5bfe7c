// ABOUTME: Resty-backed client for a local OpenAI-compatible inference server
// ABOUTME: The HTTP client is created lazily, shared by all calls, and released by Close

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/2389/localbase/internal/config"
	"github.com/2389/localbase/internal/metrics"
)

// ErrUnexpectedStatus is returned when the inference server answers with a non-200 status
var ErrUnexpectedStatus = errors.New("unexpected status from inference server")

// Client talks to the inference server. It is safe for concurrent use.
type Client struct {
	cfg     config.LLMConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	http *resty.Client
}

// Option configures a Client
type Option func(*Client)

// WithMetrics records completion counts and latency
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client. No connection is made until the first request.
func New(cfg config.LLMConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "llm"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultModel returns the model used when a request names none
func (c *Client) DefaultModel() string {
	return c.cfg.DefaultModel
}

// client returns the shared resty client, creating it on first use or after Close.
func (c *Client) client() *resty.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.http == nil {
		rc := resty.New().
			SetBaseURL(c.cfg.BaseURL).
			SetHeader("Content-Type", "application/json").
			SetLogger(restyLogger{c.logger})
		if c.cfg.APIKey != "" {
			rc.SetAuthToken(c.cfg.APIKey)
		}
		c.http = rc
		c.logger.Debug("created inference http client", "base_url", c.cfg.BaseURL)
	}
	return c.http
}

// Close releases idle connections. A later call transparently creates a new client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.http != nil {
		c.http.GetClient().CloseIdleConnections()
		c.http = nil
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// HealthCheck reports whether GET /models answers 200 within the health timeout.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := c.withTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	resp, err := c.client().R().SetContext(ctx).Get("/models")
	if err != nil {
		c.logger.Error("health check failed", "error", err)
		return false
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("health check returned non-200", "status", resp.StatusCode())
		return false
	}
	return true
}

// ListModels returns the models the inference server advertises
func (c *Client) ListModels(ctx context.Context) (*openai.ModelsList, error) {
	ctx, cancel := c.withTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	resp, err := c.client().R().SetContext(ctx).Get("/models")
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var models openai.ModelsList
	if err := json.Unmarshal(resp.Body(), &models); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	return &models, nil
}

// restyLogger routes resty's internal warnings through slog
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
