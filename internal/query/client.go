// ABOUTME: Query client that hands out single-use table builders
// ABOUTME: Builders are bound to a store.Store and never shared between callers

package query

import (
	"log/slog"

	"github.com/2389/localbase/internal/store"
)

// Client creates builders against a store
type Client struct {
	store  store.Store
	logger *slog.Logger
}

// NewClient creates a query client for the given store
func NewClient(s store.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:  s,
		logger: logger.With("component", "query"),
	}
}

// Table starts a new query against the named table
func (c *Client) Table(name string) *Builder {
	return &Builder{
		store:  c.store,
		logger: c.logger,
		table:  name,
		fields: "*",
	}
}

// From is an alias for Table
func (c *Client) From(name string) *Builder {
	return c.Table(name)
}
