// ABOUTME: Chainable query builder routing recognised shapes to store operations
// ABOUTME: Unsupported shapes return an empty result; storage failures land in Result.Error

package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/2389/localbase/internal/store"
)

// ErrConsumed is returned when Execute is called on a builder that already ran
var ErrConsumed = errors.New("query builder already executed")

// Row is one result record keyed by column name
type Row map[string]any

// Result is the outcome of Execute. Data is never nil.
type Result struct {
	Data  []Row
	Error error
}

type filter struct {
	field string
	value any
}

type ordering struct {
	field string
	desc  bool
}

// Builder accumulates a query. It is not safe for concurrent use.
type Builder struct {
	store  store.Store
	logger *slog.Logger

	table    string
	fields   string
	filters  []filter
	limit    int
	order    *ordering
	consumed bool
}

// Select sets the projected columns: "*" or a comma separated list
func (b *Builder) Select(fields string) *Builder {
	b.fields = fields
	return b
}

// Eq adds an equality filter. Repeated calls are ANDed.
func (b *Builder) Eq(field string, value any) *Builder {
	b.filters = append(b.filters, filter{field: field, value: value})
	return b
}

// Limit caps the number of returned rows. Zero or negative means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Order sorts the result by field
func (b *Builder) Order(field string, desc bool) *Builder {
	b.order = &ordering{field: field, desc: desc}
	return b
}

// Shape is the closed set of query forms the builder can execute
type Shape interface {
	shape()
}

// ShapeThreadsByUser lists a user's threads
type ShapeThreadsByUser struct {
	UserID string
}

// ShapeUnsupported is any query the builder does not route
type ShapeUnsupported struct {
	Reason string
}

func (ShapeThreadsByUser) shape() {}
func (ShapeUnsupported) shape()   {}

// Shape classifies the accumulated query
func (b *Builder) Shape() Shape {
	if b.table != "threads" {
		return ShapeUnsupported{Reason: fmt.Sprintf("table %q", b.table)}
	}
	if len(b.filters) != 1 || b.filters[0].field != "user_id" {
		return ShapeUnsupported{Reason: fmt.Sprintf("threads requires exactly eq(user_id), got %d filters", len(b.filters))}
	}
	userID, ok := b.filters[0].value.(string)
	if !ok {
		userID = fmt.Sprint(b.filters[0].value)
	}
	return ShapeThreadsByUser{UserID: userID}
}

// Execute runs the query once. The builder cannot be reused afterwards.
func (b *Builder) Execute(ctx context.Context) Result {
	if b.consumed {
		return Result{Data: []Row{}, Error: ErrConsumed}
	}
	b.consumed = true

	switch s := b.Shape().(type) {
	case ShapeThreadsByUser:
		return b.threadsByUser(ctx, s.UserID)
	case ShapeUnsupported:
		b.logger.Debug("unsupported query shape", "table", b.table, "reason", s.Reason)
	}
	return Result{Data: []Row{}}
}

func (b *Builder) threadsByUser(ctx context.Context, userID string) Result {
	threads, err := b.store.GetUserThreads(ctx, userID)
	if err != nil {
		return Result{Data: []Row{}, Error: fmt.Errorf("listing threads: %w", err)}
	}

	if b.order != nil {
		if b.order.field == "created_at" {
			desc := b.order.desc
			sort.SliceStable(threads, func(i, j int) bool {
				if desc {
					return threads[i].CreatedAt.After(threads[j].CreatedAt)
				}
				return threads[i].CreatedAt.Before(threads[j].CreatedAt)
			})
		} else {
			b.logger.Debug("ignoring order on unsupported column", "table", b.table, "field", b.order.field)
		}
	}

	if b.limit > 0 && len(threads) > b.limit {
		threads = threads[:b.limit]
	}

	cols := parseFields(b.fields)
	rows := make([]Row, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, project(threadRow(t), cols))
	}
	return Result{Data: rows}
}

func threadRow(t *store.Thread) Row {
	return Row{
		"id":         t.ID,
		"project_id": t.ProjectID,
		"user_id":    t.UserID,
		"title":      t.Title,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"metadata":   map[string]any(t.Metadata),
	}
}

// parseFields returns nil for "*" (all columns)
func parseFields(fields string) []string {
	fields = strings.TrimSpace(fields)
	if fields == "" || fields == "*" {
		return nil
	}
	var cols []string
	for _, f := range strings.Split(fields, ",") {
		f = strings.TrimSpace(f)
		if f == "*" {
			return nil
		}
		if f != "" {
			cols = append(cols, f)
		}
	}
	return cols
}

// project keeps only the named columns; unknown names are omitted
func project(row Row, cols []string) Row {
	if cols == nil {
		return row
	}
	out := make(Row, len(cols))
	for _, c := range cols {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}
