// ABOUTME: SQLite implementation of the Store interface using database/sql
// ABOUTME: Opens modernc.org/sqlite or mattn/go-sqlite3, creates the schema, seeds defaults

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"  // pure Go, modernc.org/sqlite
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type options struct {
	driver      string
	busyTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures NewSQLiteStore
type Option func(*options)

// WithDriver selects the database/sql driver ("sqlite" or "sqlite3")
func WithDriver(driver string) Option {
	return func(o *options) {
		if driver != "" {
			o.driver = driver
		}
	}
}

// WithBusyTimeout sets how long a writer waits on a locked database
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithLogger sets the logger used by the store
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp created_at/updated_at
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewSQLiteStore opens a SQLite database at the given path.
// Parent directories are created if needed. The schema is created by Initialize.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := options{
		driver:      DriverModernc,
		busyTimeout: 5 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := buildDSN(o.driver, path, o.busyTimeout)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(o.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	logger.Info("SQLite store opened", "path", path, "driver", o.driver)
	return &SQLiteStore{db: db, logger: logger, now: o.now}, nil
}

// buildDSN applies busy timeout, foreign keys and WAL per connection in the
// syntax each driver understands.
func buildDSN(driver, path string, busyTimeout time.Duration) (string, error) {
	ms := busyTimeout.Milliseconds()
	switch driver {
	case DriverModernc:
		q := url.Values{}
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
		q.Add("_pragma", "foreign_keys(1)")
		if path != ":memory:" {
			q.Add("_pragma", "journal_mode(WAL)")
		}
		return "file:" + path + "?" + q.Encode(), nil
	case DriverCGO:
		q := url.Values{}
		q.Set("_busy_timeout", fmt.Sprint(ms))
		q.Set("_foreign_keys", "on")
		if path != ":memory:" {
			q.Set("_journal_mode", "WAL")
		}
		return "file:" + path + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id, created_at);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (project_id) REFERENCES projects(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_threads_user_created ON threads(user_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		is_llm_message BOOLEAN NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		model_name TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		error_message TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);

	CREATE INDEX IF NOT EXISTS idx_agent_runs_thread ON agent_runs(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		access_token TEXT NOT NULL UNIQUE,
		refresh_token TEXT NOT NULL UNIQUE,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
`

// Initialize creates the tables if they don't exist and seeds the default
// user and project. Safe to call repeatedly and from concurrent callers:
// INSERT OR IGNORE inside one transaction lets a single caller win the seed.
func (s *SQLiteStore) Initialize(ctx context.Context, defaults Defaults) error {
	if defaults.UserID == "" || defaults.ProjectID == "" {
		return fmt.Errorf("initialize: default user and project ids are required")
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (id, email, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, '{}')
	`, defaults.UserID, defaults.UserEmail, now, now)
	if err != nil {
		return fmt.Errorf("seeding default user: %w", err)
	}
	userInserted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO projects (id, name, user_id, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, '{}')
	`, defaults.ProjectID, defaults.ProjectName, defaults.UserID, now, now)
	if err != nil {
		return fmt.Errorf("seeding default project: %w", err)
	}
	projectInserted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing seed: %w", err)
	}

	if userInserted > 0 || projectInserted > 0 {
		s.logger.Info("created default local user and project",
			"user_id", defaults.UserID, "project_id", defaults.ProjectID)
	}
	return nil
}

// Ping reports whether the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// timeLayout is fixed width so lexical order on the TEXT column equals time order
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	// Rows written by other tools may carry plain RFC 3339
	return time.Parse(time.RFC3339Nano, s)
}

// classifyWriteError maps SQLite constraint failures onto the package sentinels
func classifyWriteError(err error, action string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%s: %w", action, ErrMissingReference)
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "PRIMARY KEY constraint failed"):
		return fmt.Errorf("%s: %w", action, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", action, err)
	}
}

// nullString returns nil for empty strings so the column stores NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullStringPtr dereferences an optional string for a nullable column
func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
