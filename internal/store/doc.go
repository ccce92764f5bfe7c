// Package store provides the embedded relational store for localbase using SQLite.
//
// # Architecture
//
// A single Store interface covers every entity. SQLiteStore implements it on
// database/sql and MockStore implements it in memory for unit tests.
//
// Two drivers are supported, selected with WithDriver:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// # Data Models
//
//   - User: local identity, unique email
//   - Project: groups threads, owned by a user
//   - Thread: conversation owned by a user within a project
//   - Message: append-only thread entry with a type discriminator
//   - AgentRun: one model invocation against a thread (running, completed, failed)
//   - Session: opaque access/refresh token pair for a user
//
// Every entity carries a Metadata map stored as JSON text. A payload that fails
// to decode is returned as an empty map and logged, never as an error.
//
// # SQLite Configuration
//
// Pragmas are applied per connection through the DSN:
//
//	busy_timeout(<ms>)
//	foreign_keys(1)
//	journal_mode(WAL)
//
// Timestamps are stored as fixed-width UTC text so that ORDER BY created_at is
// chronological. Rows created within the same microsecond fall back to rowid.
//
// # Initialization
//
// Initialize creates missing tables and seeds the default user and project with
// INSERT OR IGNORE in one transaction. It is idempotent and safe to call from
// concurrent processes sharing the file.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: id or unique column already taken
//   - ErrMissingReference: referenced user, project, or thread does not exist
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	_ = s.Initialize(ctx, store.Defaults{UserID: "u", ProjectID: "p"})
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration tests.
package store
