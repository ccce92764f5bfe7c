// ABOUTME: Thread and message persistence for the SQLite store
// ABOUTME: Threads list newest first; messages are append-only and list oldest first

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultThreadTitle is the title given to a thread created without one
func DefaultThreadTitle(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Thread " + short
}

// CreateThread inserts a thread. The project and user it names must exist;
// the engine rejects the insert with ErrMissingReference otherwise.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.Title == "" {
		thread.Title = DefaultThreadTitle(thread.ID)
	}
	now := s.now().UTC()
	thread.CreatedAt, thread.UpdatedAt = now, now
	if thread.Metadata == nil {
		thread.Metadata = Metadata{}
	}

	meta, err := encodeMetadata(thread.Metadata)
	if err != nil {
		return fmt.Errorf("encoding thread metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, project_id, user_id, title, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, thread.ID, thread.ProjectID, thread.UserID, thread.Title, formatTime(now), formatTime(now), meta)
	if err != nil {
		return classifyWriteError(err, "inserting thread")
	}

	s.logger.Debug("created thread", "id", thread.ID, "user_id", thread.UserID)
	return nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, title, created_at, updated_at, metadata
		FROM threads
		WHERE id = ?
	`, id)

	t, err := s.scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetUserThreads returns every thread owned by the user, newest first.
// Threads created in the same microsecond keep insertion order reversed.
func (s *SQLiteStore) GetUserThreads(ctx context.Context, userID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, title, created_at, updated_at, metadata
		FROM threads
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := s.scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return threads, nil
}

func (s *SQLiteStore) scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var meta sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.Title, &createdAtStr, &updatedAtStr, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning thread row: %w", err)
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	t.Metadata = decodeMetadataLogged(s.logger, "threads", t.ID, meta.String)

	return &t, nil
}

// AddMessage appends a message to a thread. Metadata is serialized to JSON text;
// nil metadata is stored as an empty object.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = s.now().UTC()
	if msg.Metadata == nil {
		msg.Metadata = Metadata{}
	}

	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encoding message metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, type, content, is_llm_message, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ThreadID, msg.Type, msg.Content, msg.IsLLMMessage, formatTime(msg.CreatedAt), meta)
	if err != nil {
		return classifyWriteError(err, "inserting message")
	}

	s.logger.Debug("added message", "id", msg.ID, "thread_id", msg.ThreadID, "type", msg.Type)
	return nil
}

// GetThreadMessages returns a thread's messages in chronological order (oldest first).
// A message whose metadata is not valid JSON is returned with an empty map.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, type, content, is_llm_message, created_at, metadata
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var meta sql.NullString
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Type, &msg.Content, &msg.IsLLMMessage, &createdAtStr, &meta); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msg.Metadata = decodeMetadataLogged(s.logger, "messages", msg.ID, meta.String)

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}
