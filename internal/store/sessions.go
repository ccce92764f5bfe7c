// ABOUTME: Session persistence backing local opaque access/refresh tokens
// ABOUTME: expires_at is recorded for reference only; nothing checks it

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession mints a new access/refresh token pair for the user and stores it.
// Sessions are never deduplicated: every call yields a new row.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID string, ttl time.Duration) (*Session, error) {
	now := s.now().UTC()
	session := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		AccessToken:  AccessTokenPrefix + uuid.New().String(),
		RefreshToken: RefreshTokenPrefix + uuid.New().String(),
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, access_token, refresh_token, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, session.AccessToken, session.RefreshToken,
		formatTime(session.ExpiresAt), formatTime(session.CreatedAt))
	if err != nil {
		return nil, classifyWriteError(err, "inserting session")
	}

	s.logger.Debug("created session", "id", session.ID, "user_id", userID)
	return session, nil
}

// GetSessionByAccessToken looks up a session by its access token.
// Returns ErrNotFound if no session holds the token. Expiry is not checked.
func (s *SQLiteStore) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	return s.getSession(ctx, "access_token", token)
}

// GetSessionByRefreshToken looks up a session by its refresh token.
// Returns ErrNotFound if no session holds the token.
func (s *SQLiteStore) GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return s.getSession(ctx, "refresh_token", token)
}

// getSession is only called with a fixed column name, never user input
func (s *SQLiteStore) getSession(ctx context.Context, column, token string) (*Session, error) {
	query := `
		SELECT id, user_id, access_token, refresh_token, expires_at, created_at
		FROM sessions
		WHERE ` + column + ` = ?
	`

	var session Session
	var expiresAtStr, createdAtStr string

	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&session.ID,
		&session.UserID,
		&session.AccessToken,
		&session.RefreshToken,
		&expiresAtStr,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if session.ExpiresAt, err = parseTime(expiresAtStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if session.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &session, nil
}
