// ABOUTME: User and project persistence for the SQLite store
// ABOUTME: Creates fill missing ids and timestamps; gets return ErrNotFound

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateUser inserts a user. A missing ID is generated and timestamps are set to now.
// Returns ErrDuplicate if the id or email is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := s.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	if user.Metadata == nil {
		user.Metadata = Metadata{}
	}

	meta, err := encodeMetadata(user.Metadata)
	if err != nil {
		return fmt.Errorf("encoding user metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, user.ID, nullString(user.Email), formatTime(now), formatTime(now), meta)
	if err != nil {
		return classifyWriteError(err, "inserting user")
	}

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, created_at, updated_at, metadata
		FROM users
		WHERE id = ?
	`, id)
	return s.scanUser(row)
}

// GetUserByEmail retrieves a user by email.
// Returns ErrNotFound if no user has that email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, created_at, updated_at, metadata
		FROM users
		WHERE email = ?
	`, email)
	return s.scanUser(row)
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var user User
	var email, meta sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(&user.ID, &email, &createdAtStr, &updatedAtStr, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.Email = email.String
	if user.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if user.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	user.Metadata = decodeMetadataLogged(s.logger, "users", user.ID, meta.String)

	return &user, nil
}

// CreateProject inserts a project. The owning user must exist.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := s.now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now
	if project.Metadata == nil {
		project.Metadata = Metadata{}
	}

	meta, err := encodeMetadata(project.Metadata)
	if err != nil {
		return fmt.Errorf("encoding project metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, user_id, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.UserID, formatTime(now), formatTime(now), meta)
	if err != nil {
		return classifyWriteError(err, "inserting project")
	}

	s.logger.Debug("created project", "id", project.ID, "user_id", project.UserID)
	return nil
}

// GetProject retrieves a project by ID.
// Returns ErrNotFound if the project doesn't exist.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, user_id, created_at, updated_at, metadata
		FROM projects
		WHERE id = ?
	`, id)

	p, err := s.scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListUserProjects returns a user's projects, newest first
func (s *SQLiteStore) ListUserProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, user_id, created_at, updated_at, metadata
		FROM projects
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := s.scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}
	return projects, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanProject(row rowScanner) (*Project, error) {
	var p Project
	var meta sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&p.ID, &p.Name, &p.UserID, &createdAtStr, &updatedAtStr, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning project row: %w", err)
	}

	var err error
	if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	p.Metadata = decodeMetadataLogged(s.logger, "projects", p.ID, meta.String)

	return &p, nil
}
