// ABOUTME: Store interface and data types for localbase persistence
// ABOUTME: Defines User, Project, Thread, Message, AgentRun, Session and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing id or unique column
var ErrDuplicate = errors.New("already exists")

// ErrMissingReference is returned when an insert names a user, project, or thread
// that does not exist. The engine enforces this; the store does not pre-check.
var ErrMissingReference = errors.New("referenced row does not exist")

// Metadata is the opaque key/value map every entity carries, stored as JSON text
type Metadata map[string]any

// Opaque session token prefixes. They distinguish access from refresh tokens
// and mark a bearer value as locally minted.
const (
	AccessTokenPrefix  = "local_token_"
	RefreshTokenPrefix = "local_refresh_"
)

// AgentRun status values. The column is free-form; these are the ones localbase writes.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Message type values used by the conversation layer
const (
	MessageTypeUser      = "user"
	MessageTypeAssistant = "assistant"
	MessageTypeSystem    = "system"
)

// User is a local identity. Users are never deleted.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  Metadata
}

// Project groups threads for a user
type Project struct {
	ID        string
	Name      string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  Metadata
}

// Thread is a conversation owned by a user within a project
type Thread struct {
	ID        string
	ProjectID string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  Metadata
}

// Message is a single immutable entry in a thread
type Message struct {
	ID           string
	ThreadID     string
	Type         string // role/category discriminator
	Content      string
	IsLLMMessage bool
	CreatedAt    time.Time
	Metadata     Metadata
}

// AgentRun records one model invocation against a thread
type AgentRun struct {
	ID           string
	ThreadID     string
	Status       string
	ModelName    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage *string
	Metadata     Metadata
}

// Session is a pair of opaque tokens minted together for a user.
// ExpiresAt is recorded but never enforced.
type Session struct {
	ID           string
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Defaults names the seed identity created by Initialize
type Defaults struct {
	UserID      string
	UserEmail   string
	ProjectID   string
	ProjectName string
}

// Store defines the interface for localbase persistence
type Store interface {
	// Initialize creates the schema and seeds the default user/project. Idempotent.
	Initialize(ctx context.Context, defaults Defaults) error

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListUserProjects(ctx context.Context, userID string) ([]*Project, error)

	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	GetUserThreads(ctx context.Context, userID string) ([]*Thread, error)

	// Messages (append-only)
	AddMessage(ctx context.Context, msg *Message) error
	GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error)

	// Agent runs
	CreateAgentRun(ctx context.Context, run *AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*AgentRun, error)
	UpdateAgentRunStatus(ctx context.Context, id, status string, errorMessage *string) error
	ListThreadAgentRuns(ctx context.Context, threadID string) ([]*AgentRun, error)

	// Sessions
	CreateSession(ctx context.Context, userID string, ttl time.Duration) (*Session, error)
	GetSessionByAccessToken(ctx context.Context, token string) (*Session, error)
	GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error)

	// Ping reports whether the storage medium is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
