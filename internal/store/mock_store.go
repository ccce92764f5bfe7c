// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping ordering and FK behaviour

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same references the SQLite schema declares.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	projects map[string]*Project
	threads  map[string]*Thread
	messages map[string][]*Message // keyed by threadID, insertion order
	runs     map[string]*AgentRun
	sessions map[string]*Session // keyed by session ID
	seq      map[string]int      // insertion sequence for stable tie-breaks
	next     int
	now      func() time.Time

	// Err, when set, is returned by every operation to simulate storage failure.
	Err error
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		projects: make(map[string]*Project),
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
		runs:     make(map[string]*AgentRun),
		sessions: make(map[string]*Session),
		seq:      make(map[string]int),
		now:      time.Now,
	}
}

func (m *MockStore) stamp(id string) time.Time {
	m.next++
	m.seq[id] = m.next
	return m.now().UTC()
}

func copyMetadata(md Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// Initialize seeds the default user and project once.
func (m *MockStore) Initialize(ctx context.Context, defaults Defaults) error {
	if m.Err != nil {
		return m.Err
	}
	if defaults.UserID == "" || defaults.ProjectID == "" {
		return errors.New("initialize: default user and project ids are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[defaults.UserID]; !ok {
		now := m.stamp(defaults.UserID)
		m.users[defaults.UserID] = &User{ID: defaults.UserID, Email: defaults.UserEmail, CreatedAt: now, UpdatedAt: now, Metadata: Metadata{}}
	}
	if _, ok := m.projects[defaults.ProjectID]; !ok {
		now := m.stamp(defaults.ProjectID)
		m.projects[defaults.ProjectID] = &Project{ID: defaults.ProjectID, Name: defaults.ProjectName, UserID: defaults.UserID, CreatedAt: now, UpdatedAt: now, Metadata: Metadata{}}
	}
	return nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicate
	}
	for _, u := range m.users {
		if user.Email != "" && u.Email == user.Email {
			return ErrDuplicate
		}
	}
	now := m.stamp(user.ID)
	user.CreatedAt, user.UpdatedAt = now, now
	if user.Metadata == nil {
		user.Metadata = Metadata{}
	}

	u := *user
	u.Metadata = copyMetadata(user.Metadata)
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateProject stores a new project.
func (m *MockStore) CreateProject(ctx context.Context, project *Project) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if _, ok := m.projects[project.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.users[project.UserID]; !ok {
		return ErrMissingReference
	}
	now := m.stamp(project.ID)
	project.CreatedAt, project.UpdatedAt = now, now
	if project.Metadata == nil {
		project.Metadata = Metadata{}
	}

	p := *project
	p.Metadata = copyMetadata(project.Metadata)
	m.projects[p.ID] = &p
	return nil
}

// GetProject retrieves a project by ID.
func (m *MockStore) GetProject(ctx context.Context, id string) (*Project, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListUserProjects returns a user's projects, newest first.
func (m *MockStore) ListUserProjects(ctx context.Context, userID string) ([]*Project, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Project
	for _, p := range m.projects {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] > m.seq[out[j].ID] })
	return out, nil
}

// CreateThread stores a new thread.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if _, ok := m.threads[thread.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.users[thread.UserID]; !ok {
		return ErrMissingReference
	}
	if _, ok := m.projects[thread.ProjectID]; !ok {
		return ErrMissingReference
	}
	if thread.Title == "" {
		thread.Title = DefaultThreadTitle(thread.ID)
	}
	now := m.stamp(thread.ID)
	thread.CreatedAt, thread.UpdatedAt = now, now
	if thread.Metadata == nil {
		thread.Metadata = Metadata{}
	}

	t := *thread
	t.Metadata = copyMetadata(thread.Metadata)
	m.threads[t.ID] = &t
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// GetUserThreads returns a user's threads, newest first.
func (m *MockStore) GetUserThreads(ctx context.Context, userID string) ([]*Thread, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Thread
	for _, t := range m.threads {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	return out, nil
}

// AddMessage appends a message to a thread.
func (m *MockStore) AddMessage(ctx context.Context, msg *Message) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[msg.ThreadID]; !ok {
		return ErrMissingReference
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = m.stamp(msg.ID)
	if msg.Metadata == nil {
		msg.Metadata = Metadata{}
	}

	cp := *msg
	cp.Metadata = copyMetadata(msg.Metadata)
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &cp)
	return nil
}

// GetThreadMessages returns messages in insertion order.
func (m *MockStore) GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[threadID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// CreateAgentRun stores a new agent run.
func (m *MockStore) CreateAgentRun(ctx context.Context, run *AgentRun) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[run.ThreadID]; !ok {
		return ErrMissingReference
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	now := m.stamp(run.ID)
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Metadata == nil {
		run.Metadata = Metadata{}
	}

	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// GetAgentRun retrieves an agent run by ID.
func (m *MockStore) GetAgentRun(ctx context.Context, id string) (*AgentRun, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateAgentRunStatus sets a run's status and error message.
func (m *MockStore) UpdateAgentRunStatus(ctx context.Context, id, status string, errorMessage *string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	r.UpdatedAt = m.now().UTC()
	return nil
}

// ListThreadAgentRuns returns a thread's runs, oldest first.
func (m *MockStore) ListThreadAgentRuns(ctx context.Context, threadID string) ([]*AgentRun, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AgentRun
	for _, r := range m.runs {
		if r.ThreadID == threadID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	return out, nil
}

// CreateSession mints a new session for the user.
func (m *MockStore) CreateSession(ctx context.Context, userID string, ttl time.Duration) (*Session, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return nil, ErrMissingReference
	}
	id := uuid.New().String()
	now := m.stamp(id)
	s := &Session{
		ID:           id,
		UserID:       userID,
		AccessToken:  AccessTokenPrefix + uuid.New().String(),
		RefreshToken: RefreshTokenPrefix + uuid.New().String(),
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}
	m.sessions[id] = s
	cp := *s
	return &cp, nil
}

// GetSessionByAccessToken looks up a session by access token.
func (m *MockStore) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	return m.findSession(func(s *Session) bool { return s.AccessToken == token })
}

// GetSessionByRefreshToken looks up a session by refresh token.
func (m *MockStore) GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return m.findSession(func(s *Session) bool { return s.RefreshToken == token })
}

func (m *MockStore) findSession(match func(*Session) bool) (*Session, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if match(s) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// SessionCount returns how many sessions have been minted.
func (m *MockStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Ping returns Err, if set.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.Err
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
